package indexer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	return c
}

func TestClient_CookiesAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("uid")
		if err != nil || c.Value != "1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	c := newTestClient(t, DefaultClientConfig())
	req := types.NewGetRequest(srv.URL + "/page")
	req.SetHeader("X-Test", "yes")
	req.Cookies = map[string]string{"uid": "1"}

	resp, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, map[string]string{"session": "abc"}, resp.Cookies)
}

func TestClient_FormPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		_, _ = io.WriteString(w, r.PostForm.Get("username"))
	}))
	defer srv.Close()

	c := newTestClient(t, DefaultClientConfig())
	resp, err := c.Execute(context.Background(), &types.HTTPRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/login",
		Form:   url.Values{"username": {"alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", string(resp.Body))
}

func TestClient_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "step", Value: "1"})
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "done")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, DefaultClientConfig())

	t.Run("not followed by default", func(t *testing.T) {
		resp, err := c.Execute(context.Background(), types.NewGetRequest(srv.URL+"/start"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/end", resp.Headers.Get("Location"))
		assert.Equal(t, "1", resp.Cookies["step"])
	})

	t.Run("followed when allowed", func(t *testing.T) {
		req := types.NewGetRequest(srv.URL + "/start")
		req.AllowAutoRedirect = true
		resp, err := c.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "done", string(resp.Body))
		assert.Equal(t, srv.URL+"/end", resp.URL)
		assert.Equal(t, "1", resp.Cookies["step"])
	})
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, DefaultClientConfig())
	req := types.NewGetRequest(srv.URL)
	req.Timeout = 50 * time.Millisecond

	_, err := c.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, DefaultClientConfig())
	_, err := c.Execute(context.Background(), types.NewGetRequest(addr))
	require.Error(t, err)
	assert.True(t, types.IsNetworkError(err))
}

func TestClient_HTTPErrorIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, DefaultClientConfig())
	resp, err := c.Execute(context.Background(), types.NewGetRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestClient_Cloudflare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "<title>Just a moment...</title>")
	}))
	defer srv.Close()

	c := newTestClient(t, DefaultClientConfig())
	_, err := c.Execute(context.Background(), types.NewGetRequest(srv.URL))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeCloudflare, types.GetErrorCode(err))
}

func TestClient_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.MaxBodyBytes = 4
	c := newTestClient(t, cfg)
	resp, err := c.Execute(context.Background(), types.NewGetRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "0123", string(resp.Body))
}

func TestNewClient_InvalidProxy(t *testing.T) {
	_, err := NewClient(ClientConfig{ProxyURL: "://bad"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	u, err := url.Parse("https://user:pw@idx.example/api?t=search&apikey=secret&q=x")
	require.NoError(t, err)
	got := redactURL(u)
	assert.NotContains(t, got, "secret")
	assert.NotContains(t, got, "pw@")
	assert.Contains(t, got, "q=x")
}
