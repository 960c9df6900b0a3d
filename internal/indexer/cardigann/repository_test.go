package cardigann

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPackage(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestRepository(t *testing.T, baseURL string) *Repository {
	t.Helper()
	return NewRepository(RepositoryConfig{
		BaseURL:    baseURL,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	}, zerolog.New(zerolog.NewTestWriter(t)))
}

func TestRepository_FetchPackage(t *testing.T) {
	pkg := buildPackage(t, map[string][]byte{
		"definitions/alpha.yml": minimalDefinition("alpha", "Alpha", "public"),
		"definitions/beta.yaml": minimalDefinition("beta", "Beta", "private"),
		"README.md":             []byte("readme"),
	})

	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.UserAgent()
		if r.URL.Path != "/master/11/package.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pkg)
	}))
	defer srv.Close()

	repo := newTestRepository(t, srv.URL)
	defs, err := repo.FetchPackage(context.Background())
	require.NoError(t, err)

	assert.Len(t, defs, 2)
	assert.Contains(t, defs, "alpha")
	assert.Contains(t, defs, "beta")
	assert.Equal(t, "IndexHub/1.0", userAgent)
}

func TestRepository_FetchDefinition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/master/11/alpha" {
			_, _ = w.Write(minimalDefinition("alpha", "Alpha", "public"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	repo := newTestRepository(t, srv.URL)

	def, err := repo.FetchDefinition(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", def.Name)

	_, err = repo.FetchDefinition(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRepository_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(minimalDefinition("alpha", "Alpha", "public"))
	}))
	defer srv.Close()

	repo := newTestRepository(t, srv.URL)
	_, err := repo.FetchDefinitionRaw(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRepository_DoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	repo := newTestRepository(t, srv.URL)
	_, err := repo.FetchDefinitionRaw(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExtractPackage_Empty(t *testing.T) {
	_, err := extractPackage(buildPackage(t, map[string][]byte{"README.md": []byte("x")}), zerolog.Nop())
	assert.Error(t, err)

	_, err = extractPackage([]byte("not a zip"), zerolog.Nop())
	assert.Error(t, err)
}
