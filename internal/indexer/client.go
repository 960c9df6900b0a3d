package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// ClientConfig configures the outbound HTTP executor.
type ClientConfig struct {
	Timeout      time.Duration // per request, overridden by HTTPRequest.Timeout
	ProxyURL     string        // empty uses the environment proxy settings
	UserAgent    string
	MaxBodyBytes int64
	MaxRedirects int
}

// DefaultClientConfig returns the default executor configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      30 * time.Second,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxBodyBytes: 16 << 20,
		MaxRedirects: 10,
	}
}

// Client executes request descriptors over net/http. It keeps no cookies
// between requests; session state travels on the descriptors.
type Client struct {
	http   *http.Client
	config ClientConfig
	logger zerolog.Logger
}

type redirectKey struct{}

// NewClient creates the HTTP executor.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	c := &Client{config: cfg, logger: logger.With().Str("component", "http").Logger()}
	c.http = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if follow, _ := req.Context().Value(redirectKey{}).(bool); !follow {
				return http.ErrUseLastResponse
			}
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
	return c, nil
}

// Execute performs the request. Non-2xx statuses are returned as responses,
// only transport failures are errors.
func (c *Client) Execute(ctx context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
	timeout := c.config.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, redirectKey{}, req.AllowAutoRedirect), timeout)
	defer cancel()

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, types.NewConfigError(0, "", fmt.Sprintf("invalid request: %v", err))
	}

	jar := newRequestJar(req.Cookies)
	client := *c.http
	client.Jar = jar

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(0, "", err)
		}
		return nil, types.NewNetworkError(0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(0, "", err)
		}
		return nil, types.NewNetworkError(0, "", fmt.Errorf("failed to read response: %w", err))
	}

	out := &types.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
		Cookies:    jar.received(),
		Elapsed:    time.Since(start),
	}

	c.logger.Trace().
		Str("method", httpReq.Method).
		Str("url", redactURL(httpReq.URL)).
		Int("status", out.StatusCode).
		Dur("elapsed", out.Elapsed).
		Msg("Executed request")

	if isCloudflareChallenge(out) {
		return nil, &types.IndexerError{
			Code:     types.ErrCodeCloudflare,
			Message:  "blocked by cloudflare protection",
			Response: out,
		}
	}
	return out, nil
}

func (c *Client) build(ctx context.Context, req *types.HTTPRequest) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var (
		body        io.Reader
		contentType = req.ContentType
	)
	switch {
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	case method != http.MethodGet && req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	return httpReq, nil
}

// requestJar sends the descriptor cookies on every hop and records the
// cookies set along the way.
type requestJar struct {
	mu   sync.Mutex
	sent map[string]string
	got  map[string]string
}

func newRequestJar(cookies map[string]string) *requestJar {
	sent := make(map[string]string, len(cookies))
	for k, v := range cookies {
		sent[k] = v
	}
	return &requestJar{sent: sent, got: map[string]string{}}
}

func (j *requestJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(j.sent, c.Name)
			delete(j.got, c.Name)
			continue
		}
		j.sent[c.Name] = c.Value
		j.got[c.Name] = c.Value
	}
}

func (j *requestJar) Cookies(_ *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.sent))
	for k, v := range j.sent {
		out = append(out, &http.Cookie{Name: k, Value: v})
	}
	return out
}

func (j *requestJar) received() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.got) == 0 {
		return nil
	}
	out := make(map[string]string, len(j.got))
	for k, v := range j.got {
		out[k] = v
	}
	return out
}

func isCloudflareChallenge(resp *types.HTTPResponse) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	if !strings.EqualFold(resp.Headers.Get("Server"), "cloudflare") {
		return false
	}
	body := string(resp.Body)
	return strings.Contains(body, "cf-browser-verification") ||
		strings.Contains(body, "challenge-platform") ||
		strings.Contains(body, "Just a moment...")
}

// redactURL strips credentials carried in query strings.
func redactURL(u *url.URL) string {
	q := u.Query()
	for _, key := range []string{"apikey", "passkey", "rsskey", "pid", "key"} {
		if q.Has(key) {
			q.Set(key, "***")
		}
	}
	c := *u
	c.RawQuery = q.Encode()
	c.User = nil
	return c.String()
}
