package indexer

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// fakeIndexer builds one tier per entry in tiers; each request URL is looked
// up in releases when parsing.
type fakeIndexer struct {
	def      *types.IndexerDefinition
	tiers    [][]string
	releases map[string][]*types.ReleaseInfo
	parseErr error
	delay    time.Duration
}

func (f *fakeIndexer) Definition() *types.IndexerDefinition { return f.def }
func (f *fakeIndexer) Capabilities() *types.Capabilities {
	return types.NewCapabilities(f.def.ID)
}
func (f *fakeIndexer) RequestGenerator() types.RequestGenerator { return f }
func (f *fakeIndexer) Parser() types.ResponseParser             { return f }
func (f *fakeIndexer) RequestDelay() time.Duration              { return f.delay }

func (f *fakeIndexer) GetSearchRequests(*types.SearchCriteria) (*types.RequestChain, error) {
	chain := types.NewRequestChain()
	for _, urls := range f.tiers {
		reqs := make([]*types.IndexerRequest, 0, len(urls))
		for _, u := range urls {
			reqs = append(reqs, &types.IndexerRequest{HTTP: types.NewGetRequest(u)})
		}
		chain.Add(reqs...)
	}
	return chain, nil
}

func (f *fakeIndexer) ParseResponse(resp *types.IndexerResponse) ([]*types.ReleaseInfo, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	var out []*types.ReleaseInfo
	for _, r := range f.releases[resp.Request.HTTP.URL] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// fakeSession adds a cookie session that expires when the server answers 401.
type fakeSession struct {
	fakeIndexer
	mu          sync.Mutex
	logins      int
	invalidated int
	loginErr    error
}

func (f *fakeSession) EnsureSession(context.Context, types.HTTPClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.logins++
	return nil
}

func (f *fakeSession) PrepareRequest(req *types.HTTPRequest) {
	if req.Cookies == nil {
		req.Cookies = map[string]string{}
	}
	req.Cookies["session"] = "s"
}

func (f *fakeSession) SessionExpired(resp *types.IndexerResponse) (bool, error) {
	return resp.HTTP.StatusCode == http.StatusUnauthorized, nil
}

func (f *fakeSession) InvalidateSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

// scriptedClient answers requests from a handler and records them.
type scriptedClient struct {
	mu      sync.Mutex
	handler func(req *types.HTTPRequest) (*types.HTTPResponse, error)
	sent    []*types.HTTPRequest
}

func (c *scriptedClient) Execute(_ context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
	c.mu.Lock()
	c.sent = append(c.sent, req)
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return okResponse(""), nil
	}
	return handler(req)
}

func (c *scriptedClient) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, r := range c.sent {
		out[i] = r.URL
	}
	return out
}

func okResponse(body string) *types.HTTPResponse {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	return &types.HTTPResponse{StatusCode: http.StatusOK, Headers: h, Body: []byte(body)}
}

type recordingPacer struct {
	mu        sync.Mutex
	intervals []time.Duration
}

func (p *recordingPacer) Wait(ctx context.Context, _ int64, interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervals = append(p.intervals, interval)
	return ctx.Err()
}

func release(title string) *types.ReleaseInfo {
	return &types.ReleaseInfo{Title: title, GUID: strings.ReplaceAll(title, " ", "."), DownloadURL: "https://dl.example/" + title}
}
