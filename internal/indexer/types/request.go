package types

import (
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRequest describes one outbound request. It carries no transport state.
type HTTPRequest struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           http.Header       `json:"headers,omitempty"`
	Form              url.Values        `json:"form,omitempty"` // encoded as the body of POST requests
	Body              []byte            `json:"-"`
	ContentType       string            `json:"contentType,omitempty"`
	Cookies           map[string]string `json:"-"`
	AllowAutoRedirect bool              `json:"allowAutoRedirect"`
	Timeout           time.Duration     `json:"timeout,omitempty"` // overrides the client default when > 0
}

// NewGetRequest builds a GET request descriptor.
func NewGetRequest(rawURL string) *HTTPRequest {
	return &HTTPRequest{Method: http.MethodGet, URL: rawURL, Headers: http.Header{}}
}

// SetHeader sets a header, allocating the header map as needed.
func (r *HTTPRequest) SetHeader(key, value string) *HTTPRequest {
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	r.Headers.Set(key, value)
	return r
}

// HTTPResponse is the raw result of executing an HTTPRequest.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    http.Header       `json:"headers,omitempty"`
	Body       []byte            `json:"-"`
	URL        string            `json:"url"` // final URL after redirects
	Cookies    map[string]string `json:"-"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// IndexerRequest is a request produced by a RequestGenerator. Variables and
// ResponseType let template-driven parsers recover the generation context.
type IndexerRequest struct {
	HTTP         *HTTPRequest
	ResponseType string // "html", "json", "xml" or "" for adapter default
	Variables    map[string]any
}

// RequestTier is a lazily produced group of requests sharing a priority.
type RequestTier = iter.Seq[*IndexerRequest]

// TierOf builds a tier from a fixed set of requests.
func TierOf(requests ...*IndexerRequest) RequestTier {
	return func(yield func(*IndexerRequest) bool) {
		for _, r := range requests {
			if !yield(r) {
				return
			}
		}
	}
}

// RequestChain is an ordered sequence of request tiers. Tiers are tried in
// order; a caller may stop after the first tier that produced releases.
type RequestChain struct {
	tiers []RequestTier
}

// NewRequestChain returns an empty chain.
func NewRequestChain() *RequestChain {
	return &RequestChain{}
}

// Add appends a tier made of the given requests. Zero requests record an
// empty tier, meaning the query shape is unsupported at that priority.
func (c *RequestChain) Add(requests ...*IndexerRequest) *RequestChain {
	c.tiers = append(c.tiers, TierOf(requests...))
	return c
}

// AddLazy appends a lazily evaluated tier.
func (c *RequestChain) AddLazy(tier RequestTier) *RequestChain {
	if tier == nil {
		tier = TierOf()
	}
	c.tiers = append(c.tiers, tier)
	return c
}

// Tiers returns the tiers in priority order.
func (c *RequestChain) Tiers() []RequestTier {
	if c == nil {
		return nil
	}
	return c.tiers
}

// Len returns the number of tiers.
func (c *RequestChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tiers)
}

// Empty reports whether no tier yields a request.
func (c *RequestChain) Empty() bool {
	for _, tier := range c.Tiers() {
		for range tier {
			return false
		}
	}
	return true
}

// Requests flattens every tier, in order.
func (c *RequestChain) Requests() []*IndexerRequest {
	var out []*IndexerRequest
	for _, tier := range c.Tiers() {
		for r := range tier {
			out = append(out, r)
		}
	}
	return out
}

// IndexerResponse ties a raw HTTP response to the request and indexer that produced it.
type IndexerResponse struct {
	Request    *IndexerRequest
	HTTP       *HTTPResponse
	Definition *IndexerDefinition
}

// Content returns the body as a string.
func (r *IndexerResponse) Content() string {
	if r.HTTP == nil {
		return ""
	}
	return string(r.HTTP.Body)
}

// StatusCode returns the HTTP status, or 0 when there was no response.
func (r *IndexerResponse) StatusCode() int {
	if r.HTTP == nil {
		return 0
	}
	return r.HTTP.StatusCode
}

// HasHTTPError reports a status outside 2xx/3xx.
func (r *IndexerResponse) HasHTTPError() bool {
	return r.StatusCode() >= 400
}

// HasRedirect reports a 3xx status with a Location header.
func (r *IndexerResponse) HasRedirect() bool {
	code := r.StatusCode()
	return code >= 300 && code < 400 && r.RedirectURL() != ""
}

// RedirectURL returns the Location header of a redirect response.
func (r *IndexerResponse) RedirectURL() string {
	if r.HTTP == nil || r.HTTP.Headers == nil {
		return ""
	}
	return r.HTTP.Headers.Get("Location")
}

// ContentType returns the response Content-Type header.
func (r *IndexerResponse) ContentType() string {
	if r.HTTP == nil || r.HTTP.Headers == nil {
		return ""
	}
	return r.HTTP.Headers.Get("Content-Type")
}

// IsHTML reports whether the body is declared or sniffed as HTML.
func (r *IndexerResponse) IsHTML() bool {
	if ct := r.ContentType(); ct != "" {
		return strings.Contains(ct, "text/html")
	}
	head := strings.ToLower(strings.TrimSpace(r.Content()))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}
