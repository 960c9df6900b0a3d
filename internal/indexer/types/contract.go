package types

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/slipstream/indexhub/internal/indexer/category"
)

// RequestGenerator turns canonical criteria into tiers of requests. An
// unsupported query shape yields an empty tier, never an error; errors are
// reserved for broken definitions.
type RequestGenerator interface {
	GetSearchRequests(criteria *SearchCriteria) (*RequestChain, error)
}

// ResponseParser turns a raw response into releases, preserving emission order.
// Empty or error-page bodies yield no releases; auth and request limit
// conditions are reported with typed errors.
type ResponseParser interface {
	ParseResponse(resp *IndexerResponse) ([]*ReleaseInfo, error)
}

// HTTPClient executes request descriptors.
type HTTPClient interface {
	Execute(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// Indexer is the capability interface every adapter implements.
type Indexer interface {
	Definition() *IndexerDefinition
	Capabilities() *Capabilities
	RequestGenerator() RequestGenerator
	Parser() ResponseParser
}

// SessionIndexer is implemented by indexers that authenticate before searching.
type SessionIndexer interface {
	Indexer
	// EnsureSession authenticates if needed.
	EnsureSession(ctx context.Context, client HTTPClient) error
	// PrepareRequest attaches session state (cookies) to an outgoing request.
	PrepareRequest(req *HTTPRequest)
	// SessionExpired inspects a response for mid-session expiry.
	SessionExpired(resp *IndexerResponse) (bool, error)
	// InvalidateSession forces re-authentication on next use.
	InvalidateSession()
}

// Search parameter names used in capabilities.
const (
	ParamQ       = "q"
	ParamImdbID  = "imdbid"
	ParamTmdbID  = "tmdbid"
	ParamTvdbID  = "tvdbid"
	ParamTvMaze  = "tvmazeid"
	ParamRageID  = "rid"
	ParamTraktID = "traktid"
	ParamSeason  = "season"
	ParamEp      = "ep"
	ParamYear    = "year"
	ParamGenre   = "genre"
	ParamArtist  = "artist"
	ParamAlbum   = "album"
	ParamLabel   = "label"
	ParamTrack   = "track"
	ParamAuthor  = "author"
	ParamTitle   = "title"
)

// Capabilities describes what an indexer supports.
type Capabilities struct {
	SearchParams      []string      `json:"searchParams"`
	TvSearchParams    []string      `json:"tvSearchParams"`
	MovieSearchParams []string      `json:"movieSearchParams"`
	MusicSearchParams []string      `json:"musicSearchParams"`
	BookSearchParams  []string      `json:"bookSearchParams"`
	SupportsRawSearch bool          `json:"supportsRawSearch"`
	LimitsMax         int           `json:"limitsMax"`
	LimitsDefault     int           `json:"limitsDefault"`
	Categories        *category.Map `json:"-"`
}

// NewCapabilities returns capabilities with basic text search and an empty category map.
func NewCapabilities(indexerID int64) *Capabilities {
	return &Capabilities{
		SearchParams:  []string{ParamQ},
		LimitsMax:     100,
		LimitsDefault: 100,
		Categories:    category.NewMap(indexerID),
	}
}

// Params returns the supported params of a search mode.
func (c *Capabilities) Params(t SearchType) []string {
	switch t {
	case SearchTypeMovie:
		return c.MovieSearchParams
	case SearchTypeTV:
		return c.TvSearchParams
	case SearchTypeMusic:
		return c.MusicSearchParams
	case SearchTypeBook:
		return c.BookSearchParams
	default:
		return c.SearchParams
	}
}

// SupportsType reports whether the search mode is available at all.
func (c *Capabilities) SupportsType(t SearchType) bool {
	return len(c.Params(t)) > 0
}

// SupportsParam reports whether a search mode accepts the given param.
func (c *Capabilities) SupportsParam(t SearchType, param string) bool {
	return slices.Contains(c.Params(t), param)
}

// SupportsCategories reports whether any requested category is served.
// An empty request is always served.
func (c *Capabilities) SupportsCategories(requested []int) bool {
	if len(requested) == 0 {
		return true
	}
	if c.Categories == nil {
		return false
	}
	return len(c.Categories.SupportedCategories(requested)) > 0
}

// CheckResponseStatus classifies HTTP statuses shared by every adapter:
// 429 is a request limit, any other non-2xx is an authentication rejection.
// Redirects are left to session handling.
func CheckResponseStatus(def *IndexerDefinition, resp *IndexerResponse) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return NewRequestLimitError(def.ID, def.Name, resp.HTTP)
	default:
		return NewAuthError(def.ID, def.Name, fmt.Sprintf("unexpected response status %d", code), nil)
	}
}
