package torznab

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Indexer is a Torznab (torrent) or Newznab (usenet) API client.
type Indexer struct {
	def      *types.IndexerDefinition
	settings *Settings
	logger   zerolog.Logger

	mu         sync.RWMutex
	caps       *types.Capabilities
	discovered bool
}

// New creates an adapter for a configured indexer.
func New(def *types.IndexerDefinition, logger zerolog.Logger) (*Indexer, error) {
	settings, err := ParseSettings(def)
	if err != nil {
		return nil, err
	}

	ix := &Indexer{
		def:      def,
		settings: settings,
		logger:   logger.With().Str("component", "torznab").Int64("indexerId", def.ID).Logger(),
	}
	if settings.Capabilities != nil {
		ix.caps = capabilitiesFromSettings(def.ID, settings.Capabilities)
		ix.discovered = true
	} else {
		ix.caps = defaultCapabilities(def.ID)
	}
	return ix, nil
}

// Definition returns the configured indexer.
func (ix *Indexer) Definition() *types.IndexerDefinition { return ix.def }

// Capabilities returns the current capabilities.
func (ix *Indexer) Capabilities() *types.Capabilities {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.caps
}

// RequestGenerator returns the adapter itself.
func (ix *Indexer) RequestGenerator() types.RequestGenerator { return ix }

// Parser returns the adapter itself.
func (ix *Indexer) Parser() types.ResponseParser { return ix }

// NeedsCapabilities reports whether capabilities were not discovered yet.
func (ix *Indexer) NeedsCapabilities() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return !ix.discovered
}

// CapabilitiesRequest builds the t=caps request.
func (ix *Indexer) CapabilitiesRequest() *types.HTTPRequest {
	q := url.Values{"t": {"caps"}}
	if ix.settings.APIKey != "" {
		q.Set("apikey", ix.settings.APIKey)
	}
	return types.NewGetRequest(ix.settings.endpoint() + "?" + q.Encode())
}

// RefreshCapabilities asks the indexer for its capabilities.
func (ix *Indexer) RefreshCapabilities(ctx context.Context, client types.HTTPClient) error {
	resp, err := client.Execute(ctx, ix.CapabilitiesRequest())
	if err != nil {
		return err
	}
	ir := &types.IndexerResponse{HTTP: resp, Definition: ix.def}
	if err := ix.checkError(ir); err != nil {
		return err
	}
	caps, err := ParseCapabilities(resp.Body, ix.def.ID)
	if err != nil {
		return types.NewParseError(ix.def.ID, ix.def.Name, "invalid capabilities response", err)
	}

	ix.mu.Lock()
	ix.caps = caps
	ix.discovered = true
	ix.mu.Unlock()

	ix.logger.Debug().
		Strs("search", caps.SearchParams).
		Strs("tv", caps.TvSearchParams).
		Strs("movie", caps.MovieSearchParams).
		Msg("Refreshed capabilities")
	return nil
}

// GetSearchRequests builds up to two tiers: a structured search by
// identifiers, then a free text search. A query shape the indexer cannot
// serve yields a single empty tier.
func (ix *Indexer) GetSearchRequests(c *types.SearchCriteria) (*types.RequestChain, error) {
	caps := ix.Capabilities()
	chain := types.NewRequestChain()

	if !caps.SupportsType(c.Type) {
		return chain.Add(), nil
	}

	if ids := structuredParams(caps, c); len(ids) > 0 {
		chain.Add(ix.request(c, string(c.Type), ids))
	}

	if text, mode, ok := textParams(caps, c); ok {
		chain.Add(ix.request(c, mode, text))
	}

	if chain.Len() == 0 {
		chain.Add()
	}
	return chain, nil
}

func (ix *Indexer) request(c *types.SearchCriteria, mode string, params url.Values) *types.IndexerRequest {
	params.Set("t", mode)
	params.Set("extended", "1")
	if cats := ix.Capabilities().Categories.MapCanonicalToTracker(c.Categories, false); len(cats) > 0 {
		params.Set("cat", strings.Join(cats, ","))
	}
	if ix.settings.APIKey != "" {
		params.Set("apikey", ix.settings.APIKey)
	}
	if c.Limit > 0 {
		params.Set("limit", strconv.Itoa(c.Limit))
	}
	if c.Offset > 0 {
		params.Set("offset", strconv.Itoa(c.Offset))
	}

	// spaces as %20, some indexers reject '+'
	query := strings.ReplaceAll(params.Encode(), "+", "%20")
	req := types.NewGetRequest(ix.settings.endpoint() + "?" + query + ix.settings.AdditionalParameters)
	req.SetHeader("Accept", "application/rss+xml, text/rss+xml, text/xml")
	return &types.IndexerRequest{HTTP: req, ResponseType: "xml"}
}

// structuredParams collects the identifier params the mode supports.
func structuredParams(caps *types.Capabilities, c *types.SearchCriteria) url.Values {
	v := url.Values{}
	set := func(param, value string) {
		if value != "" && value != "0" && caps.SupportsParam(c.Type, param) {
			v.Set(param, value)
		}
	}

	switch c.Type {
	case types.SearchTypeMovie:
		if m := c.Movie; m != nil {
			set(types.ParamImdbID, c.FullImdbID())
			set(types.ParamTmdbID, strconv.Itoa(m.TmdbID))
			set(types.ParamTraktID, strconv.Itoa(m.TraktID))
		}
	case types.SearchTypeTV:
		if tv := c.TV; tv != nil {
			set(types.ParamImdbID, c.FullImdbID())
			set(types.ParamTvdbID, strconv.Itoa(tv.TvdbID))
			set(types.ParamTvMaze, strconv.Itoa(tv.TvMazeID))
			set(types.ParamRageID, strconv.Itoa(tv.RageID))
			if len(v) > 0 {
				addEpisode(v, caps, tv)
			}
		}
	case types.SearchTypeMusic:
		if m := c.Music; m != nil {
			set(types.ParamArtist, m.Artist)
			set(types.ParamAlbum, m.Album)
			set(types.ParamLabel, m.Label)
			set(types.ParamTrack, m.Track)
		}
	case types.SearchTypeBook:
		if b := c.Book; b != nil {
			set(types.ParamAuthor, b.Author)
			set(types.ParamTitle, b.Title)
		}
	}
	return v
}

func addEpisode(v url.Values, caps *types.Capabilities, tv *types.TVParams) {
	if tv.Season > 0 && caps.SupportsParam(types.SearchTypeTV, types.ParamSeason) {
		v.Set(types.ParamSeason, strconv.Itoa(tv.Season))
	}
	if tv.Episode != "" && caps.SupportsParam(types.SearchTypeTV, types.ParamEp) {
		v.Set(types.ParamEp, tv.Episode)
	}
}

// textParams builds the free text request. The query is sent in its own
// mode when it supports q, otherwise through the basic search. A basic
// search without a query fetches the latest releases.
func textParams(caps *types.Capabilities, c *types.SearchCriteria) (url.Values, string, bool) {
	v := url.Values{}
	term := c.SanitizedSearchTerm()

	if c.Type == types.SearchTypeBasic {
		if term != "" {
			if !caps.SupportsParam(types.SearchTypeBasic, types.ParamQ) {
				return nil, "", false
			}
			v.Set(types.ParamQ, term)
		}
		return v, string(types.SearchTypeBasic), true
	}

	if term == "" {
		return nil, "", false
	}
	if caps.SupportsParam(c.Type, types.ParamQ) {
		v.Set(types.ParamQ, term)
		if c.Type == types.SearchTypeTV && c.TV != nil {
			addEpisode(v, caps, c.TV)
		}
		return v, string(c.Type), true
	}
	if caps.SupportsParam(types.SearchTypeBasic, types.ParamQ) {
		if ep := c.EpisodeSearchString(); ep != "" {
			term += " " + ep
		}
		v.Set(types.ParamQ, term)
		return v, string(types.SearchTypeBasic), true
	}
	return nil, "", false
}
