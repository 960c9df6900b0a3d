package cardigann

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

// CookieStore persists login session cookies between restarts. Cookies are
// exchanged as a "name=value; name2=value2" header string; an expired or
// missing entry reads back as "".
type CookieStore interface {
	GetCookies(ctx context.Context, indexerID int64) (string, error)
	SaveCookies(ctx context.Context, indexerID int64, cookies string, expiresAt time.Time) error
	ClearCookies(ctx context.Context, indexerID int64) error
}

// Options configures a definition-driven indexer.
type Options struct {
	Engine  *Engine
	Cookies CookieStore
	Clock   clockwork.Clock
	Logger  zerolog.Logger
}

// modeTypes maps definition search modes to search types.
var modeTypes = map[string]types.SearchType{
	"search":       types.SearchTypeBasic,
	"tv-search":    types.SearchTypeTV,
	"movie-search": types.SearchTypeMovie,
	"music-search": types.SearchTypeMusic,
	"book-search":  types.SearchTypeBook,
}

// Indexer interprets a Definition at runtime. It implements
// types.SessionIndexer, acting as its own request generator and parser.
type Indexer struct {
	def     *Definition
	engine  *Engine
	cookies CookieStore
	clock   clockwork.Clock
	logger  zerolog.Logger

	mu                sync.RWMutex
	indexer           *types.IndexerDefinition
	settings          map[string]any
	settingsHash      string
	siteLink          string
	caps              *types.Capabilities
	defaultCategories []string

	session loginSession
}

// New builds an indexer for a configured instance of def.
func New(def *Definition, indexer *types.IndexerDefinition, opts Options) (*Indexer, error) {
	if def == nil || indexer == nil {
		return nil, fmt.Errorf("%w: missing definition", ErrInvalidDefinition)
	}
	if opts.Engine == nil {
		opts.Engine = NewEngine(256)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ix := &Indexer{
		def:     def,
		engine:  opts.Engine,
		cookies: opts.Cookies,
		clock:   opts.Clock,
		logger: opts.Logger.With().
			Str("component", "cardigann").
			Str("definition", def.ID).
			Int64("indexerId", indexer.ID).
			Logger(),
	}
	if err := ix.UpdateSettings(indexer); err != nil {
		return nil, err
	}
	return ix, nil
}

// UpdateSettings applies a changed indexer configuration. A login that failed
// permanently is retried once the settings differ from the failed ones.
func (ix *Indexer) UpdateSettings(indexer *types.IndexerDefinition) error {
	settings, err := indexer.SettingsMap()
	if err != nil {
		return types.NewConfigError(indexer.ID, indexer.Name, err.Error())
	}

	def := *indexer
	if def.Protocol == "" {
		def.Protocol = types.ProtocolTorrent
	}
	if def.Privacy == "" {
		def.Privacy = types.Privacy(ix.def.GetPrivacy())
	}

	baseURL := indexer.BaseURL
	if v, ok := settings["baseUrl"].(string); ok && v != "" {
		baseURL = v
	}

	caps, defaults := buildCapabilities(ix.def, indexer.ID, ix.logger)

	sum := sha256.Sum256(append([]byte(baseURL+"\x00"), indexer.Settings...))

	ix.mu.Lock()
	ix.indexer = &def
	ix.settings = settings
	ix.settingsHash = hex.EncodeToString(sum[:])
	ix.siteLink = resolveSiteLink(ix.def, baseURL)
	ix.caps = caps
	ix.defaultCategories = defaults
	ix.mu.Unlock()
	return nil
}

// buildCapabilities derives search modes and the category map from the definition.
func buildCapabilities(def *Definition, indexerID int64, logger zerolog.Logger) (*types.Capabilities, []string) {
	caps := types.NewCapabilities(indexerID)
	caps.SearchParams = nil
	caps.SupportsRawSearch = def.Caps.AllowRawSearch

	for mode, params := range def.Caps.Modes {
		t, ok := modeTypes[mode]
		if !ok {
			logger.Warn().Str("mode", mode).Msg("Unknown search mode")
			continue
		}
		params = append([]string(nil), params...)
		if !slices.Contains(params, types.ParamQ) {
			params = append(params, types.ParamQ)
		}
		switch t {
		case types.SearchTypeBasic:
			caps.SearchParams = params
		case types.SearchTypeTV:
			caps.TvSearchParams = params
		case types.SearchTypeMovie:
			caps.MovieSearchParams = params
		case types.SearchTypeMusic:
			caps.MusicSearchParams = params
		case types.SearchTypeBook:
			caps.BookSearchParams = params
		}
	}

	legacy := make([]string, 0, len(def.Caps.Categories))
	for id := range def.Caps.Categories {
		legacy = append(legacy, id)
	}
	sort.Strings(legacy)
	for _, id := range legacy {
		name := def.Caps.Categories[id]
		cat := category.ByName(name)
		if cat == nil {
			logger.Error().Str("category", name).Str("nativeId", id).Msg("Unknown category name in definition")
			continue
		}
		caps.Categories.AddMapping(id, cat, "")
	}

	var defaults []string
	for _, m := range def.Caps.CategoryMappings {
		var cat *category.Category
		if m.Cat != "" {
			cat = category.ByName(m.Cat)
			if cat == nil {
				logger.Error().Str("category", m.Cat).Str("nativeId", m.ID).Msg("Unknown category name in definition")
				continue
			}
		}
		caps.Categories.AddMapping(m.ID, cat, m.Desc)
		if m.Default {
			defaults = append(defaults, m.ID)
		}
	}
	return caps, defaults
}

// Definition returns the configured indexer.
func (ix *Indexer) Definition() *types.IndexerDefinition {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexer
}

// Capabilities returns the search capabilities declared by the definition.
func (ix *Indexer) Capabilities() *types.Capabilities {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.caps
}

// RequestGenerator returns ix.
func (ix *Indexer) RequestGenerator() types.RequestGenerator { return ix }

// Parser returns ix.
func (ix *Indexer) Parser() types.ResponseParser { return ix }

// CardigannDefinition returns the interpreted definition.
func (ix *Indexer) CardigannDefinition() *Definition { return ix.def }

// SiteLink returns the resolved base URL.
func (ix *Indexer) SiteLink() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.siteLink
}

func (ix *Indexer) filterContext(vars Variables) *filterContext {
	return &filterContext{engine: ix.engine, vars: vars, logger: ix.logger, now: ix.clock.Now()}
}

// resolvePath resolves a definition path against base, or the site link when base is nil.
func (ix *Indexer) resolvePath(path string, base *url.URL) (*url.URL, error) {
	if base == nil {
		site, err := url.Parse(ix.SiteLink())
		if err != nil {
			def := ix.Definition()
			return nil, types.NewConfigError(def.ID, def.Name, fmt.Sprintf("invalid site link %q", ix.SiteLink()))
		}
		base = site
	}
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return base.ResolveReference(ref), nil
}

// renderHeaders expands a definition header block.
func (ix *Indexer) renderHeaders(headers map[string]StringOrArray, vars Variables) (http.Header, error) {
	out := http.Header{}
	for name, value := range headers {
		rendered, err := ix.engine.Render(string(value), vars, nil)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		out.Set(name, rendered)
	}
	return out, nil
}

// RequestDelay is the minimum spacing between requests the definition asks for.
func (ix *Indexer) RequestDelay() time.Duration {
	return time.Duration(ix.def.RequestDelay * float64(time.Second))
}
