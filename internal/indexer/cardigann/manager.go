package cardigann

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/watcher"
)

// Manager owns the definition sources and builds indexers from them.
type Manager struct {
	repo    *Repository
	cache   *Cache
	engine  *Engine
	cookies CookieStore
	clock   clockwork.Clock
	logger  zerolog.Logger

	autoUpdate     bool
	updateInterval time.Duration
	updateMu       sync.Mutex
	lastUpdate     time.Time
	lastAttempt    time.Time

	watch     bool
	watcher   *watcher.Watcher
	listeners []func(id string)
	listenMu  sync.RWMutex
}

// ManagerConfig contains configuration for the definition manager.
type ManagerConfig struct {
	Repository     RepositoryConfig
	Cache          CacheConfig
	AutoUpdate     bool          // Default: true
	UpdateInterval time.Duration // Default: 24h
	Watch          bool          // reload custom definitions when their files change
	TemplateCache  int           // compiled templates kept in memory. Default: 1024
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Repository:     DefaultRepositoryConfig(),
		Cache:          DefaultCacheConfig(),
		AutoUpdate:     true,
		UpdateInterval: 24 * time.Hour,
		Watch:          true,
		TemplateCache:  1024,
	}
}

// NewManager creates a definition manager.
func NewManager(cfg ManagerConfig, cookies CookieStore, clock clockwork.Clock, logger zerolog.Logger) (*Manager, error) {
	cache, err := NewCache(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultManagerConfig().UpdateInterval
	}
	if cfg.TemplateCache <= 0 {
		cfg.TemplateCache = DefaultManagerConfig().TemplateCache
	}

	return &Manager{
		repo:           NewRepository(cfg.Repository, logger),
		cache:          cache,
		engine:         NewEngine(cfg.TemplateCache),
		cookies:        cookies,
		clock:          clock,
		logger:         logger.With().Str("component", "definitions").Logger(),
		autoUpdate:     cfg.AutoUpdate,
		updateInterval: cfg.UpdateInterval,
		watch:          cfg.Watch,
	}, nil
}

// Initialize loads the update timestamp, refreshes stale definitions and
// starts watching the custom directory.
func (m *Manager) Initialize(ctx context.Context) error {
	m.loadLastUpdateTime()

	if m.autoUpdate {
		if err := m.UpdateDefinitions(ctx, false); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to update definitions from remote, using cached versions")
		}
	}

	if m.watch {
		if err := m.startWatcher(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to watch custom definitions")
		}
	}

	defs, err := m.cache.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}
	m.logger.Info().Int("count", len(defs)).Msg("Initialized definition manager")
	return nil
}

// UpdateDefinitions downloads the definition package. Without force, it does
// nothing when an update was attempted within the update interval.
func (m *Manager) UpdateDefinitions(ctx context.Context, force bool) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	now := m.clock.Now()
	if !force && now.Sub(m.lastAttempt) < m.updateInterval {
		m.logger.Debug().Time("lastAttempt", m.lastAttempt).Msg("Skipping update, attempted recently")
		return nil
	}
	if !force && now.Sub(m.lastUpdate) < m.updateInterval {
		m.logger.Debug().Time("lastUpdate", m.lastUpdate).Dur("interval", m.updateInterval).Msg("Skipping update, updated within interval")
		return nil
	}

	m.lastAttempt = now
	m.logger.Info().Msg("Updating definitions from remote repository")

	definitions, err := m.repo.FetchPackage(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch definitions package: %w", err)
	}
	stored := m.cache.StoreAll(definitions)

	m.lastUpdate = m.clock.Now()
	m.saveLastUpdateTime()
	m.logger.Info().Int("count", stored).Msg("Updated definitions from remote")

	for id := range definitions {
		m.notify(id)
	}
	return nil
}

// NeedsUpdate reports whether the definitions are older than the update interval.
func (m *Manager) NeedsUpdate() bool {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	return m.autoUpdate && m.clock.Since(m.lastUpdate) > m.updateInterval
}

// LastUpdate returns the time of the last successful update.
func (m *Manager) LastUpdate() time.Time {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	return m.lastUpdate
}

// GetDefinition returns a definition by id.
func (m *Manager) GetDefinition(id string) (*Definition, error) {
	return m.cache.Get(id)
}

// ListDefinitions returns the summaries of all available definitions.
func (m *Manager) ListDefinitions(ctx context.Context) ([]*DefinitionMetadata, error) {
	return m.cache.List(ctx)
}

// DefinitionFilters narrows SearchDefinitions.
type DefinitionFilters struct {
	Privacy  string // public, private, semi-private
	Language string // en-US, etc.
}

// SearchDefinitions returns the definitions whose id, name or description
// contains query, sorted by name.
func (m *Manager) SearchDefinitions(ctx context.Context, query string, filters DefinitionFilters) ([]*DefinitionMetadata, error) {
	all, err := m.cache.List(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var results []*DefinitionMetadata
	for _, meta := range all {
		if !matchesTextQuery(meta, query) || !matchesFilters(meta, filters) {
			continue
		}
		results = append(results, meta)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

func matchesTextQuery(meta *DefinitionMetadata, query string) bool {
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(meta.Name), query) ||
		strings.Contains(strings.ToLower(meta.Description), query) ||
		strings.Contains(strings.ToLower(meta.ID), query)
}

func matchesFilters(meta *DefinitionMetadata, filters DefinitionFilters) bool {
	if filters.Privacy != "" && meta.Type != filters.Privacy {
		return false
	}
	if filters.Language != "" && !strings.EqualFold(meta.Language, filters.Language) {
		return false
	}
	return true
}

// NewIndexer builds a definition-driven indexer for a configured instance.
func (m *Manager) NewIndexer(indexer *types.IndexerDefinition) (*Indexer, error) {
	def, err := m.cache.Get(indexer.DefinitionID)
	if err != nil {
		return nil, err
	}
	return New(def, indexer, Options{
		Engine:  m.engine,
		Cookies: m.cookies,
		Clock:   m.clock,
		Logger:  m.logger,
	})
}

// OnDefinitionChanged registers fn to be called with the id of every
// definition that was reloaded.
func (m *Manager) OnDefinitionChanged(fn func(id string)) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(id string) {
	m.listenMu.RLock()
	listeners := append([]func(string){}, m.listeners...)
	m.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

func (m *Manager) startWatcher() error {
	w, err := watcher.New(watcher.Config{
		Quiet: 500 * time.Millisecond,
		Match: IsDefinitionFile,
		Clock: m.clock,
	}, m.handleFileEvents, m.logger)
	if err != nil {
		return err
	}
	if err := w.Add(m.cache.CustomDir()); err != nil {
		_ = w.Close()
		return err
	}
	w.Start()
	m.watcher = w
	return nil
}

// handleFileEvents drops changed custom definitions from the cache.
func (m *Manager) handleFileEvents(changes []watcher.Change) {
	for _, ev := range changes {
		id, ok := definitionFileID(filepath.Base(ev.Path))
		if !ok {
			continue
		}
		m.logger.Info().Str("id", id).Str("op", string(ev.Op)).Msg("Custom definition changed")
		m.cache.Invalidate(id)
		m.notify(id)
	}
}

// Cache returns the definition cache.
func (m *Manager) Cache() *Cache { return m.cache }

// Close stops the directory watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

const lastUpdateFileName = ".last_update"

func (m *Manager) loadLastUpdateTime() {
	data, err := os.ReadFile(filepath.Join(m.cache.DefinitionsDir(), lastUpdateFileName))
	if err != nil {
		return
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to parse last update time")
		return
	}
	m.updateMu.Lock()
	m.lastUpdate = t
	m.updateMu.Unlock()
	m.logger.Debug().Time("lastUpdate", t).Msg("Loaded last update time from disk")
}

func (m *Manager) saveLastUpdateTime() {
	filePath := filepath.Join(m.cache.DefinitionsDir(), lastUpdateFileName)
	if err := os.WriteFile(filePath, []byte(m.lastUpdate.Format(time.RFC3339)), 0o600); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to save last update time")
	}
}
