package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/cardigann"
	"github.com/slipstream/indexhub/internal/indexer/status"
	"github.com/slipstream/indexhub/internal/indexer/torznab"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Session cookies of definition driven indexers live on the status rows.
var _ cardigann.CookieStore = (*status.Tracker)(nil)

// Factory builds an adapter for a configured indexer.
type Factory func(def *types.IndexerDefinition) (types.Indexer, error)

// settingsUpdater is implemented by adapters that can absorb a settings
// change without losing their session.
type settingsUpdater interface {
	UpdateSettings(def *types.IndexerDefinition) error
}

// capabilitiesDiscoverer is implemented by adapters that ask the indexer for
// its capabilities.
type capabilitiesDiscoverer interface {
	NeedsCapabilities() bool
	RefreshCapabilities(ctx context.Context, client types.HTTPClient) error
}

const capabilitiesRetry = 15 * time.Minute

type instance struct {
	indexer      types.Indexer
	updatedAt    time.Time
	capsAttempt  time.Time
	definitionID string
}

// Registry maps implementation names to factories and caches one adapter
// per configured indexer.
type Registry struct {
	client types.HTTPClient
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	instances map[int64]*instance
}

// NewRegistry creates an empty registry. client is used for capability discovery.
func NewRegistry(client types.HTTPClient, clock clockwork.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		client:    client,
		clock:     clock,
		logger:    logger.With().Str("component", "registry").Logger(),
		factories: make(map[string]Factory),
		instances: make(map[int64]*instance),
	}
}

// Register adds or replaces the factory of an implementation.
func (r *Registry) Register(implementation string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[implementation] = f
}

// RegisterBuiltins registers the Cardigann, Torznab and Newznab implementations.
func (r *Registry) RegisterBuiltins(manager *cardigann.Manager, logger zerolog.Logger) {
	if manager != nil {
		r.Register(types.ImplementationCardigann, func(def *types.IndexerDefinition) (types.Indexer, error) {
			ix, err := manager.NewIndexer(def)
			if err != nil {
				return nil, err
			}
			return ix, nil
		})
		manager.OnDefinitionChanged(r.InvalidateDefinition)
	}
	newznab := func(def *types.IndexerDefinition) (types.Indexer, error) {
		ix, err := torznab.New(def, logger)
		if err != nil {
			return nil, err
		}
		return ix, nil
	}
	r.Register(types.ImplementationTorznab, newznab)
	r.Register(types.ImplementationNewznab, newznab)
}

// Implementations returns the registered implementation names, sorted.
func (r *Registry) Implementations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the adapter for def, building it on first use or when the
// configuration changed since it was built.
func (r *Registry) Get(ctx context.Context, def *types.IndexerDefinition) (types.Indexer, error) {
	inst, err := r.instance(def)
	if err != nil {
		return nil, err
	}
	r.discover(ctx, def, inst)
	return inst.indexer, nil
}

func (r *Registry) instance(def *types.IndexerDefinition) (*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[def.ID]; ok {
		if inst.updatedAt.Equal(def.UpdatedAt) {
			return inst, nil
		}
		if u, ok := inst.indexer.(settingsUpdater); ok && inst.definitionID == def.DefinitionID {
			if err := u.UpdateSettings(def); err == nil {
				inst.updatedAt = def.UpdatedAt
				return inst, nil
			}
		}
		delete(r.instances, def.ID)
	}

	factory, ok := r.factories[def.Implementation]
	if !ok {
		return nil, types.ErrUnsupported.WithIndexer(def.ID, def.Name)
	}
	ix, err := factory(def)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer %s: %w", def.Name, err)
	}

	inst := &instance{indexer: ix, updatedAt: def.UpdatedAt, definitionID: def.DefinitionID}
	r.instances[def.ID] = inst
	r.logger.Debug().Int64("indexerId", def.ID).Str("implementation", def.Implementation).Msg("Created indexer instance")
	return inst, nil
}

// discover fetches capabilities for adapters that need them. Failures keep
// the default capabilities and are retried later.
func (r *Registry) discover(ctx context.Context, def *types.IndexerDefinition, inst *instance) {
	d, ok := inst.indexer.(capabilitiesDiscoverer)
	if !ok || r.client == nil || !d.NeedsCapabilities() {
		return
	}

	r.mu.Lock()
	now := r.clock.Now()
	due := inst.capsAttempt.IsZero() || now.Sub(inst.capsAttempt) >= capabilitiesRetry
	if due {
		inst.capsAttempt = now
	}
	r.mu.Unlock()
	if !due {
		return
	}

	if err := d.RefreshCapabilities(ctx, r.client); err != nil {
		r.logger.Warn().Err(err).Int64("indexerId", def.ID).Msg("Failed to discover capabilities, using defaults")
	}
}

// Invalidate drops the cached adapter of an indexer.
func (r *Registry) Invalidate(indexerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, indexerID)
}

// InvalidateDefinition drops every cached adapter built from a definition.
func (r *Registry) InvalidateDefinition(definitionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.instances {
		if inst.definitionID == definitionID {
			delete(r.instances, id)
		}
	}
}

// HandleChange keeps the cache in line with configuration writes.
func (r *Registry) HandleChange(c Change) {
	if c.Kind == ChangeDeleted {
		r.Invalidate(c.Indexer.ID)
	}
}
