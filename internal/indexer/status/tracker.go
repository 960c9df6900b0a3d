package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// cookieLifetime is how long persisted login cookies are kept.
const cookieLifetime = 30 * 24 * time.Hour

// Tracker records dispatch outcomes and answers whether an indexer is
// blocked. Statuses are cached in memory and written through to the store;
// updates for one indexer are serialized by a per-indexer lock.
type Tracker struct {
	store  Store
	config BackoffConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	statuses map[int64]*types.IndexerStatus

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	observers []func(*types.IndexerStatus)
}

// NewTracker creates a tracker. Call Load to warm it from the store.
func NewTracker(store Store, config BackoffConfig, clock clockwork.Clock, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		store:    store,
		config:   config.normalized(),
		clock:    clock,
		logger:   logger.With().Str("component", "indexer-status").Logger(),
		statuses: make(map[int64]*types.IndexerStatus),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// Load replaces the cache with the persisted statuses.
func (t *Tracker) Load(ctx context.Context) error {
	rows, err := t.store.List(ctx)
	if err != nil {
		return err
	}
	statuses := make(map[int64]*types.IndexerStatus, len(rows))
	for _, st := range rows {
		statuses[st.IndexerID] = st
	}

	t.mu.Lock()
	t.statuses = statuses
	t.mu.Unlock()
	t.logger.Debug().Int("count", len(rows)).Msg("Loaded indexer statuses")
	return nil
}

// Config returns the backoff configuration.
func (t *Tracker) Config() BackoffConfig {
	return t.config
}

// OnChange registers fn to be called with a copy of every updated status.
// A cleared status is reported with escalation level 0. Register observers
// before the tracker is used concurrently.
func (t *Tracker) OnChange(fn func(*types.IndexerStatus)) {
	t.observers = append(t.observers, fn)
}

func (t *Tracker) lockFor(indexerID int64) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[indexerID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[indexerID] = l
	}
	return l
}

// RecordFailure escalates the status of an indexer and returns the new status.
func (t *Tracker) RecordFailure(ctx context.Context, indexerID int64, cause error) (*types.IndexerStatus, error) {
	l := t.lockFor(indexerID)
	l.Lock()
	defer l.Unlock()

	now := t.clock.Now()
	next := t.config.NextFailure(t.Get(indexerID), indexerID, now, t.config.MinimumWindow(cause))
	if err := t.store.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}

	t.mu.Lock()
	t.statuses[indexerID] = next
	t.mu.Unlock()

	t.logger.Warn().
		Int64("indexerId", indexerID).
		Int("escalationLevel", next.EscalationLevel).
		Time("disabledTill", *next.DisabledTill).
		Err(cause).
		Msg("Recorded indexer failure, applying backoff")

	t.publish(next)
	return next.Clone(), nil
}

// RecordSuccess clears the failure state of an indexer.
func (t *Tracker) RecordSuccess(ctx context.Context, indexerID int64) error {
	l := t.lockFor(indexerID)
	l.Lock()
	defer l.Unlock()

	t.mu.RLock()
	_, failing := t.statuses[indexerID]
	t.mu.RUnlock()
	if !failing {
		return nil
	}

	if err := t.store.Clear(ctx, indexerID); err != nil {
		return fmt.Errorf("failed to clear failure state: %w", err)
	}
	t.mu.Lock()
	delete(t.statuses, indexerID)
	t.mu.Unlock()

	t.logger.Info().Int64("indexerId", indexerID).Msg("Indexer recovered")
	t.publish(&types.IndexerStatus{IndexerID: indexerID})
	return nil
}

func (t *Tracker) publish(st *types.IndexerStatus) {
	for _, fn := range t.observers {
		fn(st.Clone())
	}
}

// Get returns a copy of the status of an indexer, or nil if it has none.
func (t *Tracker) Get(indexerID int64) *types.IndexerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[indexerID].Clone()
}

// IsBlocked reports whether the indexer is inside its disable window.
func (t *Tracker) IsBlocked(indexerID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[indexerID].IsDisabledAt(t.clock.Now())
}

// GetBlockedIndexers returns the statuses currently blocking dispatch,
// sorted by indexer id.
func (t *Tracker) GetBlockedIndexers() []*types.IndexerStatus {
	now := t.clock.Now()
	return t.filter(func(st *types.IndexerStatus) bool { return st.IsDisabledAt(now) })
}

// All returns every status with failure state, sorted by indexer id.
func (t *Tracker) All() []*types.IndexerStatus {
	return t.filter(func(*types.IndexerStatus) bool { return true })
}

func (t *Tracker) filter(keep func(*types.IndexerStatus) bool) []*types.IndexerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.IndexerStatus
	for _, st := range t.statuses {
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexerID < out[j].IndexerID })
	return out
}

// Delete removes the status of an indexer, for example when it is deleted.
func (t *Tracker) Delete(ctx context.Context, indexerID int64) error {
	l := t.lockFor(indexerID)
	l.Lock()
	defer l.Unlock()

	if err := t.store.Delete(ctx, indexerID); err != nil {
		return err
	}
	// The lock entry stays: a caller already waiting on it must serialize
	// with the next caller, not with a fresh mutex.
	t.mu.Lock()
	delete(t.statuses, indexerID)
	t.mu.Unlock()
	return nil
}

// CleanupOrphans deletes statuses of indexers not in known and returns how
// many were removed.
func (t *Tracker) CleanupOrphans(ctx context.Context, known []int64) (int, error) {
	keep := make(map[int64]bool, len(known))
	for _, id := range known {
		keep[id] = true
	}

	removed := 0
	for _, st := range t.All() {
		if keep[st.IndexerID] {
			continue
		}
		if err := t.Delete(ctx, st.IndexerID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		t.logger.Info().Int("count", removed).Msg("Removed orphaned indexer statuses")
	}
	return removed, nil
}

// GetCookies returns unexpired login cookies of an indexer.
func (t *Tracker) GetCookies(ctx context.Context, indexerID int64) (string, error) {
	cookies, expiresAt, err := t.store.GetCookies(ctx, indexerID)
	if err != nil {
		return "", err
	}
	if expiresAt != nil && !t.clock.Now().Before(*expiresAt) {
		return "", nil
	}
	return cookies, nil
}

// SaveCookies stores the login cookies of an indexer. A zero expiresAt keeps
// them for the default cookie lifetime.
func (t *Tracker) SaveCookies(ctx context.Context, indexerID int64, cookies string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		expiresAt = t.clock.Now().Add(cookieLifetime)
	}
	return t.store.SaveCookies(ctx, indexerID, cookies, expiresAt)
}

// ClearCookies removes the login cookies of an indexer.
func (t *Tracker) ClearCookies(ctx context.Context, indexerID int64) error {
	return t.store.ClearCookies(ctx, indexerID)
}

// DeleteExpiredCookies removes expired login cookies of all indexers.
func (t *Tracker) DeleteExpiredCookies(ctx context.Context) (int64, error) {
	return t.store.DeleteExpiredCookies(ctx, t.clock.Now())
}
