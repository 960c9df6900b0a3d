// Package search fans a search out across the configured indexers and merges
// their results.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/slipstream/indexhub/internal/indexer"
	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/metrics"
)

var (
	// ErrAllIndexersFailed is returned when every dispatched indexer failed.
	ErrAllIndexersFailed = errors.New("all indexers failed")
	// ErrSearchFailed is returned when an interactive search names indexers
	// none of which is available.
	ErrSearchFailed = errors.New("search failed due to all selected indexers being unavailable")
)

// Event types broadcast to clients.
const (
	EventSearchStarted   = "search:started"
	EventSearchCompleted = "search:completed"
)

// IndexerSource lists the configured indexers.
type IndexerSource interface {
	ListEnabled(ctx context.Context) ([]*types.IndexerDefinition, error)
}

// InstanceProvider returns the adapter of a configured indexer.
type InstanceProvider interface {
	Get(ctx context.Context, def *types.IndexerDefinition) (types.Indexer, error)
}

// Executor runs the request chain of one indexer.
type Executor interface {
	Run(ctx context.Context, ix types.Indexer, criteria *types.SearchCriteria) (*indexer.RunResult, error)
}

// StatusTracker gates dispatch on indexer health.
type StatusTracker interface {
	IsBlocked(indexerID int64) bool
	RecordFailure(ctx context.Context, indexerID int64, cause error) (*types.IndexerStatus, error)
	RecordSuccess(ctx context.Context, indexerID int64) error
}

// QueryLimiter enforces per-indexer daily query limits.
type QueryLimiter interface {
	QueryLimitReached(ctx context.Context, indexerID int64, limit int) (bool, error)
	RecordQuery(ctx context.Context, indexerID int64) error
}

// Broadcaster sends events to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// Config bounds the fan-out.
type Config struct {
	MaxConcurrency int
	IndexerTimeout time.Duration
	OverallTimeout time.Duration
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		IndexerTimeout: 30 * time.Second,
		OverallTimeout: 90 * time.Second,
	}
}

// Dependencies are the collaborators of the aggregator. Tracker, Limiter,
// Metrics and Broadcaster are optional.
type Dependencies struct {
	Indexers    IndexerSource
	Instances   InstanceProvider
	Executor    Executor
	Tracker     StatusTracker
	Limiter     QueryLimiter
	Metrics     *metrics.Metrics
	Broadcaster Broadcaster
	Clock       clockwork.Clock
}

// Service orchestrates searches across multiple indexers.
type Service struct {
	config Config
	deps   Dependencies
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewService creates a new search service.
func NewService(cfg Config, deps Dependencies, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.IndexerTimeout <= 0 {
		cfg.IndexerTimeout = def.IndexerTimeout
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = def.OverallTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		config: cfg,
		deps:   deps,
		clock:  clock,
		logger: logger.With().Str("component", "search").Logger(),
	}
}

// Search runs criteria against every eligible indexer. Partial failures are
// reported per indexer on the result. When every dispatched indexer failed,
// the result is returned together with ErrAllIndexersFailed.
func (s *Service) Search(ctx context.Context, criteria *types.SearchCriteria) (*Result, error) {
	start := s.clock.Now()
	c := criteria.Normalized()

	targets, skipped, err := s.resolve(ctx, c)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.ObserveSearch(string(c.Type))
	s.broadcast(EventSearchStarted, StartedPayload{Query: c.Query, Type: string(c.Type), IndexerIDs: ids(targets)})
	s.logger.Info().
		Int("indexerCount", len(targets)).
		Str("criteria", c.String()).
		Msg("Starting search across indexers")

	queries := s.dispatch(ctx, targets, c)

	result := &Result{Indexers: append(queries, skipped...)}
	for _, q := range queries {
		result.Releases = append(result.Releases, q.releases...)
	}
	if result.Releases == nil {
		result.Releases = []*types.ReleaseInfo{}
	}
	result.Total = len(result.Releases)
	result.Elapsed = s.clock.Since(start)
	result.ElapsedMs = result.Elapsed.Milliseconds()

	s.broadcast(EventSearchCompleted, CompletedPayload{
		Query:        c.Query,
		Type:         string(c.Type),
		TotalResults: result.Total,
		Succeeded:    result.Succeeded(),
		Failed:       result.Failed(),
		ElapsedMs:    result.ElapsedMs,
	})
	s.logger.Info().
		Int("totalResults", result.Total).
		Int("succeeded", result.Succeeded()).
		Int("failed", result.Failed()).
		Dur("elapsed", result.Elapsed).
		Msg("Search completed")

	if attempted := result.Attempted(); attempted > 0 && result.Failed() == attempted {
		return result, fmt.Errorf("%w: %d indexer(s) queried", ErrAllIndexersFailed, attempted)
	}
	return result, nil
}

// resolve selects the indexers to dispatch to. Blocked indexers are reported
// as skipped.
func (s *Service) resolve(ctx context.Context, c *types.SearchCriteria) ([]*types.IndexerDefinition, []*IndexerQuery, error) {
	all, err := s.deps.Indexers.ListEnabled(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list indexers: %w", err)
	}

	var (
		targets []*types.IndexerDefinition
		skipped []*IndexerQuery
	)
	for _, def := range all {
		if !selected(def, c.IndexerIDs) {
			continue
		}
		if !def.SupportsSearch {
			continue
		}
		if s.deps.Tracker != nil && s.deps.Tracker.IsBlocked(def.ID) {
			skipped = append(skipped, newQuery(def).skip(SkipBlocked))
			s.deps.Metrics.ObserveIndexerQuery(def.Name, OutcomeSkipped, 0)
			continue
		}
		targets = append(targets, def)
	}

	if c.Interactive && len(c.IndexerIDs) > 0 && len(targets) == 0 {
		s.logger.Debug().Ints64("indexerIds", c.IndexerIDs).Msg("All selected indexers are unavailable")
		return nil, nil, ErrSearchFailed
	}
	return targets, skipped, nil
}

func selected(def *types.IndexerDefinition, wanted []int64) bool {
	if len(wanted) == 0 {
		return true
	}
	return slices.Contains(wanted, def.ID) ||
		(slices.Contains(wanted, types.AllUsenetIndexers) && def.Protocol == types.ProtocolUsenet) ||
		(slices.Contains(wanted, types.AllTorrentIndexers) && def.Protocol == types.ProtocolTorrent)
}

// dispatch queries targets concurrently. When the overall deadline passes,
// indexers still running are reported as timed out and abandoned.
func (s *Service) dispatch(ctx context.Context, targets []*types.IndexerDefinition, c *types.SearchCriteria) []*IndexerQuery {
	if len(targets) == 0 {
		return nil
	}

	overall, cancel := context.WithTimeout(ctx, s.config.OverallTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		closed   bool
		slots    = make([]*IndexerQuery, len(targets))
		sem      = semaphore.NewWeighted(int64(s.config.MaxConcurrency))
		g        errgroup.Group
		finished = make(chan struct{})
	)
	for i, def := range targets {
		g.Go(func() error {
			if err := sem.Acquire(overall, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			q := s.searchIndexer(overall, def, c)
			mu.Lock()
			defer mu.Unlock()
			if !closed {
				slots[i] = q
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-overall.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	for i, q := range slots {
		if q == nil {
			slots[i] = newQuery(targets[i]).timeout(s.config.OverallTimeout, nil)
			s.deps.Metrics.ObserveIndexerQuery(targets[i].Name, OutcomeTimeout, 0)
		}
	}
	return slots
}

// searchIndexer runs one indexer in isolation; nothing it does escapes as an error.
func (s *Service) searchIndexer(ctx context.Context, def *types.IndexerDefinition, c *types.SearchCriteria) (q *IndexerQuery) {
	logger := s.logger.With().Int64("indexerId", def.ID).Str("indexer", def.Name).Logger()
	q = newQuery(def)
	start := s.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Indexer search panicked")
			q.fail(types.NewSearchError(def.ID, def.Name, fmt.Sprintf("panic: %v", r), nil))
		}
		q.Elapsed = s.clock.Since(start)
		q.ElapsedMs = q.Elapsed.Milliseconds()
		s.deps.Metrics.ObserveIndexerQuery(def.Name, q.Outcome, q.Elapsed)
	}()

	ix, err := s.deps.Instances.Get(ctx, def)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create indexer")
		return q.fail(err)
	}

	caps := ix.Capabilities()
	if !caps.SupportsType(c.Type) {
		return q.skip(SkipUnsupportedType)
	}
	if !caps.SupportsCategories(c.Categories) {
		return q.skip(SkipUnsupportedCategories)
	}

	if s.deps.Limiter != nil && def.QueryLimit > 0 {
		reached, err := s.deps.Limiter.QueryLimitReached(ctx, def.ID, def.QueryLimit)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to check query limit")
		} else if reached {
			logger.Info().Int("queryLimit", def.QueryLimit).Msg("Indexer reached its query limit")
			return q.skip(SkipQueryLimit)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.config.IndexerTimeout)
	defer cancel()

	res, err := s.deps.Executor.Run(runCtx, ix, c)
	if res != nil {
		q.Requests = res.Requests
	}
	// status writes outlive the search deadline
	statusCtx := context.WithoutCancel(ctx)

	if err != nil {
		if ctx.Err() != nil {
			// the caller went away or the overall deadline passed
			return q.timeout(s.clock.Since(start), nil)
		}
		logger.Warn().Err(err).Str("code", types.GetErrorCode(err)).Msg("Indexer search failed")
		s.recordFailure(statusCtx, def, err)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return q.timeout(s.config.IndexerTimeout, err)
		}
		return q.fail(err)
	}

	if res.Unsupported {
		return q.skip(SkipUnsupportedQuery)
	}
	if s.deps.Limiter != nil && res.Requests > 0 {
		if err := s.deps.Limiter.RecordQuery(statusCtx, def.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record query")
		}
	}
	if s.deps.Tracker != nil {
		if err := s.deps.Tracker.RecordSuccess(statusCtx, def.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record indexer success")
		}
	}

	releases := filterReleases(res.Releases, caps, c, s.clock.Now())
	if dropped := len(res.Releases) - len(releases); dropped > 0 {
		logger.Trace().Int("filtered", dropped).Msg("Dropped releases outside the search filters")
	}
	q.succeed(releases)
	logger.Debug().Int("releases", len(releases)).Int("tier", res.Tier).Msg("Indexer search completed")
	return q
}

func (s *Service) recordFailure(ctx context.Context, def *types.IndexerDefinition, err error) {
	if s.deps.Tracker == nil || types.GetErrorCode(err) == types.ErrCodeUnsupported {
		return
	}
	if _, rerr := s.deps.Tracker.RecordFailure(ctx, def.ID, err); rerr != nil {
		s.logger.Warn().Err(rerr).Int64("indexerId", def.ID).Msg("Failed to record indexer failure")
	}
}

func (s *Service) broadcast(msgType string, payload any) {
	if s.deps.Broadcaster == nil {
		return
	}
	if err := s.deps.Broadcaster.Broadcast(msgType, payload); err != nil {
		s.logger.Debug().Err(err).Str("type", msgType).Msg("Failed to broadcast search event")
	}
}

func ids(defs []*types.IndexerDefinition) []int64 {
	out := make([]int64, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}
