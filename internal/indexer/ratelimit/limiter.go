// Package ratelimit paces outgoing indexer requests and enforces the rolling
// per-indexer query limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config defines rate limit configuration.
type Config struct {
	// RequestInterval is the default minimum spacing between requests to one indexer
	RequestInterval time.Duration
	// QueryPeriod is the window of the per-indexer query limit
	QueryPeriod time.Duration
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestInterval: 2 * time.Second,
		QueryPeriod:     24 * time.Hour,
	}
}

// QueryLog records issued queries so the limit survives restarts.
type QueryLog interface {
	Record(ctx context.Context, indexerID int64, at time.Time) error
	CountSince(ctx context.Context, indexerID int64, since time.Time) (int, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Limiter tracks per-indexer request pacing and query counts.
type Limiter struct {
	config Config
	log    QueryLog
	clock  clockwork.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	pacers map[int64]*rate.Limiter
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config, log QueryLog, clock clockwork.Clock, logger zerolog.Logger) *Limiter {
	d := DefaultConfig()
	if config.RequestInterval < 0 {
		config.RequestInterval = 0
	}
	if config.QueryPeriod <= 0 {
		config.QueryPeriod = d.QueryPeriod
	}
	if log == nil {
		log = NewMemoryQueryLog()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		config: config,
		log:    log,
		clock:  clock,
		logger: logger.With().Str("component", "rate-limiter").Logger(),
		pacers: make(map[int64]*rate.Limiter),
	}
}

func (l *Limiter) pacer(indexerID int64, interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = l.config.RequestInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pacers[indexerID]
	if !ok {
		p = rate.NewLimiter(limit, 1)
		l.pacers[indexerID] = p
	} else if p.Limit() != limit {
		p.SetLimit(limit)
	}
	return p
}

// Wait blocks until a request to the indexer may be sent. interval overrides
// the default spacing when positive.
func (l *Limiter) Wait(ctx context.Context, indexerID int64, interval time.Duration) error {
	p := l.pacer(indexerID, interval)

	r := p.ReserveN(l.clock.Now(), 1)
	if !r.OK() {
		return fmt.Errorf("rate limit for indexer %d cannot be satisfied", indexerID)
	}
	delay := r.DelayFrom(l.clock.Now())
	if delay <= 0 {
		return nil
	}

	l.logger.Trace().Int64("indexerId", indexerID).Dur("delay", delay).Msg("Delaying request")
	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}

// QueryLimitReached reports whether the indexer issued limit or more queries
// within the query period. A limit of zero means unlimited.
func (l *Limiter) QueryLimitReached(ctx context.Context, indexerID int64, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	count, err := l.log.CountSince(ctx, indexerID, l.clock.Now().Add(-l.config.QueryPeriod))
	if err != nil {
		return false, fmt.Errorf("failed to count queries: %w", err)
	}
	if count >= limit {
		l.logger.Info().
			Int64("indexerId", indexerID).
			Int("count", count).
			Int("limit", limit).
			Msg("Query limit reached")
		return true, nil
	}
	return false, nil
}

// RecordQuery records an issued query.
func (l *Limiter) RecordQuery(ctx context.Context, indexerID int64) error {
	return l.log.Record(ctx, indexerID, l.clock.Now())
}

// QueryCount returns the queries issued within the query period.
func (l *Limiter) QueryCount(ctx context.Context, indexerID int64) (int, error) {
	return l.log.CountSince(ctx, indexerID, l.clock.Now().Add(-l.config.QueryPeriod))
}

// Prune drops query records older than the query period.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	return l.log.Prune(ctx, l.clock.Now().Add(-l.config.QueryPeriod))
}

// Reset forgets the pacing state of an indexer.
func (l *Limiter) Reset(indexerID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pacers, indexerID)
}
