package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// MemoryQueryLog keeps query timestamps in memory.
type MemoryQueryLog struct {
	mu      sync.Mutex
	queries map[int64][]time.Time
}

// NewMemoryQueryLog creates an empty query log.
func NewMemoryQueryLog() *MemoryQueryLog {
	return &MemoryQueryLog{queries: make(map[int64][]time.Time)}
}

// Record adds a query.
func (m *MemoryQueryLog) Record(_ context.Context, indexerID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[indexerID] = append(m.queries[indexerID], at)
	return nil
}

// CountSince counts the queries at or after since.
func (m *MemoryQueryLog) CountSince(_ context.Context, indexerID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.queries[indexerID] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

// Prune drops queries before the given time.
func (m *MemoryQueryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, times := range m.queries {
		kept := times[:0]
		for _, at := range times {
			if at.Before(before) {
				removed++
				continue
			}
			kept = append(kept, at)
		}
		if len(kept) == 0 {
			delete(m.queries, id)
		} else {
			m.queries[id] = kept
		}
	}
	return removed, nil
}

// SQLiteQueryLog stores queries in the indexer_queries table.
type SQLiteQueryLog struct {
	db *sql.DB
}

// NewSQLiteQueryLog creates a query log over a migrated database.
func NewSQLiteQueryLog(db *sql.DB) *SQLiteQueryLog {
	return &SQLiteQueryLog{db: db}
}

// Record adds a query.
func (s *SQLiteQueryLog) Record(ctx context.Context, indexerID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO indexer_queries (indexer_id, created_at) VALUES (?, ?)`, indexerID, at.UTC()); err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// CountSince counts the queries at or after since.
func (s *SQLiteQueryLog) CountSince(ctx context.Context, indexerID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indexer_queries WHERE indexer_id = ? AND created_at >= ?`, indexerID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queries: %w", err)
	}
	return n, nil
}

// Prune drops queries before the given time.
func (s *SQLiteQueryLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indexer_queries WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune queries: %w", err)
	}
	return res.RowsAffected()
}
