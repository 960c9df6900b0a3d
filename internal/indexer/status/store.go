package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Store persists indexer status rows and the session cookies stored with them.
type Store interface {
	List(ctx context.Context) ([]*types.IndexerStatus, error)
	Upsert(ctx context.Context, status *types.IndexerStatus) error
	// Clear resets the failure fields of a row, keeping its cookies.
	Clear(ctx context.Context, indexerID int64) error
	// Delete removes the row entirely.
	Delete(ctx context.Context, indexerID int64) error

	GetCookies(ctx context.Context, indexerID int64) (cookies string, expiresAt *time.Time, err error)
	SaveCookies(ctx context.Context, indexerID int64, cookies string, expiresAt time.Time) error
	ClearCookies(ctx context.Context, indexerID int64) error
	DeleteExpiredCookies(ctx context.Context, now time.Time) (int64, error)
}

type memoryRow struct {
	status        types.IndexerStatus
	hasFailure    bool
	cookies       string
	cookiesExpiry *time.Time
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[int64]*memoryRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*memoryRow)}
}

func (m *MemoryStore) row(id int64) *memoryRow {
	r, ok := m.rows[id]
	if !ok {
		r = &memoryRow{status: types.IndexerStatus{IndexerID: id}}
		m.rows[id] = r
	}
	return r
}

// List returns the rows with failure state, sorted by indexer id.
func (m *MemoryStore) List(_ context.Context) ([]*types.IndexerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.IndexerStatus, 0, len(m.rows))
	for _, r := range m.rows {
		if r.hasFailure {
			out = append(out, r.status.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexerID < out[j].IndexerID })
	return out, nil
}

// Upsert stores the failure fields of status.
func (m *MemoryStore) Upsert(_ context.Context, status *types.IndexerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(status.IndexerID)
	r.status = *status.Clone()
	r.hasFailure = true
	return nil
}

// Clear resets the failure fields of a row.
func (m *MemoryStore) Clear(_ context.Context, indexerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[indexerID]; ok {
		r.status = types.IndexerStatus{IndexerID: indexerID}
		r.hasFailure = false
	}
	return nil
}

// Delete removes a row.
func (m *MemoryStore) Delete(_ context.Context, indexerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, indexerID)
	return nil
}

// GetCookies returns the stored cookies of an indexer.
func (m *MemoryStore) GetCookies(_ context.Context, indexerID int64) (string, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[indexerID]
	if !ok {
		return "", nil, nil
	}
	return r.cookies, r.cookiesExpiry, nil
}

// SaveCookies stores the cookies of an indexer.
func (m *MemoryStore) SaveCookies(_ context.Context, indexerID int64, cookies string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(indexerID)
	r.cookies = cookies
	r.cookiesExpiry = &expiresAt
	return nil
}

// ClearCookies removes the cookies of an indexer.
func (m *MemoryStore) ClearCookies(_ context.Context, indexerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[indexerID]; ok {
		r.cookies = ""
		r.cookiesExpiry = nil
	}
	return nil
}

// DeleteExpiredCookies removes cookies that expired before now.
func (m *MemoryStore) DeleteExpiredCookies(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.cookiesExpiry != nil && r.cookiesExpiry.Before(now) {
			r.cookies = ""
			r.cookiesExpiry = nil
			n++
		}
	}
	return n, nil
}
