package commands

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists commands.
type Store interface {
	Save(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	// List returns commands with any of the statuses, newest first. An empty
	// status set matches everything; limit <= 0 means no limit.
	List(ctx context.Context, statuses []Status, limit int) ([]*Command, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore keeps commands in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	cmds map[string]*Command
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cmds: make(map[string]*Command)}
}

func (s *MemoryStore) Save(_ context.Context, cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds[cmd.ID] = cmd.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.cmds[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return cmd.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, statuses []Status, limit int) ([]*Command, error) {
	s.mu.RLock()
	out := make([]*Command, 0, len(s.cmds))
	for _, cmd := range s.cmds {
		if len(statuses) == 0 || slices.Contains(statuses, cmd.Status) {
			out = append(out, cmd.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Command) int {
		if c := b.QueuedAt.Compare(a.QueuedAt); c != 0 {
			return c
		}
		return compareStrings(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, cmd := range s.cmds {
		if cmd.Status.Finished() && cmd.EndedAt != nil && cmd.EndedAt.Before(before) {
			delete(s.cmds, id)
			n++
		}
	}
	return n, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
