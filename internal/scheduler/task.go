package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/slipstream/indexhub/internal/commands"
)

var ErrTaskNotFound = errors.New("scheduled task not found")

// TaskDefinition is a command that runs on a fixed interval.
type TaskDefinition struct {
	Name     string
	Interval time.Duration
}

// DefaultTasks returns the built-in scheduled commands.
func DefaultTasks() []TaskDefinition {
	return []TaskDefinition{
		{Name: commands.NameCheckHealth, Interval: 6 * time.Hour},
		{Name: commands.NameMessagingCleanup, Interval: 5 * time.Minute},
		{Name: commands.NameHousekeeping, Interval: 24 * time.Hour},
		{Name: commands.NameIndexerDefinitionUpdate, Interval: 24 * time.Hour},
	}
}

// Task is the persisted schedule of one command type.
type Task struct {
	Name          string
	Interval      time.Duration
	LastExecution time.Time
	LastStartTime *time.Time
}

func (t *Task) clone() *Task {
	out := *t
	if t.LastStartTime != nil {
		v := *t.LastStartTime
		out.LastStartTime = &v
	}
	return &out
}

// NextExecution returns when the task becomes due.
func (t *Task) NextExecution() time.Time {
	return t.LastExecution.Add(t.Interval)
}

// Store persists scheduled tasks.
type Store interface {
	List(ctx context.Context) ([]*Task, error)
	Upsert(ctx context.Context, task *Task) error
	Delete(ctx context.Context, name string) error
}

// MemoryStore keeps tasks in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) List(context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	slices.SortFunc(out, func(a, b *Task) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Name] = task.clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	return nil
}

// SQLiteStore is a Store backed by the scheduled_tasks table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type_name, interval_minutes, last_execution, last_start_time
		FROM scheduled_tasks
		ORDER BY type_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			t       Task
			minutes int64
			started sql.NullTime
		)
		if err := rows.Scan(&t.Name, &minutes, &t.LastExecution, &started); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		t.Interval = time.Duration(minutes) * time.Minute
		if started.Valid {
			v := started.Time
			t.LastStartTime = &v
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, task *Task) error {
	var started sql.NullTime
	if task.LastStartTime != nil {
		started = sql.NullTime{Time: task.LastStartTime.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (type_name, interval_minutes, last_execution, last_start_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type_name) DO UPDATE SET
			interval_minutes = excluded.interval_minutes,
			last_execution = excluded.last_execution,
			last_start_time = excluded.last_start_time`,
		task.Name, int64(task.Interval/time.Minute), task.LastExecution.UTC(), started)
	if err != nil {
		return fmt.Errorf("failed to save scheduled task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE type_name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	return nil
}
