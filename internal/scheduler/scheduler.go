// Package scheduler enqueues commands on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/commands"
)

// Queue is the part of the command queue the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, name string, body any, opts ...commands.EnqueueOption) (*commands.Command, error)
	FindActive(name string) *commands.Command
	OnChange(fn func(*commands.Command))
}

// Config contains scheduler configuration.
type Config struct {
	Tick time.Duration // how often due tasks are checked
	// FailureRetry is the shortest wait before a task whose last run did
	// not complete is queued again. Tasks with shorter intervals use those.
	FailureRetry time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Tick: 30 * time.Second, FailureRetry: 5 * time.Minute}
}

// TaskInfo describes a scheduled task for API responses.
type TaskInfo struct {
	Name            string     `json:"name"`
	IntervalMinutes int64      `json:"interval"`
	LastExecution   time.Time  `json:"lastExecution"`
	LastStartTime   *time.Time `json:"lastStartTime,omitempty"`
	NextExecution   time.Time  `json:"nextExecution"`
	Queued          bool       `json:"queued"`
	Running         bool       `json:"running"`
}

// Scheduler enqueues scheduled commands when they become due.
type Scheduler struct {
	gocron gocron.Scheduler
	config Config
	store  Store
	queue  Queue
	clock  clockwork.Clock
	logger zerolog.Logger

	mu    sync.RWMutex
	defs  map[string]TaskDefinition
	tasks map[string]*Task
}

// New creates a scheduler for the given task definitions and subscribes to
// command completions.
func New(cfg Config, defs []TaskDefinition, store Store, queue Queue, clock clockwork.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.FailureRetry <= 0 {
		cfg.FailureRetry = DefaultConfig().FailureRetry
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	gs, err := gocron.NewScheduler(gocron.WithClock(clock), gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		gocron: gs,
		config: cfg,
		store:  store,
		queue:  queue,
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
		defs:   make(map[string]TaskDefinition, len(defs)),
		tasks:  make(map[string]*Task),
	}
	for _, d := range defs {
		s.defs[d.Name] = d
	}
	queue.OnChange(s.handleCommand)
	return s, nil
}

// Start reconciles persisted tasks and starts the periodic tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}

	tickCtx := context.WithoutCancel(ctx)
	_, err := s.gocron.NewJob(
		gocron.DurationJob(s.config.Tick),
		gocron.NewTask(func() { s.Tick(tickCtx) }),
		gocron.WithName("scheduler-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create tick job: %w", err)
	}

	s.logger.Info().Dur("tick", s.config.Tick).Int("tasks", len(s.defs)).Msg("Starting scheduler")
	s.gocron.Start()
	return nil
}

// Stop stops the tick.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")
	return s.gocron.Shutdown()
}

// Reconcile aligns persisted tasks with the registered definitions. Rows for
// unknown names are deleted, new names are inserted as executed now so they
// do not fire immediately, and intervals are refreshed.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	persisted, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]*Task, len(s.defs))
	for _, t := range persisted {
		def, ok := s.defs[t.Name]
		if !ok {
			if err := s.store.Delete(ctx, t.Name); err != nil {
				return err
			}
			s.logger.Info().Str("task", t.Name).Msg("Removed scheduled task")
			continue
		}
		if t.Interval != def.Interval {
			t.Interval = def.Interval
			if err := s.store.Upsert(ctx, t); err != nil {
				return err
			}
		}
		tasks[t.Name] = t
	}
	for name, def := range s.defs {
		if _, ok := tasks[name]; ok {
			continue
		}
		t := &Task{Name: name, Interval: def.Interval, LastExecution: now}
		if err := s.store.Upsert(ctx, t); err != nil {
			return err
		}
		tasks[name] = t
		s.logger.Debug().Str("task", name).Dur("interval", def.Interval).Msg("Added scheduled task")
	}
	s.tasks = tasks
	return nil
}

// Tick queues every task that is due and not already queued or running.
// It returns the names it queued.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.clock.Now()

	s.mu.RLock()
	var due []string
	for name, t := range s.tasks {
		if s.isDue(t, now) {
			due = append(due, name)
		}
	}
	s.mu.RUnlock()
	slices.Sort(due)

	var queued []string
	for _, name := range due {
		if s.queue.FindActive(name) != nil {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, name, nil, commands.WithTrigger(commands.TriggerScheduled)); err != nil {
			s.logger.Error().Err(err).Str("task", name).Msg("Failed to queue scheduled task")
			continue
		}
		queued = append(queued, name)
	}
	if len(queued) > 0 {
		s.logger.Debug().Strs("tasks", queued).Msg("Queued scheduled tasks")
	}
	return queued
}

func (s *Scheduler) isDue(t *Task, now time.Time) bool {
	if t.Interval <= 0 || now.Before(t.NextExecution()) {
		return false
	}
	if t.LastStartTime != nil && t.LastStartTime.After(t.LastExecution) {
		retry := min(t.Interval, s.config.FailureRetry)
		return !now.Before(t.LastStartTime.Add(retry))
	}
	return true
}

// handleCommand records starts and successful completions of scheduled
// command types.
func (s *Scheduler) handleCommand(cmd *commands.Command) {
	if cmd.StartedAt == nil {
		return
	}

	s.mu.Lock()
	t, ok := s.tasks[cmd.Name]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case cmd.Status == commands.StatusStarted:
		started := *cmd.StartedAt
		t.LastStartTime = &started
	case cmd.Status == commands.StatusCompleted && cmd.UpdateScheduledTask:
		t.LastExecution = *cmd.StartedAt
	default:
		s.mu.Unlock()
		return
	}
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.store.Upsert(context.Background(), snapshot); err != nil {
		s.logger.Error().Err(err).Str("task", cmd.Name).Msg("Failed to update scheduled task")
	}
}

// GetNextExecution returns when a task is next due.
func (s *Scheduler) GetNextExecution(name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return t.NextExecution(), nil
}

// RunNow queues a task immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*commands.Command, error) {
	s.mu.RLock()
	_, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.queue.Enqueue(ctx, name, nil, commands.WithTrigger(commands.TriggerManual))
}

// SetInterval changes how often a task runs. Intervals are whole minutes.
func (s *Scheduler) SetInterval(ctx context.Context, name string, interval time.Duration) error {
	if interval < time.Minute {
		return fmt.Errorf("interval must be at least one minute")
	}
	interval = interval.Truncate(time.Minute)

	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t.Interval = interval
	s.defs[name] = TaskDefinition{Name: name, Interval: interval}
	snapshot := t.clone()
	s.mu.Unlock()

	s.logger.Info().Str("task", name).Dur("interval", interval).Msg("Updated task interval")
	return s.store.Upsert(ctx, snapshot)
}

// ListTasks returns all scheduled tasks sorted by name.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(tasks, func(a, b *Task) int { return strings.Compare(a.Name, b.Name) })

	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.info(t))
	}
	return out
}

// GetTask returns a single scheduled task.
func (s *Scheduler) GetTask(name string) (*TaskInfo, error) {
	s.mu.RLock()
	t, ok := s.tasks[name]
	var snapshot *Task
	if ok {
		snapshot = t.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	info := s.info(snapshot)
	return &info, nil
}

func (s *Scheduler) info(t *Task) TaskInfo {
	info := TaskInfo{
		Name:            t.Name,
		IntervalMinutes: int64(t.Interval / time.Minute),
		LastExecution:   t.LastExecution,
		LastStartTime:   t.LastStartTime,
		NextExecution:   t.NextExecution(),
	}
	if active := s.queue.FindActive(t.Name); active != nil {
		info.Queued = active.Status == commands.StatusQueued
		info.Running = active.Status == commands.StatusStarted
	}
	return info
}
