package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/metrics"
)

// Config holds command queue configuration.
type Config struct {
	Workers   int           // concurrent handlers
	Retention time.Duration // how long finished commands are kept
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   3,
		Retention: 24 * time.Hour,
	}
}

// Queue stores commands and executes them on a pool of workers.
type Queue struct {
	store   Store
	config  Config
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	defs      map[string]*Definition
	active    map[string]*Command
	cancels   map[string]context.CancelFunc
	observers []func(*Command)
	running   bool
	stopped   bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wake      chan struct{}
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewQueue creates a queue. Handlers must be registered before Start.
func NewQueue(cfg Config, store Store, clock clockwork.Clock, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		store:    store,
		config:   cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger.With().Str("component", "commands").Logger(),
		defs:     make(map[string]*Definition),
		active:   make(map[string]*Command),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// Register adds a command definition.
func (q *Queue) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("command definition needs a name and a handler")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.defs[def.Name]; exists {
		return fmt.Errorf("command %q already registered", def.Name)
	}
	q.defs[def.Name] = &def
	return nil
}

// Registered reports whether name has a definition.
func (q *Queue) Registered(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.defs[name]
	return ok
}

// Names returns the registered command names, sorted.
func (q *Queue) Names() []string {
	q.mu.Lock()
	names := make([]string, 0, len(q.defs))
	for name := range q.defs {
		names = append(names, name)
	}
	q.mu.Unlock()
	slices.Sort(names)
	return names
}

// OnChange registers fn to receive a copy of every command after each
// status change. Observers run on the goroutine that made the change.
func (q *Queue) OnChange(fn func(*Command)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

// Start recovers persisted commands and starts the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running || q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("command queue already started")
	}
	q.mu.Unlock()

	if err := q.recover(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	q.baseCtx, q.cancelAll = context.WithCancel(context.WithoutCancel(ctx))
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.signal()
	q.logger.Info().Int("workers", q.config.Workers).Msg("Command queue started")
	return nil
}

// Stop aborts running commands and waits for the workers to exit. Queued
// commands stay persisted and are picked up by the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.stopped = true
		q.mu.Unlock()
		return
	}
	q.running = false
	q.stopped = true
	q.mu.Unlock()

	q.cancelAll()
	close(q.shutdown)
	q.wg.Wait()
	q.logger.Info().Msg("Command queue stopped")
}

// recover marks commands left running by a previous process as aborted and
// re-queues persisted queued commands.
func (q *Queue) recover(ctx context.Context) error {
	orphans, err := q.store.List(ctx, []Status{StatusStarted}, 0)
	if err != nil {
		return fmt.Errorf("failed to list orphaned commands: %w", err)
	}
	now := q.clock.Now()
	for _, cmd := range orphans {
		cmd.Status = StatusAborted
		cmd.EndedAt = &now
		cmd.Exception = "orphaned: process stopped while the command was running"
		if err := q.store.Save(ctx, cmd); err != nil {
			return err
		}
		q.logger.Warn().Str("id", cmd.ID).Str("name", cmd.Name).Msg("Aborted orphaned command")
	}

	queued, err := q.store.List(ctx, []Status{StatusQueued}, 0)
	if err != nil {
		return fmt.Errorf("failed to list queued commands: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var requeued int
	for _, cmd := range queued {
		if _, ok := q.active[cmd.ID]; ok {
			continue
		}
		def, ok := q.defs[cmd.Name]
		body := cmd.Body
		var decodeErr error
		if raw, isRaw := body.(json.RawMessage); ok && isRaw {
			body, decodeErr = def.decodeBody(raw)
		}
		if !ok || decodeErr != nil {
			cmd.Status = StatusAborted
			cmd.EndedAt = &now
			cmd.Exception = "command can no longer be executed"
			if decodeErr != nil {
				cmd.Exception = decodeErr.Error()
			}
			if err := q.store.Save(ctx, cmd); err != nil {
				return err
			}
			continue
		}
		cmd.Body = body
		cmd.Exclusive = def.Exclusive
		cmd.UpdateScheduledTask = def.UpdateScheduledTask
		q.active[cmd.ID] = cmd
		requeued++
	}
	q.reportQueuedLocked()

	if len(orphans) > 0 || requeued > 0 {
		q.logger.Info().Int("aborted", len(orphans)).Int("requeued", requeued).Msg("Recovered persisted commands")
	}
	return nil
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*Command)

// WithPriority overrides the definition's priority.
func WithPriority(p Priority) EnqueueOption {
	return func(c *Command) { c.Priority = p }
}

// WithTrigger records what queued the command. The default is manual.
func WithTrigger(t Trigger) EnqueueOption {
	return func(c *Command) { c.Trigger = t }
}

// Enqueue queues a command. For exclusive commands an equal command that
// is already queued or started is returned instead of a new one.
func (q *Queue) Enqueue(ctx context.Context, name string, body any, opts ...EnqueueOption) (*Command, error) {
	q.mu.Lock()
	def, ok := q.defs[name]
	stopped := q.stopped
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if stopped {
		return nil, ErrQueueStopped
	}

	if raw, isRaw := body.(json.RawMessage); isRaw {
		decoded, err := def.decodeBody(raw)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	key, err := bodyKey(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", name, err)
	}

	cmd := &Command{
		ID:                  uuid.NewString(),
		Name:                name,
		Body:                body,
		Priority:            def.Priority,
		Status:              StatusQueued,
		Trigger:             TriggerManual,
		Exclusive:           def.Exclusive,
		UpdateScheduledTask: def.UpdateScheduledTask,
		QueuedAt:            q.clock.Now(),
	}
	for _, opt := range opts {
		opt(cmd)
	}

	q.mu.Lock()
	if def.Exclusive {
		if existing := q.findEqualLocked(name, key); existing != nil {
			out := existing.Clone()
			q.mu.Unlock()
			q.logger.Debug().Str("id", out.ID).Str("name", name).Msg("Command already queued")
			return out, nil
		}
	}
	if err := q.store.Save(ctx, cmd); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.active[cmd.ID] = cmd
	q.reportQueuedLocked()
	out := cmd.Clone()
	q.mu.Unlock()

	q.logger.Debug().Str("id", out.ID).Str("name", name).Str("trigger", string(out.Trigger)).Msg("Queued command")
	q.notify(out)
	q.signal()
	return out, nil
}

func (q *Queue) findEqualLocked(name, key string) *Command {
	for _, cmd := range q.active {
		if cmd.Name != name {
			continue
		}
		if k, err := bodyKey(cmd.Body); err == nil && k == key {
			return cmd
		}
	}
	return nil
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, id string) (*Command, error) {
	q.mu.Lock()
	if cmd, ok := q.active[id]; ok {
		out := cmd.Clone()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()
	return q.store.Get(ctx, id)
}

// List returns stored commands with any of the statuses, newest first.
func (q *Queue) List(ctx context.Context, statuses []Status, limit int) ([]*Command, error) {
	cmds, err := q.store.List(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range cmds {
		if live, ok := q.active[cmd.ID]; ok {
			cmds[i] = live.Clone()
		}
	}
	return cmds, nil
}

// FindActive returns the queued or started command with the given name, or
// nil if there is none.
func (q *Queue) FindActive(name string) *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var found *Command
	for _, cmd := range q.active {
		if cmd.Name == name && (found == nil || cmd.QueuedAt.Before(found.QueuedAt)) {
			found = cmd
		}
	}
	return found.Clone()
}

// Cancel aborts a queued command, or asks a started one to stop.
func (q *Queue) Cancel(ctx context.Context, id string) (*Command, error) {
	q.mu.Lock()
	cmd, ok := q.active[id]
	if !ok {
		q.mu.Unlock()
		if _, err := q.store.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotCancellable
	}

	if cmd.Status == StatusStarted {
		if cancel := q.cancels[id]; cancel != nil {
			cancel()
		}
		out := cmd.Clone()
		q.mu.Unlock()
		q.logger.Info().Str("id", id).Str("name", out.Name).Msg("Cancellation requested")
		return out, nil
	}

	now := q.clock.Now()
	cmd.Status = StatusAborted
	cmd.EndedAt = &now
	cmd.Exception = "cancelled"
	delete(q.active, id)
	q.reportQueuedLocked()
	out := cmd.Clone()
	q.mu.Unlock()

	if err := q.store.Save(ctx, out); err != nil {
		return nil, err
	}
	q.metrics.ObserveCommand(out.Name, string(out.Status), 0)
	q.notify(out)
	return out, nil
}

// Cleanup deletes finished commands older than the retention period.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	n, err := q.store.DeleteFinishedBefore(ctx, q.clock.Now().Add(-q.config.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug().Int64("deleted", n).Msg("Deleted finished commands")
	}
	return n, nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		cmd, ctx := q.next()
		if cmd == nil {
			select {
			case <-q.wake:
				continue
			case <-q.shutdown:
				return
			}
		}
		// another idle worker may be able to take the next command
		q.signal()
		q.execute(ctx, cmd)
	}
}

// next moves the best runnable command to started. Commands are ordered by
// priority, then by queue time. An exclusive command waits while another
// command of the same name runs.
func (q *Queue) next() (*Command, context.Context) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, nil
	}

	runningNames := make(map[string]bool)
	var candidates []*Command
	for _, cmd := range q.active {
		switch cmd.Status {
		case StatusStarted:
			runningNames[cmd.Name] = true
		case StatusQueued:
			candidates = append(candidates, cmd)
		}
	}
	slices.SortFunc(candidates, func(a, b *Command) int {
		if a.Priority != b.Priority {
			return int(b.Priority - a.Priority)
		}
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})

	var cmd *Command
	for _, c := range candidates {
		if c.Exclusive && runningNames[c.Name] {
			continue
		}
		cmd = c
		break
	}
	if cmd == nil {
		q.mu.Unlock()
		return nil, nil
	}

	now := q.clock.Now()
	cmd.Status = StatusStarted
	cmd.StartedAt = &now
	ctx, cancel := context.WithCancel(q.baseCtx)
	q.cancels[cmd.ID] = cancel
	q.reportQueuedLocked()
	out := cmd.Clone()
	q.mu.Unlock()

	q.persist(out)
	q.notify(out)
	return out, ctx
}

func (q *Queue) execute(ctx context.Context, cmd *Command) {
	q.mu.Lock()
	def := q.defs[cmd.Name]
	q.mu.Unlock()

	logger := q.logger.With().Str("id", cmd.ID).Str("name", cmd.Name).Logger()
	logger.Info().Str("trigger", string(cmd.Trigger)).Msg("Starting command")

	ex := &Execution{ID: cmd.ID, Name: cmd.Name, Body: cmd.Body, Trigger: cmd.Trigger, queue: q}
	err := runHandler(ctx, def.Handler, ex)

	q.mu.Lock()
	live := q.active[cmd.ID]
	if live == nil {
		live = cmd
	}
	now := q.clock.Now()
	live.EndedAt = &now
	switch {
	case err == nil:
		live.Status = StatusCompleted
	case ctx.Err() != nil:
		live.Status = StatusAborted
		live.Exception = err.Error()
	default:
		live.Status = StatusFailed
		live.Exception = err.Error()
	}
	if cancel := q.cancels[cmd.ID]; cancel != nil {
		cancel()
	}
	delete(q.cancels, cmd.ID)
	delete(q.active, cmd.ID)
	out := live.Clone()
	q.mu.Unlock()

	q.persist(out)
	q.metrics.ObserveCommand(out.Name, string(out.Status), out.Duration())

	event := logger.Info()
	if out.Status != StatusCompleted {
		event = logger.Warn().Str("exception", out.Exception)
	}
	event.Str("status", string(out.Status)).Dur("duration", out.Duration()).Msg("Command finished")

	q.notify(out)
	q.signal()
}

// runHandler converts a handler panic into an error.
func runHandler(ctx context.Context, h Handler, ex *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ex)
}

func (q *Queue) setMessage(id, msg string) {
	q.mu.Lock()
	cmd, ok := q.active[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	cmd.Message = msg
	out := cmd.Clone()
	q.mu.Unlock()

	q.persist(out)
	q.notify(out)
}

func (q *Queue) persist(cmd *Command) {
	if err := q.store.Save(context.Background(), cmd); err != nil {
		q.logger.Error().Err(err).Str("id", cmd.ID).Msg("Failed to persist command")
	}
}

func (q *Queue) notify(cmd *Command) {
	q.mu.Lock()
	observers := slices.Clone(q.observers)
	q.mu.Unlock()
	for _, fn := range observers {
		fn(cmd.Clone())
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) reportQueuedLocked() {
	var n int
	for _, cmd := range q.active {
		if cmd.Status == StatusQueued {
			n++
		}
	}
	q.metrics.SetQueued(n)
}
