package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/commands"
	"github.com/slipstream/indexhub/internal/testutil"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	scheduler *Scheduler
	queue     *commands.Queue
	store     Store
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, store Store, handler commands.Handler) *fixture {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if handler == nil {
		handler = func(context.Context, *commands.Execution) error { return nil }
	}
	clock := clockwork.NewFakeClockAt(testNow)
	logger := testutil.NewTestLogger(t)

	queue := commands.NewQueue(commands.Config{Workers: 1}, commands.NewMemoryStore(), clock, nil, logger)
	t.Cleanup(queue.Stop)
	for _, d := range DefaultTasks() {
		require.NoError(t, queue.Register(commands.Definition{
			Name:                d.Name,
			Exclusive:           true,
			UpdateScheduledTask: true,
			Handler:             handler,
		}))
	}

	s, err := New(DefaultConfig(), DefaultTasks(), store, queue, clock, logger)
	require.NoError(t, err)
	return &fixture{scheduler: s, queue: queue, store: store, clock: clock}
}

func TestReconcile(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	store := NewSQLiteStore(tdb.Conn)
	ctx := context.Background()
	lastRun := testNow.Add(-2 * time.Hour)
	require.NoError(t, store.Upsert(ctx, &Task{Name: "RetiredJob", Interval: time.Hour, LastExecution: lastRun}))
	require.NoError(t, store.Upsert(ctx, &Task{Name: commands.NameCheckHealth, Interval: time.Hour, LastExecution: lastRun}))

	f := newFixture(t, store, nil)
	require.NoError(t, f.scheduler.Reconcile(ctx))

	persisted, err := store.List(ctx)
	require.NoError(t, err)
	byName := make(map[string]*Task)
	for _, task := range persisted {
		byName[task.Name] = task
	}
	assert.Len(t, byName, len(DefaultTasks()))
	assert.NotContains(t, byName, "RetiredJob")

	health := byName[commands.NameCheckHealth]
	require.NotNil(t, health)
	assert.Equal(t, 6*time.Hour, health.Interval, "interval follows the definition")
	assert.True(t, lastRun.Equal(health.LastExecution), "last execution is kept")

	cleanup := byName[commands.NameMessagingCleanup]
	require.NotNil(t, cleanup)
	assert.True(t, testNow.Equal(cleanup.LastExecution), "new tasks start as executed now")

	next, err := f.scheduler.GetNextExecution(commands.NameMessagingCleanup)
	require.NoError(t, err)
	assert.True(t, testNow.Add(5*time.Minute).Equal(next))
}

func TestTick_QueuesDueTasksOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.scheduler.Reconcile(ctx))

	assert.Empty(t, f.scheduler.Tick(ctx), "nothing is due right after reconciliation")

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, []string{commands.NameMessagingCleanup}, f.scheduler.Tick(ctx))

	active := f.queue.FindActive(commands.NameMessagingCleanup)
	require.NotNil(t, active)
	assert.Equal(t, commands.TriggerScheduled, active.Trigger)

	assert.Empty(t, f.scheduler.Tick(ctx), "a queued task is not queued again")

	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, []string{
		commands.NameCheckHealth,
		commands.NameHousekeeping,
		commands.NameIndexerDefinitionUpdate,
	}, f.scheduler.Tick(ctx))
}

func TestCompletionUpdatesLastExecution(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.scheduler.Reconcile(ctx))
	require.NoError(t, f.queue.Start(ctx))

	f.clock.Advance(10 * time.Minute)
	runAt := f.clock.Now()
	cmd, err := f.scheduler.RunNow(ctx, commands.NameHousekeeping)
	require.NoError(t, err)
	assert.Equal(t, commands.TriggerManual, cmd.Trigger)

	require.Eventually(t, func() bool {
		next, err := f.scheduler.GetNextExecution(commands.NameHousekeeping)
		return err == nil && next.Equal(runAt.Add(24*time.Hour))
	}, 2*time.Second, 5*time.Millisecond)

	info, err := f.scheduler.GetTask(commands.NameHousekeeping)
	require.NoError(t, err)
	assert.True(t, runAt.Equal(info.LastExecution))
	assert.False(t, info.Running)
}

func TestFailedRunIsRetriedAfterDelay(t *testing.T) {
	f := newFixture(t, nil, func(context.Context, *commands.Execution) error {
		return errors.New("unreachable")
	})
	ctx := context.Background()
	require.NoError(t, f.scheduler.Reconcile(ctx))
	require.NoError(t, f.queue.Start(ctx))

	f.clock.Advance(6 * time.Hour)
	require.Contains(t, f.scheduler.Tick(ctx), commands.NameCheckHealth)
	require.Eventually(t, func() bool {
		info, err := f.scheduler.GetTask(commands.NameCheckHealth)
		return err == nil && info.LastStartTime != nil && f.queue.FindActive(commands.NameCheckHealth) == nil
	}, 2*time.Second, 5*time.Millisecond)

	info, err := f.scheduler.GetTask(commands.NameCheckHealth)
	require.NoError(t, err)
	assert.True(t, testNow.Equal(info.LastExecution), "a failed run does not count as executed")

	assert.NotContains(t, f.scheduler.Tick(ctx), commands.NameCheckHealth)
	f.clock.Advance(DefaultConfig().FailureRetry)
	assert.Contains(t, f.scheduler.Tick(ctx), commands.NameCheckHealth)
}

func TestSetIntervalAndErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.scheduler.Reconcile(ctx))

	require.NoError(t, f.scheduler.SetInterval(ctx, commands.NameCheckHealth, 90*time.Minute))
	next, err := f.scheduler.GetNextExecution(commands.NameCheckHealth)
	require.NoError(t, err)
	assert.True(t, testNow.Add(90*time.Minute).Equal(next))

	persisted, err := f.store.List(ctx)
	require.NoError(t, err)
	for _, task := range persisted {
		if task.Name == commands.NameCheckHealth {
			assert.Equal(t, 90*time.Minute, task.Interval)
		}
	}

	assert.Error(t, f.scheduler.SetInterval(ctx, commands.NameCheckHealth, 30*time.Second))
	assert.ErrorIs(t, f.scheduler.SetInterval(ctx, "Nope", time.Hour), ErrTaskNotFound)
	_, err = f.scheduler.GetNextExecution("Nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.scheduler.RunNow(ctx, "Nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.Len(t, f.scheduler.ListTasks(), len(DefaultTasks()))
}
