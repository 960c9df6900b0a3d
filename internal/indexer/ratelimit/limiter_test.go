package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/testutil"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestLimiter_QueryLimit(t *testing.T) {
	tests := []struct {
		name string
		log  func(t *testing.T) (QueryLog, int64)
	}{
		{"memory", func(t *testing.T) (QueryLog, int64) { return NewMemoryQueryLog(), 1 }},
		{"sqlite", func(t *testing.T) (QueryLog, int64) {
			tdb := testutil.NewTestDB(t)
			return NewSQLiteQueryLog(tdb.Conn), tdb.InsertIndexer(t, "limited")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			log, id := tt.log(t)
			clock := clockwork.NewFakeClockAt(testNow)
			l := NewLimiter(DefaultConfig(), log, clock, zerolog.New(zerolog.NewTestWriter(t)))

			reached, err := l.QueryLimitReached(ctx, id, 2)
			require.NoError(t, err)
			assert.False(t, reached)

			require.NoError(t, l.RecordQuery(ctx, id))
			clock.Advance(time.Hour)
			require.NoError(t, l.RecordQuery(ctx, id))

			reached, err = l.QueryLimitReached(ctx, id, 2)
			require.NoError(t, err)
			assert.True(t, reached)

			reached, err = l.QueryLimitReached(ctx, id, 0)
			require.NoError(t, err)
			assert.False(t, reached, "zero means unlimited")

			// the first query falls out of the 24h window
			clock.Advance(23*time.Hour + time.Minute)
			count, err := l.QueryCount(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			pruned, err := l.Prune(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), pruned)
		})
	}
}

func TestLimiter_WaitPacesRequests(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	l := NewLimiter(Config{RequestInterval: time.Second}, nil, clock, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 1, 0), "the first request is not delayed")
	require.NoError(t, l.Wait(ctx, 2, 0), "indexers are paced independently")

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, 1, 0) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case <-done:
		t.Fatal("second request to the same indexer was not delayed")
	default:
	}
	clock.Advance(time.Second)
	require.NoError(t, <-done)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	l := NewLimiter(Config{RequestInterval: time.Minute}, nil, clock, zerolog.Nop())

	require.NoError(t, l.Wait(context.Background(), 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, 1, 0), context.Canceled)
}

func TestLimiter_NoIntervalNeverWaits(t *testing.T) {
	l := NewLimiter(Config{}, nil, clockwork.NewFakeClockAt(testNow), zerolog.Nop())
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), 1, 0))
	}
}
