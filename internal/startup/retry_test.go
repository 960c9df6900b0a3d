package startup

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts uint64) RetryConfig {
	return RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.True(t, IsNetworkError(&net.DNSError{Err: "no such host", Name: "example.invalid"}))
	assert.True(t, IsNetworkError(errors.New("dial tcp 10.0.0.1:443: connection refused")))
	assert.False(t, IsNetworkError(errors.New("invalid definition")))
}

func TestWithRetry_RetriesNetworkErrors(t *testing.T) {
	var calls int
	err := WithRetry(context.Background(), "fetch", fastConfig(5), zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnOtherErrors(t *testing.T) {
	var calls int
	boom := errors.New("bad archive")
	err := WithRetry(context.Background(), "fetch", fastConfig(5), zerolog.Nop(), func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	var calls int
	err := WithRetry(context.Background(), "fetch", fastConfig(3), zerolog.Nop(), func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
