package status

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

func TestBackoffConfig_Window(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: 5 * time.Minute, MaxBackoff: time.Hour, Multiplier: 2, MaxEscalation: 10}

	tests := []struct {
		level int
		want  time.Duration
	}{
		{0, 0},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{50, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Window(tt.level), "level %d", tt.level)
	}
}

func TestBackoffConfig_WindowDefaults(t *testing.T) {
	var cfg BackoffConfig
	assert.Equal(t, 5*time.Minute, cfg.Window(1))
	assert.Equal(t, 24*time.Hour, cfg.Window(20))
}

func TestNextFailure(t *testing.T) {
	cfg := DefaultBackoffConfig()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := cfg.NextFailure(nil, 3, now, 0)
	assert.Equal(t, int64(3), first.IndexerID)
	assert.Equal(t, 1, first.EscalationLevel)
	assert.Equal(t, now, *first.InitialFailure)
	assert.Equal(t, now.Add(5*time.Minute), *first.DisabledTill)

	// inside the window: escalates and keeps the initial failure
	later := now.Add(time.Minute)
	second := cfg.NextFailure(first, 3, later, 0)
	assert.Equal(t, 2, second.EscalationLevel)
	assert.Equal(t, now, *second.InitialFailure)
	assert.Equal(t, later, *second.MostRecentFailure)
	assert.Greater(t, second.DisabledTill.Sub(later), first.DisabledTill.Sub(now))
	assert.Equal(t, 1, first.EscalationLevel, "previous status is not modified")

	// after the window elapsed: starts over
	expired := second.DisabledTill.Add(time.Second)
	fresh := cfg.NextFailure(second, 3, expired, 0)
	assert.Equal(t, 1, fresh.EscalationLevel)
	assert.Equal(t, expired, *fresh.InitialFailure)
}

func TestNextFailure_CapsEscalation(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: time.Hour, MaxBackoff: 48 * time.Hour, Multiplier: 2, MaxEscalation: 3}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var st *types.IndexerStatus
	for range 6 {
		st = cfg.NextFailure(st, 1, now, 0)
		now = now.Add(time.Minute)
	}
	require.NotNil(t, st)
	assert.Equal(t, 3, st.EscalationLevel)
}

func TestBackoffConfig_MinimumWindow(t *testing.T) {
	cfg := DefaultBackoffConfig()
	limited := func(retryAfter string) error {
		resp := &types.HTTPResponse{StatusCode: http.StatusTooManyRequests, Headers: http.Header{}}
		if retryAfter != "" {
			resp.Headers.Set("Retry-After", retryAfter)
		}
		return types.NewRequestLimitError(1, "Alpha", resp)
	}

	tests := []struct {
		name  string
		cause error
		want  time.Duration
	}{
		{"generic failure", errors.New("boom"), 0},
		{"nil cause", nil, 0},
		{"network error", types.NewNetworkError(1, "Alpha", errors.New("reset")), 0},
		{"rate limited without hint", limited(""), time.Hour},
		{"short hint uses the floor", limited("60"), time.Hour},
		{"long hint wins", limited("7200"), 2 * time.Hour},
		{"wrapped", fmt.Errorf("search: %w", limited("10800")), 3 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.MinimumWindow(tt.cause))
		})
	}

	custom := BackoffConfig{RequestLimitBackoff: 30 * time.Minute}
	assert.Equal(t, 30*time.Minute, custom.MinimumWindow(limited("")))
}

func TestNextFailure_MinimumAndOpenWindow(t *testing.T) {
	cfg := DefaultBackoffConfig()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	limited := cfg.NextFailure(nil, 1, now, 2*time.Hour)
	assert.Equal(t, 1, limited.EscalationLevel)
	assert.Equal(t, now.Add(2*time.Hour), *limited.DisabledTill)

	// a generic failure inside the long window does not shorten it
	later := now.Add(time.Minute)
	next := cfg.NextFailure(limited, 1, later, 0)
	assert.Equal(t, 2, next.EscalationLevel)
	assert.Equal(t, now.Add(2*time.Hour), *next.DisabledTill)
}
