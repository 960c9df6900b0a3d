// Package startup retries boot-time work that needs the network.
package startup

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// RetryConfig configures the exponential backoff. Each wait doubles.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint64
}

// DefaultRetryConfig waits 5s, 10s, 20s and 40s between five attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		MaxAttempts:  5,
	}
}

var networkIndicators = []string{
	"connection refused",
	"no such host",
	"timeout",
	"network is unreachable",
	"no route to host",
	"host is down",
	"dial tcp",
	"i/o timeout",
	"connection reset",
	"temporary failure in name resolution",
}

// IsNetworkError checks if an error is likely due to network unavailability.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range networkIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// WithRetry runs fn until it succeeds, fails with a non-network error, or
// the attempts are used up.
func WithRetry(ctx context.Context, name string, cfg RetryConfig, logger zerolog.Logger, fn func(context.Context) error) error {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	backoff := retry.NewExponential(cfg.InitialDelay)
	backoff = retry.WithCappedDuration(cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(cfg.MaxAttempts-1, backoff)

	var attempt int
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("operation", name).Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}
		if !IsNetworkError(err) {
			return err
		}
		logger.Warn().Err(err).Str("operation", name).Int("attempt", attempt).Msg("Network error, will retry")
		return retry.RetryableError(err)
	})
	if err != nil {
		logger.Error().Err(err).Str("operation", name).Int("attempts", attempt).Msg("Operation failed")
	}
	return err
}
