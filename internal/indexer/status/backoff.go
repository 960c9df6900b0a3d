// Package status tracks indexer failures and suspends failing indexers from
// dispatch with an escalating backoff.
package status

import (
	"errors"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// BackoffConfig defines the backoff strategy for failed indexers.
type BackoffConfig struct {
	// InitialBackoff is the disable window after the first failure
	InitialBackoff time.Duration
	// MaxBackoff caps the disable window
	MaxBackoff time.Duration
	// Multiplier is the factor by which the window grows per escalation level
	Multiplier float64
	// MaxEscalation caps the escalation level
	MaxEscalation int
	// RequestLimitBackoff is the shortest window after a rate-limit
	// response. A longer Retry-After from the indexer wins.
	RequestLimitBackoff time.Duration
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:      5 * time.Minute,
		MaxBackoff:          24 * time.Hour,
		Multiplier:          2.0,
		MaxEscalation:       10,
		RequestLimitBackoff: time.Hour,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxEscalation <= 0 {
		c.MaxEscalation = d.MaxEscalation
	}
	if c.RequestLimitBackoff <= 0 {
		c.RequestLimitBackoff = d.RequestLimitBackoff
	}
	return c
}

// Window returns the disable window for an escalation level. Level 0 has no
// window.
func (c BackoffConfig) Window(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	c = c.normalized()

	window := c.InitialBackoff
	for i := 1; i < level; i++ {
		window = time.Duration(float64(window) * c.Multiplier)
		if window >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return window
}

// MinimumWindow returns the shortest disable window cause demands. Request
// limit errors hold the indexer back for max(RetryAfter, RequestLimitBackoff);
// other failures have no minimum.
func (c BackoffConfig) MinimumWindow(cause error) time.Duration {
	var ie *types.IndexerError
	if !errors.As(cause, &ie) || ie.Code != types.ErrCodeRequestLimit {
		return 0
	}
	c = c.normalized()
	return max(ie.RetryAfter, c.RequestLimitBackoff)
}

// NextFailure computes the status after a failure at now. A failure while the
// previous window is still open escalates; any other failure starts over at
// level 1. The window is at least minimum and never ends before an open
// previous window. prev is not modified.
func (c BackoffConfig) NextFailure(prev *types.IndexerStatus, indexerID int64, now time.Time, minimum time.Duration) *types.IndexerStatus {
	c = c.normalized()

	next := prev.Clone()
	if next == nil {
		next = &types.IndexerStatus{IndexerID: indexerID}
	}

	if prev.IsDisabledAt(now) {
		next.EscalationLevel = min(next.EscalationLevel+1, c.MaxEscalation)
		if next.InitialFailure == nil {
			next.InitialFailure = &now
		}
	} else {
		next.EscalationLevel = 1
		next.InitialFailure = &now
	}

	till := now.Add(max(c.Window(next.EscalationLevel), minimum))
	if prev.IsDisabledAt(now) && prev.DisabledTill.After(till) {
		till = *prev.DisabledTill
	}
	next.MostRecentFailure = &now
	next.DisabledTill = &till
	return next
}
