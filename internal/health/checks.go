package health

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Policy decides how many blocked indexers make the system unhealthy.
type Policy struct {
	// WarningMinBlocked is the number of blocked indexers that raises a warning.
	WarningMinBlocked int
	// ErrorBlockedRatio is the blocked share of enabled indexers that raises
	// an error. 1.0 means all of them.
	ErrorBlockedRatio float64
	// RecentFailureWindow limits which failures count. A blocked indexer
	// whose failure streak began earlier is ignored.
	RecentFailureWindow time.Duration
}

// DefaultPolicy warns when any enabled indexer is blocked and errors when
// all of them are.
func DefaultPolicy() Policy {
	return Policy{
		WarningMinBlocked:   1,
		ErrorBlockedRatio:   1.0,
		RecentFailureWindow: 6 * time.Hour,
	}
}

// Result is the outcome of one aggregate check.
type Result struct {
	Status  Level    `json:"status"`
	Message string   `json:"message,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// EvaluateIndexerStatus applies the policy to the enabled indexers and the
// tracked statuses at now.
func (p Policy) EvaluateIndexerStatus(indexers []*types.IndexerDefinition, statuses []*types.IndexerStatus, now time.Time) Result {
	byID := make(map[int64]*types.IndexerStatus, len(statuses))
	for _, st := range statuses {
		byID[st.IndexerID] = st
	}

	var enabled int
	var blocked []string
	for _, def := range indexers {
		if !def.Enabled {
			continue
		}
		enabled++
		if p.counts(byID[def.ID], now) {
			blocked = append(blocked, def.Name)
		}
	}
	if enabled == 0 || len(blocked) == 0 {
		return Result{Status: StatusOK}
	}
	slices.Sort(blocked)

	ratio := float64(len(blocked)) / float64(enabled)
	switch {
	case ratio >= p.ErrorBlockedRatio:
		prefix := "All"
		if len(blocked) < enabled {
			prefix = "Most"
		}
		msg := fmt.Sprintf("%s indexers are unavailable due to failures: %s", prefix, strings.Join(blocked, ", "))
		return Result{Status: StatusError, Message: msg, Blocked: blocked}
	case len(blocked) >= max(p.WarningMinBlocked, 1):
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("Indexers unavailable due to failures: %s", strings.Join(blocked, ", ")),
			Blocked: blocked,
		}
	}
	return Result{Status: StatusOK, Blocked: blocked}
}

func (p Policy) counts(st *types.IndexerStatus, now time.Time) bool {
	if !st.IsDisabledAt(now) {
		return false
	}
	if p.RecentFailureWindow <= 0 || st.InitialFailure == nil {
		return true
	}
	return st.InitialFailure.After(now.Add(-p.RecentFailureWindow))
}

// EvaluateSearchAvailability warns when no enabled indexer supports search.
func EvaluateSearchAvailability(indexers []*types.IndexerDefinition) Result {
	for _, def := range indexers {
		if def.Enabled && def.SupportsSearch {
			return Result{Status: StatusOK}
		}
	}
	if len(indexers) == 0 {
		return Result{Status: StatusWarning, Message: "No indexers are configured"}
	}
	return Result{Status: StatusWarning, Message: "No enabled indexers support search"}
}
