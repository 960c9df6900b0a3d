package commands

import (
	"context"
	"fmt"

	"github.com/slipstream/indexhub/internal/indexer/search"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Built-in command names.
const (
	NameSearch                  = "Search"
	NameCheckHealth             = "CheckHealth"
	NameMessagingCleanup        = "MessagingCleanup"
	NameHousekeeping            = "Housekeeping"
	NameIndexerDefinitionUpdate = "IndexerDefinitionUpdate"
)

// SearchBody is the payload of a Search command.
type SearchBody struct {
	Criteria types.SearchCriteria `json:"criteria"`
}

// DefinitionUpdateBody is the payload of an IndexerDefinitionUpdate command.
type DefinitionUpdateBody struct {
	Force bool `json:"force,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, criteria *types.SearchCriteria) (*search.Result, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

type IndexerLister interface {
	ListIDs(ctx context.Context) ([]int64, error)
}

type StatusJanitor interface {
	CleanupOrphans(ctx context.Context, known []int64) (int, error)
	DeleteExpiredCookies(ctx context.Context) (int64, error)
}

type QueryPruner interface {
	Prune(ctx context.Context) (int64, error)
}

type DefinitionUpdater interface {
	UpdateDefinitions(ctx context.Context, force bool) error
}

// SearchCommand runs an aggregate search in the background.
func SearchCommand(s Searcher) Definition {
	return Definition{
		Name: NameSearch,
		Body: SearchBody{},
		Handler: func(ctx context.Context, ex *Execution) error {
			body, _ := ex.Body.(SearchBody)
			criteria := body.Criteria
			if criteria.Source == "" {
				criteria.Source = "command"
			}
			result, err := s.Search(ctx, &criteria)
			if err != nil {
				return err
			}
			ex.SetMessage(fmt.Sprintf("Found %d releases from %d of %d indexers",
				result.Total, result.Succeeded(), result.Attempted()))
			return nil
		},
	}
}

// CheckHealthCommand re-evaluates health checks.
func CheckHealthCommand(h HealthChecker) Definition {
	return Definition{
		Name:                NameCheckHealth,
		Exclusive:           true,
		UpdateScheduledTask: true,
		Handler: func(ctx context.Context, _ *Execution) error {
			return h.Check(ctx)
		},
	}
}

// MessagingCleanupCommand prunes finished commands past retention.
func MessagingCleanupCommand(q *Queue) Definition {
	return Definition{
		Name:                NameMessagingCleanup,
		Exclusive:           true,
		UpdateScheduledTask: true,
		Priority:            PriorityLow,
		Handler: func(ctx context.Context, ex *Execution) error {
			n, err := q.Cleanup(ctx)
			if err != nil {
				return err
			}
			ex.SetMessage(fmt.Sprintf("Removed %d finished commands", n))
			return nil
		},
	}
}

// HousekeepingCommand removes status rows of deleted indexers, expired
// login cookies and query log entries outside the limit window. queries
// may be nil.
func HousekeepingCommand(indexers IndexerLister, status StatusJanitor, queries QueryPruner) Definition {
	return Definition{
		Name:                NameHousekeeping,
		Exclusive:           true,
		UpdateScheduledTask: true,
		Priority:            PriorityLow,
		Handler: func(ctx context.Context, ex *Execution) error {
			ids, err := indexers.ListIDs(ctx)
			if err != nil {
				return fmt.Errorf("failed to list indexers: %w", err)
			}
			orphans, err := status.CleanupOrphans(ctx, ids)
			if err != nil {
				return fmt.Errorf("failed to clean up indexer status: %w", err)
			}
			cookies, err := status.DeleteExpiredCookies(ctx)
			if err != nil {
				return fmt.Errorf("failed to delete expired cookies: %w", err)
			}
			var pruned int64
			if queries != nil {
				if pruned, err = queries.Prune(ctx); err != nil {
					return fmt.Errorf("failed to prune query log: %w", err)
				}
			}
			ex.SetMessage(fmt.Sprintf("Removed %d orphaned status rows, %d expired sessions and %d old queries", orphans, cookies, pruned))
			return nil
		},
	}
}

// DefinitionUpdateCommand refreshes Cardigann definitions from the remote
// repository.
func DefinitionUpdateCommand(u DefinitionUpdater) Definition {
	return Definition{
		Name:                NameIndexerDefinitionUpdate,
		Body:                DefinitionUpdateBody{},
		Exclusive:           true,
		UpdateScheduledTask: true,
		Handler: func(ctx context.Context, ex *Execution) error {
			body, _ := ex.Body.(DefinitionUpdateBody)
			return u.UpdateDefinitions(ctx, body.Force)
		},
	}
}
