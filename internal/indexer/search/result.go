package search

import (
	"fmt"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Outcomes of one indexer's part in a search.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped"
)

// Reasons an indexer was not queried.
const (
	SkipBlocked               = "blocked"
	SkipUnsupportedType       = "unsupported search type"
	SkipUnsupportedCategories = "unsupported categories"
	SkipUnsupportedQuery      = "unsupported query"
	SkipQueryLimit            = "query limit reached"
)

// Result is the merged outcome of a search.
type Result struct {
	Releases  []*types.ReleaseInfo `json:"releases"`
	Total     int                  `json:"total"`
	Indexers  []*IndexerQuery      `json:"indexers"`
	Elapsed   time.Duration        `json:"-"`
	ElapsedMs int64                `json:"elapsedMs"`
}

// Succeeded counts indexers that answered.
func (r *Result) Succeeded() int { return r.count(OutcomeSuccess) }

// Failed counts indexers that failed or timed out.
func (r *Result) Failed() int { return r.count(OutcomeFailure) + r.count(OutcomeTimeout) }

// Attempted counts indexers that were queried.
func (r *Result) Attempted() int { return len(r.Indexers) - r.count(OutcomeSkipped) }

// Query returns the metadata of one indexer, or nil.
func (r *Result) Query(indexerID int64) *IndexerQuery {
	for _, q := range r.Indexers {
		if q.IndexerID == indexerID {
			return q
		}
	}
	return nil
}

func (r *Result) count(outcome string) int {
	n := 0
	for _, q := range r.Indexers {
		if q.Outcome == outcome {
			n++
		}
	}
	return n
}

// IndexerQuery is the per-indexer accounting of a search.
type IndexerQuery struct {
	IndexerID   int64          `json:"indexerId"`
	IndexerName string         `json:"indexerName"`
	Protocol    types.Protocol `json:"protocol"`
	Outcome     string         `json:"outcome"`
	Success     bool           `json:"success"`
	TimedOut    bool           `json:"timedOut,omitempty"`
	Skipped     string         `json:"skipped,omitempty"`
	Count       int            `json:"count"`
	Requests    int            `json:"requests"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Elapsed     time.Duration  `json:"-"`
	ElapsedMs   int64          `json:"elapsedMs"`

	releases []*types.ReleaseInfo
}

func newQuery(def *types.IndexerDefinition) *IndexerQuery {
	return &IndexerQuery{IndexerID: def.ID, IndexerName: def.Name, Protocol: def.Protocol}
}

func (q *IndexerQuery) succeed(releases []*types.ReleaseInfo) *IndexerQuery {
	q.Outcome = OutcomeSuccess
	q.Success = true
	q.Count = len(releases)
	q.releases = releases
	return q
}

func (q *IndexerQuery) fail(err error) *IndexerQuery {
	q.Outcome = OutcomeFailure
	q.Error = err.Error()
	q.ErrorCode = types.GetErrorCode(err)
	return q
}

func (q *IndexerQuery) timeout(after time.Duration, err error) *IndexerQuery {
	q.Outcome = OutcomeTimeout
	q.TimedOut = true
	q.ErrorCode = types.ErrCodeTimeout
	q.Error = fmt.Sprintf("timed out after %s", after.Round(time.Millisecond))
	if err != nil {
		q.Error = err.Error()
	}
	return q
}

func (q *IndexerQuery) skip(reason string) *IndexerQuery {
	q.Outcome = OutcomeSkipped
	q.Skipped = reason
	return q
}

// StartedPayload is broadcast when a search begins.
type StartedPayload struct {
	Query      string  `json:"query,omitempty"`
	Type       string  `json:"type"`
	IndexerIDs []int64 `json:"indexerIds"`
}

// CompletedPayload is broadcast when a search finishes.
type CompletedPayload struct {
	Query        string `json:"query,omitempty"`
	Type         string `json:"type"`
	TotalResults int    `json:"totalResults"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	ElapsedMs    int64  `json:"elapsedMs"`
}
