package indexer

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Pacer spaces requests to the same indexer.
type Pacer interface {
	Wait(ctx context.Context, indexerID int64, interval time.Duration) error
}

type requestDelayer interface {
	RequestDelay() time.Duration
}

// RunResult is the outcome of running one indexer's request chain.
type RunResult struct {
	Releases    []*types.ReleaseInfo
	Requests    int  // requests sent, re-login retries included
	Tier        int  // index of the tier that produced the releases
	Unsupported bool // the criteria produced no requests
}

// Runner executes request tiers against one indexer: it authenticates
// session indexers, paces requests, re-logs in once on an expired session,
// and stops at the first tier that yields releases.
type Runner struct {
	client       types.HTTPClient
	pacer        Pacer
	defaultDelay time.Duration
	logger       zerolog.Logger
}

// NewRunner creates a tier runner. pacer may be nil.
func NewRunner(client types.HTTPClient, pacer Pacer, defaultDelay time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		client:       client,
		pacer:        pacer,
		defaultDelay: defaultDelay,
		logger:       logger.With().Str("component", "runner").Logger(),
	}
}

// Run searches ix for criteria. Errors are attributed to the indexer.
func (r *Runner) Run(ctx context.Context, ix types.Indexer, criteria *types.SearchCriteria) (*RunResult, error) {
	def := ix.Definition()
	logger := r.logger.With().Int64("indexerId", def.ID).Str("indexer", def.Name).Logger()

	chain, err := ix.RequestGenerator().GetSearchRequests(criteria)
	if err != nil {
		return nil, attribute(ctx, def, err)
	}
	result := &RunResult{}
	if chain.Empty() {
		result.Unsupported = true
		logger.Debug().Str("criteria", criteria.String()).Msg("Indexer does not support query shape")
		return result, nil
	}

	session, _ := ix.(types.SessionIndexer)
	if session != nil {
		if err := session.EnsureSession(ctx, r.client); err != nil {
			return nil, attribute(ctx, def, err)
		}
	}

	for i, tier := range chain.Tiers() {
		var found []*types.ReleaseInfo
		for req := range tier {
			releases, err := r.execute(ctx, ix, session, req, result)
			if err != nil {
				return nil, attribute(ctx, def, err)
			}
			found = append(found, releases...)
		}
		if len(found) > 0 {
			result.Releases = stamp(found, def)
			result.Tier = i
			logger.Debug().Int("tier", i).Int("releases", len(found)).Msg("Tier produced releases")
			return result, nil
		}
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, ix types.Indexer, session types.SessionIndexer, req *types.IndexerRequest, result *RunResult) ([]*types.ReleaseInfo, error) {
	def := ix.Definition()

	for attempt := 0; ; attempt++ {
		if err := r.wait(ctx, ix); err != nil {
			return nil, err
		}

		sent := copyRequest(req)
		if session != nil {
			session.PrepareRequest(sent.HTTP)
		}

		result.Requests++
		resp, err := r.client.Execute(ctx, sent.HTTP)
		if err != nil {
			return nil, err
		}
		ir := &types.IndexerResponse{Request: sent, HTTP: resp, Definition: def}

		if session != nil {
			expired, err := session.SessionExpired(ir)
			if err != nil {
				return nil, err
			}
			if expired {
				if attempt > 0 {
					return nil, types.NewAuthError(def.ID, def.Name, "session expired again after logging in", nil)
				}
				r.logger.Info().Int64("indexerId", def.ID).Msg("Session expired, logging in again")
				session.InvalidateSession()
				if err := session.EnsureSession(ctx, r.client); err != nil {
					return nil, err
				}
				continue
			}
		}

		return ix.Parser().ParseResponse(ir)
	}
}

func (r *Runner) wait(ctx context.Context, ix types.Indexer) error {
	if r.pacer == nil {
		return ctx.Err()
	}
	interval := r.defaultDelay
	if d, ok := ix.(requestDelayer); ok && d.RequestDelay() > interval {
		interval = d.RequestDelay()
	}
	return r.pacer.Wait(ctx, ix.Definition().ID, interval)
}

// copyRequest clones the parts of a request that session handling mutates.
func copyRequest(req *types.IndexerRequest) *types.IndexerRequest {
	out := *req
	h := *req.HTTP
	h.Cookies = maps.Clone(req.HTTP.Cookies)
	h.Headers = req.HTTP.Headers.Clone()
	out.HTTP = &h
	return &out
}

// stamp fills in the indexer attribution parsers may leave empty.
func stamp(releases []*types.ReleaseInfo, def *types.IndexerDefinition) []*types.ReleaseInfo {
	for _, r := range releases {
		r.IndexerID = def.ID
		r.IndexerName = def.Name
		r.IndexerPriority = def.Priority
		if r.Protocol == "" {
			r.Protocol = def.Protocol
		}
	}
	return releases
}

// attribute converts err into an IndexerError carrying the indexer identity.
func attribute(ctx context.Context, def *types.IndexerDefinition, err error) error {
	var ie *types.IndexerError
	if errors.As(err, &ie) {
		if ie.IndexerID == 0 {
			return ie.WithIndexer(def.ID, def.Name)
		}
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewTimeoutError(def.ID, def.Name, err)
	case errors.Is(err, context.Canceled):
		return types.NewTimeoutError(def.ID, def.Name, err)
	default:
		return types.NewSearchError(def.ID, def.Name, "search failed", err)
	}
}
