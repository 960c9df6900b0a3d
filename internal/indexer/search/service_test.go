package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer"
	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/ratelimit"
	"github.com/slipstream/indexhub/internal/indexer/status"
	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/metrics"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type staticSource []*types.IndexerDefinition

func (s staticSource) ListEnabled(context.Context) ([]*types.IndexerDefinition, error) {
	return s, nil
}

type stubIndexer struct {
	def  *types.IndexerDefinition
	caps *types.Capabilities
}

func (s *stubIndexer) Definition() *types.IndexerDefinition     { return s.def }
func (s *stubIndexer) Capabilities() *types.Capabilities        { return s.caps }
func (s *stubIndexer) RequestGenerator() types.RequestGenerator { return nil }
func (s *stubIndexer) Parser() types.ResponseParser             { return nil }

// stubInstances hands out indexers with movie and TV support and a Movies
// category mapping unless caps overrides them.
type stubInstances struct {
	caps map[int64]*types.Capabilities
	errs map[int64]error
}

func (s *stubInstances) Get(_ context.Context, def *types.IndexerDefinition) (types.Indexer, error) {
	if err := s.errs[def.ID]; err != nil {
		return nil, err
	}
	if caps, ok := s.caps[def.ID]; ok {
		return &stubIndexer{def: def, caps: caps}, nil
	}
	return &stubIndexer{def: def, caps: testCapabilities(def.ID)}, nil
}

func testCapabilities(id int64) *types.Capabilities {
	caps := types.NewCapabilities(id)
	caps.MovieSearchParams = []string{types.ParamQ, types.ParamImdbID}
	caps.TvSearchParams = []string{types.ParamQ, types.ParamSeason, types.ParamEp}
	caps.Categories.AddMappingID(1, category.ByID(2000), "Movies")
	caps.Categories.AddMappingID(2, category.ByID(2040), "Movies/HD")
	caps.Categories.AddMappingID(5, category.ByID(5000), "TV")
	return caps
}

type executorFunc func(ctx context.Context, ix types.Indexer, c *types.SearchCriteria) (*indexer.RunResult, error)

func (f executorFunc) Run(ctx context.Context, ix types.Indexer, c *types.SearchCriteria) (*indexer.RunResult, error) {
	return f(ctx, ix, c)
}

func releasesOf(ix types.Indexer, titles ...string) *indexer.RunResult {
	res := &indexer.RunResult{Requests: 1}
	for _, t := range titles {
		res.Releases = append(res.Releases, &types.ReleaseInfo{
			Title:       t,
			GUID:        t,
			IndexerID:   ix.Definition().ID,
			IndexerName: ix.Definition().Name,
			PublishDate: testNow.Add(-time.Hour),
			Size:        1000,
		})
	}
	return res
}

func def(id int64, name string, protocol types.Protocol) *types.IndexerDefinition {
	return &types.IndexerDefinition{ID: id, Name: name, Protocol: protocol, Enabled: true, SupportsSearch: true, Priority: int(id)}
}

type harness struct {
	service *Service
	tracker *status.Tracker
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, cfg Config, defs []*types.IndexerDefinition, instances *stubInstances, exec executorFunc) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	// abandoned goroutines may log after the test returns
	logger := zerolog.Nop()
	tracker := status.NewTracker(status.NewMemoryStore(), status.DefaultBackoffConfig(), clock, logger)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig(), ratelimit.NewMemoryQueryLog(), clock, logger)
	m := metrics.New(prometheus.NewRegistry())
	if instances == nil {
		instances = &stubInstances{}
	}
	svc := NewService(cfg, Dependencies{
		Indexers:  staticSource(defs),
		Instances: instances,
		Executor:  exec,
		Tracker:   tracker,
		Limiter:   limiter,
		Metrics:   m,
		Clock:     clock,
	}, logger)
	return &harness{service: svc, tracker: tracker, limiter: limiter, metrics: m, clock: clock}
}

func TestSearch_MergesInIndexerOrderAndIsolatesFailures(t *testing.T) {
	defs := []*types.IndexerDefinition{
		def(1, "Alpha", types.ProtocolTorrent),
		def(2, "Broken", types.ProtocolTorrent),
		def(3, "Gamma", types.ProtocolUsenet),
	}
	h := newHarness(t, DefaultConfig(), defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		switch ix.Definition().ID {
		case 1:
			return releasesOf(ix, "a1", "a2", "a3"), nil
		case 2:
			return nil, types.NewNetworkError(2, "Broken", errors.New("connection refused"))
		}
		return releasesOf(ix, "g1"), nil
	})

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{Query: "ubuntu"})
	require.NoError(t, err)

	titles := make([]string, len(result.Releases))
	for i, r := range result.Releases {
		titles[i] = r.Title
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "g1"}, titles)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Succeeded())
	assert.Equal(t, 1, result.Failed())

	broken := result.Query(2)
	require.NotNil(t, broken)
	assert.Equal(t, OutcomeFailure, broken.Outcome)
	assert.False(t, broken.Success)
	assert.Equal(t, types.ErrCodeNetwork, broken.ErrorCode)
	assert.Contains(t, broken.Error, "connection refused")

	alpha := result.Query(1)
	assert.True(t, alpha.Success)
	assert.Equal(t, 3, alpha.Count)
	assert.Equal(t, 1, alpha.Requests)

	assert.True(t, h.tracker.IsBlocked(2), "failure starts a backoff")
	assert.False(t, h.tracker.IsBlocked(1))

	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.IndexerQueriesTotal.WithLabelValues("Broken", OutcomeFailure)))
	assert.Equal(t, float64(2), promtest.ToFloat64(h.metrics.IndexerQueriesTotal.WithLabelValues("Alpha", OutcomeSuccess))+
		promtest.ToFloat64(h.metrics.IndexerQueriesTotal.WithLabelValues("Gamma", OutcomeSuccess)))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.metrics.SearchesTotal.WithLabelValues("search")))
}

func TestSearch_SuccessClearsBackoff(t *testing.T) {
	fail := true
	h := newHarness(t, DefaultConfig(), []*types.IndexerDefinition{def(1, "Alpha", types.ProtocolTorrent)}, nil,
		func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
			if fail {
				return nil, types.NewAuthError(1, "Alpha", "bad key", nil)
			}
			return releasesOf(ix, "x"), nil
		})
	ctx := context.Background()

	_, err := h.service.Search(ctx, &types.SearchCriteria{})
	require.ErrorIs(t, err, ErrAllIndexersFailed)
	require.True(t, h.tracker.IsBlocked(1))

	result, err := h.service.Search(ctx, &types.SearchCriteria{})
	require.NoError(t, err, "a blocked indexer is skipped, not failed")
	assert.Equal(t, SkipBlocked, result.Query(1).Skipped)

	h.clock.Advance(time.Hour)
	fail = false
	_, err = h.service.Search(ctx, &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Nil(t, h.tracker.Get(1))
}

func TestSearch_AllFailed(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "A", types.ProtocolTorrent), def(2, "B", types.ProtocolTorrent)}
	h := newHarness(t, DefaultConfig(), defs, nil, func(context.Context, types.Indexer, *types.SearchCriteria) (*indexer.RunResult, error) {
		return nil, types.NewParseError(0, "", "garbage", nil)
	})

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.ErrorIs(t, err, ErrAllIndexersFailed)
	require.NotNil(t, result)
	assert.Len(t, result.Indexers, 2)
	assert.Empty(t, result.Releases)
}

func TestSearch_NoIndexersIsEmptyResult(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, nil, nil)
	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Empty(t, result.Releases)
	assert.NotNil(t, result.Releases)
}

func TestSearch_SlowIndexerDoesNotDelayOthers(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "Fast", types.ProtocolTorrent), def(2, "Slow", types.ProtocolTorrent)}
	cfg := Config{MaxConcurrency: 4, IndexerTimeout: 50 * time.Millisecond, OverallTimeout: 5 * time.Second}
	h := newHarness(t, cfg, defs, nil, func(ctx context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		if ix.Definition().ID == 2 {
			<-ctx.Done()
			return nil, types.NewTimeoutError(0, "", ctx.Err())
		}
		return releasesOf(ix, "fast"), nil
	})

	start := time.Now()
	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, result.Releases, 1)
	slow := result.Query(2)
	assert.True(t, slow.TimedOut)
	assert.Equal(t, OutcomeTimeout, slow.Outcome)
	assert.True(t, h.tracker.IsBlocked(2), "a per-indexer timeout counts as a failure")
}

func TestSearch_OverallDeadlineAbandonsStuckIndexer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	defs := []*types.IndexerDefinition{def(1, "Fast", types.ProtocolTorrent), def(2, "Stuck", types.ProtocolTorrent)}
	cfg := Config{MaxConcurrency: 4, IndexerTimeout: 10 * time.Second, OverallTimeout: 50 * time.Millisecond}
	h := newHarness(t, cfg, defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		if ix.Definition().ID == 2 {
			<-release // ignores its context
			return releasesOf(ix, "late"), nil
		}
		return releasesOf(ix, "fast"), nil
	})

	start := time.Now()
	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, result.Releases, 1)
	assert.Equal(t, "fast", result.Releases[0].Title)
	assert.True(t, result.Query(2).TimedOut)
	assert.False(t, h.tracker.IsBlocked(2), "the overall deadline is not the indexer's fault")
}

func TestSearch_IndexerSelection(t *testing.T) {
	defs := []*types.IndexerDefinition{
		def(1, "Torrent A", types.ProtocolTorrent),
		def(2, "Usenet B", types.ProtocolUsenet),
		def(3, "Torrent C", types.ProtocolTorrent),
	}
	rssOnly := def(4, "RSS only", types.ProtocolTorrent)
	rssOnly.SupportsSearch = false
	defs = append(defs, rssOnly)

	tests := []struct {
		name string
		ids  []int64
		want []int64
	}{
		{"all", nil, []int64{1, 2, 3}},
		{"explicit", []int64{3}, []int64{3}},
		{"all usenet", []int64{types.AllUsenetIndexers}, []int64{2}},
		{"all torrent", []int64{types.AllTorrentIndexers}, []int64{1, 3}},
		{"mixed", []int64{2, types.AllTorrentIndexers}, []int64{1, 2, 3}},
		{"search unsupported", []int64{4}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu   sync.Mutex
				seen []int64
			)
			h := newHarness(t, DefaultConfig(), defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
				mu.Lock()
				seen = append(seen, ix.Definition().ID)
				mu.Unlock()
				return releasesOf(ix), nil
			})

			_, err := h.service.Search(context.Background(), &types.SearchCriteria{IndexerIDs: tt.ids})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, seen)
		})
	}
}

func TestSearch_InteractiveWithUnavailableIndexers(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "A", types.ProtocolTorrent)}
	h := newHarness(t, DefaultConfig(), defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		return releasesOf(ix), nil
	})
	ctx := context.Background()

	_, err := h.service.Search(ctx, &types.SearchCriteria{IndexerIDs: []int64{99}, Interactive: true})
	assert.ErrorIs(t, err, ErrSearchFailed)

	_, err = h.service.Search(ctx, &types.SearchCriteria{IndexerIDs: []int64{99}})
	assert.NoError(t, err, "automatic searches tolerate an empty selection")

	_, err = h.tracker.RecordFailure(ctx, 1, errors.New("down"))
	require.NoError(t, err)
	_, err = h.service.Search(ctx, &types.SearchCriteria{IndexerIDs: []int64{1}, Interactive: true})
	assert.ErrorIs(t, err, ErrSearchFailed, "blocked indexers are unavailable")
}

func TestSearch_CapabilityPrefilter(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "Movies", types.ProtocolTorrent), def(2, "Text only", types.ProtocolTorrent)}
	instances := &stubInstances{caps: map[int64]*types.Capabilities{2: types.NewCapabilities(2)}}
	var called atomic.Int32
	h := newHarness(t, DefaultConfig(), defs, instances, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		called.Add(1)
		return releasesOf(ix, "m"), nil
	})
	ctx := context.Background()

	result, err := h.service.Search(ctx, &types.SearchCriteria{Type: types.SearchTypeMovie, Movie: &types.MovieParams{ImdbID: "tt0133093"}})
	require.NoError(t, err)
	assert.Equal(t, SkipUnsupportedType, result.Query(2).Skipped)
	assert.True(t, result.Query(1).Success)

	result, err = h.service.Search(ctx, &types.SearchCriteria{Categories: []int{7000}})
	require.NoError(t, err)
	assert.Equal(t, SkipUnsupportedCategories, result.Query(1).Skipped)
	assert.Equal(t, SkipUnsupportedCategories, result.Query(2).Skipped)
	assert.Equal(t, int32(1), called.Load())
}

func TestSearch_UnsupportedQueryShapeIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), []*types.IndexerDefinition{def(1, "A", types.ProtocolTorrent)}, nil,
		func(context.Context, types.Indexer, *types.SearchCriteria) (*indexer.RunResult, error) {
			return &indexer.RunResult{Unsupported: true}, nil
		})

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, SkipUnsupportedQuery, result.Query(1).Skipped)
	assert.Zero(t, result.Attempted())
}

func TestSearch_QueryLimit(t *testing.T) {
	limited := def(1, "Limited", types.ProtocolTorrent)
	limited.QueryLimit = 1
	h := newHarness(t, DefaultConfig(), []*types.IndexerDefinition{limited}, nil,
		func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
			return releasesOf(ix, "x"), nil
		})
	ctx := context.Background()

	result, err := h.service.Search(ctx, &types.SearchCriteria{})
	require.NoError(t, err)
	assert.True(t, result.Query(1).Success)

	result, err = h.service.Search(ctx, &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, SkipQueryLimit, result.Query(1).Skipped)

	h.clock.Advance(25 * time.Hour)
	result, err = h.service.Search(ctx, &types.SearchCriteria{})
	require.NoError(t, err)
	assert.True(t, result.Query(1).Success)
}

func TestSearch_NormalizesCriteriaOnce(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "A", types.ProtocolTorrent), def(2, "B", types.ProtocolTorrent)}
	var (
		mu   sync.Mutex
		seen []string
	)
	h := newHarness(t, DefaultConfig(), defs, nil, func(_ context.Context, ix types.Indexer, c *types.SearchCriteria) (*indexer.RunResult, error) {
		mu.Lock()
		seen = append(seen, c.Movie.ImdbID)
		mu.Unlock()
		return releasesOf(ix), nil
	})

	criteria := &types.SearchCriteria{Type: types.SearchTypeMovie, Movie: &types.MovieParams{ImdbID: "tt76759"}}
	_, err := h.service.Search(context.Background(), criteria)
	require.NoError(t, err)
	assert.Equal(t, []string{"0076759", "0076759"}, seen)
	assert.Equal(t, "tt76759", criteria.Movie.ImdbID, "the caller's criteria is not modified")
}

func TestSearch_BoundedConcurrency(t *testing.T) {
	var defs []*types.IndexerDefinition
	for i := int64(1); i <= 6; i++ {
		defs = append(defs, def(i, "ix", types.ProtocolTorrent))
	}
	var inflight, peak atomic.Int32
	cfg := Config{MaxConcurrency: 2, IndexerTimeout: time.Second, OverallTimeout: 5 * time.Second}
	h := newHarness(t, cfg, defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return releasesOf(ix, "r"), nil
	})

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Total)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSearch_PanicIsIsolated(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "A", types.ProtocolTorrent), def(2, "Panics", types.ProtocolTorrent)}
	h := newHarness(t, DefaultConfig(), defs, nil, func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
		if ix.Definition().ID == 2 {
			panic("boom")
		}
		return releasesOf(ix, "ok"), nil
	})

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Len(t, result.Releases, 1)
	assert.Equal(t, OutcomeFailure, result.Query(2).Outcome)
	assert.Contains(t, result.Query(2).Error, "boom")
}

func TestSearch_InstanceErrorIsAFailure(t *testing.T) {
	defs := []*types.IndexerDefinition{def(1, "Gazelle", types.ProtocolTorrent)}
	instances := &stubInstances{errs: map[int64]error{1: types.ErrUnsupported.WithIndexer(1, "Gazelle")}}
	h := newHarness(t, DefaultConfig(), defs, instances, nil)

	result, err := h.service.Search(context.Background(), &types.SearchCriteria{})
	require.ErrorIs(t, err, ErrAllIndexersFailed)
	assert.Equal(t, types.ErrCodeUnsupported, result.Query(1).ErrorCode)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(msgType string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, msgType)
	return nil
}

func TestSearch_BroadcastsEvents(t *testing.T) {
	b := &recordingBroadcaster{}
	svc := NewService(DefaultConfig(), Dependencies{
		Indexers:  staticSource{def(1, "A", types.ProtocolTorrent)},
		Instances: &stubInstances{},
		Executor: executorFunc(func(_ context.Context, ix types.Indexer, _ *types.SearchCriteria) (*indexer.RunResult, error) {
			return releasesOf(ix, "x"), nil
		}),
		Broadcaster: b,
	}, zerolog.Nop())

	_, err := svc.Search(context.Background(), &types.SearchCriteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventSearchStarted, EventSearchCompleted}, b.events)
}
