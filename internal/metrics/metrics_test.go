package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveIndexerQuery("Alpha", "success", 200*time.Millisecond)
	m.ObserveIndexerQuery("Alpha", "success", 0)
	m.ObserveIndexerQuery("Beta", "failure", time.Second)
	m.ObserveSearch("movie")
	m.ObserveCommand("Search", "completed", time.Second)
	m.SetQueued(3)
	m.SetBlocked(1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.IndexerQueriesTotal.WithLabelValues("Alpha", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IndexerQueriesTotal.WithLabelValues("Beta", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchesTotal.WithLabelValues("movie")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsTotal.WithLabelValues("Search", "completed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CommandsQueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BlockedIndexers))

	n, err := testutil.GatherAndCount(reg, "indexhub_search_indexer_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIndexerQuery("x", "success", time.Second)
		m.ObserveSearch("search")
		m.ObserveCommand("x", "failed", time.Second)
		m.SetQueued(1)
		m.SetBlocked(1)
	})
}
