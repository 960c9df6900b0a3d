// Package metrics holds the Prometheus collectors shared by the search
// aggregator, the command queue and the status tracker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector.
const Namespace = "indexhub"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	IndexerQueriesTotal    *prometheus.CounterVec
	IndexerDurationSeconds *prometheus.HistogramVec
	SearchesTotal          *prometheus.CounterVec

	CommandsTotal          *prometheus.CounterVec
	CommandDurationSeconds *prometheus.HistogramVec
	CommandsQueued         prometheus.Gauge

	BlockedIndexers prometheus.Gauge
}

// New creates and registers all collectors on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initSearchMetrics(factory)
	m.initCommandMetrics(factory)
	m.BlockedIndexers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "indexer",
		Name:      "blocked",
		Help:      "Number of indexers currently suspended by backoff",
	})
	return m
}

func (m *Metrics) initSearchMetrics(factory promauto.Factory) {
	m.IndexerQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "search",
			Name:      "indexer_queries_total",
			Help:      "Indexer queries by outcome",
		},
		[]string{"indexer", "outcome"},
	)
	m.IndexerDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "search",
			Name:      "indexer_duration_seconds",
			Help:      "Time spent querying one indexer",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"indexer"},
	)
	m.SearchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "searches_total",
			Help:      "Aggregate searches by search type",
		},
		[]string{"type"},
	)
}

func (m *Metrics) initCommandMetrics(factory promauto.Factory) {
	m.CommandsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "finished_total",
			Help:      "Finished commands by name and final status",
		},
		[]string{"name", "status"},
	)
	m.CommandDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command execution time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"name"},
	)
	m.CommandsQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "commands",
		Name:      "queued",
		Help:      "Commands waiting for a worker",
	})
}

// ObserveIndexerQuery records one indexer's part of a search.
func (m *Metrics) ObserveIndexerQuery(indexer, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IndexerQueriesTotal.WithLabelValues(indexer, outcome).Inc()
	if elapsed > 0 {
		m.IndexerDurationSeconds.WithLabelValues(indexer).Observe(elapsed.Seconds())
	}
}

// ObserveSearch counts an aggregate search.
func (m *Metrics) ObserveSearch(searchType string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(searchType).Inc()
}

// ObserveCommand records a command reaching a terminal status.
func (m *Metrics) ObserveCommand(name, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(name, status).Inc()
	m.CommandDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}

// SetQueued sets the number of queued commands.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.CommandsQueued.Set(float64(n))
}

// SetBlocked sets the number of blocked indexers.
func (m *Metrics) SetBlocked(n int) {
	if m == nil {
		return
	}
	m.BlockedIndexers.Set(float64(n))
}
