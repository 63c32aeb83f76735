package diskann

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds engine-level counters. All methods are nil-safe so an
// index without metrics pays only a nil check on the hot path.
type Metrics struct {
	QueriesTotal   prometheus.Counter
	QueryErrors    prometheus.Counter
	SectorsRead    prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	BruteFallbacks prometheus.Counter
	SearchLatency  prometheus.Histogram
}

// NewMetrics registers engine metrics with reg. If reg is nil a private
// registry is used, which is convenient for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		QueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_queries_total",
			Help: "Total beam search queries",
		}),
		QueryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_query_errors_total",
			Help: "Total queries aborted by an error",
		}),
		SectorsRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_sectors_read_total",
			Help: "Total 4K sectors fetched from the reader",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_nhood_cache_hits_total",
			Help: "Neighborhood lookups served from cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_nhood_cache_misses_total",
			Help: "Neighborhood lookups resolved from disk",
		}),
		BruteFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "diskann_brute_force_fallbacks_total",
			Help: "Queries that fell back to the sequential beam scan",
		}),
		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "diskann_search_latency_seconds",
			Help:    "Beam search latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) incQueries() {
	if m != nil {
		m.QueriesTotal.Inc()
	}
}

func (m *Metrics) incQueryErrors() {
	if m != nil {
		m.QueryErrors.Inc()
	}
}

func (m *Metrics) addSectors(n int) {
	if m != nil && n > 0 {
		m.SectorsRead.Add(float64(n))
	}
}

func (m *Metrics) addCacheHits(n int) {
	if m != nil && n > 0 {
		m.CacheHits.Add(float64(n))
	}
}

func (m *Metrics) addCacheMisses(n int) {
	if m != nil && n > 0 {
		m.CacheMisses.Add(float64(n))
	}
}

func (m *Metrics) incBruteFallbacks() {
	if m != nil {
		m.BruteFallbacks.Inc()
	}
}

func (m *Metrics) observeLatency(seconds float64) {
	if m != nil {
		m.SearchLatency.Observe(seconds)
	}
}
