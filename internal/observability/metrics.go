package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "canopy"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion runs.
type Metrics struct {
	RowsLoaded     *prometheus.CounterVec // labels: table
	ChunksAppended *prometheus.CounterVec // labels: table
	RowsDropped    *prometheus.CounterVec // labels: table, reason
	TableDuration  *prometheus.HistogramVec
	RunsTotal      *prometheus.CounterVec // labels: kind={tabular,climate,boundaries}, outcome={success,partial,failed}
	RunsInFlight   prometheus.Gauge

	// Remote source metrics.
	BytesFetched  prometheus.Counter
	FetchFailures *prometheus.CounterVec // labels: reason={status,network,archive}
	FetchSources  *prometheus.CounterVec // labels: source={primary,fallback}

	// Raster grid cache.
	GridCache *prometheus.CounterVec // labels: result={hit,miss}
}

// NewMetrics creates and registers all ingestion metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsLoaded,
		m.ChunksAppended,
		m.RowsDropped,
		m.TableDuration,
		m.RunsTotal,
		m.RunsInFlight,
		m.BytesFetched,
		m.FetchFailures,
		m.FetchSources,
		m.GridCache,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows committed to the store, by table.",
		}, []string{"table"}),
		ChunksAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_appended_total",
			Help:      "Chunks appended in their own transaction, by table.",
		}, []string{"table"}),
		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Source rows discarded before load, by table and reason.",
		}, []string{"table", "reason"}),
		TableDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_load_duration_seconds",
			Help:      "Wall time of one table load including fetch and transform.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"table"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Ingestion runs currently executing.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes downloaded from remote sources.",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed fetch attempts by reason.",
		}, []string{"reason"}),
		FetchSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_source_selected_total",
			Help:      "Source selection outcome per table fetch.",
		}, []string{"source"}),
		GridCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_cache_total",
			Help:      "Raster grid cache lookups by result.",
		}, []string{"result"}),
	}
}
