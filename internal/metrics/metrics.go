// Package metrics exposes Prometheus counters/gauges/histograms for
// the store, replacing sentinel's hand-rolled fmt.Fprintf text
// exposition
// (_examples/matteso1-sentinel/internal/metrics/prometheus.go) with
// real github.com/prometheus/client_golang collectors, grounded on
// _examples/hupe1980-vecgo/examples/observability/main.go's
// PrometheusObserver (HistogramVec for op latency labeled by op and
// status, GaugeVec for queue depth, CounterVec for retries).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the server registers at startup.
type Registry struct {
	OpLatency   *prometheus.HistogramVec
	OpRetries   *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	IndexSize   prometheus.Gauge
	WALFlushed  prometheus.Gauge
	ReclaimedTotal prometheus.Counter
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gungnir",
			Name:      "op_latency_seconds",
			Help:      "Latency of GET/PUT/ERASE/SCAN operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		OpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gungnir",
			Name:      "op_retries_total",
			Help:      "Number of times a task step reported StepRetry.",
		}, []string{"op"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gungnir",
			Name:      "worker_queue_depth",
			Help:      "Number of queued tasks per worker.",
		}, []string{"worker"}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gungnir",
			Name:      "index_size",
			Help:      "Number of live keys in the skip list.",
		}),
		WALFlushed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gungnir",
			Name:      "wal_flushed_offset",
			Help:      "Logical offset durably fsynced to the write-ahead log.",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gungnir",
			Name:      "epoch_reclaimed_total",
			Help:      "Number of nodes/values destroyed by the epoch collector.",
		}),
	}
	reg.MustRegister(r.OpLatency, r.OpRetries, r.QueueDepth, r.IndexSize, r.WALFlushed, r.ReclaimedTotal)
	return r
}

// Handler returns the /metrics HTTP handler for reg, matching vecgo's
// promhttp.HandlerFor(registry, promhttp.HandlerOpts{}) usage.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
