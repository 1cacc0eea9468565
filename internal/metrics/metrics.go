// Package metrics exposes the Prometheus collectors of the scanning
// pipeline. A nil *Collector is valid and records nothing, so components
// take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clamgate"

// Collector owns a private registry and the pipeline's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	ObjectsProcessed *prometheus.CounterVec
	ScanDuration     *prometheus.HistogramVec
	BytesTransferred prometheus.Counter
	DefinitionSyncs  *prometheus.CounterVec
	Batches          *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		ObjectsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_processed_total",
			Help:      "Objects that reached a terminal state, by outcome",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of scan engine invocations in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes downloaded from the object store",
		}),
		DefinitionSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "definition_syncs_total",
			Help:      "Definition cache operations, by operation and status",
		}, []string{"operation", "status"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Event batches handled, by status",
		}, []string{"status"}),
	}

	reg.MustRegister(c.ObjectsProcessed, c.ScanDuration, c.BytesTransferred, c.DefinitionSyncs, c.Batches)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordObject counts an object that reached the given terminal outcome.
func (c *Collector) RecordObject(outcome string) {
	if c == nil {
		return
	}
	c.ObjectsProcessed.WithLabelValues(outcome).Inc()
}

// RecordScan observes the duration of one scan engine run.
func (c *Collector) RecordScan(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ScanDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// AddBytes adds n downloaded bytes.
func (c *Collector) AddBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.BytesTransferred.Add(float64(n))
}

// RecordDefinitionSync counts a pull, push or refresh.
func (c *Collector) RecordDefinitionSync(operation, status string) {
	if c == nil {
		return
	}
	c.DefinitionSyncs.WithLabelValues(operation, status).Inc()
}

// RecordBatch counts a handled event batch.
func (c *Collector) RecordBatch(status string) {
	if c == nil {
		return
	}
	c.Batches.WithLabelValues(status).Inc()
}
