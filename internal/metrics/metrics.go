// Package metrics records operation counts and latencies with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
)

// Collector observes orchestrated operations. It satisfies crud.Observer.
type Collector struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ crud.Observer = (*Collector)(nil)

// NewCollector registers the operation metrics on a fresh registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apimanager_operations_total",
				Help: "Total number of resource operations by outcome",
			},
			[]string{"resource", "operation", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apimanager_operation_duration_seconds",
				Help:    "Time taken to complete resource operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "operation"},
		),
	}
}

// ObserveOperation records one completed operation
func (c *Collector) ObserveOperation(resource string, op crud.Operation, outcome string, d time.Duration) {
	c.operations.WithLabelValues(resource, op.String(), outcome).Inc()
	c.duration.WithLabelValues(resource, op.String()).Observe(d.Seconds())
}

// Registry exposes the underlying registry for additional collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
