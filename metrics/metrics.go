// Package metrics counts and times domain operations for Prometheus.
//
// Every observed operation produces:
//
//	promo_operation_success_total{operation, version}
//	promo_operation_failure_total{operation, version, error}
//	promo_operation_duration_seconds{operation, version}
//
// The error label is generic.Code(err), so it stays low-cardinality.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traffic/promotion-engine/generic"
)

const namespace = "promo"

type Recorder struct {
	registry *prometheus.Registry
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_success_total",
			Help:      "Operations that completed without error.",
		}, []string{"operation", "version"}),
		failure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failure_total",
			Help:      "Operations that returned an error, by error code.",
		}, []string{"operation", "version", "error"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency, including lock waits.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation", "version"}),
	}
	r.registry.MustRegister(
		r.success,
		r.failure,
		r.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe runs fn and records its outcome. fn's error is returned as is.
func (r *Recorder) Observe(operation, version string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.duration.WithLabelValues(operation, version).Observe(time.Since(start).Seconds())
	if err != nil {
		r.failure.WithLabelValues(operation, version, generic.Code(err)).Inc()
		return err
	}
	r.success.WithLabelValues(operation, version).Inc()
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }
