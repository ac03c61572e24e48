// Package metrics exposes preview server counters in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several servers, or tests, never
// collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reloads  *prometheus.CounterVec
	changes  *prometheus.CounterVec
}

// NewCollector creates and registers the kiln collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_preview_requests_total",
				Help: "Preview requests by status code and content kind.",
			},
			[]string{"code", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_preview_request_duration_seconds",
				Help:    "Time spent answering preview requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_reloads_total",
				Help: "Reloads by subsystem and result.",
			},
			[]string{"subsystem", "result"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_changes_total",
				Help: "Change notifications, split by whether the reload was suppressed.",
			},
			[]string{"suppressed"},
		),
	}
	c.registry.MustRegister(c.requests, c.duration, c.reloads, c.changes)
	return c
}

// ObserveRequest records one answered request.
func (c *Collector) ObserveRequest(code int, kind string, elapsed time.Duration) {
	if kind == "" {
		kind = "none"
	}
	status := strconv.Itoa(code)
	c.requests.WithLabelValues(status, kind).Inc()
	c.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveReload records the outcome of a subsystem reload.
func (c *Collector) ObserveReload(subsystem string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.reloads.WithLabelValues(subsystem, result).Inc()
}

// ObserveChange records a published change notification.
func (c *Collector) ObserveChange(suppressed bool) {
	c.changes.WithLabelValues(strconv.FormatBool(suppressed)).Inc()
}

// Requests returns the request counter, for inspection in tests.
func (c *Collector) Requests() *prometheus.CounterVec { return c.requests }

// Reloads returns the reload counter, for inspection in tests.
func (c *Collector) Reloads() *prometheus.CounterVec { return c.reloads }

// Changes returns the change counter, for inspection in tests.
func (c *Collector) Changes() *prometheus.CounterVec { return c.changes }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
