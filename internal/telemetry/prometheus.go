// Package telemetry adapts the webhook and HTTP metric hooks to a concrete
// backend: Prometheus for long-running servers, CloudWatch for Lambda.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billingsync/internal/core"
	"billingsync/internal/webhook"
)

var (
	_ webhook.Metrics       = (*PrometheusCollector)(nil)
	_ core.MetricsCollector = (*PrometheusCollector)(nil)
)

// PrometheusCollector owns a private registry so tests and multiple servers
// in one process do not collide on the global one.
type PrometheusCollector struct {
	registry        *prometheus.Registry
	eventsTotal     *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the billingsync metrics plus the Go
// runtime and process collectors.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	c := &PrometheusCollector{
		registry: reg,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billingsync",
			Name:      "webhook_events_total",
			Help:      "Webhook events dispatched, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billingsync",
			Name:      "webhook_event_duration_seconds",
			Help:      "Time spent dispatching one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billingsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route pattern and status.",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billingsync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		c.eventsTotal,
		c.eventDuration,
		c.requestsTotal,
		c.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveEvent records one dispatched event. Unknown provider types share
// one label value so arbitrary type strings cannot grow the series count.
func (c *PrometheusCollector) ObserveEvent(eventType, outcome string, duration time.Duration) {
	eventType = eventTypeLabel(eventType)
	c.eventsTotal.WithLabelValues(eventType, outcome).Inc()
	c.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

func eventTypeLabel(eventType string) string {
	if webhook.ParseEventKind(eventType) == webhook.EventKindUnknown {
		return "other"
	}
	return eventType
}
