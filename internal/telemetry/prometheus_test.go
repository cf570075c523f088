package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_ObserveEvent(t *testing.T) {
	c := NewPrometheusCollector()

	c.ObserveEvent("customer.created", "handled", 20*time.Millisecond)
	c.ObserveEvent("customer.created", "handled", 30*time.Millisecond)
	c.ObserveEvent("customer.created", "skipped", time.Millisecond)
	c.ObserveEvent("charge.refunded", "unhandled", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("customer.created", "handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("customer.created", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("other", "unhandled")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.eventsTotal))
}

func TestPrometheusCollector_RecordRequest(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordRequest(http.MethodPost, "/webhooks/stripe", "200", 5*time.Millisecond)
	c.RecordRequest(http.MethodPost, "/webhooks/stripe", "401", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues(http.MethodPost, "/webhooks/stripe", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues(http.MethodPost, "/webhooks/stripe", "401")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.requestDuration))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	c := NewPrometheusCollector()
	c.ObserveEvent("invoice.payment_failed", "failed", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, `billingsync_webhook_events_total{event_type="invoice.payment_failed",outcome="failed"} 1`), out)
	assert.Contains(t, out, "go_goroutines")
}

func TestPrometheusCollector_IndependentRegistries(t *testing.T) {
	a := NewPrometheusCollector()
	b := NewPrometheusCollector()
	a.RecordRequest(http.MethodGet, "/health", "200", time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(a.requestsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(b.requestsTotal))
}
