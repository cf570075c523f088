package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatchClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestCloudWatch(cw CloudWatchClient) *CloudWatchCollector {
	c := NewCloudWatchCollector(cw, "BillingSyncTest", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, value string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != value {
				t.Errorf("dimension %s = %q, want %q", name, *d.Value, value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestCloudWatchCollector_ObserveEventIsBufferedUntilFlush(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)

	c.ObserveEvent("customer.subscription.updated", "handled", 42*time.Millisecond)
	if cw.callCount() != 0 {
		t.Fatalf("expected no calls before Flush, got %d", cw.callCount())
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cw.callCount() != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", cw.callCount())
	}

	input := cw.calls[0]
	if *input.Namespace != "BillingSyncTest" {
		t.Errorf("namespace = %q", *input.Namespace)
	}
	if len(input.MetricData) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(input.MetricData))
	}

	count := input.MetricData[0]
	if *count.MetricName != MetricWebhookEvent || *count.Value != 1 || count.Unit != cwtypes.StandardUnitCount {
		t.Errorf("unexpected count datum: %+v", count)
	}
	assertDimension(t, count.Dimensions, DimEventType, "customer.subscription.updated")
	assertDimension(t, count.Dimensions, DimOutcome, "handled")

	latency := input.MetricData[1]
	if *latency.MetricName != MetricWebhookLatency || *latency.Value != 42 || latency.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("unexpected latency datum: %+v", latency)
	}
}

func TestCloudWatchCollector_UnknownTypeCollapsed(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)

	c.ObserveEvent("payout.paid", "unhandled", time.Millisecond)
	_ = c.Flush(context.Background())

	assertDimension(t, cw.calls[0].MetricData[0].Dimensions, DimEventType, "other")
}

func TestCloudWatchCollector_RecordRequest(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)

	c.RecordRequest("POST", "/webhooks/stripe", "409", 3*time.Millisecond)
	_ = c.Flush(context.Background())

	datum := cw.calls[0].MetricData[0]
	assertDimension(t, datum.Dimensions, DimMethod, "POST")
	assertDimension(t, datum.Dimensions, DimEndpoint, "/webhooks/stripe")
	assertDimension(t, datum.Dimensions, DimStatus, "409")
}

func TestCloudWatchCollector_FlushChunks(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)

	// Two datums per observation.
	for i := 0; i < 600; i++ {
		c.RecordRequest("GET", "/health", "200", time.Millisecond)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cw.callCount() != 2 {
		t.Fatalf("expected 2 calls for 1200 datums, got %d", cw.callCount())
	}
	if n := len(cw.calls[0].MetricData); n != maxDatumsPerPut {
		t.Errorf("first chunk = %d datums", n)
	}
	if n := len(cw.calls[1].MetricData); n != 200 {
		t.Errorf("second chunk = %d datums", n)
	}
}

func TestCloudWatchCollector_FlushEmptyIsNoop(t *testing.T) {
	cw := &mockCloudWatchClient{}
	if err := newTestCloudWatch(cw).Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cw.callCount() != 0 {
		t.Errorf("expected no calls, got %d", cw.callCount())
	}
}

func TestCloudWatchCollector_FlushErrorDoesNotPanic(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	c := newTestCloudWatch(cw)

	c.ObserveEvent("customer.created", "handled", time.Millisecond)
	if err := c.Flush(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	// Failed datums are not retried.
	cw.returnErr = nil
	_ = c.Flush(context.Background())
	if cw.callCount() != 1 {
		t.Errorf("expected failed batch to be discarded, got %d calls", cw.callCount())
	}
}

func TestCloudWatchCollector_BufferLimit(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)

	for i := 0; i < maxBufferedDatums; i++ {
		c.RecordRequest("GET", "/health", "200", time.Millisecond)
	}
	c.mu.Lock()
	pending, dropped := len(c.pending), c.dropped
	c.mu.Unlock()

	if pending != maxBufferedDatums {
		t.Errorf("pending = %d, want %d", pending, maxBufferedDatums)
	}
	if dropped != maxBufferedDatums {
		t.Errorf("dropped = %d, want %d", dropped, maxBufferedDatums)
	}
}

func TestCloudWatchCollector_RunFlushesOnCancel(t *testing.T) {
	cw := &mockCloudWatchClient{}
	c := newTestCloudWatch(cw)
	c.ObserveEvent("customer.created", "handled", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if cw.callCount() != 1 {
		t.Errorf("expected final flush, got %d calls", cw.callCount())
	}
}
