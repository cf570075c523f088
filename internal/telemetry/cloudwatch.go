package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"billingsync/internal/core"
	"billingsync/internal/webhook"
)

// CloudWatch metric and dimension names.
const (
	MetricWebhookEvent   = "WebhookEvent"
	MetricWebhookLatency = "WebhookEventLatency"
	MetricRequest        = "HTTPRequest"
	MetricRequestLatency = "HTTPRequestLatency"

	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimMethod    = "Method"
	DimEndpoint  = "Endpoint"
	DimStatus    = "Status"
)

const (
	// PutMetricData accepts at most 1000 datums per call.
	maxDatumsPerPut      = 1000
	maxBufferedDatums    = 10000
	defaultFlushInterval = 10 * time.Second
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	_ webhook.Metrics       = (*CloudWatchCollector)(nil)
	_ core.MetricsCollector = (*CloudWatchCollector)(nil)
)

// CloudWatchCollector buffers datums in memory and ships them with Flush, so
// recording a metric never blocks a request on an AWS call. Run flushes on an
// interval; Lambda callers flush once per invocation instead.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
}

func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	return &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *CloudWatchCollector) ObserveEvent(eventType, outcome string, duration time.Duration) {
	eventType = eventTypeLabel(eventType)
	ts := c.now()
	c.add(
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricWebhookEvent),
			Timestamp:  aws.Time(ts),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dimension(DimEventType, eventType),
				dimension(DimOutcome, outcome),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricWebhookLatency),
			Timestamp:  aws.Time(ts),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dimension(DimEventType, eventType)},
		},
	)
}

func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ts := c.now()
	c.add(
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRequest),
			Timestamp:  aws.Time(ts),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dimension(DimMethod, method),
				dimension(DimEndpoint, endpoint),
				dimension(DimStatus, status),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRequestLatency),
			Timestamp:  aws.Time(ts),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				dimension(DimMethod, method),
				dimension(DimEndpoint, endpoint),
			},
		},
	)
}

// add appends datums, dropping them once the buffer is full.
func (c *CloudWatchCollector) add(datums ...cwtypes.MetricDatum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending)+len(datums) > maxBufferedDatums {
		c.dropped += len(datums)
		return
	}
	c.pending = append(c.pending, datums...)
}

// Flush sends every buffered datum, at most maxDatumsPerPut per call. Datums
// from a failed call are discarded; the error is logged and returned.
func (c *CloudWatchCollector) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	dropped := c.dropped
	c.pending = nil
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.WarnContext(ctx, "metric buffer full, datums dropped", "dropped", dropped)
	}

	var firstErr error
	for start := 0; start < len(batch); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(batch))
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to put metric data",
				"error", err,
				"datums", end-start,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more on a
// detached context.
func (c *CloudWatchCollector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = c.Flush(flushCtx)
			cancel()
			return
		}
	}
}

func dimension(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
