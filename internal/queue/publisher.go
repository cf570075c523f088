// Package queue publishes billing notifications to SQS for downstream
// consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"billingsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each BillingNotification as one JSON message.
//
// On a FIFO queue (URL ending in ".fifo") messages are grouped by customer,
// so one customer's notifications stay ordered, and deduplicated by
// notification ID, which is stable across redeliveries of one event.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Publish sends n. Errors are returned so the webhook is retried and the
// notification eventually goes out; consumers must tolerate duplicates.
func (p *SQSPublisher) Publish(ctx context.Context, n types.BillingNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal BillingNotification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.EventType),
			},
		},
	}
	if p.fifo {
		group := n.CustomerID
		if group == "" {
			group = n.SubjectID
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(n.ID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to publish %s notification", n.EventType),
			err,
		)
	}

	p.logger.InfoContext(ctx, "billing notification published",
		"notification_id", n.ID,
		"event_id", n.EventID,
		"event_type", n.EventType,
		"subject_id", n.SubjectID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}
