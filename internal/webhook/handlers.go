package webhook

import (
	"context"
	"log/slog"
	"time"
)

// Handlers reconciles one event kind per method. at is the provider's event
// creation time and orders writes for the same object.
type Handlers interface {
	CustomerCreated(ctx context.Context, c CustomerPayload, at time.Time) error
	CustomerUpdated(ctx context.Context, c CustomerPayload, at time.Time) error
	CustomerDeleted(ctx context.Context, c CustomerPayload, at time.Time) error
	SubscriptionCreated(ctx context.Context, s SubscriptionPayload, at time.Time) error
	SubscriptionUpdated(ctx context.Context, s SubscriptionPayload, at time.Time) error
	SubscriptionDeleted(ctx context.Context, s SubscriptionPayload, at time.Time) error
	InvoicePaymentSucceeded(ctx context.Context, inv InvoicePayload, at time.Time) error
	InvoicePaymentFailed(ctx context.Context, inv InvoicePayload, at time.Time) error
}

// LoggingHandlers records each event and changes nothing. It is used when no
// database is configured.
type LoggingHandlers struct {
	Logger *slog.Logger
}

var _ Handlers = LoggingHandlers{}

func (h LoggingHandlers) CustomerCreated(ctx context.Context, c CustomerPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "customer created", "customer_id", c.ID)
	return nil
}

func (h LoggingHandlers) CustomerUpdated(ctx context.Context, c CustomerPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "customer updated", "customer_id", c.ID)
	return nil
}

func (h LoggingHandlers) CustomerDeleted(ctx context.Context, c CustomerPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "customer deleted", "customer_id", c.ID)
	return nil
}

func (h LoggingHandlers) SubscriptionCreated(ctx context.Context, s SubscriptionPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "subscription created", "subscription_id", s.ID, "status", s.Status)
	return nil
}

func (h LoggingHandlers) SubscriptionUpdated(ctx context.Context, s SubscriptionPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "subscription updated", "subscription_id", s.ID, "status", s.Status)
	return nil
}

func (h LoggingHandlers) SubscriptionDeleted(ctx context.Context, s SubscriptionPayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "subscription deleted", "subscription_id", s.ID)
	return nil
}

func (h LoggingHandlers) InvoicePaymentSucceeded(ctx context.Context, inv InvoicePayload, _ time.Time) error {
	h.Logger.InfoContext(ctx, "invoice payment succeeded", "invoice_id", inv.ID, "amount_paid", inv.AmountPaid)
	return nil
}

func (h LoggingHandlers) InvoicePaymentFailed(ctx context.Context, inv InvoicePayload, _ time.Time) error {
	h.Logger.WarnContext(ctx, "invoice payment failed", "invoice_id", inv.ID, "attempt_count", inv.AttemptCount)
	return nil
}
