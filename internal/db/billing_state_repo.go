package db

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"billingsync/internal/types"
)

// BillingStateRepo writes the customer, subscription and invoice
// projections. Every write is conditional on last_event_at <= the event's
// creation time, so a late redelivery of an older event never overwrites
// newer state. The bool result reports whether a row changed.
type BillingStateRepo struct {
	db     DBTX
	logger *slog.Logger
}

func NewBillingStateRepo(db DBTX, logger *slog.Logger) *BillingStateRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingStateRepo{db: db, logger: logger}
}

func (r *BillingStateRepo) UpsertCustomer(ctx context.Context, c types.CustomerState) (bool, error) {
	metadata, err := json.Marshal(nonNilMetadata(c.Metadata))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode customer metadata", err)
	}

	var deletedAt *time.Time
	if c.Deleted {
		deletedAt = &c.EventAt
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_customers
		   (provider_customer_id, email, name, metadata, deleted_at, last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (provider_customer_id) DO UPDATE
		   SET email = EXCLUDED.email,
		       name = EXCLUDED.name,
		       metadata = EXCLUDED.metadata,
		       deleted_at = COALESCE(EXCLUDED.deleted_at, billing_customers.deleted_at),
		       last_event_at = EXCLUDED.last_event_at,
		       updated_at = NOW()
		   WHERE billing_customers.last_event_at <= EXCLUDED.last_event_at`,
		c.ProviderCustomerID, c.Email, c.Name, metadata, deletedAt, c.EventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert customer", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCustomerDeleted records the deletion. A customer never seen before is
// inserted as deleted so a later stale customer.updated cannot revive it.
func (r *BillingStateRepo) MarkCustomerDeleted(ctx context.Context, customerID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_customers
		   (provider_customer_id, deleted_at, last_event_at, updated_at)
		 VALUES ($1, $2, $2, NOW())
		 ON CONFLICT (provider_customer_id) DO UPDATE
		   SET deleted_at = EXCLUDED.deleted_at,
		       last_event_at = EXCLUDED.last_event_at,
		       updated_at = NOW()
		   WHERE billing_customers.last_event_at <= EXCLUDED.last_event_at`,
		customerID, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark customer deleted", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *BillingStateRepo) UpsertSubscription(ctx context.Context, s types.SubscriptionState) (bool, error) {
	priceIDs := s.PriceIDs
	if priceIDs == nil {
		priceIDs = []string{}
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_subscriptions
		   (provider_subscription_id, provider_customer_id, status, price_ids,
		    cancel_at_period_end, current_period_end, canceled_at, last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (provider_subscription_id) DO UPDATE
		   SET provider_customer_id = EXCLUDED.provider_customer_id,
		       status = EXCLUDED.status,
		       price_ids = EXCLUDED.price_ids,
		       cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		       current_period_end = EXCLUDED.current_period_end,
		       canceled_at = EXCLUDED.canceled_at,
		       last_event_at = EXCLUDED.last_event_at,
		       updated_at = NOW()
		   WHERE billing_subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		s.ProviderSubscriptionID, s.ProviderCustomerID, string(s.Status), priceIDs,
		s.CancelAtPeriodEnd, s.CurrentPeriodEnd, s.CanceledAt, s.EventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale subscription event ignored (optimistic lock)",
			"subscription_id", s.ProviderSubscriptionID,
			"event_at", s.EventAt,
		)
		return false, nil
	}
	return true, nil
}

// RecordInvoice stores the latest payment outcome. paid_at and
// payment_failed_at keep their earlier value unless this outcome sets them.
func (r *BillingStateRepo) RecordInvoice(ctx context.Context, inv types.InvoiceState) (bool, error) {
	var paidAt, failedAt *time.Time
	switch inv.Outcome {
	case types.InvoicePaid:
		paidAt = &inv.EventAt
	case types.InvoicePaymentFailed:
		failedAt = &inv.EventAt
	}

	var subscriptionID *string
	if inv.ProviderSubscriptionID != "" {
		subscriptionID = &inv.ProviderSubscriptionID
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_invoices
		   (provider_invoice_id, provider_customer_id, provider_subscription_id, status,
		    amount_due, amount_paid, currency, attempt_count, paid_at, payment_failed_at,
		    last_event_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (provider_invoice_id) DO UPDATE
		   SET provider_customer_id = EXCLUDED.provider_customer_id,
		       provider_subscription_id = COALESCE(EXCLUDED.provider_subscription_id, billing_invoices.provider_subscription_id),
		       status = EXCLUDED.status,
		       amount_due = EXCLUDED.amount_due,
		       amount_paid = EXCLUDED.amount_paid,
		       currency = EXCLUDED.currency,
		       attempt_count = EXCLUDED.attempt_count,
		       paid_at = COALESCE(EXCLUDED.paid_at, billing_invoices.paid_at),
		       payment_failed_at = COALESCE(EXCLUDED.payment_failed_at, billing_invoices.payment_failed_at),
		       last_event_at = EXCLUDED.last_event_at,
		       updated_at = NOW()
		   WHERE billing_invoices.last_event_at <= EXCLUDED.last_event_at`,
		inv.ProviderInvoiceID, inv.ProviderCustomerID, subscriptionID, inv.Status,
		inv.AmountDue, inv.AmountPaid, inv.Currency, inv.AttemptCount, paidAt, failedAt,
		inv.EventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record invoice", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
