package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingsync/internal/types"
)

// StateRepository persists billing projections. Each method reports whether
// the write was applied; a write older than the stored state is not.
type StateRepository interface {
	UpsertCustomer(ctx context.Context, c types.CustomerState) (bool, error)
	MarkCustomerDeleted(ctx context.Context, customerID string, at time.Time) (bool, error)
	UpsertSubscription(ctx context.Context, s types.SubscriptionState) (bool, error)
	RecordInvoice(ctx context.Context, inv types.InvoiceState) (bool, error)
}

// Publisher fans a projection change out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, n types.BillingNotification) error
}

// Reconciler applies events to the local projections and, when a projection
// changed, publishes a notification.
type Reconciler struct {
	repo      StateRepository
	publisher Publisher
	logger    *slog.Logger
}

var _ Handlers = (*Reconciler)(nil)

// NewReconciler returns a Reconciler. publisher may be nil.
func NewReconciler(repo StateRepository, publisher Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, publisher: publisher, logger: logger}
}

func (r *Reconciler) CustomerCreated(ctx context.Context, c CustomerPayload, at time.Time) error {
	return r.upsertCustomer(ctx, "customer.created", c, at)
}

func (r *Reconciler) CustomerUpdated(ctx context.Context, c CustomerPayload, at time.Time) error {
	return r.upsertCustomer(ctx, "customer.updated", c, at)
}

func (r *Reconciler) CustomerDeleted(ctx context.Context, c CustomerPayload, at time.Time) error {
	applied, err := r.repo.MarkCustomerDeleted(ctx, c.ID, at)
	if err != nil {
		return err
	}
	return r.notify(ctx, applied, types.BillingNotification{
		EventType:  "customer.deleted",
		SubjectID:  c.ID,
		CustomerID: c.ID,
		Status:     "deleted",
		OccurredAt: at,
	})
}

func (r *Reconciler) upsertCustomer(ctx context.Context, eventType string, c CustomerPayload, at time.Time) error {
	applied, err := r.repo.UpsertCustomer(ctx, types.CustomerState{
		ProviderCustomerID: c.ID,
		Email:              c.Email,
		Name:               c.Name,
		Metadata:           c.Metadata,
		Deleted:            c.Deleted,
		EventAt:            at,
	})
	if err != nil {
		return err
	}
	return r.notify(ctx, applied, types.BillingNotification{
		EventType:  eventType,
		SubjectID:  c.ID,
		CustomerID: c.ID,
		OccurredAt: at,
	})
}

func (r *Reconciler) SubscriptionCreated(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	return r.upsertSubscription(ctx, "customer.subscription.created", s, at)
}

func (r *Reconciler) SubscriptionUpdated(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	return r.upsertSubscription(ctx, "customer.subscription.updated", s, at)
}

// SubscriptionDeleted records the terminal state. The provider sends the
// object with status "canceled"; an empty status is treated the same way.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	if s.Status == "" {
		s.Status = string(types.SubStatusCanceled)
	}
	if s.CanceledAt == 0 {
		s.CanceledAt = at.Unix()
	}
	return r.upsertSubscription(ctx, "customer.subscription.deleted", s, at)
}

func (r *Reconciler) upsertSubscription(ctx context.Context, eventType string, s SubscriptionPayload, at time.Time) error {
	state := types.SubscriptionState{
		ProviderSubscriptionID: s.ID,
		ProviderCustomerID:     s.CustomerID(),
		Status:                 types.SubscriptionStatus(s.Status),
		PriceIDs:               s.PriceIDs(),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CurrentPeriodEnd:       s.PeriodEnd(),
		CanceledAt:             unixPtr(s.CanceledAt),
		EventAt:                at,
	}
	applied, err := r.repo.UpsertSubscription(ctx, state)
	if err != nil {
		return err
	}
	return r.notify(ctx, applied, types.BillingNotification{
		EventType:  eventType,
		SubjectID:  s.ID,
		CustomerID: state.ProviderCustomerID,
		Status:     s.Status,
		OccurredAt: at,
	})
}

func (r *Reconciler) InvoicePaymentSucceeded(ctx context.Context, inv InvoicePayload, at time.Time) error {
	return r.recordInvoice(ctx, "invoice.payment_succeeded", types.InvoicePaid, inv, at)
}

func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, inv InvoicePayload, at time.Time) error {
	return r.recordInvoice(ctx, "invoice.payment_failed", types.InvoicePaymentFailed, inv, at)
}

func (r *Reconciler) recordInvoice(ctx context.Context, eventType string, outcome types.InvoiceOutcome, inv InvoicePayload, at time.Time) error {
	applied, err := r.repo.RecordInvoice(ctx, types.InvoiceState{
		ProviderInvoiceID:      inv.ID,
		ProviderCustomerID:     inv.CustomerID(),
		ProviderSubscriptionID: inv.SubscriptionID(),
		Outcome:                outcome,
		Status:                 inv.Status,
		AmountDue:              inv.AmountDue,
		AmountPaid:             inv.AmountPaid,
		Currency:               inv.Currency,
		AttemptCount:           inv.AttemptCount,
		EventAt:                at,
	})
	if err != nil {
		return err
	}
	return r.notify(ctx, applied, types.BillingNotification{
		EventType:  eventType,
		SubjectID:  inv.ID,
		CustomerID: inv.CustomerID(),
		Status:     string(outcome),
		OccurredAt: at,
	})
}

// notify publishes n when the projection changed. A stale event is logged
// and acknowledged.
func (r *Reconciler) notify(ctx context.Context, applied bool, n types.BillingNotification) error {
	if !applied {
		r.logger.InfoContext(ctx, "stale event ignored, projection is newer",
			"event_id", types.GetEventID(ctx),
			"event_type", n.EventType,
			"subject_id", n.SubjectID,
		)
		return nil
	}
	if r.publisher == nil {
		return nil
	}

	n.EventID = types.GetEventID(ctx)
	n.ID = NotificationID(n.EventID, n.EventType, n.SubjectID)
	return r.publisher.Publish(ctx, n)
}

// notificationNamespace seeds the name-based notification IDs.
var notificationNamespace = uuid.MustParse("6f1c2b7e-4d0a-5e39-9b8e-2a41c3d5f7e0")

// NotificationID derives a stable ID from the source event, so every
// redelivery of one event yields the same notification ID and FIFO queues
// can deduplicate it. Without an event ID a random ID is returned.
func NotificationID(eventID, eventType, subjectID string) string {
	if eventID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(notificationNamespace, []byte(eventID+"/"+eventType+"/"+subjectID)).String()
}
