package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"billingsync/internal/idempotency"
	"billingsync/internal/types"
)

// ErrEventInFlight is wrapped by the error returned when another worker is
// still processing the same event.
var ErrEventInFlight = errors.New("event is already being processed")

// Dispatch outcomes reported to Metrics.
const (
	OutcomeHandled   = "handled"
	OutcomeUnhandled = "unhandled"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeInFlight  = "in_flight"
)

// Result is returned to the provider as the response body.
type Result struct {
	Handled   bool   `json:"handled"`
	Skipped   bool   `json:"skipped"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
}

// Metrics receives one observation per dispatched event.
type Metrics interface {
	ObserveEvent(eventType, outcome string, duration time.Duration)
}

// Archive stores verified payloads for audit and replay. Failures are logged
// and never fail a delivery.
type Archive interface {
	Append(ctx context.Context, evt *Event) error
}

// DispatcherConfig holds the optional collaborators of a Dispatcher.
type DispatcherConfig struct {
	TTL         time.Duration
	InFlightTTL time.Duration
	Metrics     Metrics
	Archive     Archive
}

// Dispatcher runs each verified event through its handler at most once per
// idempotency window.
type Dispatcher struct {
	store       idempotency.Store
	handlers    Handlers
	logger      *slog.Logger
	ttl         time.Duration
	inFlightTTL time.Duration
	metrics     Metrics
	archive     Archive
	now         func() time.Time
}

func NewDispatcher(store idempotency.Store, handlers Handlers, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:       store,
		handlers:    handlers,
		logger:      logger,
		ttl:         idempotency.EffectiveTTL(cfg.TTL),
		inFlightTTL: cfg.InFlightTTL,
		metrics:     cfg.Metrics,
		archive:     cfg.Archive,
		now:         time.Now,
	}
}

// Handle processes evt. A processed event returns Skipped without calling a
// handler. A handler error leaves the event unmarked and is returned so the
// provider redelivers it.
func (d *Dispatcher) Handle(ctx context.Context, evt *Event) (Result, error) {
	start := d.now()
	res := Result{EventID: evt.ID, EventType: evt.Type}
	ctx = types.WithEventID(ctx, evt.ID)

	outcome, err := d.handle(ctx, evt)
	switch outcome {
	case OutcomeSkipped:
		res.Skipped = true
	case OutcomeHandled, OutcomeUnhandled:
		res.Handled = true
	}

	if d.metrics != nil {
		d.metrics.ObserveEvent(evt.Type, outcome, d.now().Sub(start))
	}
	return res, err
}

func (d *Dispatcher) handle(ctx context.Context, evt *Event) (string, error) {
	if claimer, ok := d.store.(idempotency.Claimer); ok {
		return d.handleWithClaim(ctx, claimer, evt)
	}

	seen, err := d.store.Has(ctx, evt.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if seen {
		d.logger.InfoContext(ctx, "event already processed, skipping", "event_id", evt.ID, "event_type", evt.Type)
		return OutcomeSkipped, nil
	}

	outcome, err := d.run(ctx, evt)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := d.store.Add(ctx, evt.ID, d.ttl); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (d *Dispatcher) handleWithClaim(ctx context.Context, claimer idempotency.Claimer, evt *Event) (string, error) {
	state, err := claimer.Claim(ctx, evt.ID, d.inFlightTTL)
	if err != nil {
		return OutcomeFailed, err
	}

	switch state {
	case idempotency.ClaimProcessed:
		d.logger.InfoContext(ctx, "event already processed, skipping", "event_id", evt.ID, "event_type", evt.Type)
		return OutcomeSkipped, nil
	case idempotency.ClaimInFlight:
		d.logger.WarnContext(ctx, "event is in flight elsewhere", "event_id", evt.ID, "event_type", evt.Type)
		return OutcomeInFlight, types.NewAppError(
			types.ErrCodeConflictEventInFlight,
			"Event is already being processed",
			ErrEventInFlight,
		)
	}

	outcome, err := d.run(ctx, evt)
	if err != nil {
		// Release on a fresh context: the request context may be the reason
		// the handler failed.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := claimer.Release(releaseCtx, evt.ID); relErr != nil {
			d.logger.ErrorContext(ctx, "failed to release event claim", "event_id", evt.ID, "error", relErr)
		}
		return OutcomeFailed, err
	}

	if err := claimer.Add(ctx, evt.ID, d.ttl); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

// run archives the event and routes it to its handler.
func (d *Dispatcher) run(ctx context.Context, evt *Event) (string, error) {
	if d.archive != nil {
		if err := d.archive.Append(ctx, evt); err != nil {
			d.logger.WarnContext(ctx, "failed to archive event payload", "event_id", evt.ID, "error", err)
		}
	}

	if evt.Kind == EventKindUnknown {
		d.logger.InfoContext(ctx, "unhandled event type", "event_id", evt.ID, "event_type", evt.Type)
		return OutcomeUnhandled, nil
	}

	if err := d.route(ctx, evt); err != nil {
		d.logger.ErrorContext(ctx, "event handler failed", "event_id", evt.ID, "event_type", evt.Type, "error", err)
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return OutcomeFailed, err
		}
		return OutcomeFailed, types.NewAppError(
			types.ErrCodeInternalHandler,
			fmt.Sprintf("Failed to process %s", evt.Type),
			err,
		)
	}

	d.logger.InfoContext(ctx, "event handled", "event_id", evt.ID, "event_type", evt.Type)
	return OutcomeHandled, nil
}

func (d *Dispatcher) route(ctx context.Context, evt *Event) error {
	at := evt.CreatedAt
	customerID := func(c CustomerPayload) string { return c.ID }
	subscriptionID := func(s SubscriptionPayload) string { return s.ID }
	invoiceID := func(i InvoicePayload) string { return i.ID }

	switch evt.Kind {
	case EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted:
		c, err := decodeObject(evt, customerID)
		if err != nil {
			return err
		}
		switch evt.Kind {
		case EventCustomerCreated:
			return d.handlers.CustomerCreated(ctx, c, at)
		case EventCustomerUpdated:
			return d.handlers.CustomerUpdated(ctx, c, at)
		default:
			return d.handlers.CustomerDeleted(ctx, c, at)
		}

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		s, err := decodeObject(evt, subscriptionID)
		if err != nil {
			return err
		}
		switch evt.Kind {
		case EventSubscriptionCreated:
			return d.handlers.SubscriptionCreated(ctx, s, at)
		case EventSubscriptionUpdated:
			return d.handlers.SubscriptionUpdated(ctx, s, at)
		default:
			return d.handlers.SubscriptionDeleted(ctx, s, at)
		}

	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		inv, err := decodeObject(evt, invoiceID)
		if err != nil {
			return err
		}
		if evt.Kind == EventInvoicePaymentSucceeded {
			return d.handlers.InvoicePaymentSucceeded(ctx, inv, at)
		}
		return d.handlers.InvoicePaymentFailed(ctx, inv, at)

	default:
		return nil
	}
}
