// Package webhook turns signed provider deliveries into reconciled local
// state: signature verification, exactly-once dispatch within the
// idempotency window, and typed per-kind handlers.
package webhook

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of event types this service reconciles.
type EventKind int

const (
	EventKindUnknown EventKind = iota
	EventCustomerCreated
	EventCustomerUpdated
	EventCustomerDeleted
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
)

var kindNames = map[EventKind]string{
	EventCustomerCreated:         "customer.created",
	EventCustomerUpdated:         "customer.updated",
	EventCustomerDeleted:         "customer.deleted",
	EventSubscriptionCreated:     "customer.subscription.created",
	EventSubscriptionUpdated:     "customer.subscription.updated",
	EventSubscriptionDeleted:     "customer.subscription.deleted",
	EventInvoicePaymentSucceeded: "invoice.payment_succeeded",
	EventInvoicePaymentFailed:    "invoice.payment_failed",
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseEventKind maps a provider type string to its kind. Anything not in
// the known set is EventKindUnknown.
func ParseEventKind(eventType string) EventKind {
	return kindsByName[eventType]
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KnownEventTypes lists the provider type strings with a dedicated handler.
func KnownEventTypes() []string {
	out := make([]string, 0, len(kindNames))
	for k := EventCustomerCreated; k <= EventInvoicePaymentFailed; k++ {
		out = append(out, kindNames[k])
	}
	return out
}

// Event is a verified provider notification. Only Verifier constructs it.
type Event struct {
	ID         string
	Type       string
	Kind       EventKind
	CreatedAt  time.Time
	Livemode   bool
	APIVersion string
	// Object is the raw data.object payload.
	Object json.RawMessage
	// Payload is the verified request body, byte for byte.
	Payload []byte
}
