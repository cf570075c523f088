package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceInterval is the recurring billing interval of a price.
type PriceInterval string

const (
	IntervalDay   PriceInterval = "day"
	IntervalWeek  PriceInterval = "week"
	IntervalMonth PriceInterval = "month"
	IntervalYear  PriceInterval = "year"
)

// DefaultCurrency is applied to price definitions that omit a currency.
const DefaultCurrency = "usd"

// Metadata keys stamped on provider objects created by the synchronizer.
// ProductID is the stable local join key.
const (
	MetadataKeyProductID = "productId"
	MetadataKeyInterval  = "interval"
)

// PlanDefinition is the desired state of one subscription offering. It is
// supplied as configuration at startup and never persisted by this service.
type PlanDefinition struct {
	ProductID   string            `json:"productId" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Prices      []PriceDefinition `json:"prices" validate:"dive"`
}

// PriceDefinition is one recurring price under a plan.
type PriceDefinition struct {
	Amount        int64         `json:"amount" validate:"gt=0"`
	Currency      string        `json:"currency,omitempty" validate:"omitempty,len=3"`
	Interval      PriceInterval `json:"interval" validate:"required,oneof=day week month year"`
	IntervalCount int64         `json:"intervalCount,omitempty" validate:"omitempty,gt=0"`
}

// CurrencyOrDefault returns the lower-cased currency, or DefaultCurrency.
func (p PriceDefinition) CurrencyOrDefault() string {
	if p.Currency == "" {
		return DefaultCurrency
	}
	return strings.ToLower(p.Currency)
}

// IntervalCountOrDefault returns the interval count, defaulting to 1.
func (p PriceDefinition) IntervalCountOrDefault() int64 {
	if p.IntervalCount <= 0 {
		return 1
	}
	return p.IntervalCount
}

// SyncedPrice is a price as reconciled against the provider.
type SyncedPrice struct {
	Interval        PriceInterval `json:"interval"`
	ProviderPriceID string        `json:"providerPriceId"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
}

// SyncedPlan is the result of reconciling one PlanDefinition.
type SyncedPlan struct {
	ProductID         string        `json:"productId"`
	ProviderProductID string        `json:"providerProductId"`
	Prices            []SyncedPrice `json:"prices"`
}

// PlansSyncResult summarises a synchronization run. Created/Updated/Unchanged
// count products; the price counters are informational.
type PlansSyncResult struct {
	Created       int          `json:"created"`
	Updated       int          `json:"updated"`
	Unchanged     int          `json:"unchanged"`
	PricesCreated int          `json:"pricesCreated"`
	PricesReused  int          `json:"pricesReused"`
	Plans         []SyncedPlan `json:"plans"`
}

// ActivePrice is an active provider price attached to an ActivePlan.
type ActivePrice struct {
	ProviderPriceID string          `json:"providerPriceId"`
	Interval        PriceInterval   `json:"interval"`
	IntervalCount   int64           `json:"intervalCount"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	DisplayAmount   decimal.Decimal `json:"displayAmount"`
}

// ActivePlan is the read-side view of a provider product carrying the local
// product id tag.
type ActivePlan struct {
	ProductID         string        `json:"productId"`
	ProviderProductID string        `json:"providerProductId"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Prices            []ActivePrice `json:"prices"`
}

// CatalogProduct is the subset of a provider product this service reads.
type CatalogProduct struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata"`
}

// CatalogRecurring is the recurring component of a provider price.
type CatalogRecurring struct {
	Interval      PriceInterval `json:"interval"`
	IntervalCount int64         `json:"interval_count"`
}

// CatalogPrice is the subset of a provider price this service reads.
type CatalogPrice struct {
	ID         string            `json:"id"`
	Product    string            `json:"product"`
	Active     bool              `json:"active"`
	Currency   string            `json:"currency"`
	UnitAmount int64             `json:"unit_amount"`
	Recurring  *CatalogRecurring `json:"recurring"`
	Metadata   map[string]string `json:"metadata"`
}

// ProductParams describes a product to create.
type ProductParams struct {
	Name        string
	Description string
	Metadata    map[string]string
}

// PriceParams describes a recurring price to create.
type PriceParams struct {
	ProductID     string
	UnitAmount    int64
	Currency      string
	Interval      PriceInterval
	IntervalCount int64
	Metadata      map[string]string
}

// SubscriptionStatus mirrors the provider's subscription status values.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusPaused            SubscriptionStatus = "paused"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// CustomerState is the local projection of a provider customer.
type CustomerState struct {
	ProviderCustomerID string
	Email              string
	Name               string
	Metadata           map[string]string
	Deleted            bool
	EventAt            time.Time
}

// SubscriptionState is the local projection of a provider subscription.
type SubscriptionState struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 SubscriptionStatus
	PriceIDs               []string
	CancelAtPeriodEnd      bool
	CurrentPeriodEnd       *time.Time
	CanceledAt             *time.Time
	EventAt                time.Time
}

// InvoiceOutcome is the payment result recorded for an invoice.
type InvoiceOutcome string

const (
	InvoicePaid          InvoiceOutcome = "paid"
	InvoicePaymentFailed InvoiceOutcome = "payment_failed"
)

// InvoiceState is the local projection of a provider invoice payment attempt.
type InvoiceState struct {
	ProviderInvoiceID      string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Outcome                InvoiceOutcome
	Status                 string
	AmountDue              int64
	AmountPaid             int64
	Currency               string
	AttemptCount           int64
	EventAt                time.Time
}

// BillingNotification is published after a projection changes so downstream
// services can react without polling.
type BillingNotification struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	SubjectID  string    `json:"subject_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
