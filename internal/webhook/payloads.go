package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"billingsync/internal/types"
)

// expandableID accepts either an object ID string or an expanded object with
// an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// CustomerPayload is data.object for customer.* events.
type CustomerPayload struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
	Deleted  bool              `json:"deleted"`
}

// SubscriptionPayload is data.object for customer.subscription.* events.
type SubscriptionPayload struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	Status            string       `json:"status"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64        `json:"current_period_end"`
	CanceledAt        int64        `json:"canceled_at"`
	Items             struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// CustomerID returns the owning customer's provider ID.
func (s SubscriptionPayload) CustomerID() string { return string(s.Customer) }

// PriceIDs returns the price of every subscription item, in order.
func (s SubscriptionPayload) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items.Data))
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids
}

// PeriodEnd returns the current period end. Newer API versions carry it on
// each item instead of the subscription; the latest item value wins there.
func (s SubscriptionPayload) PeriodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixPtr(end)
}

// InvoicePayload is data.object for invoice.* events.
type InvoicePayload struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Status       string       `json:"status"`
	AmountDue    int64        `json:"amount_due"`
	AmountPaid   int64        `json:"amount_paid"`
	Currency     string       `json:"currency"`
	AttemptCount int64        `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// CustomerID returns the billed customer's provider ID.
func (i InvoicePayload) CustomerID() string { return string(i.Customer) }

// SubscriptionID returns the subscription the invoice belongs to, reading the
// top-level field first and the parent details second.
func (i InvoicePayload) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// decodeObject unmarshals data.object and requires an id.
func decodeObject[T any](evt *Event, idOf func(T) string) (T, error) {
	var out T
	if err := json.Unmarshal(evt.Object, &out); err != nil {
		return out, types.NewAppError(
			types.ErrCodeValidationMalformedEvent,
			fmt.Sprintf("cannot decode %s payload", evt.Type),
			err,
		)
	}
	if idOf(out) == "" {
		return out, types.NewAppError(
			types.ErrCodeValidationMalformedEvent,
			fmt.Sprintf("%s payload has no object id", evt.Type),
			nil,
		)
	}
	return out, nil
}
