package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionPayload_Decode(t *testing.T) {
	raw := `{
		"id": "sub_1",
		"customer": {"id": "cus_9", "object": "customer"},
		"status": "active",
		"cancel_at_period_end": true,
		"items": {"data": [
			{"price": {"id": "price_a"}, "current_period_end": 1767225600},
			{"price": {"id": "price_b"}, "current_period_end": 1769904000}
		]}
	}`

	var s SubscriptionPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	assert.Equal(t, "cus_9", s.CustomerID())
	assert.Equal(t, []string{"price_a", "price_b"}, s.PriceIDs())
	require.NotNil(t, s.PeriodEnd())
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *s.PeriodEnd())
}

func TestSubscriptionPayload_LegacyPeriodEnd(t *testing.T) {
	var s SubscriptionPayload
	require.NoError(t, json.Unmarshal([]byte(`{"id":"sub_1","customer":"cus_1","current_period_end":1767225600}`), &s))
	assert.Equal(t, "cus_1", s.CustomerID())
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), *s.PeriodEnd())
	assert.Empty(t, s.PriceIDs())
}

func TestInvoicePayload_SubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"top level", `{"id":"in_1","subscription":"sub_1"}`, "sub_1"},
		{"parent details", `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_2"}}}`, "sub_2"},
		{"one-off invoice", `{"id":"in_1","subscription":null}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inv InvoicePayload
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &inv))
			assert.Equal(t, tt.want, inv.SubscriptionID())
		})
	}
}

func TestDecodeObject_RequiresID(t *testing.T) {
	evt := testEvent(t, "evt_1", "customer.created", map[string]any{"email": "x@example.com"})
	_, err := decodeObject(evt, func(c CustomerPayload) string { return c.ID })
	assert.Error(t, err)

	evt = testEvent(t, "evt_2", "customer.created", map[string]any{"id": 42})
	_, err = decodeObject(evt, func(c CustomerPayload) string { return c.ID })
	assert.Error(t, err, "numeric id does not decode into a string")
}
