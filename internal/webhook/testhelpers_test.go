package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_0123456789"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventBody renders a minimal provider event envelope.
func eventBody(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	return []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","api_version":"2025-02-24.acacia","created":%d,"livemode":false,"type":%q,"data":{"object":%s}}`,
		id, created.Unix(), eventType, obj,
	))
}

// sign returns a valid Stripe-Signature header for body at ts.
func sign(body []byte, secret string, ts time.Time) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

func testEvent(t *testing.T, id, eventType string, object any) *Event {
	t.Helper()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := eventBody(t, id, eventType, created, object)
	evt, err := parseEvent(body)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	return evt
}
