package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/types"
)

// Verification failures. The errors returned by Verify wrap one of these in a
// *types.AppError so callers can use errors.Is and still render a status.
var (
	ErrMissingSignature = errors.New("missing stripe-signature header")
	ErrMissingBody      = errors.New("missing raw body")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedEvent   = errors.New("verified payload is not a valid event")
)

// Verifier authenticates deliveries with the endpoint signing secret.
type Verifier struct {
	tolerance time.Duration
}

// NewVerifier returns a Verifier accepting signatures up to tolerance old.
// A non-positive tolerance uses the provider default (300s).
func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &Verifier{tolerance: tolerance}
}

// Verify checks signatureHeader against rawBody and secret and parses the
// event. rawBody must be the exact bytes received.
func (v *Verifier) Verify(rawBody []byte, signatureHeader, secret string) (*Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureMissing, "Missing stripe-signature header", ErrMissingSignature)
	}
	if len(rawBody) == 0 {
		return nil, types.NewAppError(types.ErrCodeAuthBodyMissing, "Missing raw body", ErrMissingBody)
	}

	if err := stripewebhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, secret, v.tolerance); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"Webhook signature verification failed",
			fmt.Errorf("%w: %w", ErrInvalidSignature, err),
		)
	}

	return parseEvent(rawBody)
}

func parseEvent(rawBody []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(rawBody, &se); err != nil {
		return nil, malformed("event body is not valid JSON", err)
	}
	if se.ID == "" || se.Type == "" {
		return nil, malformed("event is missing id or type", nil)
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, malformed("event is missing data.object", nil)
	}

	return &Event{
		ID:         se.ID,
		Type:       string(se.Type),
		Kind:       ParseEventKind(string(se.Type)),
		CreatedAt:  time.Unix(se.Created, 0).UTC(),
		Livemode:   se.Livemode,
		APIVersion: se.APIVersion,
		Object:     se.Data.Raw,
		Payload:    rawBody,
	}, nil
}

func malformed(msg string, err error) error {
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	} else {
		err = ErrMalformedEvent
	}
	return types.NewAppError(types.ErrCodeValidationMalformedEvent, msg, err)
}
