// Package handlers contains the HTTP handlers of billingsync.
//
// The Stripe webhook endpoint is not behind any auth middleware; it is called
// directly by Stripe and authenticated by the Stripe-Signature header.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/core"
	"billingsync/internal/types"
	"billingsync/internal/webhook"
)

// defaultMaxWebhookBytes applies when no limit is configured. Stripe payloads
// are small.
const defaultMaxWebhookBytes = 64 * 1024

// EventVerifier authenticates a raw delivery and parses it.
type EventVerifier interface {
	Verify(rawBody []byte, signatureHeader, secret string) (*webhook.Event, error)
}

// EventDispatcher runs a verified event through its handler.
type EventDispatcher interface {
	Handle(ctx context.Context, evt *webhook.Event) (webhook.Result, error)
}

// StripeWebhookHandler receives Stripe deliveries.
type StripeWebhookHandler struct {
	verifier   EventVerifier
	dispatcher EventDispatcher
	secret     types.SecretString
	maxBytes   int64
	logger     *slog.Logger
}

// NewStripeWebhookHandler wires the endpoint. maxBytes <= 0 uses 64 KiB.
func NewStripeWebhookHandler(
	verifier EventVerifier,
	dispatcher EventDispatcher,
	secret types.SecretString,
	maxBytes int64,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxWebhookBytes
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		secret:     secret,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// RegisterRoutes mounts POST /webhooks/stripe. It belongs on the root router,
// outside /v1.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies the delivery and dispatches it.
//
//   - 401 when the signature header or body is missing, or the signature
//     does not verify.
//   - 200 with the dispatch Result once the event is handled, skipped as a
//     duplicate, or of a type this service ignores.
//   - The handler error's own status otherwise, so Stripe redelivers.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The body must stay byte-exact for signature verification.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.logger.WarnContext(ctx, "webhook body exceeds limit", "limit", h.maxBytes)
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayloadTooBig, "request body too large", err))
			return
		}
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthBodyMissing, "Missing raw body", err))
		return
	}

	evt, err := h.verifier.Verify(payload, signatureHeader(r), h.secret.Unmask())
	if err != nil {
		h.logger.WarnContext(ctx, "webhook verification failed", "error", err)
		core.Error(w, r, err)
		return
	}

	ctx = types.WithEventID(ctx, evt.ID)
	logger := h.logger.With("event_id", evt.ID, "event_type", evt.Type)

	result, err := h.dispatcher.Handle(ctx, evt)
	if err != nil {
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "webhook event processed",
		"handled", result.Handled,
		"skipped", result.Skipped,
	)
	core.JSON(w, r, http.StatusOK, result)
}

// signatureHeader rejoins a Stripe-Signature that a proxy split on commas
// into several header values.
func signatureHeader(r *http.Request) string {
	return strings.Join(r.Header.Values("Stripe-Signature"), ",")
}
