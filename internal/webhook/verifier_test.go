package webhook

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/types"
)

func TestVerifier_ValidSignature(t *testing.T) {
	created := time.Now().Add(-time.Minute).Truncate(time.Second).UTC()
	body := eventBody(t, "evt_1", "customer.created", created, map[string]any{"id": "cus_1", "email": "a@example.com"})
	header := sign(body, testSecret, time.Now())

	evt, err := NewVerifier(0).Verify(body, header, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, "customer.created", evt.Type)
	assert.Equal(t, EventCustomerCreated, evt.Kind)
	assert.Equal(t, created, evt.CreatedAt)
	assert.Equal(t, "2025-02-24.acacia", evt.APIVersion)
	assert.JSONEq(t, `{"id":"cus_1","email":"a@example.com"}`, string(evt.Object))
	assert.Equal(t, body, evt.Payload)
}

func TestVerifier_UnknownTypeStillVerifies(t *testing.T) {
	body := eventBody(t, "evt_2", "charge.refunded", time.Now(), map[string]any{"id": "ch_1"})
	evt, err := NewVerifier(0).Verify(body, sign(body, testSecret, time.Now()), testSecret)
	require.NoError(t, err)
	assert.Equal(t, EventKindUnknown, evt.Kind)
	assert.Equal(t, "charge.refunded", evt.Type)
}

func TestVerifier_Failures(t *testing.T) {
	body := eventBody(t, "evt_1", "customer.created", time.Now(), map[string]any{"id": "cus_1"})
	valid := sign(body, testSecret, time.Now())

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-3] = ' '

	tests := []struct {
		name     string
		body     []byte
		header   string
		secret   string
		sentinel error
		code     types.ErrorCode
	}{
		{"missing header", body, "", testSecret, ErrMissingSignature, types.ErrCodeAuthSignatureMissing},
		{"blank header", body, "   ", testSecret, ErrMissingSignature, types.ErrCodeAuthSignatureMissing},
		{"nil body", nil, valid, testSecret, ErrMissingBody, types.ErrCodeAuthBodyMissing},
		{"empty body", []byte{}, valid, testSecret, ErrMissingBody, types.ErrCodeAuthBodyMissing},
		{"wrong secret", body, valid, "whsec_other", ErrInvalidSignature, types.ErrCodeAuthSignatureInvalid},
		{"tampered body", tampered, valid, testSecret, ErrInvalidSignature, types.ErrCodeAuthSignatureInvalid},
		{"garbage header", body, "not-a-signature", testSecret, ErrInvalidSignature, types.ErrCodeAuthSignatureInvalid},
		{"stale timestamp", body, sign(body, testSecret, time.Now().Add(-time.Hour)), testSecret, ErrInvalidSignature, types.ErrCodeAuthSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := NewVerifier(5*time.Minute).Verify(tt.body, tt.header, tt.secret)
			assert.Nil(t, evt)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, 401, appErr.HTTPStatus())
		})
	}
}

func TestVerifier_ToleranceIsConfigurable(t *testing.T) {
	body := eventBody(t, "evt_1", "customer.created", time.Now(), map[string]any{"id": "cus_1"})
	header := sign(body, testSecret, time.Now().Add(-10*time.Minute))

	_, err := NewVerifier(5*time.Minute).Verify(body, header, testSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewVerifier(time.Hour).Verify(body, header, testSecret)
	assert.NoError(t, err)
}

func TestVerifier_MalformedAfterValidSignature(t *testing.T) {
	tests := map[string][]byte{
		"not json":     []byte(`this is not json`),
		"missing id":   []byte(`{"type":"customer.created","data":{"object":{"id":"cus_1"}}}`),
		"missing data": []byte(`{"id":"evt_1","type":"customer.created"}`),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewVerifier(0).Verify(body, sign(body, testSecret, time.Now()), testSecret)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEvent)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, 400, appErr.HTTPStatus())
		})
	}
}
