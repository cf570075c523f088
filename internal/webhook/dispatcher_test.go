package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"billingsync/internal/idempotency"
	"billingsync/internal/types"
)

type mockHandlers struct {
	mock.Mock
}

func (m *mockHandlers) CustomerCreated(ctx context.Context, c CustomerPayload, at time.Time) error {
	return m.Called(ctx, c, at).Error(0)
}
func (m *mockHandlers) CustomerUpdated(ctx context.Context, c CustomerPayload, at time.Time) error {
	return m.Called(ctx, c, at).Error(0)
}
func (m *mockHandlers) CustomerDeleted(ctx context.Context, c CustomerPayload, at time.Time) error {
	return m.Called(ctx, c, at).Error(0)
}
func (m *mockHandlers) SubscriptionCreated(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	return m.Called(ctx, s, at).Error(0)
}
func (m *mockHandlers) SubscriptionUpdated(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	return m.Called(ctx, s, at).Error(0)
}
func (m *mockHandlers) SubscriptionDeleted(ctx context.Context, s SubscriptionPayload, at time.Time) error {
	return m.Called(ctx, s, at).Error(0)
}
func (m *mockHandlers) InvoicePaymentSucceeded(ctx context.Context, inv InvoicePayload, at time.Time) error {
	return m.Called(ctx, inv, at).Error(0)
}
func (m *mockHandlers) InvoicePaymentFailed(ctx context.Context, inv InvoicePayload, at time.Time) error {
	return m.Called(ctx, inv, at).Error(0)
}

// plainStore hides the Claimer methods of MemoryStore so the Has/Add path
// is exercised.
type plainStore struct {
	inner  *idempotency.MemoryStore
	hasErr error
	addErr error
	adds   []time.Duration
}

func (s *plainStore) Has(ctx context.Context, id string) (bool, error) {
	if s.hasErr != nil {
		return false, s.hasErr
	}
	return s.inner.Has(ctx, id)
}

func (s *plainStore) Add(ctx context.Context, id string, ttl time.Duration) error {
	s.adds = append(s.adds, ttl)
	if s.addErr != nil {
		return s.addErr
	}
	return s.inner.Add(ctx, id, ttl)
}

type recordedObservation struct {
	eventType, outcome string
}

type fakeMetrics struct {
	mu  sync.Mutex
	obs []recordedObservation
}

func (f *fakeMetrics) ObserveEvent(eventType, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, recordedObservation{eventType, outcome})
}

type fakeArchive struct {
	ids []string
	err error
}

func (f *fakeArchive) Append(_ context.Context, evt *Event) error {
	f.ids = append(f.ids, evt.ID)
	return f.err
}

func newDispatcher(store idempotency.Store, h Handlers, m Metrics) *Dispatcher {
	return NewDispatcher(store, h, discardLogger(), DispatcherConfig{
		TTL:         time.Hour,
		InFlightTTL: time.Minute,
		Metrics:     m,
	})
}

func stores() map[string]func() idempotency.Store {
	return map[string]func() idempotency.Store{
		"claim": func() idempotency.Store { return idempotency.NewMemoryStore(nil) },
		"has-add": func() idempotency.Store {
			return &plainStore{inner: idempotency.NewMemoryStore(nil)}
		},
	}
}

func TestDispatcher_FirstDeliveryThenDuplicate(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := new(mockHandlers)
			evt := testEvent(t, "evt_1", "customer.created", map[string]any{"id": "cus_1", "email": "a@example.com"})
			h.On("CustomerCreated", mock.Anything, CustomerPayload{ID: "cus_1", Email: "a@example.com"}, evt.CreatedAt).Return(nil).Once()

			metrics := &fakeMetrics{}
			store := newStore()
			d := newDispatcher(store, h, metrics)

			res, err := d.Handle(ctx, evt)
			require.NoError(t, err)
			assert.Equal(t, Result{Handled: true, EventID: "evt_1", EventType: "customer.created"}, res)

			seen, err := store.Has(ctx, "evt_1")
			require.NoError(t, err)
			assert.True(t, seen)

			res, err = d.Handle(ctx, evt)
			require.NoError(t, err)
			assert.Equal(t, Result{Skipped: true, EventID: "evt_1", EventType: "customer.created"}, res)

			h.AssertNumberOfCalls(t, "CustomerCreated", 1)
			assert.Equal(t, []recordedObservation{
				{"customer.created", OutcomeHandled},
				{"customer.created", OutcomeSkipped},
			}, metrics.obs)
		})
	}
}

func TestDispatcher_HandlerFailureIsNotMarked(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := new(mockHandlers)
			evt := testEvent(t, "evt_2", "invoice.payment_failed", map[string]any{"id": "in_1"})

			boom := errors.New("db down")
			h.On("InvoicePaymentFailed", mock.Anything, mock.Anything, mock.Anything).Return(boom).Once()
			h.On("InvoicePaymentFailed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

			store := newStore()
			d := newDispatcher(store, h, nil)

			res, err := d.Handle(ctx, evt)
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.False(t, res.Handled)
			assert.False(t, res.Skipped)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeInternalHandler, appErr.Code)

			seen, _ := store.Has(ctx, "evt_2")
			assert.False(t, seen, "failed events must stay unmarked")

			res, err = d.Handle(ctx, evt)
			require.NoError(t, err, "redelivery reruns the handler")
			assert.True(t, res.Handled)
			h.AssertNumberOfCalls(t, "InvoicePaymentFailed", 2)
		})
	}
}

func TestDispatcher_HandlerAppErrorKeepsStatus(t *testing.T) {
	h := new(mockHandlers)
	evt := testEvent(t, "evt_3", "customer.updated", map[string]any{"id": "cus_1"})
	upstream := types.NewAppError(types.ErrCodeUpstreamRateLimited, "slow down", nil)
	h.On("CustomerUpdated", mock.Anything, mock.Anything, mock.Anything).Return(upstream)

	_, err := newDispatcher(idempotency.NewMemoryStore(nil), h, nil).Handle(context.Background(), evt)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 503, appErr.HTTPStatus())
}

func TestDispatcher_UnknownTypeIsHandledAndMarked(t *testing.T) {
	ctx := context.Background()
	h := new(mockHandlers)
	metrics := &fakeMetrics{}
	store := idempotency.NewMemoryStore(nil)
	evt := testEvent(t, "evt_4", "charge.refunded", map[string]any{"id": "ch_1"})

	res, err := newDispatcher(store, h, metrics).Handle(ctx, evt)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.False(t, res.Skipped)
	h.AssertExpectations(t)

	seen, _ := store.Has(ctx, "evt_4")
	assert.True(t, seen)
	assert.Equal(t, OutcomeUnhandled, metrics.obs[0].outcome)
}

func TestDispatcher_RoutesEveryKnownKind(t *testing.T) {
	tests := []struct {
		eventType string
		method    string
		object    map[string]any
	}{
		{"customer.created", "CustomerCreated", map[string]any{"id": "cus_1"}},
		{"customer.updated", "CustomerUpdated", map[string]any{"id": "cus_1"}},
		{"customer.deleted", "CustomerDeleted", map[string]any{"id": "cus_1", "deleted": true}},
		{"customer.subscription.created", "SubscriptionCreated", map[string]any{"id": "sub_1", "customer": "cus_1"}},
		{"customer.subscription.updated", "SubscriptionUpdated", map[string]any{"id": "sub_1", "customer": "cus_1"}},
		{"customer.subscription.deleted", "SubscriptionDeleted", map[string]any{"id": "sub_1", "customer": "cus_1"}},
		{"invoice.payment_succeeded", "InvoicePaymentSucceeded", map[string]any{"id": "in_1"}},
		{"invoice.payment_failed", "InvoicePaymentFailed", map[string]any{"id": "in_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			h := new(mockHandlers)
			h.On(tt.method, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

			evt := testEvent(t, "evt_"+tt.method, tt.eventType, tt.object)
			res, err := newDispatcher(idempotency.NewMemoryStore(nil), h, nil).Handle(context.Background(), evt)
			require.NoError(t, err)
			assert.True(t, res.Handled)
			h.AssertExpectations(t)
		})
	}
}

func TestDispatcher_MalformedObjectFails(t *testing.T) {
	ctx := context.Background()
	h := new(mockHandlers)
	store := idempotency.NewMemoryStore(nil)
	evt := testEvent(t, "evt_5", "customer.subscription.updated", map[string]any{"status": "active"})

	_, err := newDispatcher(store, h, nil).Handle(ctx, evt)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMalformedEvent, appErr.Code)

	seen, _ := store.Has(ctx, "evt_5")
	assert.False(t, seen)
}

func TestDispatcher_InFlightDuplicate(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemoryStore(nil)
	evt := testEvent(t, "evt_6", "customer.created", map[string]any{"id": "cus_1"})

	state, err := store.Claim(ctx, "evt_6", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.ClaimAcquired, state)

	h := new(mockHandlers)
	metrics := &fakeMetrics{}
	res, err := newDispatcher(store, h, metrics).Handle(ctx, evt)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEventInFlight)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 409, appErr.HTTPStatus())
	assert.False(t, res.Handled)
	assert.Equal(t, OutcomeInFlight, metrics.obs[0].outcome)
	h.AssertNotCalled(t, "CustomerCreated", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_ConcurrentDeliveriesRunOnce(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemoryStore(nil)
	evt := testEvent(t, "evt_7", "customer.created", map[string]any{"id": "cus_1"})

	var calls atomic.Int32
	release := make(chan struct{})
	h := new(mockHandlers)
	h.On("CustomerCreated", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			calls.Add(1)
			<-release
		}).
		Return(nil)

	d := newDispatcher(store, h, nil)

	var wg sync.WaitGroup
	var inFlight atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Handle(ctx, evt); errors.Is(err, ErrEventInFlight) {
				inFlight.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return inFlight.Load() == 7
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_StoreErrors(t *testing.T) {
	ctx := context.Background()
	evt := testEvent(t, "evt_8", "customer.created", map[string]any{"id": "cus_1"})

	t.Run("has fails", func(t *testing.T) {
		h := new(mockHandlers)
		storeErr := types.NewAppError(types.ErrCodeInternalCache, "redis unreachable", nil)
		store := &plainStore{inner: idempotency.NewMemoryStore(nil), hasErr: storeErr}

		_, err := newDispatcher(store, h, nil).Handle(ctx, evt)
		assert.ErrorIs(t, err, storeErr)
		h.AssertNotCalled(t, "CustomerCreated", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("add fails after handler success", func(t *testing.T) {
		h := new(mockHandlers)
		h.On("CustomerCreated", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		addErr := errors.New("write failed")
		store := &plainStore{inner: idempotency.NewMemoryStore(nil), addErr: addErr}

		res, err := newDispatcher(store, h, nil).Handle(ctx, evt)
		assert.ErrorIs(t, err, addErr)
		assert.False(t, res.Handled)
		assert.Equal(t, []time.Duration{time.Hour}, store.adds)
	})
}

func TestDispatcher_ArchivesBeforeHandling(t *testing.T) {
	ctx := context.Background()
	h := new(mockHandlers)
	h.On("CustomerCreated", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	archive := &fakeArchive{err: errors.New("archive offline")}

	d := NewDispatcher(idempotency.NewMemoryStore(nil), h, discardLogger(), DispatcherConfig{Archive: archive})
	evt := testEvent(t, "evt_9", "customer.created", map[string]any{"id": "cus_1"})

	res, err := d.Handle(ctx, evt)
	require.NoError(t, err, "archive failures never fail a delivery")
	assert.True(t, res.Handled)

	_, _ = d.Handle(ctx, evt)
	assert.Equal(t, []string{"evt_9"}, archive.ids, "duplicates are not archived again")
}

func TestDispatcher_DefaultTTL(t *testing.T) {
	h := new(mockHandlers)
	h.On("CustomerCreated", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store := &plainStore{inner: idempotency.NewMemoryStore(nil)}

	d := NewDispatcher(store, h, discardLogger(), DispatcherConfig{})
	_, err := d.Handle(context.Background(), testEvent(t, "evt_10", "customer.created", map[string]any{"id": "cus_1"}))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{idempotency.DefaultTTL}, store.adds)
}
