package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

// Prometheus collectors register globally, so the package shares one set.
var testSaga = metrics.NewSagaMetrics("order_test")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	orders   map[string]*Order
	created  []outbox.Event
	updated  []outbox.Event
	appended []outbox.Event
}

func newFakeStore(orders ...*Order) *fakeStore {
	s := &fakeStore{orders: map[string]*Order{}}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, o *Order, events ...outbox.Event) error {
	s.orders[o.ID] = o
	s.created = append(s.created, events...)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, orderID string) (*Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) Update(ctx context.Context, o *Order, from Status, events ...outbox.Event) error {
	stored, ok := s.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Status != from {
		return ErrStaleOrder
	}
	s.orders[o.ID] = o
	s.updated = append(s.updated, events...)
	return nil
}

func (s *fakeStore) AppendEvents(ctx context.Context, events ...outbox.Event) error {
	s.appended = append(s.appended, events...)
	return nil
}

func (s *fakeStore) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int64) ([]Order, error) {
	var out []Order
	for _, o := range s.orders {
		if o.Status == StatusPending && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func regularOrder(status Status) *Order {
	return &Order{
		ID:     "o-1",
		UserID: "u-1",
		Status: status,
		Items: []Item{
			{ProductID: "p-1", Name: "keyboard", PriceCents: 4999, Quantity: 2},
			{ProductID: "p-2", Name: "mouse", PriceCents: 1999, Quantity: 1},
		},
		TotalCents: 11997,
		Metadata:   Metadata{Source: SourceRegular, CorrelationID: "corr-1"},
	}
}

func seckillOrder(status Status) *Order {
	return &Order{
		ID:         "o-2",
		UserID:     "u-2",
		Status:     status,
		Items:      []Item{{ProductID: "p-9", Name: "drop", PriceCents: 999, Quantity: 1}},
		TotalCents: 999,
		Metadata:   Metadata{Source: SourceSeckill, SeckillRef: "ev-9", CorrelationID: "corr-2"},
	}
}

func newTestConsumer(store OrdersStore) *sagaConsumer {
	svc := NewService(store, nil, testLogger())
	return NewSagaConsumer(store, svc, testLogger(), testSaga)
}

func eventTypes(events []outbox.Event) []string {
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func TestReservedSuccessConfirmsPendingOrder(t *testing.T) {
	store := newFakeStore(regularOrder(StatusPending))
	c := newTestConsumer(store)

	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.NoError(t, err)

	o := store.orders["o-1"]
	assert.Equal(t, StatusConfirmed, o.Status)
	for _, it := range o.Items {
		assert.True(t, it.Reserved)
	}
	require.Equal(t, []string{broker.OrderConfirmedEvent}, eventTypes(store.updated))

	payload := store.updated[0].Payload
	assert.Equal(t, "o-1", payload["orderId"])
	assert.InDelta(t, 119.97, payload["totalPrice"], 0.001)
}

func TestReservedSuccessAfterCancellationReleasesStock(t *testing.T) {
	store := newFakeStore(regularOrder(StatusCancelled))
	c := newTestConsumer(store)

	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.NoError(t, err)

	// Status stays terminal; one release per line goes out instead.
	assert.Equal(t, StatusCancelled, store.orders["o-1"].Status)
	assert.Empty(t, store.updated)
	require.Equal(t, []string{broker.OrderReleaseEvent, broker.OrderReleaseEvent}, eventTypes(store.appended))
	assert.Equal(t, "p-1", store.appended[0].Payload["productId"])
	assert.EqualValues(t, 2, store.appended[0].Payload["quantity"])
}

func TestReservedSuccessAfterCancelledSeckillOrderReleasesSlot(t *testing.T) {
	store := newFakeStore(seckillOrder(StatusCancelled))
	c := newTestConsumer(store)

	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "o-2"}, broker.Metadata{})
	require.NoError(t, err)

	require.Equal(t, []string{broker.SeckillReleaseEvent}, eventTypes(store.appended))
	assert.Equal(t, "u-2", store.appended[0].Payload["userId"])
	assert.Equal(t, "p-9", store.appended[0].Payload["productId"])
}

func TestReservedSuccessIsIdempotent(t *testing.T) {
	store := newFakeStore(regularOrder(StatusConfirmed))
	c := newTestConsumer(store)

	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, store.updated)
	assert.Empty(t, store.appended)
}

// staleReadStore hands handlers an outdated snapshot, as when another replica
// transitions the order between this replica's load and its write.
type staleReadStore struct {
	*fakeStore
	snapshot Order
}

func (s *staleReadStore) Get(ctx context.Context, orderID string) (*Order, error) {
	cp := s.snapshot
	return &cp, nil
}

func TestReservedSuccessLosingRaceRequeues(t *testing.T) {
	store := &staleReadStore{
		fakeStore: newFakeStore(regularOrder(StatusConfirmed)),
		snapshot:  *regularOrder(StatusPending),
	}
	c := newTestConsumer(store)

	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))

	// Nothing was written; the redelivery reloads the fresh status and no-ops.
	assert.Equal(t, StatusConfirmed, store.orders["o-1"].Status)
	assert.Empty(t, store.updated)
}

func TestReservedSuccessUnknownOrderIsAcked(t *testing.T) {
	c := newTestConsumer(newFakeStore())
	err := c.handleReservedSuccess(context.Background(), map[string]any{"orderId": "nope"}, broker.Metadata{})
	assert.NoError(t, err)
}

func TestReservedFailedCancelsOrder(t *testing.T) {
	store := newFakeStore(regularOrder(StatusPending))
	c := newTestConsumer(store)

	data := map[string]any{"orderId": "o-1", "reason": "INSUFFICIENT_STOCK: p-2"}
	err := c.handleReservedFailed(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	o := store.orders["o-1"]
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, "INSUFFICIENT_STOCK: p-2", o.CancellationReason)
	require.Equal(t, []string{broker.OrderCancelledEvent}, eventTypes(store.updated))
}

func TestPaymentSucceededPaysConfirmedOrder(t *testing.T) {
	store := newFakeStore(regularOrder(StatusConfirmed))
	c := newTestConsumer(store)

	err := c.handlePaymentSucceeded(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, store.orders["o-1"].Status)
}

func TestPaymentSucceededOnCancelledOrderStaysCancelled(t *testing.T) {
	store := newFakeStore(regularOrder(StatusCancelled))
	c := newTestConsumer(store)

	err := c.handlePaymentSucceeded(context.Background(), map[string]any{"orderId": "o-1"}, broker.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, store.orders["o-1"].Status)
	assert.Empty(t, store.updated)
}

func TestPaymentFailedReleasesReservedLines(t *testing.T) {
	o := regularOrder(StatusConfirmed)
	o.Items[0].Reserved = true
	o.Items[1].Reserved = true
	store := newFakeStore(o)
	c := newTestConsumer(store)

	data := map[string]any{"orderId": "o-1", "reason": "card declined"}
	err := c.handlePaymentFailed(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, store.orders["o-1"].Status)
	require.Equal(t, []string{
		broker.OrderReleaseEvent,
		broker.OrderReleaseEvent,
		broker.OrderCancelledEvent,
	}, eventTypes(store.updated))
}

func TestPaymentFailedOnSeckillOrderEmitsSeckillRelease(t *testing.T) {
	o := seckillOrder(StatusConfirmed)
	o.Items[0].Reserved = true
	store := newFakeStore(o)
	c := newTestConsumer(store)

	data := map[string]any{"orderId": "o-2", "reason": "card declined"}
	err := c.handlePaymentFailed(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	require.Equal(t, []string{
		broker.SeckillReleaseEvent,
		broker.OrderCancelledEvent,
	}, eventTypes(store.updated))
}

func TestPaymentFailedTwiceCompensatesOnce(t *testing.T) {
	o := regularOrder(StatusConfirmed)
	o.Items[0].Reserved = true
	o.Items[1].Reserved = true
	store := newFakeStore(o)
	c := newTestConsumer(store)

	data := map[string]any{"orderId": "o-1", "reason": "card declined"}
	require.NoError(t, c.handlePaymentFailed(context.Background(), data, broker.Metadata{}))
	require.NoError(t, c.handlePaymentFailed(context.Background(), data, broker.Metadata{}))

	// Second delivery finds the order CANCELLED and emits nothing more.
	assert.Len(t, store.updated, 3)
	assert.Empty(t, store.appended)
}

func TestSeckillWonCreatesOrder(t *testing.T) {
	store := newFakeStore()
	c := newTestConsumer(store)

	data := map[string]any{
		"userId":      "u-7",
		"productId":   "p-9",
		"productName": "limited drop",
		"price":       9.99,
	}
	meta := broker.Metadata{EventID: "ev-42", CorrelationID: "corr-42"}
	err := c.handleSeckillWon(context.Background(), data, meta)
	require.NoError(t, err)

	require.Len(t, store.orders, 1)
	var o *Order
	for _, v := range store.orders {
		o = v
	}
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, SourceSeckill, o.Metadata.Source)
	assert.Equal(t, "ev-42", o.Metadata.SeckillRef)
	assert.Equal(t, "corr-42", o.Metadata.CorrelationID)
	assert.EqualValues(t, 999, o.TotalCents)
	require.Equal(t, []string{broker.OrderCreatedEvent}, eventTypes(store.created))
}
