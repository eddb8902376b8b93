package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

var testSaga = metrics.NewSagaMetrics("inventory_test")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore applies the guarded operations to an in-memory ledger.
type memStore struct {
	records map[string]*Record
	fail    error
}

func newMemStore(records ...*Record) *memStore {
	s := &memStore{records: map[string]*Record{}}
	for _, r := range records {
		s.records[r.ProductID] = r
	}
	return s
}

func (s *memStore) Get(ctx context.Context, productID string) (*Record, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	r, ok := s.records[productID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Upsert(ctx context.Context, productID, name string, available int64) (*Record, error) {
	r := &Record{ProductID: productID, Name: name, Available: available}
	if old, ok := s.records[productID]; ok {
		r.Reserved = old.Reserved
	}
	s.records[productID] = r
	return r, nil
}

func (s *memStore) Delete(ctx context.Context, productID string) error {
	delete(s.records, productID)
	return nil
}

func (s *memStore) Reserve(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	r, ok := s.records[productID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.Available < quantity {
		return nil, ErrInsufficientStock
	}
	r.Available -= quantity
	r.Reserved += quantity
	if orderID != "" {
		if r.Reservations == nil {
			r.Reservations = map[string]int64{}
		}
		r.Reservations[orderID] += quantity
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Release(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	r, ok := s.records[productID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.Reserved < quantity || (orderID != "" && r.Reservations[orderID] < quantity) {
		return nil, ErrCannotRelease
	}
	r.Reserved -= quantity
	r.Available += quantity
	if orderID != "" {
		r.Reservations[orderID] -= quantity
		if r.Reservations[orderID] == 0 {
			delete(r.Reservations, orderID)
		}
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Confirm(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	r, ok := s.records[productID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if r.Reserved < quantity || (orderID != "" && r.Reservations[orderID] < quantity) {
		return nil, ErrCannotConfirm
	}
	r.Reserved -= quantity
	if orderID != "" {
		r.Reservations[orderID] -= quantity
		if r.Reservations[orderID] == 0 {
			delete(r.Reservations, orderID)
		}
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Decrement(ctx context.Context, productID string, quantity int64) (*Record, bool, error) {
	r, ok := s.records[productID]
	if !ok {
		return nil, false, ErrRecordNotFound
	}
	if r.Available < quantity {
		r.Available = 0
		cp := *r
		return &cp, true, nil
	}
	r.Available -= quantity
	cp := *r
	return &cp, false, nil
}

type memSink struct {
	events []outbox.Event
	fail   error
}

func (s *memSink) Insert(ctx context.Context, ev outbox.Event) error {
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, ev)
	return nil
}

func newTestConsumer(store InventoryStore, sink *memSink) *consumer {
	return NewConsumer(store, sink, testLogger(), testSaga)
}

func orderCreated(orderID string, source string, lines ...map[string]any) map[string]any {
	products := make([]any, 0, len(lines))
	for _, l := range lines {
		products = append(products, l)
	}
	data := map[string]any{"orderId": orderID, "products": products}
	if source != "" {
		data["metadata"] = map[string]any{"source": source}
	}
	return data
}

func TestOrderCreatedReservesAllLines(t *testing.T) {
	store := newMemStore(
		&Record{ProductID: "p-1", Available: 10},
		&Record{ProductID: "p-2", Available: 5},
	)
	sink := &memSink{}
	c := newTestConsumer(store, sink)

	data := orderCreated("o-1", "",
		map[string]any{"productId": "p-1", "quantity": float64(2)},
		map[string]any{"productId": "p-2", "quantity": float64(5)},
	)
	err := c.handleOrderCreated(context.Background(), data, broker.Metadata{CorrelationID: "corr-1"})
	require.NoError(t, err)

	assert.EqualValues(t, 8, store.records["p-1"].Available)
	assert.EqualValues(t, 2, store.records["p-1"].Reserved)
	assert.EqualValues(t, 2, store.records["p-1"].Reservations["o-1"])
	assert.EqualValues(t, 0, store.records["p-2"].Available)
	assert.EqualValues(t, 5, store.records["p-2"].Reserved)

	require.Len(t, sink.events, 1)
	assert.Equal(t, broker.InventoryReservedSuccessEvent, sink.events[0].EventType)
	assert.Equal(t, "corr-1", sink.events[0].CorrelationID)
	assert.Equal(t, "o-1", sink.events[0].Payload["orderId"])
}

func TestOrderCreatedPartialFailureRollsBack(t *testing.T) {
	store := newMemStore(
		&Record{ProductID: "p-1", Available: 10},
		&Record{ProductID: "p-2", Available: 0},
	)
	sink := &memSink{}
	c := newTestConsumer(store, sink)

	data := orderCreated("o-1", "",
		map[string]any{"productId": "p-1", "quantity": float64(1)},
		map[string]any{"productId": "p-2", "quantity": float64(1)},
	)
	err := c.handleOrderCreated(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	// The p-1 line is rolled back; nothing is leaked.
	assert.EqualValues(t, 10, store.records["p-1"].Available)
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)

	require.Len(t, sink.events, 1)
	assert.Equal(t, broker.InventoryReservedFailedEvent, sink.events[0].EventType)
	assert.Contains(t, sink.events[0].Payload["reason"], "INSUFFICIENT_STOCK")
}

func TestOrderCreatedUnknownProductFails(t *testing.T) {
	store := newMemStore()
	sink := &memSink{}
	c := newTestConsumer(store, sink)

	data := orderCreated("o-1", "", map[string]any{"productId": "ghost", "quantity": float64(1)})
	err := c.handleOrderCreated(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, broker.InventoryReservedFailedEvent, sink.events[0].EventType)
}

func TestOrderCreatedStoreTroubleRequeues(t *testing.T) {
	store := newMemStore(&Record{ProductID: "p-1", Available: 10})
	store.fail = errors.New("connection reset")
	c := newTestConsumer(store, &memSink{})

	data := orderCreated("o-1", "", map[string]any{"productId": "p-1", "quantity": float64(1)})
	err := c.handleOrderCreated(context.Background(), data, broker.Metadata{})
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
}

func TestSeckillOrderBlindDecrementFloorsAtZero(t *testing.T) {
	store := newMemStore(&Record{ProductID: "p-9", Available: 1})
	sink := &memSink{}
	c := newTestConsumer(store, sink)

	data := orderCreated("o-9", "seckill", map[string]any{"productId": "p-9", "quantity": float64(3)})
	err := c.handleOrderCreated(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	assert.EqualValues(t, 0, store.records["p-9"].Available)
	require.Len(t, sink.events, 1)
	assert.Equal(t, broker.InventoryReservedSuccessEvent, sink.events[0].EventType)
}

func TestReleaseHandlerReturnsStock(t *testing.T) {
	store := newMemStore(&Record{
		ProductID: "p-1", Available: 5, Reserved: 5,
		Reservations: map[string]int64{"o-1": 5},
	})
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "productId": "p-1", "quantity": float64(5)}
	err := c.handleRelease(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	assert.EqualValues(t, 10, store.records["p-1"].Available)
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)
}

func TestReleaseHandlerIdempotentOnCannotRelease(t *testing.T) {
	store := newMemStore(&Record{ProductID: "p-1", Available: 8, Reserved: 0})
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "productId": "p-1", "quantity": float64(5)}
	err := c.handleRelease(context.Background(), data, broker.Metadata{})
	assert.NoError(t, err)
	assert.EqualValues(t, 8, store.records["p-1"].Available)
}

func TestPaymentFailedReleasesEveryLine(t *testing.T) {
	store := newMemStore(
		&Record{ProductID: "p-1", Available: 3, Reserved: 5, Reservations: map[string]int64{"o-1": 5}},
		&Record{ProductID: "p-2", Available: 0, Reserved: 2, Reservations: map[string]int64{"o-1": 2}},
	)
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "products": []any{
		map[string]any{"productId": "p-1", "quantity": float64(5)},
		map[string]any{"productId": "p-2", "quantity": float64(2)},
	}}
	err := c.handlePaymentFailed(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	assert.EqualValues(t, 8, store.records["p-1"].Available)
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)
	assert.EqualValues(t, 2, store.records["p-2"].Available)
}

func TestPaymentFailedAppliedTwiceDoesNotOverRelease(t *testing.T) {
	store := newMemStore(&Record{
		ProductID: "p-1", Available: 3, Reserved: 5,
		Reservations: map[string]int64{"o-1": 5},
	})
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "products": []any{
		map[string]any{"productId": "p-1", "quantity": float64(5)},
	}}
	require.NoError(t, c.handlePaymentFailed(context.Background(), data, broker.Metadata{}))
	require.NoError(t, c.handlePaymentFailed(context.Background(), data, broker.Metadata{}))

	// 8, not 13: the second release finds the order's reservation gone.
	assert.EqualValues(t, 8, store.records["p-1"].Available)
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)
}

func TestPaymentFailedThroughBothPathsReleasesOrderOnce(t *testing.T) {
	store := newMemStore(&Record{
		ProductID: "p-1", Available: 0, Reserved: 8,
		Reservations: map[string]int64{"o-1": 5, "o-2": 3},
	})
	c := newTestConsumer(store, &memSink{})

	// payment.failed reaches this service twice: once on its own queue and
	// once as the order.release the order service emits per reserved line.
	failed := map[string]any{"orderId": "o-1", "products": []any{
		map[string]any{"productId": "p-1", "quantity": float64(5)},
	}}
	release := map[string]any{"orderId": "o-1", "productId": "p-1", "quantity": float64(5)}
	require.NoError(t, c.handlePaymentFailed(context.Background(), failed, broker.Metadata{}))
	require.NoError(t, c.handleRelease(context.Background(), release, broker.Metadata{}))

	// o-1's five came back exactly once; o-2's three stay held.
	assert.EqualValues(t, 5, store.records["p-1"].Available)
	assert.EqualValues(t, 3, store.records["p-1"].Reserved)

	confirm := map[string]any{"orderId": "o-2", "products": []any{
		map[string]any{"productId": "p-1", "quantity": float64(3)},
	}}
	require.NoError(t, c.handlePaymentSucceeded(context.Background(), confirm, broker.Metadata{}))
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)
}

func TestOrderTimeoutReleasesWithoutAborting(t *testing.T) {
	store := newMemStore(&Record{
		ProductID: "p-2", Available: 1, Reserved: 4,
		Reservations: map[string]int64{"o-1": 4},
	})
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "products": []any{
		map[string]any{"productId": "missing", "quantity": float64(1)},
		map[string]any{"productId": "p-2", "quantity": float64(4)},
	}}
	err := c.handleOrderTimeout(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, store.records["p-2"].Available)
}

func TestPaymentSucceededConfirmsReservation(t *testing.T) {
	store := newMemStore(&Record{
		ProductID: "p-1", Available: 3, Reserved: 5,
		Reservations: map[string]int64{"o-1": 5},
	})
	c := newTestConsumer(store, &memSink{})

	data := map[string]any{"orderId": "o-1", "products": []any{
		map[string]any{"productId": "p-1", "quantity": float64(5)},
	}}
	err := c.handlePaymentSucceeded(context.Background(), data, broker.Metadata{})
	require.NoError(t, err)

	// Sold goods leave the ledger: reserved drops, available untouched.
	assert.EqualValues(t, 3, store.records["p-1"].Available)
	assert.EqualValues(t, 0, store.records["p-1"].Reserved)
}
