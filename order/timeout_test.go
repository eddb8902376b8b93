package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/broker"
)

func newTestWorker(store OrdersStore) *TimeoutWorker {
	return NewTimeoutWorker(store, time.Minute, time.Minute, testLogger(), testSaga)
}

// staleScanStore serves a PENDING snapshot from an earlier scan even though
// the stored order has moved on, the interleaving the status guard exists for.
type staleScanStore struct {
	*fakeStore
	snapshot Order
}

func (s *staleScanStore) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int64) ([]Order, error) {
	return []Order{s.snapshot}, nil
}

func TestExpireCancelsStalePendingOrder(t *testing.T) {
	o := regularOrder(StatusPending)
	o.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	store := newFakeStore(o)
	w := newTestWorker(store)

	w.expire(context.Background())

	got := store.orders["o-1"]
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotEmpty(t, got.CancellationReason)
	require.Equal(t, []string{
		broker.OrderTimeoutEvent,
		broker.OrderCancelledEvent,
	}, eventTypes(store.updated))
}

func TestExpireLeavesFreshPendingOrderAlone(t *testing.T) {
	o := regularOrder(StatusPending)
	o.CreatedAt = time.Now().UTC()
	store := newFakeStore(o)
	w := newTestWorker(store)

	w.expire(context.Background())

	assert.Equal(t, StatusPending, store.orders["o-1"].Status)
	assert.Empty(t, store.updated)
}

func TestExpireSkipsOrderConfirmedAfterScan(t *testing.T) {
	// The reservation outcome landed between the scan and the cancel write.
	confirmed := regularOrder(StatusConfirmed)
	snapshot := *regularOrder(StatusPending)
	snapshot.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)

	store := &staleScanStore{fakeStore: newFakeStore(confirmed), snapshot: snapshot}
	w := newTestWorker(store)

	w.expire(context.Background())

	assert.Equal(t, StatusConfirmed, store.orders["o-1"].Status)
	assert.Empty(t, store.updated)
	assert.Empty(t, store.appended)
}

func TestExpireReturnsSeckillSlotToPool(t *testing.T) {
	o := seckillOrder(StatusPending)
	o.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	store := newFakeStore(o)
	w := newTestWorker(store)

	w.expire(context.Background())

	assert.Equal(t, StatusCancelled, store.orders["o-2"].Status)
	require.Equal(t, []string{
		broker.OrderTimeoutEvent,
		broker.OrderCancelledEvent,
		broker.SeckillReleaseEvent,
	}, eventTypes(store.updated))

	release := store.updated[2].Payload
	assert.Equal(t, "o-2", release["orderId"])
	assert.Equal(t, "u-2", release["userId"])
	assert.Equal(t, "p-9", release["productId"])
}
