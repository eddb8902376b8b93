package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/httpclient"
)

type fakeGateway struct {
	products map[string]*ProductInfo
	err      error
}

func (g *fakeGateway) GetProduct(ctx context.Context, productID string) (*ProductInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	p, ok := g.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p, nil
}

func TestCreateOrderSnapshotsProductsAndTotal(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{products: map[string]*ProductInfo{
		"p-1": {ID: "p-1", Name: "keyboard", Price: decimal.RequireFromString("49.99"), Available: 10},
		"p-2": {ID: "p-2", Name: "mouse", Price: decimal.RequireFromString("19.99"), Available: 5},
	}}
	svc := NewService(store, gateway, testLogger())

	o, err := svc.CreateOrder(context.Background(), "u-1", []OrderLine{
		{ProductID: "p-1", Quantity: 2},
		{ProductID: "p-2", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, SourceRegular, o.Metadata.Source)
	assert.NotEmpty(t, o.Metadata.CorrelationID)
	assert.EqualValues(t, 11997, o.TotalCents)
	assert.True(t, o.TotalPrice().Equal(decimal.RequireFromString("119.97")))

	require.Len(t, o.Items, 2)
	assert.Equal(t, "keyboard", o.Items[0].Name)
	assert.EqualValues(t, 4999, o.Items[0].PriceCents)
	assert.False(t, o.Items[0].Reserved)

	// The creation event is queued in the same write.
	require.Equal(t, []string{broker.OrderCreatedEvent}, eventTypes(store.created))
	assert.Equal(t, o.Metadata.CorrelationID, store.created[0].CorrelationID)
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeGateway{}, testLogger())

	_, err := svc.CreateOrder(context.Background(), "u-1", nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.CreateOrder(context.Background(), "u-1", []OrderLine{{ProductID: "p-1", Quantity: 0}})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.CreateOrder(context.Background(), "u-1", []OrderLine{{ProductID: "", Quantity: 1}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeGateway{products: map[string]*ProductInfo{}}, testLogger())

	_, err := svc.CreateOrder(context.Background(), "u-1", []OrderLine{{ProductID: "ghost", Quantity: 1}})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCreateOrderSurfacesDegradedDependency(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, &fakeGateway{err: httpclient.ErrCircuitOpen}, testLogger())

	_, err := svc.CreateOrder(context.Background(), "u-1", []OrderLine{{ProductID: "p-1", Quantity: 1}})
	assert.ErrorIs(t, err, httpclient.ErrCircuitOpen)
	assert.Empty(t, store.orders)
}

func TestCreateSeckillOrder(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, testLogger())

	o, err := svc.CreateSeckillOrder(context.Background(), "u-2", "p-9", "limited drop",
		decimal.RequireFromString("9.99"), "ev-9", "")
	require.NoError(t, err)

	assert.Equal(t, SourceSeckill, o.Metadata.Source)
	assert.Equal(t, "ev-9", o.Metadata.SeckillRef)
	assert.NotEmpty(t, o.Metadata.CorrelationID)
	require.Len(t, o.Items, 1)
	assert.EqualValues(t, 1, o.Items[0].Quantity)
	assert.EqualValues(t, 999, o.TotalCents)
}
