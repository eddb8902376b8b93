package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	products map[string]*Product
}

func newMemStore() *memStore {
	return &memStore{products: map[string]*Product{}}
}

func (s *memStore) Create(ctx context.Context, p *Product) error {
	s.products[p.ID] = p
	return nil
}

func (s *memStore) Get(ctx context.Context, productID string) (*Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p, nil
}

func (s *memStore) Delete(ctx context.Context, productID string) error {
	delete(s.products, productID)
	return nil
}

type memCache struct {
	views map[string]*ProductView
}

func newMemCache() *memCache {
	return &memCache{views: map[string]*ProductView{}}
}

func (c *memCache) Get(ctx context.Context, productID string) (*ProductView, error) {
	return c.views[productID], nil
}

func (c *memCache) Set(ctx context.Context, view *ProductView) error {
	c.views[view.ID] = view
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, productID string) error {
	delete(c.views, productID)
	return nil
}

type fakeInventory struct {
	createErr error
	available int64
	availErr  error
	created   []string
	deleted   []string
	availHits int
}

func (g *fakeInventory) CreateRecord(ctx context.Context, productID, name string, initialStock int64) error {
	if g.createErr != nil {
		return g.createErr
	}
	g.created = append(g.created, productID)
	return nil
}

func (g *fakeInventory) DeleteRecord(ctx context.Context, productID string) error {
	g.deleted = append(g.deleted, productID)
	return nil
}

func (g *fakeInventory) GetAvailability(ctx context.Context, productID string) (int64, error) {
	g.availHits++
	if g.availErr != nil {
		return 0, g.availErr
	}
	return g.available, nil
}

func TestCreateProductProvisionsInventory(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	svc := NewService(store, newMemCache(), inv, testLogger())

	view, err := svc.CreateProduct(context.Background(), "keyboard", decimal.RequireFromString("49.99"), 10)
	require.NoError(t, err)

	assert.NotEmpty(t, view.ID)
	assert.True(t, view.Price.Equal(decimal.RequireFromString("49.99")))
	assert.EqualValues(t, 10, view.Available)
	assert.Equal(t, []string{view.ID}, inv.created)
	assert.Contains(t, store.products, view.ID)
}

func TestCreateProductRollsBackOnInventoryFailure(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{createErr: errors.New("boom")}
	svc := NewService(store, newMemCache(), inv, testLogger())

	_, err := svc.CreateProduct(context.Background(), "keyboard", decimal.RequireFromString("49.99"), 10)
	require.ErrorIs(t, err, ErrInventorySync)
	assert.Empty(t, store.products)
}

func TestCreateProductValidation(t *testing.T) {
	svc := NewService(newMemStore(), newMemCache(), &fakeInventory{}, testLogger())

	_, err := svc.CreateProduct(context.Background(), "", decimal.RequireFromString("1"), 1)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.CreateProduct(context.Background(), "x", decimal.Zero, 1)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.CreateProduct(context.Background(), "x", decimal.RequireFromString("1"), -1)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGetProductCachesView(t *testing.T) {
	store := newMemStore()
	store.products["p-1"] = &Product{ID: "p-1", Name: "keyboard", PriceCents: 4999}
	cache := newMemCache()
	inv := &fakeInventory{available: 7}
	svc := NewService(store, cache, inv, testLogger())

	view, err := svc.GetProduct(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, view.Available)
	assert.Equal(t, 1, inv.availHits)

	// Second read is served from cache, inventory is not consulted again.
	_, err = svc.GetProduct(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inv.availHits)
}

func TestGetProductUnknown(t *testing.T) {
	svc := NewService(newMemStore(), newMemCache(), &fakeInventory{}, testLogger())
	_, err := svc.GetProduct(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestGetProductSurfacesDegradedInventory(t *testing.T) {
	store := newMemStore()
	store.products["p-1"] = &Product{ID: "p-1", Name: "keyboard", PriceCents: 4999}
	inv := &fakeInventory{availErr: httpclient.ErrCircuitOpen}
	svc := NewService(store, newMemCache(), inv, testLogger())

	_, err := svc.GetProduct(context.Background(), "p-1")
	assert.ErrorIs(t, err, httpclient.ErrCircuitOpen)
}

func TestDeleteProductCleansUp(t *testing.T) {
	store := newMemStore()
	store.products["p-1"] = &Product{ID: "p-1"}
	cache := newMemCache()
	cache.views["p-1"] = &ProductView{ID: "p-1"}
	inv := &fakeInventory{}
	svc := NewService(store, cache, inv, testLogger())

	require.NoError(t, svc.DeleteProduct(context.Background(), "p-1"))
	assert.Empty(t, store.products)
	assert.Empty(t, cache.views)
	assert.Equal(t, []string{"p-1"}, inv.deleted)
}
