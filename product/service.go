package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrBadRequest marks invalid product input.
	ErrBadRequest = errors.New("invalid product request")
	// ErrInventorySync marks a create whose stock provisioning failed; the
	// catalog entry is rolled back and the caller gets 502.
	ErrInventorySync = errors.New("inventory provisioning failed")
)

// ProductView is the assembled read model: catalog data plus current
// availability. CachedAt is set when the view was written to the cache.
type ProductView struct {
	ID        string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available int64           `json:"available"`
	CachedAt  time.Time       `json:"cachedAt,omitempty"`
}

type service struct {
	store     ProductStore
	cache     Cache
	inventory InventoryGateway
	logger    *slog.Logger
}

func NewService(store ProductStore, cache Cache, inventory InventoryGateway, logger *slog.Logger) *service {
	return &service{store: store, cache: cache, inventory: inventory, logger: logger}
}

// CreateProduct writes the catalog entry and provisions the stock ledger
// synchronously. When the ledger call fails the catalog entry is removed
// again; a product must never exist without its inventory record.
func (s *service) CreateProduct(ctx context.Context, name string, price decimal.Decimal, available int64) (*ProductView, error) {
	if name == "" || price.Sign() <= 0 || available < 0 {
		return nil, fmt.Errorf("%w: name, positive price and non-negative stock required", ErrBadRequest)
	}

	p := &Product{
		ID:         uuid.New().String(),
		Name:       name,
		PriceCents: price.Mul(decimal.NewFromInt(100)).IntPart(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	if err := s.inventory.CreateRecord(ctx, p.ID, p.Name, available); err != nil {
		if derr := s.store.Delete(ctx, p.ID); derr != nil {
			s.logger.Error("product rollback failed, catalog entry orphaned",
				slog.String("product_id", p.ID),
				slog.Any("error", derr),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrInventorySync, err)
	}

	s.logger.Info("product created",
		slog.String("product_id", p.ID),
		slog.String("name", name),
	)
	return &ProductView{
		ID:        p.ID,
		Name:      p.Name,
		Price:     decimal.New(p.PriceCents, -2),
		Available: available,
	}, nil
}

// GetProduct assembles the product view, cache-aside. On a miss the catalog
// and the ledger are read and the view is cached. While the inventory
// dependency is degraded an expired-but-present cached view is not available
// (the cache evicts by TTL), so degradation surfaces to the caller.
func (s *service) GetProduct(ctx context.Context, productID string) (*ProductView, error) {
	if view, err := s.cache.Get(ctx, productID); err == nil && view != nil {
		return view, nil
	} else if err != nil {
		// A broken cache only costs the fast path
		s.logger.Warn("cache read failed", slog.Any("error", err))
	}

	p, err := s.store.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	available, err := s.inventory.GetAvailability(ctx, productID)
	if err != nil {
		return nil, err
	}

	view := &ProductView{
		ID:        p.ID,
		Name:      p.Name,
		Price:     decimal.New(p.PriceCents, -2),
		Available: available,
		CachedAt:  time.Now().UTC(),
	}
	if err := s.cache.Set(ctx, view); err != nil {
		s.logger.Warn("cache write failed", slog.Any("error", err))
	}
	return view, nil
}

// DeleteProduct removes the catalog entry, its ledger record and the cached
// view.
func (s *service) DeleteProduct(ctx context.Context, productID string) error {
	if err := s.store.Delete(ctx, productID); err != nil {
		return err
	}
	if err := s.inventory.DeleteRecord(ctx, productID); err != nil {
		s.logger.Warn("inventory record delete failed",
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
	}
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("cache invalidate failed", slog.Any("error", err))
	}
	return nil
}
