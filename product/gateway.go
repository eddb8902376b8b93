package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopfabric/microservices/common/discovery"
	"github.com/shopfabric/microservices/common/httpclient"
)

const inventoryServiceName = "inventory"

// InventoryGateway provisions and reads the stock ledger of the inventory
// service over the circuit-breaking HTTP client.
type InventoryGateway interface {
	CreateRecord(ctx context.Context, productID, name string, initialStock int64) error
	DeleteRecord(ctx context.Context, productID string) error
	GetAvailability(ctx context.Context, productID string) (int64, error)
}

type inventoryGateway struct {
	client      *httpclient.Client
	registry    discovery.Registry
	fallbackURL string
}

func NewInventoryGateway(client *httpclient.Client, registry discovery.Registry, fallbackURL string) *inventoryGateway {
	return &inventoryGateway{
		client:      client,
		registry:    registry,
		fallbackURL: fallbackURL,
	}
}

func (g *inventoryGateway) resolve(ctx context.Context) error {
	url, err := discovery.ServiceURL(ctx, g.registry, inventoryServiceName, g.fallbackURL)
	if err != nil {
		return fmt.Errorf("resolve inventory service: %w", err)
	}
	g.client.SetBaseURL(url)
	return nil
}

func (g *inventoryGateway) CreateRecord(ctx context.Context, productID, name string, initialStock int64) error {
	if err := g.resolve(ctx); err != nil {
		return err
	}
	body := map[string]any{"productId": productID, "name": name, "initialStock": initialStock}
	status, err := g.client.DoJSON(ctx, http.MethodPost, "/api/inventory", body, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("inventory service returned status %d", status)
	}
	return nil
}

func (g *inventoryGateway) DeleteRecord(ctx context.Context, productID string) error {
	if err := g.resolve(ctx); err != nil {
		return err
	}
	status, err := g.client.DoJSON(ctx, http.MethodDelete, "/api/inventory/"+productID, nil, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest && status != http.StatusNotFound {
		return fmt.Errorf("inventory service returned status %d", status)
	}
	return nil
}

func (g *inventoryGateway) GetAvailability(ctx context.Context, productID string) (int64, error) {
	if err := g.resolve(ctx); err != nil {
		return 0, err
	}
	var rec struct {
		Available int64 `json:"available"`
	}
	status, err := g.client.DoJSON(ctx, http.MethodGet, "/api/inventory/"+productID, nil, &rec)
	if err != nil {
		return 0, err
	}
	switch {
	case status == http.StatusNotFound:
		return 0, nil
	case status >= http.StatusBadRequest:
		return 0, fmt.Errorf("inventory service returned status %d", status)
	}
	return rec.Available, nil
}

var _ InventoryGateway = (*inventoryGateway)(nil)
