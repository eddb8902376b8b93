package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopfabric/microservices/common/discovery"
	"github.com/shopfabric/microservices/common/httpclient"
)

const productServiceName = "product"

// productGateway resolves the product service through the registry and calls
// it over the circuit-breaking HTTP client.
type productGateway struct {
	client      *httpclient.Client
	registry    discovery.Registry
	fallbackURL string
}

func NewProductGateway(client *httpclient.Client, registry discovery.Registry, fallbackURL string) *productGateway {
	return &productGateway{
		client:      client,
		registry:    registry,
		fallbackURL: fallbackURL,
	}
}

func (g *productGateway) GetProduct(ctx context.Context, productID string) (*ProductInfo, error) {
	url, err := discovery.ServiceURL(ctx, g.registry, productServiceName, g.fallbackURL)
	if err != nil {
		return nil, fmt.Errorf("resolve product service: %w", err)
	}
	g.client.SetBaseURL(url)

	var info ProductInfo
	status, err := g.client.DoJSON(ctx, http.MethodGet, "/api/products/"+productID, nil, &info)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	case status >= http.StatusBadRequest:
		return nil, fmt.Errorf("product service returned status %d", status)
	}
	return &info, nil
}

var _ ProductGateway = (*productGateway)(nil)
