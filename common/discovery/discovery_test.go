package discovery_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfabric/microservices/common/discovery"
	"github.com/shopfabric/microservices/common/discovery/inmem"
)

func TestServiceURLWithoutRegistryUsesFallback(t *testing.T) {
	url, err := discovery.ServiceURL(context.Background(), nil, "product", "http://localhost:3002")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3002", url)

	_, err = discovery.ServiceURL(context.Background(), nil, "product", "")
	assert.Error(t, err)
}

func TestServiceURLResolvesRegisteredInstance(t *testing.T) {
	reg := inmem.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "product-1", "product", "10.0.0.5:3002"))

	url, err := discovery.ServiceURL(ctx, reg, "product", "")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:3002", url)
}

func TestServiceURLFallsBackWhenNoInstances(t *testing.T) {
	reg := inmem.NewRegistry()

	url, err := discovery.ServiceURL(context.Background(), reg, "product", "http://localhost:3002")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3002", url)

	_, err = discovery.ServiceURL(context.Background(), reg, "product", "")
	assert.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := inmem.NewRegistry()
	ctx := context.Background()

	assert.Error(t, reg.HealthCheck("product-1", "product"), "heartbeat before registration fails")

	require.NoError(t, reg.Register(ctx, "product-1", "product", "10.0.0.5:3002"))
	require.NoError(t, reg.Register(ctx, "product-2", "product", "10.0.0.6:3002"))
	assert.NoError(t, reg.HealthCheck("product-1", "product"))

	addrs, err := reg.Discover(ctx, "product")
	require.NoError(t, err)
	assert.Len(t, addrs, 2)

	require.NoError(t, reg.Deregister(ctx, "product-1", "product"))
	addrs, err = reg.Discover(ctx, "product")
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestGenerateInstanceID(t *testing.T) {
	id := discovery.GenerateInstanceID("order")
	assert.True(t, strings.HasPrefix(id, "order-"))
}
