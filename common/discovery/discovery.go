package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry abstracts service registration and lookup. Services register
// their HTTP address at startup and resolve synchronous-call targets through
// Discover; deployments without Consul fall back to static env-var URLs.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique instance identifier so multiple
// replicas of a service can register side by side.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}

// ServiceURL resolves one instance of a service to a base URL, picking a
// random healthy instance. When registry is nil or empty, fallbackURL is
// returned, so local setups work without a registry.
func ServiceURL(ctx context.Context, registry Registry, serviceName, fallbackURL string) (string, error) {
	if registry == nil {
		if fallbackURL == "" {
			return "", fmt.Errorf("no registry and no fallback URL for service %s", serviceName)
		}
		return fallbackURL, nil
	}

	addrs, err := registry.Discover(ctx, serviceName)
	if err != nil || len(addrs) == 0 {
		if fallbackURL != "" {
			return fallbackURL, nil
		}
		return "", fmt.Errorf("no instances of service %s: %w", serviceName, err)
	}

	return "http://" + addrs[rand.Intn(len(addrs))], nil
}
