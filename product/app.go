package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shopfabric/microservices/common/config"
	"github.com/shopfabric/microservices/common/discovery"
	"github.com/shopfabric/microservices/common/discovery/consul"
	"github.com/shopfabric/microservices/common/httpclient"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/tracing"
)

const serviceName = "product"

type appConfig struct {
	Host         string
	Port         string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	ConsulAddr   string
	InventoryURL string
	CacheTTL     time.Duration
}

func loadConfig() appConfig {
	return appConfig{
		Host:         config.GetEnv("HTTP_HOST", "localhost"),
		Port:         config.GetEnv("PORT", "3002"),
		MongoURI:     config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:      config.GetEnv("MONGO_DB", "products"),
		RedisAddr:    config.GetEnv("REDIS_ADDR", "localhost:6379"),
		ConsulAddr:   config.GetEnv("CONSUL_ADDR", ""),
		InventoryURL: config.GetEnv("INVENTORY_SERVICE_URL", "http://localhost:3001"),
		CacheTTL:     config.GetEnvDuration("PRODUCT_CACHE_TTL", time.Minute),
	}
}

type app struct {
	cfg    appConfig
	logger *slog.Logger

	mongo      *mongo.Client
	redis      *redis.Client
	stopTracer func()

	server *http.Server

	registry   discovery.Registry
	instanceID string
}

func newApp(ctx context.Context, cfg appConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	stopTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.stopTracer = stopTracer

	a.mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	st := NewStore(a.mongo.Database(cfg.MongoDB))

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := NewRedisCache(a.redis, cfg.CacheTTL)

	if cfg.ConsulAddr != "" {
		a.registry, err = consul.NewRegistry(cfg.ConsulAddr)
		if err != nil {
			return nil, fmt.Errorf("connect consul: %w", err)
		}
		a.instanceID = discovery.GenerateInstanceID(serviceName)
	}

	inventoryClient := httpclient.New("inventory", cfg.InventoryURL, httpclient.ConfigFromEnv(), logger)
	gateway := NewInventoryGateway(inventoryClient, a.registry, cfg.InventoryURL)

	svc := NewService(st, cache, gateway, logger)

	mux := http.NewServeMux()
	NewHTTPHandler(svc, inventoryClient.Breaker(), logger, metrics.NewHTTPMetrics(serviceName)).RegisterRoutes(mux)
	a.server = &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	return a, nil
}

func (a *app) Run(ctx context.Context) error {
	if a.registry != nil {
		hostPort := a.cfg.Host + ":" + a.cfg.Port
		if err := a.registry.Register(ctx, a.instanceID, serviceName, hostPort); err != nil {
			return fmt.Errorf("register service: %w", err)
		}
		go a.heartbeat(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.shutdown()
	return nil
}

func (a *app) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.HealthCheck(a.instanceID, serviceName); err != nil {
				a.logger.Warn("health check update failed", slog.Any("error", err))
			}
		}
	}
}

func (a *app) shutdown() {
	a.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.registry != nil {
		if err := a.registry.Deregister(ctx, a.instanceID, serviceName); err != nil {
			a.logger.Warn("deregister failed", slog.Any("error", err))
		}
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("redis close failed", slog.Any("error", err))
	}
	if err := a.mongo.Disconnect(ctx); err != nil {
		a.logger.Warn("mongo disconnect failed", slog.Any("error", err))
	}
	a.stopTracer()
}
