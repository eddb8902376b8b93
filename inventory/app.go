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

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/config"
	"github.com/shopfabric/microservices/common/discovery"
	"github.com/shopfabric/microservices/common/discovery/consul"
	"github.com/shopfabric/microservices/common/idempotency"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
	"github.com/shopfabric/microservices/common/tracing"
)

const serviceName = "inventory"

type appConfig struct {
	Host       string
	Port       string
	MongoURI   string
	MongoDB    string
	RedisAddr  string
	RabbitUser string
	RabbitPass string
	RabbitHost string
	RabbitPort string
	ConsulAddr string
}

func loadConfig() appConfig {
	return appConfig{
		Host:       config.GetEnv("HTTP_HOST", "localhost"),
		Port:       config.GetEnv("PORT", "3001"),
		MongoURI:   config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:    config.GetEnv("MONGO_DB", "inventory"),
		RedisAddr:  config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RabbitUser: config.GetEnv("RABBITMQ_USER", "guest"),
		RabbitPass: config.GetEnv("RABBITMQ_PASS", "guest"),
		RabbitHost: config.GetEnv("RABBITMQ_HOST", "localhost"),
		RabbitPort: config.GetEnv("RABBITMQ_PORT", "5672"),
		ConsulAddr: config.GetEnv("CONSUL_ADDR", ""),
	}
}

type app struct {
	cfg    appConfig
	logger *slog.Logger

	mongo       *mongo.Client
	redis       *redis.Client
	closeBroker func() error
	stopTracer  func()

	relay    *outbox.Relay
	consumer *broker.Consumer
	handlers *consumer
	server   *http.Server

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
	db := a.mongo.Database(cfg.MongoDB)
	invStore := NewStore(db)
	obStore := outbox.NewStore(db)

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ch, closeBroker, err := broker.Connect(cfg.RabbitUser, cfg.RabbitPass, cfg.RabbitHost, cfg.RabbitPort)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.closeBroker = closeBroker

	a.relay = outbox.NewRelay(
		obStore,
		outbox.MongoFeedOpener(obStore.Collection()),
		broker.NewPublisher(ch, logger),
		logger,
	)

	if cfg.ConsulAddr != "" {
		a.registry, err = consul.NewRegistry(cfg.ConsulAddr)
		if err != nil {
			return nil, fmt.Errorf("connect consul: %w", err)
		}
		a.instanceID = discovery.GenerateInstanceID(serviceName)
	}

	a.consumer = broker.NewConsumer(
		ch,
		idempotency.NewRedisStore(a.redis),
		serviceName,
		logger,
		metrics.NewBrokerMetrics(serviceName),
	)
	a.handlers = NewConsumer(invStore, obStore, logger, metrics.NewSagaMetrics(serviceName))

	mux := http.NewServeMux()
	NewHTTPHandler(invStore, logger, metrics.NewHTTPMetrics(serviceName)).RegisterRoutes(mux)
	a.server = &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	return a, nil
}

func (a *app) Run(ctx context.Context) error {
	if err := a.handlers.Register(a.consumer); err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go a.relay.Run(ctx)

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
	if err := a.closeBroker(); err != nil {
		a.logger.Warn("broker close failed", slog.Any("error", err))
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("redis close failed", slog.Any("error", err))
	}
	if err := a.mongo.Disconnect(ctx); err != nil {
		a.logger.Warn("mongo disconnect failed", slog.Any("error", err))
	}
	a.stopTracer()
}
