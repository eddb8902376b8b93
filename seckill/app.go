package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/config"
	"github.com/shopfabric/microservices/common/idempotency"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/tracing"
)

const serviceName = "seckill"

type appConfig struct {
	Port       string
	RedisAddr  string
	RabbitUser string
	RabbitPass string
	RabbitHost string
	RabbitPort string

	AdminKey     string
	GhostLogPath string
	RateLimit    int
	RateWindow   time.Duration
	RateLimitOff bool
}

func loadConfig() appConfig {
	return appConfig{
		Port:         config.GetEnv("PORT", "3004"),
		RedisAddr:    config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RabbitUser:   config.GetEnv("RABBITMQ_USER", "guest"),
		RabbitPass:   config.GetEnv("RABBITMQ_PASS", "guest"),
		RabbitHost:   config.GetEnv("RABBITMQ_HOST", "localhost"),
		RabbitPort:   config.GetEnv("RABBITMQ_PORT", "5672"),
		AdminKey:     config.GetEnv("SECKILL_ADMIN_KEY", ""),
		GhostLogPath: config.GetEnv("GHOST_LOG_PATH", "ghost-orders.jsonl"),
		RateLimit:    config.GetEnvInt("RATE_LIMIT", 5),
		RateWindow:   config.GetEnvDuration("RATE_LIMIT_WINDOW", time.Second),
		RateLimitOff: config.GetEnvBool("RATE_LIMIT_DISABLED", false),
	}
}

type app struct {
	cfg    appConfig
	logger *slog.Logger

	redis       *redis.Client
	closeBroker func() error
	stopTracer  func()

	engine   *Engine
	consumer *broker.Consumer
	handlers *consumer
	server   *http.Server
}

func newApp(ctx context.Context, cfg appConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	stopTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.stopTracer = stopTracer

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ch, closeBroker, err := broker.Connect(cfg.RabbitUser, cfg.RabbitPass, cfg.RabbitHost, cfg.RabbitPort)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.closeBroker = closeBroker

	a.engine = NewEngine(
		a.redis,
		broker.NewPublisher(ch, logger),
		NewGhostLog(cfg.GhostLogPath),
		EngineConfig{
			RateLimit:    int64(cfg.RateLimit),
			RateWindow:   cfg.RateWindow,
			RateLimitOff: cfg.RateLimitOff,
		},
		logger,
	)

	a.consumer = broker.NewConsumer(
		ch,
		idempotency.NewRedisStore(a.redis),
		serviceName,
		logger,
		metrics.NewBrokerMetrics(serviceName),
	)
	a.handlers = NewConsumer(a.engine, logger)

	mux := http.NewServeMux()
	NewHTTPHandler(a.engine, cfg.AdminKey, logger, metrics.NewHTTPMetrics(serviceName)).RegisterRoutes(mux)
	a.server = &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	return a, nil
}

// Replay republishes parked ghost orders and returns how many went out.
func (a *app) Replay(ctx context.Context) (int, error) {
	return a.engine.ReplayGhosts(ctx)
}

func (a *app) Run(ctx context.Context) error {
	if err := a.handlers.Register(a.consumer); err != nil {
		return fmt.Errorf("register consumer: %w", err)
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

func (a *app) shutdown() {
	a.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	if err := a.closeBroker(); err != nil {
		a.logger.Warn("broker close failed", slog.Any("error", err))
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("redis close failed", slog.Any("error", err))
	}
	a.stopTracer()
}

func (a *app) Close() {
	a.shutdown()
}
