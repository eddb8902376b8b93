package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/config"
	"github.com/shopfabric/microservices/common/idempotency"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
	"github.com/shopfabric/microservices/common/tracing"
)

const serviceName = "payment"

type appConfig struct {
	Port       string
	MongoURI   string
	MongoDB    string
	RedisAddr  string
	RabbitUser string
	RabbitPass string
	RabbitHost string
	RabbitPort string

	StripeKey           string
	StripePaymentMethod string
	DeclineAbove        string
}

func loadConfig() appConfig {
	return appConfig{
		Port:                config.GetEnv("PORT", "3003"),
		MongoURI:            config.GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:             config.GetEnv("MONGO_DB", "payments"),
		RedisAddr:           config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RabbitUser:          config.GetEnv("RABBITMQ_USER", "guest"),
		RabbitPass:          config.GetEnv("RABBITMQ_PASS", "guest"),
		RabbitHost:          config.GetEnv("RABBITMQ_HOST", "localhost"),
		RabbitPort:          config.GetEnv("RABBITMQ_PORT", "5672"),
		StripeKey:           config.GetEnv("STRIPE_API_KEY", ""),
		StripePaymentMethod: config.GetEnv("STRIPE_PAYMENT_METHOD", "pm_card_visa"),
		DeclineAbove:        config.GetEnv("PAYMENT_DECLINE_ABOVE", "0"),
	}
}

// newProcessor picks Stripe when a key is configured, otherwise the
// simulated processor.
func newProcessor(cfg appConfig, logger *slog.Logger) Processor {
	if cfg.StripeKey != "" {
		logger.Info("using stripe payment processor")
		return NewStripeProcessor(cfg.StripeKey, cfg.StripePaymentMethod)
	}

	limit, err := decimal.NewFromString(cfg.DeclineAbove)
	if err != nil {
		limit = decimal.Zero
	}
	logger.Info("using simulated payment processor", slog.String("decline_above", limit.String()))
	return &SimulatedProcessor{DeclineAbove: limit}
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
	st := NewStore(a.mongo, a.mongo.Database(cfg.MongoDB))

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ch, closeBroker, err := broker.Connect(cfg.RabbitUser, cfg.RabbitPass, cfg.RabbitHost, cfg.RabbitPort)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.closeBroker = closeBroker

	a.relay = outbox.NewRelay(
		st.Outbox(),
		outbox.MongoFeedOpener(st.Outbox().Collection()),
		broker.NewPublisher(ch, logger),
		logger,
	)

	a.consumer = broker.NewConsumer(
		ch,
		idempotency.NewRedisStore(a.redis),
		serviceName,
		logger,
		metrics.NewBrokerMetrics(serviceName),
	)
	a.handlers = NewConsumer(st, newProcessor(cfg, logger), logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	a.server = &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	return a, nil
}

func (a *app) Run(ctx context.Context) error {
	if err := a.handlers.Register(a.consumer); err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go a.relay.Run(ctx)

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
	if err := a.mongo.Disconnect(ctx); err != nil {
		a.logger.Warn("mongo disconnect failed", slog.Any("error", err))
	}
	a.stopTracer()
}
