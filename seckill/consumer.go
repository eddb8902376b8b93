package main

import (
	"context"
	"log/slog"

	"github.com/shopfabric/microservices/common/broker"
)

var seckillReleaseSchema = &broker.Schema{Fields: []broker.Field{
	{Name: "productId", Type: broker.FieldString, Required: true},
	{Name: "userId", Type: broker.FieldString, Required: true},
	{Name: "quantity", Type: broker.FieldNumber},
	{Name: "reason", Type: broker.FieldString},
}}

// consumer returns cancelled flash-sale wins to the pool.
type consumer struct {
	engine *Engine
	logger *slog.Logger
}

func NewConsumer(engine *Engine, logger *slog.Logger) *consumer {
	return &consumer{engine: engine, logger: logger}
}

func (c *consumer) Register(bc *broker.Consumer) error {
	return bc.Subscribe(broker.SeckillReleaseEvent, "", seckillReleaseSchema, c.handleRelease)
}

func (c *consumer) handleRelease(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	productID, _ := data["productId"].(string)
	userID, _ := data["userId"].(string)

	quantity := int64(1)
	if v, ok := data["quantity"].(float64); ok && v > 0 {
		quantity = int64(v)
	}

	if err := c.engine.Release(ctx, productID, userID, quantity); err != nil {
		// Redis trouble is always worth a redelivery
		return broker.Retryable(err)
	}
	return nil
}
