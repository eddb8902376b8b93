package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

// Event payload schemas enforced before any saga handler runs.
var (
	reservedSuccessSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "products", Type: broker.FieldArray},
	}}
	reservedFailedSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "reason", Type: broker.FieldString},
	}}
	paymentResultSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "reason", Type: broker.FieldString},
	}}
	seckillWonSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "userId", Type: broker.FieldString, Required: true},
		{Name: "productId", Type: broker.FieldString, Required: true},
		{Name: "price", Type: broker.FieldNumber, Required: true},
		{Name: "productName", Type: broker.FieldString},
	}}
)

// sagaConsumer advances orders through the state machine in response to the
// saga events of the other services.
type sagaConsumer struct {
	store  OrdersStore
	svc    *service
	logger *slog.Logger
	saga   *metrics.SagaMetrics
}

func NewSagaConsumer(store OrdersStore, svc *service, logger *slog.Logger, saga *metrics.SagaMetrics) *sagaConsumer {
	return &sagaConsumer{store: store, svc: svc, logger: logger, saga: saga}
}

// Register subscribes all saga handlers. payment.failed fans out to the
// inventory service as well, so this service consumes it from its own queue.
func (c *sagaConsumer) Register(bc *broker.Consumer) error {
	subs := []struct {
		event   string
		queue   string
		schema  *broker.Schema
		handler broker.Handler
	}{
		{broker.InventoryReservedSuccessEvent, "", reservedSuccessSchema, c.handleReservedSuccess},
		{broker.InventoryReservedFailedEvent, "", reservedFailedSchema, c.handleReservedFailed},
		{broker.PaymentSucceededEvent, "", paymentResultSchema, c.handlePaymentSucceeded},
		{broker.PaymentFailedEvent, broker.PaymentFailedEvent + ".order", paymentResultSchema, c.handlePaymentFailed},
		{broker.SeckillOrderWonEvent, "", seckillWonSchema, c.handleSeckillWon},
	}
	for _, s := range subs {
		if err := bc.Subscribe(s.event, s.queue, s.schema, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.event, err)
		}
	}
	return nil
}

func (c *sagaConsumer) load(ctx context.Context, data map[string]any) (*Order, error) {
	orderID, _ := data["orderId"].(string)
	o, err := c.store.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, broker.Retryable(err)
	}
	return o, nil
}

// advance applies one transition and persists it with its follow-on events.
// An order already at the trigger's target state is an absorbed duplicate.
func (c *sagaConsumer) advance(ctx context.Context, o *Order, trigger string, events ...outbox.Event) (bool, error) {
	if target, ok := TargetOf(trigger); ok && o.Status == target {
		c.logger.Info("order already in target state, skipping",
			slog.String("order_id", o.ID),
			slog.String("trigger", trigger),
		)
		return false, nil
	}

	from := o.Status
	next, err := Transition(o.Status, trigger)
	if err != nil {
		return false, err
	}
	o.Status = next

	if err := c.store.Update(ctx, o, from, events...); err != nil {
		if errors.Is(err, ErrStaleOrder) {
			// Another writer got there first. Requeue; the redelivery reloads
			// the fresh status and either no-ops or transitions legally.
			c.logger.Warn("order changed concurrently, requeueing",
				slog.String("order_id", o.ID),
				slog.String("trigger", trigger),
			)
		}
		return false, broker.Retryable(err)
	}

	c.saga.Transitions.WithLabelValues(string(from), string(next)).Inc()
	c.logger.Info("order transitioned",
		slog.String("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(next)),
		slog.String("trigger", trigger),
	)
	return true, nil
}

func (c *sagaConsumer) handleReservedSuccess(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	o, err := c.load(ctx, data)
	if errors.Is(err, ErrOrderNotFound) {
		c.logger.Warn("reservation succeeded for unknown order", slog.Any("order_id", data["orderId"]))
		return nil
	}
	if err != nil {
		return err
	}

	if o.Status == StatusCancelled {
		// The reservation raced the cancellation. The stock is held for a dead
		// order now, so hand it straight back.
		events := releaseEvents(o, false, "reservation succeeded after cancellation")
		if len(events) == 0 {
			return nil
		}
		if err := c.store.AppendEvents(ctx, events...); err != nil {
			return broker.Retryable(err)
		}
		c.saga.Compensations.WithLabelValues("reserved_after_cancel").Inc()
		c.logger.Warn("released reservation of cancelled order", slog.String("order_id", o.ID))
		return nil
	}
	if o.Status == StatusPaid {
		return nil
	}

	for i := range o.Items {
		o.Items[i].Reserved = true
	}
	_, err = c.advance(ctx, o, broker.InventoryReservedSuccessEvent, orderConfirmedEvent(o))
	return err
}

func (c *sagaConsumer) handleReservedFailed(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	o, err := c.load(ctx, data)
	if errors.Is(err, ErrOrderNotFound) {
		c.logger.Warn("reservation failed for unknown order", slog.Any("order_id", data["orderId"]))
		return nil
	}
	if err != nil {
		return err
	}
	if o.IsTerminal() {
		return nil
	}

	reason, _ := data["reason"].(string)
	if reason == "" {
		reason = "inventory reservation failed"
	}
	o.CancellationReason = reason

	// Nothing was reserved, the inventory service rolled its partial lines
	// back itself, so cancellation is the only event to emit.
	_, err = c.advance(ctx, o, broker.InventoryReservedFailedEvent, orderCancelledEvent(o, reason))
	return err
}

func (c *sagaConsumer) handlePaymentSucceeded(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	o, err := c.load(ctx, data)
	if errors.Is(err, ErrOrderNotFound) {
		c.logger.Warn("payment succeeded for unknown order", slog.Any("order_id", data["orderId"]))
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status == StatusCancelled {
		// Charged after cancellation. The money side needs an operator; state
		// stays CANCELLED.
		c.logger.Error("payment succeeded for cancelled order, manual refund required",
			slog.String("order_id", o.ID),
		)
		return nil
	}

	_, err = c.advance(ctx, o, broker.PaymentSucceededEvent)
	return err
}

func (c *sagaConsumer) handlePaymentFailed(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	o, err := c.load(ctx, data)
	if errors.Is(err, ErrOrderNotFound) {
		c.logger.Warn("payment failed for unknown order", slog.Any("order_id", data["orderId"]))
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status == StatusCancelled {
		return nil
	}

	reason, _ := data["reason"].(string)
	if reason == "" {
		reason = "payment failed"
	}
	o.CancellationReason = reason

	events := append(releaseEvents(o, true, reason), orderCancelledEvent(o, reason))
	moved, err := c.advance(ctx, o, broker.PaymentFailedEvent, events...)
	if err != nil {
		return err
	}
	if moved {
		c.saga.Compensations.WithLabelValues("payment_failed").Inc()
	}
	return nil
}

func (c *sagaConsumer) handleSeckillWon(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	userID, _ := data["userId"].(string)
	productID, _ := data["productId"].(string)
	productName, _ := data["productName"].(string)

	price := decimal.Zero
	if v, ok := data["price"].(float64); ok {
		price = decimal.NewFromFloat(v)
	}

	_, err := c.svc.CreateSeckillOrder(ctx, userID, productID, productName, price, meta.EventID, meta.CorrelationID)
	if err != nil {
		return broker.Retryable(err)
	}
	return nil
}
