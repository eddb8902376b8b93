package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

var (
	orderCreatedSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "products", Type: broker.FieldArray, Required: true},
		{Name: "metadata", Type: broker.FieldObject},
	}}
	releaseSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "productId", Type: broker.FieldString, Required: true},
		{Name: "quantity", Type: broker.FieldNumber, Required: true},
		{Name: "reason", Type: broker.FieldString},
	}}
	orderProductsSchema = &broker.Schema{Fields: []broker.Field{
		{Name: "orderId", Type: broker.FieldString, Required: true},
		{Name: "products", Type: broker.FieldArray},
	}}
)

// line is one product/quantity pair extracted from an event payload.
type line struct {
	ProductID string
	Quantity  int64
}

func parseLines(v any) []line {
	arr, _ := v.([]any)
	lines := make([]line, 0, len(arr))
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["productId"].(string)
		qty := toInt64(m["quantity"])
		if id == "" || qty <= 0 {
			continue
		}
		lines = append(lines, line{ProductID: id, Quantity: qty})
	}
	return lines
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	}
	return 0
}

func lineMaps(lines []line) []any {
	out := make([]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, map[string]any{"productId": l.ProductID, "quantity": l.Quantity})
	}
	return out
}

// eventSink accepts outbox events for the relay to publish. *outbox.Store
// satisfies it.
type eventSink interface {
	Insert(ctx context.Context, ev outbox.Event) error
}

// consumer holds the reservation and compensation handlers. Reservation
// outcomes leave through the outbox so they survive broker outages.
type consumer struct {
	store  InventoryStore
	outbox eventSink
	logger *slog.Logger
	saga   *metrics.SagaMetrics
}

func NewConsumer(store InventoryStore, ob eventSink, logger *slog.Logger, saga *metrics.SagaMetrics) *consumer {
	return &consumer{store: store, outbox: ob, logger: logger, saga: saga}
}

// Register subscribes all handlers. payment.failed and payment.succeeded are
// also consumed by the order service, so this service binds its own queues.
func (c *consumer) Register(bc *broker.Consumer) error {
	subs := []struct {
		event   string
		queue   string
		schema  *broker.Schema
		handler broker.Handler
	}{
		{broker.OrderCreatedEvent, "", orderCreatedSchema, c.handleOrderCreated},
		{broker.OrderReleaseEvent, "", releaseSchema, c.handleRelease},
		{broker.OrderTimeoutEvent, "", orderProductsSchema, c.handleOrderTimeout},
		{broker.PaymentFailedEvent, broker.PaymentFailedEvent + ".inventory", orderProductsSchema, c.handlePaymentFailed},
		{broker.PaymentSucceededEvent, broker.PaymentSucceededEvent + ".inventory", orderProductsSchema, c.handlePaymentSucceeded},
	}
	for _, s := range subs {
		if err := bc.Subscribe(s.event, s.queue, s.schema, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.event, err)
		}
	}
	return nil
}

func (c *consumer) emit(ctx context.Context, eventType, correlationID string, payload map[string]any) error {
	if err := c.outbox.Insert(ctx, outbox.NewEvent(eventType, correlationID, payload)); err != nil {
		return broker.Retryable(err)
	}
	return nil
}

// handleOrderCreated reserves every order line. Lines are reserved one by one;
// on the first definitive failure the already-reserved lines are rolled back
// and a reserved.failed event goes out instead of reserved.success.
func (c *consumer) handleOrderCreated(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)
	lines := parseLines(data["products"])
	if len(lines) == 0 {
		c.logger.Warn("order without usable product lines", slog.String("order_id", orderID))
		return c.emit(ctx, broker.InventoryReservedFailedEvent, meta.CorrelationID, map[string]any{
			"orderId":  orderID,
			"products": []any{},
			"reason":   "no product lines",
		})
	}

	if source := metadataSource(data); source == "seckill" {
		return c.handleSeckillCreated(ctx, orderID, lines, meta)
	}

	var reserved []line
	for _, l := range lines {
		_, err := c.store.Reserve(ctx, orderID, l.ProductID, l.Quantity)
		if err == nil {
			reserved = append(reserved, l)
			continue
		}

		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrRecordNotFound) {
			c.rollback(ctx, orderID, reserved)
			c.logger.Info("reservation failed",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
				slog.Any("error", err),
			)
			return c.emit(ctx, broker.InventoryReservedFailedEvent, meta.CorrelationID, map[string]any{
				"orderId":  orderID,
				"products": lineMaps(lines),
				"reason":   err.Error(),
			})
		}

		// Store trouble: undo what we took and let the delivery come back.
		c.rollback(ctx, orderID, reserved)
		return broker.Retryable(err)
	}

	if err := c.emit(ctx, broker.InventoryReservedSuccessEvent, meta.CorrelationID, map[string]any{
		"orderId":  orderID,
		"products": lineMaps(lines),
	}); err != nil {
		c.rollback(ctx, orderID, reserved)
		return err
	}

	c.logger.Info("stock reserved", slog.String("order_id", orderID), slog.Int("lines", len(lines)))
	return nil
}

// handleSeckillCreated accounts a flash-sale order against the ledger. The
// Redis pool already guaranteed the sale, so the decrement is unconditional
// and a short ledger only gets floored at zero, never rejected.
func (c *consumer) handleSeckillCreated(ctx context.Context, orderID string, lines []line, meta broker.Metadata) error {
	for _, l := range lines {
		_, floored, err := c.store.Decrement(ctx, l.ProductID, l.Quantity)
		if errors.Is(err, ErrRecordNotFound) {
			c.logger.Warn("flash-sale product missing from ledger",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
			)
			continue
		}
		if err != nil {
			return broker.Retryable(err)
		}
		if floored {
			c.logger.Warn("ledger short of flash-sale stock, floored at zero",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
			)
		}
	}

	return c.emit(ctx, broker.InventoryReservedSuccessEvent, meta.CorrelationID, map[string]any{
		"orderId":  orderID,
		"products": lineMaps(lines),
	})
}

func metadataSource(data map[string]any) string {
	md, _ := data["metadata"].(map[string]any)
	source, _ := md["source"].(string)
	return source
}

// rollback releases already-reserved lines of a failed multi-line reserve.
func (c *consumer) rollback(ctx context.Context, orderID string, reserved []line) {
	for _, l := range reserved {
		if _, err := c.store.Release(ctx, orderID, l.ProductID, l.Quantity); err != nil && !errors.Is(err, ErrCannotRelease) {
			c.logger.Error("rollback release failed",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
				slog.Any("error", err),
			)
		}
	}
}

// handleRelease is the compensation primitive: one reserved line goes back to
// available. A line already released reads as CANNOT_RELEASE and is success.
func (c *consumer) handleRelease(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)
	productID, _ := data["productId"].(string)
	quantity := toInt64(data["quantity"])

	_, err := c.store.Release(ctx, orderID, productID, quantity)
	switch {
	case err == nil:
		c.saga.Compensations.WithLabelValues(broker.OrderReleaseEvent).Inc()
		c.logger.Info("reservation released",
			slog.String("order_id", orderID),
			slog.String("product_id", productID),
			slog.Int64("quantity", quantity),
		)
		return nil
	case errors.Is(err, ErrCannotRelease), errors.Is(err, ErrRecordNotFound):
		c.logger.Info("release already applied",
			slog.String("order_id", orderID),
			slog.String("product_id", productID),
		)
		return nil
	default:
		return broker.Retryable(err)
	}
}

// releaseAll releases every line of a products[] payload. Per-line definitive
// failures do not stop the remaining lines; store trouble requeues the event.
func (c *consumer) releaseAll(ctx context.Context, trigger, orderID string, lines []line) error {
	var transient error
	for _, l := range lines {
		_, err := c.store.Release(ctx, orderID, l.ProductID, l.Quantity)
		switch {
		case err == nil:
			c.saga.Compensations.WithLabelValues(trigger).Inc()
		case errors.Is(err, ErrCannotRelease), errors.Is(err, ErrRecordNotFound):
			c.logger.Info("release already applied",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
			)
		default:
			c.logger.Error("release failed",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
				slog.Any("error", err),
			)
			if transient == nil {
				transient = err
			}
		}
	}
	if transient != nil {
		return broker.Retryable(transient)
	}
	return nil
}

func (c *consumer) handlePaymentFailed(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)
	return c.releaseAll(ctx, broker.PaymentFailedEvent, orderID, parseLines(data["products"]))
}

func (c *consumer) handleOrderTimeout(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)
	return c.releaseAll(ctx, broker.OrderTimeoutEvent, orderID, parseLines(data["products"]))
}

// handlePaymentSucceeded confirms the reservation: the goods are sold, so the
// reserved quantity leaves the ledger entirely.
func (c *consumer) handlePaymentSucceeded(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)

	var transient error
	for _, l := range parseLines(data["products"]) {
		_, err := c.store.Confirm(ctx, orderID, l.ProductID, l.Quantity)
		switch {
		case err == nil:
		case errors.Is(err, ErrCannotConfirm), errors.Is(err, ErrRecordNotFound):
			c.logger.Warn("confirm found no matching reservation",
				slog.String("order_id", orderID),
				slog.String("product_id", l.ProductID),
			)
		default:
			if transient == nil {
				transient = err
			}
		}
	}
	if transient != nil {
		return broker.Retryable(transient)
	}
	return nil
}
