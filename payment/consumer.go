package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/outbox"
)

var orderConfirmedSchema = &broker.Schema{Fields: []broker.Field{
	{Name: "orderId", Type: broker.FieldString, Required: true},
	{Name: "userId", Type: broker.FieldString, Required: true},
	{Name: "totalPrice", Type: broker.FieldNumber, Required: true},
	{Name: "currency", Type: broker.FieldString, Required: true},
	{Name: "products", Type: broker.FieldArray},
}}

// consumer charges confirmed orders and reports the outcome. The products[]
// of the confirmation is echoed into the result events so the inventory
// service can confirm or release without a lookup.
type consumer struct {
	store     PaymentStore
	processor Processor
	logger    *slog.Logger
}

func NewConsumer(store PaymentStore, processor Processor, logger *slog.Logger) *consumer {
	return &consumer{store: store, processor: processor, logger: logger}
}

func (c *consumer) Register(bc *broker.Consumer) error {
	return bc.Subscribe(broker.OrderConfirmedEvent, "", orderConfirmedSchema, c.handleOrderConfirmed)
}

func (c *consumer) handleOrderConfirmed(ctx context.Context, data map[string]any, meta broker.Metadata) error {
	orderID, _ := data["orderId"].(string)
	userID, _ := data["userId"].(string)
	currency, _ := data["currency"].(string)
	products, _ := data["products"].([]any)

	amount := decimal.Zero
	if v, ok := data["totalPrice"].(float64); ok {
		amount = decimal.NewFromFloat(v)
	}

	// One charge per order, even past the idempotency marker's TTL.
	if existing, err := c.store.Get(ctx, orderID); err == nil {
		c.logger.Info("order already charged, skipping",
			slog.String("order_id", orderID),
			slog.String("status", existing.Status),
		)
		return nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return broker.Retryable(err)
	}

	payment := &Payment{
		OrderID:     orderID,
		UserID:      userID,
		AmountCents: amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency:    currency,
	}

	// The event id is stable across redeliveries, so a charge that landed
	// right before a crash is deduplicated at the processor.
	result, err := c.processor.Charge(ctx, ChargeRequest{
		OrderID:        orderID,
		UserID:         userID,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: meta.EventID,
	})

	var ev outbox.Event
	switch {
	case err == nil:
		payment.Status = PaymentSucceeded
		payment.TransactionID = result.TransactionID
		ev = outbox.NewEvent(broker.PaymentSucceededEvent, meta.CorrelationID, map[string]any{
			"orderId":       orderID,
			"transactionId": result.TransactionID,
			"amount":        amount.InexactFloat64(),
			"currency":      currency,
			"products":      products,
		})
		c.logger.Info("payment succeeded",
			slog.String("order_id", orderID),
			slog.String("transaction_id", result.TransactionID),
		)

	case errors.Is(err, ErrPaymentDeclined):
		payment.Status = PaymentFailed
		payment.FailureReason = err.Error()
		ev = outbox.NewEvent(broker.PaymentFailedEvent, meta.CorrelationID, map[string]any{
			"orderId":  orderID,
			"reason":   err.Error(),
			"products": products,
		})
		c.logger.Warn("payment declined",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)

	default:
		// Processor unreachable: no record written, the delivery comes back.
		return broker.Retryable(err)
	}

	if err := c.store.Record(ctx, payment, ev); err != nil {
		return broker.Retryable(err)
	}
	return nil
}
