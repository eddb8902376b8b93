package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/shopfabric/microservices/common/idempotency"
	"github.com/shopfabric/microservices/common/metrics"
)

// Metadata is handed to every handler alongside the validated payload.
type Metadata struct {
	EventID       string
	CorrelationID string
	Timestamp     time.Time
	Headers       amqp.Table
}

// Handler processes one validated event payload. Returning nil acknowledges
// the delivery; a transient error requeues it; any other error routes it to
// the dead-letter queue.
type Handler func(ctx context.Context, data map[string]any, meta Metadata) error

// Consumer runs the four-layer pipeline for each delivery:
//
//  1. trace context extraction from headers, child span named after the event
//  2. idempotency lookup of processed:{eventId}; a hit acks and returns
//  3. schema validation; a mismatch is nacked straight to the DLQ
//  4. handler invocation with the payload and delivery metadata
//
// On handler success the processed marker is set with a 24h expiry before the
// positive ack. Prefetch is one message per consumer.
type Consumer struct {
	ch        *amqp.Channel
	processed idempotency.Store
	service   string
	logger    *slog.Logger
	metrics   *metrics.BrokerMetrics
}

func NewConsumer(ch *amqp.Channel, processed idempotency.Store, service string, logger *slog.Logger, m *metrics.BrokerMetrics) *Consumer {
	return &Consumer{
		ch:        ch,
		processed: processed,
		service:   service,
		logger:    logger,
		metrics:   m,
	}
}

// Subscribe binds a queue for the event and starts consuming in a goroutine.
// queue may be empty, in which case the event name is used; a service that is
// the second consumer of an event passes its own "<event>.<service>" queue.
func (c *Consumer) Subscribe(event, queue string, schema *Schema, handler Handler) error {
	if queue == "" {
		queue = event
	}

	if err := EnsureTopology(c.ch, event, queue); err != nil {
		return err
	}

	// One unacked message at a time: handler duration is the natural
	// backpressure for the whole pipeline.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(
		queue,
		"",    // consumer tag: auto-generated
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	c.logger.Info("consumer started",
		slog.String("event", event),
		slog.String("queue", queue),
	)

	go c.run(event, queue, schema, handler, deliveries)
	return nil
}

func (c *Consumer) run(event, queue string, schema *Schema, handler Handler, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.handleDelivery(event, queue, schema, handler, d)
	}
	c.logger.Warn("delivery channel closed", slog.String("queue", queue))
}

func (c *Consumer) handleDelivery(event, queue string, schema *Schema, handler Handler, d amqp.Delivery) {
	start := time.Now()

	// Layer 1: continue the publisher's trace
	ctx := ExtractTraceContext(context.Background(), d.Headers)
	ctx, span := otel.Tracer(c.service).Start(ctx, event)
	defer span.End()

	meta := Metadata{
		EventID:       d.MessageId,
		CorrelationID: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Headers:       d.Headers,
	}

	// Layer 2: duplicate deliveries are acknowledged without reprocessing
	if meta.EventID != "" {
		seen, err := c.processed.IsProcessed(ctx, meta.EventID)
		if err != nil {
			// Marker store unreachable: requeue rather than risk a duplicate
			c.logger.Error("idempotency lookup failed",
				slog.String("event_id", meta.EventID),
				slog.Any("error", err),
			)
			c.nack(d, true, queue, "requeued", start)
			return
		}
		if seen {
			c.logger.Info("duplicate event skipped",
				slog.String("event", event),
				slog.String("event_id", meta.EventID),
			)
			c.ack(d, queue, "duplicate", start)
			return
		}
	}

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.logger.Error("malformed event body",
			slog.String("event", event),
			slog.Any("error", err),
		)
		c.nack(d, false, queue, "invalid", start)
		return
	}

	// Layer 3: shape check before the handler sees the payload
	if err := schema.Validate(env.Data); err != nil {
		c.logger.Error("event failed schema validation",
			slog.String("event", event),
			slog.String("event_id", meta.EventID),
			slog.Any("error", err),
		)
		c.nack(d, false, queue, "invalid", start)
		return
	}

	// Layer 4: handler with trace-carrying context
	if err := handler(ctx, env.Data, meta); err != nil {
		if IsTransient(err) {
			c.logger.Warn("handler failed, requeueing",
				slog.String("event", event),
				slog.String("event_id", meta.EventID),
				slog.Any("error", err),
			)
			c.nack(d, true, queue, "requeued", start)
			return
		}
		c.logger.Error("handler failed permanently, routing to DLQ",
			slog.String("event", event),
			slog.String("event_id", meta.EventID),
			slog.Any("error", err),
		)
		c.nack(d, false, queue, "dlq", start)
		return
	}

	if meta.EventID != "" {
		if err := c.processed.MarkProcessed(ctx, meta.EventID, idempotency.DefaultTTL); err != nil {
			// The handler committed; failing the delivery now would replay it.
			// Handlers are idempotent at the state level, so log and ack.
			c.logger.Error("failed to set processed marker",
				slog.String("event_id", meta.EventID),
				slog.Any("error", err),
			)
		}
	}
	c.ack(d, queue, "ok", start)
}

func (c *Consumer) ack(d amqp.Delivery, queue, result string, start time.Time) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", slog.String("queue", queue), slog.Any("error", err))
	}
	if c.metrics != nil {
		c.metrics.RecordConsume(queue, result, time.Since(start))
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool, queue, result string, start time.Time) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("nack failed", slog.String("queue", queue), slog.Any("error", err))
	}
	if c.metrics != nil {
		c.metrics.RecordConsume(queue, result, time.Since(start))
	}
}
