package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishAttempts = 3
	publishBackoff  = 100 * time.Millisecond
)

var publishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "broker_publishes_total",
	Help: "Broker publish attempts grouped by event type and result.",
}, []string{"event", "result"})

// ErrEncode marks an event that cannot be serialized. Callers holding the
// event in an outbox fail it immediately instead of retrying.
var ErrEncode = errors.New("event encoding failed")

// Publisher sends events with persistent delivery, the event identifier as
// the AMQP message identifier and the trace context injected into headers.
type Publisher struct {
	ch     Channel
	logger *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

func NewPublisher(ch Channel, logger *slog.Logger) *Publisher {
	return &Publisher{
		ch:       ch,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

// Publish sends the event to its fanout exchange. The exchange and the
// event's primary queue are declared before the first send; transient send
// failures are retried up to three times with linear backoff.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	data, err := toDataObject(ev.Data)
	if err != nil {
		return fmt.Errorf("%w: event %s: %w", ErrEncode, ev.Type, err)
	}
	body, err := json.Marshal(Envelope{
		EventType: ev.Type,
		Data:      data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("%w: event %s: %w", ErrEncode, ev.Type, err)
	}

	if err := p.ensureDeclared(ev.Type); err != nil {
		return err
	}

	headers := InjectTraceContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = p.ch.PublishWithContext(
			ctx,
			ev.Type, // exchange
			"",      // routing key: fanout ignores it
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent,
				MessageId:     ev.ID,
				CorrelationId: ev.CorrelationID,
				Timestamp:     ev.Timestamp,
				Headers:       headers,
				Body:          body,
			},
		)
		if lastErr == nil {
			publishes.WithLabelValues(ev.Type, "ok").Inc()
			return nil
		}
		if attempt < publishAttempts {
			p.logger.Warn("publish attempt failed",
				slog.String("event", ev.Type),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
			time.Sleep(time.Duration(attempt) * publishBackoff)
		}
	}

	publishes.WithLabelValues(ev.Type, "error").Inc()
	return fmt.Errorf("failed to publish %s after %d attempts: %w", ev.Type, publishAttempts, lastErr)
}

// ensureDeclared declares the event's topology on first use. The mutex covers
// only the declared map, never a send: the amqp channel is safe for
// concurrent publishing, and one slow send with its retry backoffs must not
// stall every other event.
func (p *Publisher) ensureDeclared(event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.declared[event] {
		return nil
	}
	if err := EnsureTopology(p.ch, event, event); err != nil {
		return err
	}
	p.declared[event] = true
	return nil
}

// toDataObject normalizes the event data into the envelope's data object.
func toDataObject(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("event data is not an object: %w", err)
		}
		return out, nil
	}
}
