package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher and topology helpers
// need. *amqp.Channel satisfies it; tests substitute a fake.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event names. Both producer and consumer of an event use the same constant;
// the queue carrying an event is named after it.
const (
	OrderCreatedEvent             = "order.created"             // order → inventory
	InventoryReservedSuccessEvent = "inventory.reserved.success" // inventory → order
	InventoryReservedFailedEvent  = "inventory.reserved.failed"  // inventory → order
	OrderConfirmedEvent           = "order.confirmed"            // order → payment
	PaymentSucceededEvent         = "payment.succeeded"          // payment → order
	PaymentFailedEvent            = "payment.failed"             // payment → order, inventory
	OrderReleaseEvent             = "order.release"              // order → inventory (compensation)
	OrderCancelledEvent           = "order.cancelled"            // order → fanout
	OrderTimeoutEvent             = "order.timeout"              // timeout worker → inventory
	SeckillOrderWonEvent          = "seckill.order.won"          // seckill → order
	SeckillReleaseEvent           = "seckill.release"            // order → seckill (compensation)
)

// DLQSuffix is appended to a queue name to form its dead-letter queue.
const DLQSuffix = ".dlq"

const (
	connectAttempts = 5
	connectInterval = 5 * time.Second
)

// Connect dials RabbitMQ and opens a channel. The dial is retried up to five
// times with a 5 second interval before giving up, so services survive the
// broker coming up after them.
//
// The returned close function shuts the channel and then the connection.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err = amqp.Dial(address)
		if err == nil {
			break
		}
		if attempt < connectAttempts {
			log.Printf("rabbitmq connect attempt %d/%d failed: %v, retrying in %s",
				attempt, connectAttempts, err, connectInterval)
			time.Sleep(connectInterval)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", connectAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// EnsureQueue declares the durable queue for an event plus its companion
// dead-letter queue. Rejected deliveries (nack without requeue) are routed by
// the broker through the default exchange to "<queue>.dlq".
//
// Declaring is idempotent on the broker side, so publishers and consumers can
// both call this before first use.
func EnsureQueue(ch Channel, name string) error {
	dlq := name + DLQSuffix

	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			// Default exchange with the DLQ name as routing key: a nacked
			// message lands directly in the companion queue.
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	return nil
}

// EnsureTopology declares the fanout exchange for an event, the consumer's
// durable queue with its DLQ, and binds the queue to the exchange. An event
// with a single consumer uses the event name as its queue name; additional
// consumer services bind their own "<event>.<service>" queue.
func EnsureTopology(ch Channel, event, queue string) error {
	if queue == "" {
		queue = event
	}

	if err := ch.ExchangeDeclare(
		event,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", event, err)
	}

	if err := EnsureQueue(ch, queue); err != nil {
		return err
	}

	if err := ch.QueueBind(queue, "", event, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to exchange %s: %w", queue, event, err)
	}

	return nil
}
