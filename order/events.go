package main

import (
	"github.com/shopfabric/microservices/common/broker"
	"github.com/shopfabric/microservices/common/outbox"
)

// Outbox payload builders for every event the order service emits. Prices
// travel as major-unit numbers, quantities as plain integers.

func productLines(o *Order) []any {
	lines := make([]any, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, map[string]any{
			"productId": it.ProductID,
			"quantity":  it.Quantity,
		})
	}
	return lines
}

func orderCreatedEvent(o *Order) outbox.Event {
	return outbox.NewEvent(broker.OrderCreatedEvent, o.Metadata.CorrelationID, map[string]any{
		"orderId":  o.ID,
		"userId":   o.UserID,
		"products": productLines(o),
		"metadata": map[string]any{
			"source":        o.Metadata.Source,
			"seckillRef":    o.Metadata.SeckillRef,
			"correlationId": o.Metadata.CorrelationID,
		},
	})
}

func orderConfirmedEvent(o *Order) outbox.Event {
	return outbox.NewEvent(broker.OrderConfirmedEvent, o.Metadata.CorrelationID, map[string]any{
		"orderId":    o.ID,
		"userId":     o.UserID,
		"totalPrice": o.TotalPrice().InexactFloat64(),
		"currency":   "EUR",
		"products":   productLines(o),
	})
}

func orderCancelledEvent(o *Order, reason string) outbox.Event {
	return outbox.NewEvent(broker.OrderCancelledEvent, o.Metadata.CorrelationID, map[string]any{
		"orderId": o.ID,
		"userId":  o.UserID,
		"reason":  reason,
	})
}

func orderTimeoutEvent(o *Order, reason string) outbox.Event {
	return outbox.NewEvent(broker.OrderTimeoutEvent, o.Metadata.CorrelationID, map[string]any{
		"orderId":  o.ID,
		"products": productLines(o),
		"reason":   reason,
	})
}

// releaseEvents compensates held stock. Regular reservations go back through
// order.release per line; a flash-sale win instead returns its slot to the
// Redis pool through seckill.release.
func releaseEvents(o *Order, onlyReserved bool, reason string) []outbox.Event {
	if o.Metadata.Source == SourceSeckill {
		if len(o.Items) == 0 {
			return nil
		}
		return []outbox.Event{
			outbox.NewEvent(broker.SeckillReleaseEvent, o.Metadata.CorrelationID, map[string]any{
				"orderId":   o.ID,
				"userId":    o.UserID,
				"productId": o.Items[0].ProductID,
				"quantity":  o.Items[0].Quantity,
				"reason":    reason,
			}),
		}
	}

	var events []outbox.Event
	for _, it := range o.Items {
		if onlyReserved && !it.Reserved {
			continue
		}
		events = append(events, outbox.NewEvent(broker.OrderReleaseEvent, o.Metadata.CorrelationID, map[string]any{
			"orderId":   o.ID,
			"productId": it.ProductID,
			"quantity":  it.Quantity,
			"reason":    reason,
		}))
	}
	return events
}
