package broker

import "time"

// Event is what producers hand to the publisher. The identifier is minted by
// the producer (usually inside an outbox transaction) and travels in the AMQP
// MessageId property so consumers can de-duplicate.
type Event struct {
	ID            string
	Type          string
	CorrelationID string
	Data          any
	Timestamp     time.Time
}

// Envelope is the JSON wire shape of every event body.
type Envelope struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}
