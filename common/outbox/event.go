package outbox

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status of an outbox event. A PUBLISHED or FAILED event never returns to
// PENDING except through ManualRetry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// MaxRetries is the publish retry budget before an event is failed and left
// visible to operators.
const MaxRetries = 5

// Event is an outbound side-effect persisted in the same transaction as the
// business write that caused it.
type Event struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	EventID       string             `bson:"eventId"`
	EventType     string             `bson:"eventType"`
	CorrelationID string             `bson:"correlationId,omitempty"`
	RoutingKey    string             `bson:"routingKey,omitempty"`
	Payload       map[string]any     `bson:"payload"`
	Status        Status             `bson:"status"`
	Retries       int                `bson:"retries"`
	NextRetryAt   time.Time          `bson:"nextRetryAt,omitempty"`
	PublishedAt   *time.Time         `bson:"publishedAt,omitempty"`
	LastError     string             `bson:"lastError,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt"`
}

// NewEvent builds a PENDING event with a freshly minted event identifier.
// The identifier doubles as the consumer-side idempotency key.
func NewEvent(eventType, correlationID string, payload map[string]any) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		CorrelationID: correlationID,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// RetryDelay is the deferred-attempt schedule: 2^retries seconds.
func RetryDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > MaxRetries {
		retries = MaxRetries
	}
	return time.Duration(1<<uint(retries)) * time.Second
}
