package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEventDefaults(t *testing.T) {
	ev := NewEvent("order.created", "corr-1", map[string]any{"orderId": "o-1"})

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "order.created", ev.EventType)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, StatusPending, ev.Status)
	assert.Zero(t, ev.Retries)
	assert.WithinDuration(t, time.Now().UTC(), ev.CreatedAt, time.Second)

	other := NewEvent("order.created", "corr-1", nil)
	assert.NotEqual(t, ev.EventID, other.EventID)
}

func TestRetryDelaySchedule(t *testing.T) {
	assert.Equal(t, 1*time.Second, RetryDelay(0))
	assert.Equal(t, 2*time.Second, RetryDelay(1))
	assert.Equal(t, 4*time.Second, RetryDelay(2))
	assert.Equal(t, 8*time.Second, RetryDelay(3))
	assert.Equal(t, 16*time.Second, RetryDelay(4))
	assert.Equal(t, 32*time.Second, RetryDelay(5))

	// Out-of-range inputs clamp instead of overflowing
	assert.Equal(t, 1*time.Second, RetryDelay(-3))
	assert.Equal(t, 32*time.Second, RetryDelay(40))
}
