package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/shopfabric/microservices/common/httpclient"
)

// Handlers terminate every delivery with an ack or a nack. The nack flavor is
// decided by error class: transient errors requeue, everything else goes to
// the dead-letter queue.
var (
	// ErrRetry marks a handler error as transient: nack with requeue.
	ErrRetry = errors.New("transient handler error")

	// ErrPermanent marks a handler error as permanent: nack to DLQ.
	ErrPermanent = errors.New("permanent handler error")
)

// Retryable wraps err so the consumer pipeline requeues the delivery.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetry, err)
}

// Permanent wraps err so the consumer pipeline routes the delivery to the DLQ.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient classifies a handler error. Connection-level failures,
// timeouts, an open circuit breaker and explicit ErrRetry wraps are
// transient; everything else (validation, invariant violations, unexpected
// errors) is permanent and belongs in the DLQ for operator inspection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrRetry) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, httpclient.ErrCircuitOpen) || errors.Is(err, httpclient.ErrTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
