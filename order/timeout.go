package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

const timeoutBatchSize = 100

// TimeoutWorker cancels orders stuck in PENDING. A stuck order usually means
// the reservation outcome was lost; the emitted order.timeout lets the
// inventory service release anything it may be holding, and releasing stock
// that was never reserved is an idempotent no-op there.
type TimeoutWorker struct {
	store    OrdersStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	saga     *metrics.SagaMetrics
}

func NewTimeoutWorker(store OrdersStore, ttl, interval time.Duration, logger *slog.Logger, saga *metrics.SagaMetrics) *TimeoutWorker {
	return &TimeoutWorker{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		saga:     saga,
	}
}

// Run blocks until ctx is cancelled.
func (w *TimeoutWorker) Run(ctx context.Context) {
	w.logger.Info("order timeout worker starting",
		slog.Duration("ttl", w.ttl),
		slog.Duration("interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.expire(ctx)
		}
	}
}

func (w *TimeoutWorker) expire(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.ttl)
	orders, err := w.store.FindPendingBefore(ctx, cutoff, timeoutBatchSize)
	if err != nil {
		w.logger.Error("timeout scan failed", slog.Any("error", err))
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			return
		}
		o := &orders[i]

		const reason = "order timed out waiting for reservation"
		o.Status = StatusCancelled
		o.CancellationReason = reason

		events := []outbox.Event{orderTimeoutEvent(o, reason), orderCancelledEvent(o, reason)}
		if o.Metadata.Source == SourceSeckill {
			// order.timeout only compensates the inventory ledger; the
			// flash-sale pool needs its slot and winner entry back too.
			events = append(events, releaseEvents(o, false, reason)...)
		}

		err := w.store.Update(ctx, o, StatusPending, events...)
		if errors.Is(err, ErrStaleOrder) {
			// The scan snapshot aged out: a reservation outcome arrived and
			// moved the order while we were iterating. Leave it alone.
			w.logger.Info("order progressed before timeout could cancel it",
				slog.String("order_id", o.ID),
			)
			continue
		}
		if err != nil {
			w.logger.Error("failed to cancel timed-out order",
				slog.String("order_id", o.ID),
				slog.Any("error", err),
			)
			continue
		}

		w.saga.Transitions.WithLabelValues(string(StatusPending), string(StatusCancelled)).Inc()
		w.saga.Compensations.WithLabelValues("timeout").Inc()
		w.logger.Warn("order timed out", slog.String("order_id", o.ID))
	}
}
