package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/shopfabric/microservices/common/broker"
)

var (
	relayPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relay_publishes_total",
		Help: "Outbox relay publish attempts grouped by result.",
	}, []string{"result"})
	relayPendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_relay_pending_events",
		Help: "PENDING events observed by the last relay scan.",
	})
)

const (
	reconnectDelay = 5 * time.Second
	scanInterval   = 30 * time.Second
	scanBatchSize  = 100
)

// EventPublisher sends one event to the broker. *broker.Publisher satisfies
// it; tests substitute a fake.
type EventPublisher interface {
	Publish(ctx context.Context, ev broker.Event) error
}

// RelayStore is the slice of the outbox store the relay needs.
type RelayStore interface {
	Get(ctx context.Context, eventID string) (*Event, error)
	MarkPublished(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, lastError string) error
	ScheduleRetry(ctx context.Context, eventID, lastError string) (int, error)
	PendingDue(ctx context.Context, now time.Time, limit int64) ([]Event, error)
	CountPending(ctx context.Context) (int64, error)
	SaveResumeToken(ctx context.Context, token bson.Raw) error
	LoadResumeToken(ctx context.Context) (bson.Raw, error)
}

// Notification is one change-feed insert plus the token to resume after it.
type Notification struct {
	Event       Event
	ResumeToken bson.Raw
}

// ChangeFeed yields outbox inserts in insertion order per writing process.
type ChangeFeed interface {
	// Next blocks until a notification arrives or the feed breaks.
	Next(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}

// FeedOpener opens a change feed, resuming after the given token when set.
type FeedOpener func(ctx context.Context, resumeAfter bson.Raw) (ChangeFeed, error)

// Relay observes outbox inserts through the store's change feed and publishes
// them to the broker. It never loses events: anything that dies before
// MarkPublished stays PENDING and is republished; downstream de-duplication
// absorbs the replay.
type Relay struct {
	store     RelayStore
	openFeed  FeedOpener
	publisher EventPublisher
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewRelay(store RelayStore, openFeed FeedOpener, publisher EventPublisher, logger *slog.Logger) *Relay {
	return &Relay{
		store:     store,
		openFeed:  openFeed,
		publisher: publisher,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled. It first recovers PENDING events whose
// retry timestamp passed while the service was down, then tails the change
// feed, re-opening it from the last saved resume token on any stream error.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay starting")

	// Startup recovery scan
	r.scanPending(ctx)

	// Periodic sweep for events whose deferred retry timer was lost
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.scanPending(ctx)
			}
		}
	}()

	r.tailFeed(ctx)
	r.wg.Wait()
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) tailFeed(ctx context.Context) {
	for ctx.Err() == nil {
		token, err := r.store.LoadResumeToken(ctx)
		if err != nil {
			r.logger.Error("failed to load resume token", slog.Any("error", err))
			token = nil
		}

		feed, err := r.openFeed(ctx, token)
		if err != nil {
			r.logger.Error("failed to open change feed, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", reconnectDelay),
			)
			sleepCtx(ctx, reconnectDelay)
			continue
		}

		r.consumeFeed(ctx, feed)
		feed.Close(ctx)

		if ctx.Err() == nil {
			sleepCtx(ctx, reconnectDelay)
		}
	}
}

func (r *Relay) consumeFeed(ctx context.Context, feed ChangeFeed) {
	for {
		n, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("change feed broke", slog.Any("error", err))
			}
			return
		}

		// Persist the token before doing anything with the event, so a crash
		// mid-publish resumes from this notification, not before it.
		if err := r.store.SaveResumeToken(ctx, n.ResumeToken); err != nil {
			r.logger.Error("failed to save resume token", slog.Any("error", err))
		}

		r.dispatch(ctx, n.Event)
	}
}

// dispatch publishes one event and updates its bookkeeping.
func (r *Relay) dispatch(ctx context.Context, ev Event) {
	if ev.Status != StatusPending {
		return
	}

	err := r.publisher.Publish(ctx, broker.Event{
		ID:            ev.EventID,
		Type:          ev.EventType,
		CorrelationID: ev.CorrelationID,
		Data:          ev.Payload,
		Timestamp:     time.Now().UTC(),
	})
	if err == nil {
		relayPublishes.WithLabelValues("published").Inc()
		if err := r.store.MarkPublished(ctx, ev.EventID); err != nil && !errors.Is(err, ErrEventNotFound) {
			r.logger.Error("failed to mark event published",
				slog.String("event_id", ev.EventID),
				slog.Any("error", err),
			)
		}
		return
	}

	if errors.Is(err, broker.ErrEncode) {
		// Malformed payloads never become publishable; fail immediately
		relayPublishes.WithLabelValues("failed").Inc()
		r.logger.Error("event cannot be serialized, marking failed",
			slog.String("event_id", ev.EventID),
			slog.Any("error", err),
		)
		if err := r.store.MarkFailed(ctx, ev.EventID, err.Error()); err != nil {
			r.logger.Error("failed to mark event failed", slog.Any("error", err))
		}
		return
	}

	retries, serr := r.store.ScheduleRetry(ctx, ev.EventID, err.Error())
	if serr != nil {
		if !errors.Is(serr, ErrEventNotFound) {
			r.logger.Error("failed to schedule retry",
				slog.String("event_id", ev.EventID),
				slog.Any("error", serr),
			)
		}
		return
	}

	if retries > MaxRetries {
		relayPublishes.WithLabelValues("failed").Inc()
		r.logger.Error("retry budget exhausted, marking failed",
			slog.String("event_id", ev.EventID),
			slog.Int("retries", retries),
		)
		if err := r.store.MarkFailed(ctx, ev.EventID, err.Error()); err != nil {
			r.logger.Error("failed to mark event failed", slog.Any("error", err))
		}
		return
	}

	relayPublishes.WithLabelValues("retried").Inc()
	delay := RetryDelay(retries)
	r.logger.Warn("publish failed, deferring retry",
		slog.String("event_id", ev.EventID),
		slog.Int("retries", retries),
		slog.Duration("delay", delay),
	)

	// Deferred attempt: re-read the event and retry only if still PENDING.
	// The periodic scan covers this timer if the process dies first.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !sleepCtx(ctx, delay) {
			return
		}
		fresh, err := r.store.Get(ctx, ev.EventID)
		if err != nil {
			if !errors.Is(err, ErrEventNotFound) {
				r.logger.Error("failed to re-read event for retry", slog.Any("error", err))
			}
			return
		}
		r.dispatch(ctx, *fresh)
	}()
}

func (r *Relay) scanPending(ctx context.Context) {
	if count, err := r.store.CountPending(ctx); err == nil {
		relayPendingEvents.Set(float64(count))
	}

	events, err := r.store.PendingDue(ctx, time.Now().UTC(), scanBatchSize)
	if err != nil {
		r.logger.Error("pending scan failed", slog.Any("error", err))
		return
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		r.dispatch(ctx, ev)
	}
}

// sleepCtx waits for d unless ctx ends first. Reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
