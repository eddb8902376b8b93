package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shopfabric/microservices/common/outbox"
)

var (
	// ErrOrderNotFound is returned when no order exists for the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrStaleOrder is returned when an update lost the race: the stored
	// status no longer matches the one the caller read. The caller reloads
	// and re-evaluates.
	ErrStaleOrder = errors.New("order changed concurrently")
)

const ordersCollection = "orders"

// store persists orders in MongoDB. Every state change and its outbox events
// are written in one multi-document transaction, so an order never changes
// without its follow-on events being queued, and vice versa.
type store struct {
	client *mongo.Client
	orders *mongo.Collection
	outbox *outbox.Store
}

func NewStore(client *mongo.Client, db *mongo.Database) *store {
	return &store{
		client: client,
		orders: db.Collection(ordersCollection),
		outbox: outbox.NewStore(db),
	}
}

// Outbox exposes the outbox store so the relay and admin endpoints can share
// the same collection handles.
func (s *store) Outbox() *outbox.Store {
	return s.outbox
}

func (s *store) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *store) insertEvents(sc mongo.SessionContext, events []outbox.Event) error {
	for i := range events {
		if err := s.outbox.Insert(sc, events[i]); err != nil {
			return fmt.Errorf("insert outbox event %s: %w", events[i].EventType, err)
		}
	}
	return nil
}

func (s *store) Create(ctx context.Context, o *Order, events ...outbox.Event) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.orders.InsertOne(sc, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return s.insertEvents(sc, events)
	})
}

func (s *store) Get(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := s.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return &o, nil
}

func (s *store) Update(ctx context.Context, o *Order, from Status, events ...outbox.Event) error {
	o.UpdatedAt = time.Now().UTC()

	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		// Guard on the status the caller read. Handlers and the timeout
		// worker load outside the transaction, so without this a slow writer
		// could rewind a transition that landed in between.
		res, err := s.orders.ReplaceOne(sc, bson.M{"_id": o.ID, "status": from}, o)
		if err != nil {
			return fmt.Errorf("replace order: %w", err)
		}
		if res.MatchedCount == 0 {
			if _, err := s.Get(sc, o.ID); errors.Is(err, ErrOrderNotFound) {
				return ErrOrderNotFound
			}
			return ErrStaleOrder
		}
		return s.insertEvents(sc, events)
	})
}

func (s *store) AppendEvents(ctx context.Context, events ...outbox.Event) error {
	return s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		return s.insertEvents(sc, events)
	})
}

func (s *store) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int64) ([]Order, error) {
	filter := bson.M{
		"status":    StatusPending,
		"createdAt": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(limit)

	cur, err := s.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	defer cur.Close(ctx)

	var orders []Order
	if err := cur.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("decode pending orders: %w", err)
	}
	return orders, nil
}

var _ OrdersStore = (*store)(nil)
