package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/shopfabric/microservices/common/outbox"
)

var ErrPaymentNotFound = errors.New("payment not found")

const paymentsCollection = "payments"

// Payment status values.
const (
	PaymentSucceeded = "SUCCEEDED"
	PaymentFailed    = "FAILED"
)

// Payment is the durable record of one charge attempt outcome. One order gets
// at most one record; redeliveries of order.confirmed find it and re-emit
// nothing.
type Payment struct {
	OrderID       string    `bson:"_id" json:"orderId"`
	UserID        string    `bson:"userId" json:"userId"`
	AmountCents   int64     `bson:"amountCents" json:"amountCents"`
	Currency      string    `bson:"currency" json:"currency"`
	Status        string    `bson:"status" json:"status"`
	TransactionID string    `bson:"transactionId,omitempty" json:"transactionId,omitempty"`
	FailureReason string    `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
}

// PaymentStore persists charge outcomes together with their result events.
type PaymentStore interface {
	Get(ctx context.Context, orderID string) (*Payment, error)
	// Record inserts the payment and its result event in one transaction.
	Record(ctx context.Context, p *Payment, events ...outbox.Event) error
}

type store struct {
	client   *mongo.Client
	payments *mongo.Collection
	outbox   *outbox.Store
}

func NewStore(client *mongo.Client, db *mongo.Database) *store {
	return &store{
		client:   client,
		payments: db.Collection(paymentsCollection),
		outbox:   outbox.NewStore(db),
	}
}

func (s *store) Outbox() *outbox.Store {
	return s.outbox
}

func (s *store) Get(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	err := s.payments.FindOne(ctx, bson.M{"_id": orderID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

func (s *store) Record(ctx context.Context, p *Payment, events ...outbox.Event) error {
	p.CreatedAt = time.Now().UTC()

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.payments.InsertOne(sc, p); err != nil {
			return nil, fmt.Errorf("insert payment: %w", err)
		}
		for _, ev := range events {
			if err := s.outbox.Insert(sc, ev); err != nil {
				return nil, fmt.Errorf("insert outbox event %s: %w", ev.EventType, err)
			}
		}
		return nil, nil
	})
	return err
}

var _ PaymentStore = (*store)(nil)
