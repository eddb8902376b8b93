package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/outbox"
)

// Order status values. PAID and CANCELLED are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

// Order metadata sources.
const (
	SourceRegular = "regular"
	SourceSeckill = "seckill"
)

// Item is one ordered line with a snapshot of the product at order time.
type Item struct {
	ProductID  string `bson:"productId" json:"productId"`
	Name       string `bson:"name" json:"name"`
	PriceCents int64  `bson:"priceCents" json:"-"`
	Quantity   int64  `bson:"quantity" json:"quantity"`
	Reserved   bool   `bson:"reserved" json:"reserved"`
}

// UnitPrice returns the line's unit price in major units.
func (i Item) UnitPrice() decimal.Decimal {
	return decimal.New(i.PriceCents, -2)
}

// Metadata distinguishes regular orders from flash-sale wins and carries the
// correlation identifier across the saga.
type Metadata struct {
	Source        string `bson:"source" json:"source"`
	SeckillRef    string `bson:"seckillRef,omitempty" json:"seckillRef,omitempty"`
	CorrelationID string `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
}

// Order is the authoritative record of a purchase intent. Status moves only
// along the saga state machine; terminal orders never change again.
type Order struct {
	ID                 string    `bson:"_id" json:"orderId"`
	UserID             string    `bson:"userId" json:"userId"`
	Items              []Item    `bson:"items" json:"products"`
	TotalCents         int64     `bson:"totalCents" json:"-"`
	Status             Status    `bson:"status" json:"status"`
	CancellationReason string    `bson:"cancellationReason,omitempty" json:"cancellationReason,omitempty"`
	Metadata           Metadata  `bson:"metadata" json:"metadata"`
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
}

// TotalPrice returns the order total in major units.
func (o *Order) TotalPrice() decimal.Decimal {
	return decimal.New(o.TotalCents, -2)
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusPaid || o.Status == StatusCancelled
}

// OrdersStore persists orders together with their outbox events. Mutating
// methods run the order write and the event inserts in one transaction.
type OrdersStore interface {
	// Create inserts a new order and its creation event atomically.
	Create(ctx context.Context, o *Order, events ...outbox.Event) error
	// Get loads an order by identifier.
	Get(ctx context.Context, orderID string) (*Order, error)
	// Update replaces the order document and inserts follow-on events
	// atomically. The replace only matches while the stored status still
	// equals from; a concurrent transition surfaces as ErrStaleOrder and
	// nothing is written.
	Update(ctx context.Context, o *Order, from Status, events ...outbox.Event) error
	// AppendEvents inserts outbox events without touching any order (used by
	// compensations for orders already in a terminal state).
	AppendEvents(ctx context.Context, events ...outbox.Event) error
	// FindPendingBefore returns PENDING orders created before the cutoff.
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int64) ([]Order, error)
}

// ProductInfo is the product snapshot served by the product service.
type ProductInfo struct {
	ID        string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available int64           `json:"available"`
}

// ProductGateway reads product metadata over the resilient HTTP client.
type ProductGateway interface {
	GetProduct(ctx context.Context, productID string) (*ProductInfo, error)
}
