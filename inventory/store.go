package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Distinguished inventory errors. ErrCannotRelease doubles as the idempotency
// signal for duplicate compensations: a second release of the same order's
// line finds that order's reservation already gone and is treated as done.
var (
	ErrRecordNotFound    = errors.New("RECORD_NOT_FOUND: no inventory record for product")
	ErrInsufficientStock = errors.New("INSUFFICIENT_STOCK: available below requested quantity")
	ErrCannotRelease     = errors.New("CANNOT_RELEASE: reserved below requested quantity")
	ErrCannotConfirm     = errors.New("CANNOT_CONFIRM: reserved below requested quantity")
)

const inventoryCollection = "inventory"

// Record is the stock ledger for one product. available and reserved never go
// negative; they are mutated only through the guarded atomic operations below.
// reservations tracks how much of reserved each order holds, so compensations
// arriving twice (or through two fan-out paths) release an order's stock once.
type Record struct {
	ProductID    string           `bson:"_id" json:"productId"`
	Name         string           `bson:"name,omitempty" json:"name,omitempty"`
	Available    int64            `bson:"available" json:"available"`
	Reserved     int64            `bson:"reserved" json:"reserved"`
	Reservations map[string]int64 `bson:"reservations,omitempty" json:"-"`
	UpdatedAt    time.Time        `bson:"updatedAt" json:"updatedAt"`
}

// InventoryStore is the reservation ledger contract the handlers run against.
// An empty orderID is a manual adjustment and is guarded on the aggregate
// counters only.
type InventoryStore interface {
	Get(ctx context.Context, productID string) (*Record, error)
	Upsert(ctx context.Context, productID, name string, available int64) (*Record, error)
	Delete(ctx context.Context, productID string) error
	Reserve(ctx context.Context, orderID, productID string, quantity int64) (*Record, error)
	Release(ctx context.Context, orderID, productID string, quantity int64) (*Record, error)
	Confirm(ctx context.Context, orderID, productID string, quantity int64) (*Record, error)
	// Decrement takes stock without a reservation step (flash-sale orders,
	// their stock is governed by the Redis pool). Reports whether the value
	// had to be floored at zero because available was short.
	Decrement(ctx context.Context, productID string, quantity int64) (*Record, bool, error)
}

type store struct {
	coll *mongo.Collection
}

func NewStore(db *mongo.Database) *store {
	return &store{coll: db.Collection(inventoryCollection)}
}

func (s *store) Get(ctx context.Context, productID string) (*Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, bson.M{"_id": productID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find inventory record: %w", err)
	}
	return &rec, nil
}

func (s *store) Upsert(ctx context.Context, productID, name string, available int64) (*Record, error) {
	var rec Record
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": productID},
		bson.M{
			"$set":         bson.M{"name": name, "available": available, "updatedAt": time.Now().UTC()},
			"$setOnInsert": bson.M{"reserved": int64(0)},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		return nil, fmt.Errorf("upsert inventory record: %w", err)
	}
	return &rec, nil
}

func (s *store) Delete(ctx context.Context, productID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": productID}); err != nil {
		return fmt.Errorf("delete inventory record: %w", err)
	}
	return nil
}

// guardedUpdate runs a FindOneAndUpdate whose filter encodes the invariant
// guard. When the guard does not match, missing maps to ErrRecordNotFound and
// an existing record to guardErr.
func (s *store) guardedUpdate(ctx context.Context, productID string, filter, update bson.M, guardErr error) (*Record, error) {
	filter["_id"] = productID
	update["$set"] = bson.M{"updatedAt": time.Now().UTC()}

	var rec Record
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.Get(ctx, productID); errors.Is(gerr, ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: product %s", guardErr, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("update inventory record: %w", err)
	}
	return &rec, nil
}

func (s *store) Reserve(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	inc := bson.M{"available": -quantity, "reserved": quantity}
	if orderID != "" {
		inc["reservations."+orderID] = quantity
	}
	return s.guardedUpdate(ctx, productID,
		bson.M{"available": bson.M{"$gte": quantity}},
		bson.M{"$inc": inc},
		ErrInsufficientStock,
	)
}

func (s *store) Release(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	// Keying the guard on the order's own reservation keeps a duplicate
	// compensation from freeing stock that other orders are holding.
	filter := bson.M{"reserved": bson.M{"$gte": quantity}}
	inc := bson.M{"available": quantity, "reserved": -quantity}
	if orderID != "" {
		filter["reservations."+orderID] = bson.M{"$gte": quantity}
		inc["reservations."+orderID] = -quantity
	}

	rec, err := s.guardedUpdate(ctx, productID, filter, bson.M{"$inc": inc}, ErrCannotRelease)
	if err != nil {
		return nil, err
	}
	s.pruneReservation(ctx, productID, orderID, rec)
	return rec, nil
}

func (s *store) Confirm(ctx context.Context, orderID, productID string, quantity int64) (*Record, error) {
	filter := bson.M{"reserved": bson.M{"$gte": quantity}}
	inc := bson.M{"reserved": -quantity}
	if orderID != "" {
		filter["reservations."+orderID] = bson.M{"$gte": quantity}
		inc["reservations."+orderID] = -quantity
	}

	rec, err := s.guardedUpdate(ctx, productID, filter, bson.M{"$inc": inc}, ErrCannotConfirm)
	if err != nil {
		return nil, err
	}
	s.pruneReservation(ctx, productID, orderID, rec)
	return rec, nil
}

// pruneReservation drops an order's reservation entry once it reaches zero.
// Best effort; a leftover zero entry is harmless.
func (s *store) pruneReservation(ctx context.Context, productID, orderID string, rec *Record) {
	if orderID == "" || rec.Reservations[orderID] != 0 {
		return
	}
	_, _ = s.coll.UpdateOne(ctx,
		bson.M{"_id": productID, "reservations." + orderID: bson.M{"$lte": 0}},
		bson.M{"$unset": bson.M{"reservations." + orderID: ""}},
	)
	delete(rec.Reservations, orderID)
}

func (s *store) Decrement(ctx context.Context, productID string, quantity int64) (*Record, bool, error) {
	rec, err := s.guardedUpdate(ctx, productID,
		bson.M{"available": bson.M{"$gte": quantity}},
		bson.M{"$inc": bson.M{"available": -quantity}},
		ErrInsufficientStock,
	)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrInsufficientStock) {
		return nil, false, err
	}

	// The Redis pool already granted this sale; the ledger is behind. Floor
	// at zero and let the caller log the discrepancy.
	var floored Record
	ferr := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": productID},
		bson.M{"$set": bson.M{"available": int64(0), "updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&floored)
	if errors.Is(ferr, mongo.ErrNoDocuments) {
		return nil, false, ErrRecordNotFound
	}
	if ferr != nil {
		return nil, false, fmt.Errorf("floor inventory record: %w", ferr)
	}
	return &floored, true, nil
}

var _ InventoryStore = (*store)(nil)
