package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrProductNotFound = errors.New("product not found")

const productsCollection = "products"

// Product is the catalog entry. Stock lives in the inventory service; the
// catalog only knows name and price.
type Product struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	PriceCents int64     `bson:"priceCents"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// ProductStore persists catalog entries.
type ProductStore interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, productID string) (*Product, error)
	Delete(ctx context.Context, productID string) error
}

type store struct {
	coll *mongo.Collection
}

func NewStore(db *mongo.Database) *store {
	return &store{coll: db.Collection(productsCollection)}
}

func (s *store) Create(ctx context.Context, p *Product) error {
	p.CreatedAt = time.Now().UTC()
	if _, err := s.coll.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := s.coll.FindOne(ctx, bson.M{"_id": productID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &p, nil
}

func (s *store) Delete(ctx context.Context, productID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": productID}); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

var _ ProductStore = (*store)(nil)
