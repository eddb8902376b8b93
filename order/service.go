package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrBadRequest marks client mistakes (empty cart, bad quantities).
	ErrBadRequest = errors.New("invalid order request")
	// ErrProductNotFound is returned when a referenced product does not exist.
	ErrProductNotFound = errors.New("product not found")
)

// OrderLine is one requested position of a new order.
type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type service struct {
	store    OrdersStore
	products ProductGateway
	logger   *slog.Logger
}

func NewService(store OrdersStore, products ProductGateway, logger *slog.Logger) *service {
	return &service{store: store, products: products, logger: logger}
}

// CreateOrder validates the requested products against the product service,
// snapshots names and prices into the order, and persists the PENDING order
// together with its order.created event in one transaction. The saga takes
// over from there; this call never blocks on reservation or payment.
func (s *service) CreateOrder(ctx context.Context, userID string, lines []OrderLine) (*Order, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one product", ErrBadRequest)
	}

	items := make([]Item, 0, len(lines))
	total := int64(0)
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product id and positive quantity required", ErrBadRequest)
		}

		info, err := s.products.GetProduct(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}

		cents := info.Price.Mul(decimal.NewFromInt(100)).IntPart()
		items = append(items, Item{
			ProductID:  info.ID,
			Name:       info.Name,
			PriceCents: cents,
			Quantity:   l.Quantity,
		})
		total += cents * l.Quantity
	}

	o := &Order{
		ID:         uuid.New().String(),
		UserID:     userID,
		Items:      items,
		TotalCents: total,
		Status:     StatusPending,
		Metadata: Metadata{
			Source:        SourceRegular,
			CorrelationID: uuid.New().String(),
		},
	}

	if err := s.store.Create(ctx, o, orderCreatedEvent(o)); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		slog.String("order_id", o.ID),
		slog.String("user_id", userID),
		slog.Int("items", len(items)),
	)
	return o, nil
}

// CreateSeckillOrder materializes a flash-sale win as a PENDING order. Price
// and name come from the win event; the product service is not consulted, the
// Redis engine already charged the stock.
func (s *service) CreateSeckillOrder(ctx context.Context, userID, productID, productName string, price decimal.Decimal, seckillRef, correlationID string) (*Order, error) {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	cents := price.Mul(decimal.NewFromInt(100)).IntPart()

	o := &Order{
		ID:     uuid.New().String(),
		UserID: userID,
		Items: []Item{{
			ProductID:  productID,
			Name:       productName,
			PriceCents: cents,
			Quantity:   1,
		}},
		TotalCents: cents,
		Status:     StatusPending,
		Metadata: Metadata{
			Source:        SourceSeckill,
			SeckillRef:    seckillRef,
			CorrelationID: correlationID,
		},
	}

	if err := s.store.Create(ctx, o, orderCreatedEvent(o)); err != nil {
		return nil, fmt.Errorf("create seckill order: %w", err)
	}

	s.logger.Info("seckill order created",
		slog.String("order_id", o.ID),
		slog.String("user_id", userID),
		slog.String("product_id", productID),
	)
	return o, nil
}
