package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPaymentDeclined is the definitive "this charge will never succeed"
// outcome. Everything else a processor returns is treated as transient.
var ErrPaymentDeclined = errors.New("payment declined")

// ChargeRequest describes one charge attempt. IdempotencyKey deduplicates
// retries at the processor: a redelivery that already charged gets the first
// attempt's result back instead of a second charge.
type ChargeRequest struct {
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// ChargeResult is the processor's receipt for a successful charge.
type ChargeResult struct {
	TransactionID string
}

// Processor charges customers. Implementations must be safe for concurrent
// use; the consumer may process deliveries from several subscriptions.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// SimulatedProcessor approves every charge below the configured limit and
// declines the rest. A zero limit approves everything. Used in development
// and tests where no Stripe account is wired.
type SimulatedProcessor struct {
	DeclineAbove decimal.Decimal
}

func (p *SimulatedProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrPaymentDeclined)
	}
	if !p.DeclineAbove.IsZero() && req.Amount.GreaterThan(p.DeclineAbove) {
		return nil, fmt.Errorf("%w: amount %s above limit %s", ErrPaymentDeclined, req.Amount, p.DeclineAbove)
	}
	return &ChargeResult{TransactionID: "sim_" + req.OrderID}, nil
}

var _ Processor = (*SimulatedProcessor)(nil)
