package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
)

// StripeProcessor charges through Stripe payment intents. The charge is
// confirmed server-side with the order's stored payment method; the event
// consumer has no browser to redirect.
type StripeProcessor struct {
	paymentMethod string
}

// NewStripeProcessor sets the SDK-global API key. paymentMethod is the
// default payment method to confirm with (test environments use Stripe's
// "pm_card_visa").
func NewStripeProcessor(apiKey, paymentMethod string) *StripeProcessor {
	stripe.Key = apiKey
	return &StripeProcessor{paymentMethod: paymentMethod}
}

func (p *StripeProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.Amount.Mul(decimal.NewFromInt(100)).IntPart()),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(p.paymentMethod),
		Confirm:       stripe.Bool(true),
		Metadata: map[string]string{
			"orderID": req.OrderID,
			"userID":  req.UserID,
		},
	}
	if req.IdempotencyKey != "" {
		// Stripe replays the original intent for a reused key, so a charge
		// that succeeded before a crash is not charged again on redelivery.
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return nil, fmt.Errorf("%w: %s", ErrPaymentDeclined, stripeErr.Code)
		}
		return nil, fmt.Errorf("stripe charge failed: %w", err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: intent status %s", ErrPaymentDeclined, intent.Status)
	}
	return &ChargeResult{TransactionID: intent.ID}, nil
}

var _ Processor = (*StripeProcessor)(nil)
