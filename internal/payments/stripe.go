// Package payments places and releases the card hold that backs a ride.
package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

type intents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeClient holds and releases PaymentIntents with capture_method=manual.
type StripeClient struct {
	pi intents
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{pi: paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Hold reserves the ride price on the customer's card and returns the
// PaymentIntent id.
func (s *StripeClient) Hold(ctx context.Context, price float64, currency, customerID string) (string, error) {
	if currency == "" {
		currency = string(stripe.CurrencyINR)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(math.Round(price * 100))),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.Context = ctx
	pi, err := s.pi.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe hold: %w", err)
	}
	return pi.ID, nil
}

// Cancel releases the hold.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.pi.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("stripe cancel %s: %w", paymentIntentID, err)
	}
	return nil
}

// RideChanged releases the hold of a ride that will never be driven.
func (s *StripeClient) RideChanged(ctx context.Context, ride models.Ride, _ string) error {
	if ride.Service.PaymentIntentID == "" {
		return nil
	}
	switch ride.Status {
	case models.RideCancelled, models.RideUnmatched:
		return s.Cancel(ctx, ride.Service.PaymentIntentID)
	}
	return nil
}
