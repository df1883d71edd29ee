package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/openride/taxi-dispatch/internal/models"
)

// StripeCollector implements the dispatch fare-collector boundary on
// Stripe PaymentIntents: a manual-capture hold at acceptance, capture
// for the final fare at completion, cancel when the ride aborts.
type StripeCollector struct {
	Currency   string
	HoldAmount int64 // cents held at acceptance before the fare is known
}

// NewStripeCollector configures the global stripe key and returns the
// collector.
func NewStripeCollector(apiKey, currency string, holdAmount int64) *StripeCollector {
	stripe.Key = apiKey
	if holdAmount <= 0 {
		holdAmount = 5000
	}
	return &StripeCollector{Currency: currency, HoldAmount: holdAmount}
}

// HoldFare creates a PaymentIntent with capture_method=manual to hold
// funds while the trip runs.
func (s *StripeCollector) HoldFare(ctx context.Context, ride models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(s.HoldAmount),
		Currency: stripe.String(s.Currency),
	}
	if ride.CustomerID != "" {
		params.Customer = stripe.String(ride.CustomerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// CaptureFare finalizes the held PaymentIntent. When the final fare is
// known it caps the captured amount; otherwise the full hold is taken.
func (s *StripeCollector) CaptureFare(ctx context.Context, holdID string, fare *int64) error {
	var params *stripe.PaymentIntentCaptureParams
	if fare != nil {
		params = &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(*fare)}
	}
	_, err := paymentintent.Capture(holdID, params)
	return err
}

// ReleaseFare releases the hold after a cancellation.
func (s *StripeCollector) ReleaseFare(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
