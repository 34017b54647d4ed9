package payments

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

// StripeGateway implements Gateway on stripe-go: PaymentIntents for rider
// charges, Transfers for driver payouts, Refunds for cancellations.
type StripeGateway struct{}

// NewStripeGateway sets the package-level API key used by stripe-go.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) Charge(ctx context.Context, amount money.Money, customerRef string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Amount),
		Currency: stripe.String(strings.ToLower(amount.Currency)),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", wrapStripeErr("charge", err)
	}
	return pi.ID, nil
}

func (s *StripeGateway) Payout(ctx context.Context, amount money.Money, accountRef string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount.Amount),
		Currency:    stripe.String(strings.ToLower(amount.Currency)),
		Destination: stripe.String(accountRef),
	}
	params.Context = ctx
	tr, err := transfer.New(params)
	if err != nil {
		return "", wrapStripeErr("payout", err)
	}
	return tr.ID, nil
}

func (s *StripeGateway) Refund(ctx context.Context, chargeRef string, amount money.Money) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeRef),
		Amount:        stripe.Int64(amount.Amount),
	}
	params.Context = ctx
	rf, err := refund.New(params)
	if err != nil {
		return "", wrapStripeErr("refund", err)
	}
	return rf.ID, nil
}

// wrapStripeErr classifies provider failures. Declines are final; API
// errors, timeouts and rate limits are worth retrying.
func wrapStripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.HTTPStatusCode >= 500 ||
			se.HTTPStatusCode == 429 ||
			se.Type == stripe.ErrorTypeAPI
		code := string(se.Code)
		if code == "" {
			code = string(se.Type)
		}
		return apperr.External("stripe", op+":"+code, retryable, err)
	}
	// transport-level failure, e.g. connection reset or timeout
	return apperr.External("stripe", op+":transport", true, err)
}
