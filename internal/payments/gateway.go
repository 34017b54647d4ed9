package payments

import (
	"context"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

// Gateway is the external payment collaborator. Implementations wrap
// provider errors as apperr.ExternalError with the retryable flag set
// for transient failures.
type Gateway interface {
	// Charge debits the rider and returns the provider charge reference.
	Charge(ctx context.Context, amount money.Money, customerRef string) (string, error)
	// Payout transfers funds to the driver's payout account.
	Payout(ctx context.Context, amount money.Money, accountRef string) (string, error)
	// Refund returns up to the charged amount against a prior charge.
	Refund(ctx context.Context, chargeRef string, amount money.Money) (string, error)
}
