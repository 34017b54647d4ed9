// Package pricing computes trip price breakdowns. The calculator is a
// pure function over its inputs: the same distance, issue type, surge,
// discount and tax always produce byte-identical breakdowns, so it serves
// both the upfront estimate and the final price at completion.
package pricing

import (
	"math"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/apperr"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/money"
)

// Config carries the fee schedule. Amounts are minor currency units.
type Config struct {
	Currency            string
	BaseFees            map[models.IssueType]int64
	PerMileRate         int64
	SurgeMax            float64
	DriverPayoutPercent float64
}

func DefaultConfig() Config {
	return Config{
		Currency: "USD",
		BaseFees: map[models.IssueType]int64{
			models.IssueFlatTire:    2500,
			models.IssueDeadBattery: 3000,
			models.IssueMechanical:  3500,
			models.IssueLockedOut:   2000,
			models.IssueOther:       2500,
		},
		PerMileRate:         200,
		SurgeMax:            3.0,
		DriverPayoutPercent: 0.80,
	}
}

// Breakdown itemizes one computed price. DriverPayout + PlatformFee
// always equals Total exactly.
type Breakdown struct {
	Base         money.Money `json:"base"`
	DistanceFee  money.Money `json:"distance_fee"`
	SurgeAmount  money.Money `json:"surge_amount"`
	Discount     money.Money `json:"discount"`
	Tax          money.Money `json:"tax"`
	Total        money.Money `json:"total"`
	DriverPayout money.Money `json:"driver_payout"`
	PlatformFee  money.Money `json:"platform_fee"`
}

type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	if cfg.Currency == "" {
		cfg = DefaultConfig()
	}
	return &Calculator{cfg: cfg}
}

// Price maps (distance, issue, surge, discount, tax) to a breakdown.
// surge is clamped to [1.0, SurgeMax]; discountPercent and taxRate are
// fractions in [0, 1).
func (c *Calculator) Price(distanceMiles float64, issue models.IssueType, surge, discountPercent, taxRate float64) (Breakdown, error) {
	if distanceMiles < 0 || math.IsNaN(distanceMiles) || math.IsInf(distanceMiles, 0) {
		return Breakdown{}, apperr.Validation("distance_miles", "must be a non-negative number")
	}
	baseFee, ok := c.cfg.BaseFees[issue]
	if !ok {
		return Breakdown{}, apperr.Validation("issue_type", "no base fee configured for "+string(issue))
	}
	if discountPercent < 0 || discountPercent >= 1 {
		return Breakdown{}, apperr.Validation("discount_percent", "must be in [0,1)")
	}
	if taxRate < 0 || taxRate >= 1 {
		return Breakdown{}, apperr.Validation("tax_rate", "must be in [0,1)")
	}
	if surge < 1.0 {
		surge = 1.0
	}
	if surge > c.cfg.SurgeMax {
		surge = c.cfg.SurgeMax
	}

	cur := c.cfg.Currency
	base := money.MustNew(baseFee, cur)
	distanceFee, err := money.MustNew(c.cfg.PerMileRate, cur).MulFloat(distanceMiles)
	if err != nil {
		return Breakdown{}, err
	}
	preSurge, err := base.Add(distanceFee)
	if err != nil {
		return Breakdown{}, err
	}
	subtotal, err := preSurge.MulFloat(surge)
	if err != nil {
		return Breakdown{}, err
	}
	surgeAmount, err := subtotal.Sub(preSurge)
	if err != nil {
		return Breakdown{}, err
	}
	discount, err := subtotal.Percent(discountPercent)
	if err != nil {
		return Breakdown{}, err
	}
	taxable, err := subtotal.Sub(discount)
	if err != nil {
		return Breakdown{}, err
	}
	tax, err := taxable.MulFloat(taxRate)
	if err != nil {
		return Breakdown{}, err
	}
	total, err := taxable.Add(tax)
	if err != nil {
		return Breakdown{}, err
	}
	payout, err := total.Percent(c.cfg.DriverPayoutPercent)
	if err != nil {
		return Breakdown{}, err
	}
	// Fee is the remainder so the split is integer-exact.
	platformFee, err := total.Sub(payout)
	if err != nil {
		return Breakdown{}, err
	}

	return Breakdown{
		Base:         base,
		DistanceFee:  distanceFee,
		SurgeAmount:  surgeAmount,
		Discount:     discount,
		Tax:          tax,
		Total:        total,
		DriverPayout: payout,
		PlatformFee:  platformFee,
	}, nil
}
