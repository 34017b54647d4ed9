package pricing

import (
	"testing"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

func TestPriceFlatTireFourMiles(t *testing.T) {
	// base $25.00 + 4mi * $2.00 = $33.00, tax 8% = $2.64, total $35.64,
	// payout 80% = $28.51 (rounded), platform fee $7.13.
	c := NewCalculator(DefaultConfig())
	b, err := c.Price(4, models.IssueFlatTire, 1.0, 0, 0.08)
	if err != nil {
		t.Fatal(err)
	}
	if b.Base.Amount != 2500 {
		t.Fatalf("base: expected 2500, got %d", b.Base.Amount)
	}
	if b.DistanceFee.Amount != 800 {
		t.Fatalf("distance fee: expected 800, got %d", b.DistanceFee.Amount)
	}
	if b.Tax.Amount != 264 {
		t.Fatalf("tax: expected 264, got %d", b.Tax.Amount)
	}
	if b.Total.Amount != 3564 {
		t.Fatalf("total: expected 3564, got %d", b.Total.Amount)
	}
	if b.DriverPayout.Amount != 2851 {
		t.Fatalf("payout: expected 2851, got %d", b.DriverPayout.Amount)
	}
	if b.PlatformFee.Amount != 713 {
		t.Fatalf("platform fee: expected 713, got %d", b.PlatformFee.Amount)
	}
}

func TestPriceIsPure(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	a, err := c.Price(7.3, models.IssueDeadBattery, 1.4, 0.1, 0.0875)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Price(7.3, models.IssueDeadBattery, 1.4, 0.1, 0.0875)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("identical inputs produced different breakdowns: %+v vs %+v", a, b)
	}
}

func TestPayoutPlusFeeEqualsTotal(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	cases := []struct {
		dist     float64
		issue    models.IssueType
		surge    float64
		discount float64
		tax      float64
	}{
		{0, models.IssueLockedOut, 1.0, 0, 0},
		{1.2, models.IssueFlatTire, 1.0, 0, 0.08},
		{3.4, models.IssueMechanical, 2.5, 0.15, 0.0925},
		{10, models.IssueOther, 99, 0.5, 0.2}, // surge clamps to max
		{0.33, models.IssueDeadBattery, 1.01, 0.01, 0.07},
	}
	for _, tc := range cases {
		b, err := c.Price(tc.dist, tc.issue, tc.surge, tc.discount, tc.tax)
		if err != nil {
			t.Fatalf("price(%+v): %v", tc, err)
		}
		if b.DriverPayout.Amount+b.PlatformFee.Amount != b.Total.Amount {
			t.Fatalf("payout %d + fee %d != total %d", b.DriverPayout.Amount, b.PlatformFee.Amount, b.Total.Amount)
		}
		if b.Total.Amount < 0 {
			t.Fatalf("negative total %d", b.Total.Amount)
		}
	}
}

func TestSurgeClamped(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	low, err := c.Price(2, models.IssueFlatTire, 0.5, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	one, err := c.Price(2, models.IssueFlatTire, 1.0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if low.Total != one.Total {
		t.Fatalf("surge below 1.0 should clamp up: %v vs %v", low.Total, one.Total)
	}
	max, err := c.Price(2, models.IssueFlatTire, 100, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	capped, err := c.Price(2, models.IssueFlatTire, DefaultConfig().SurgeMax, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if max.Total != capped.Total {
		t.Fatalf("surge above max should clamp down: %v vs %v", max.Total, capped.Total)
	}
}

func TestPriceRejectsUnknownIssue(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	if _, err := c.Price(1, models.IssueType("unicycle"), 1, 0, 0); err == nil {
		t.Fatal("expected validation error for unknown issue type")
	}
}
