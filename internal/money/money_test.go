package money

import (
	"errors"
	"testing"
)

func TestNewRejectsNegative(t *testing.T) {
	if _, err := New(-1, "USD"); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestAddCurrencyMismatch(t *testing.T) {
	a := MustNew(100, "USD")
	b := MustNew(100, "EUR")
	if _, err := a.Add(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestSubRejectsNegativeResult(t *testing.T) {
	a := MustNew(100, "USD")
	b := MustNew(200, "USD")
	if _, err := a.Sub(b); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	got, err := b.Sub(a)
	if err != nil || got.Amount != 100 {
		t.Fatalf("expected 100, got %v err=%v", got, err)
	}
}

func TestMulFloatRoundsNearest(t *testing.T) {
	// 3564 * 0.80 = 2851.2 -> 2851
	m := MustNew(3564, "USD")
	got, err := m.MulFloat(0.80)
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount != 2851 {
		t.Fatalf("expected 2851, got %d", got.Amount)
	}
	// 3300 * 0.08 = 264 exact
	tax, _ := MustNew(3300, "USD").MulFloat(0.08)
	if tax.Amount != 264 {
		t.Fatalf("expected 264, got %d", tax.Amount)
	}
}

func TestPercentBounds(t *testing.T) {
	m := MustNew(1000, "USD")
	if _, err := m.Percent(1.5); err == nil {
		t.Fatal("expected error for percent > 1")
	}
	if _, err := m.Percent(-0.1); err == nil {
		t.Fatal("expected error for negative percent")
	}
	half, err := m.Percent(0.5)
	if err != nil || half.Amount != 500 {
		t.Fatalf("expected 500, got %v err=%v", half, err)
	}
}

func TestMin(t *testing.T) {
	a := MustNew(300, "USD")
	b := MustNew(200, "USD")
	got, err := a.Min(b)
	if err != nil || got.Amount != 200 {
		t.Fatalf("expected 200, got %v err=%v", got, err)
	}
}
