// Package money implements integer minor-unit currency arithmetic.
// Prices, payouts and refunds never touch floating point except through
// the rounding multipliers here, so the same inputs always settle to the
// same cent.
package money

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNegativeAmount   = errors.New("negative amount")
)

// Money is an immutable amount in minor currency units (e.g. cents).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New rejects negative amounts; there is no negative money in this domain.
func New(amount int64, currency string) (Money, error) {
	if amount < 0 {
		return Money{}, ErrNegativeAmount
	}
	if currency == "" {
		return Money{}, errors.New("empty currency code")
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// MustNew is for constants and tests where the inputs are known good.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}, nil
}

// Sub rejects results below zero rather than producing negative money.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	if o.Amount > m.Amount {
		return Money{}, ErrNegativeAmount
	}
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}, nil
}

// MulFloat scales by a non-negative factor, rounding to the nearest
// minor unit.
func (m Money) MulFloat(f float64) (Money, error) {
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return Money{}, fmt.Errorf("invalid factor %v", f)
	}
	return Money{Amount: int64(math.Round(float64(m.Amount) * f)), Currency: m.Currency}, nil
}

// Percent returns p of m where p is a fraction in [0, 1].
func (m Money) Percent(p float64) (Money, error) {
	if p < 0 || p > 1 {
		return Money{}, fmt.Errorf("percent %v out of [0,1]", p)
	}
	return m.MulFloat(p)
}

// Min returns the smaller of m and o; currencies must match.
func (m Money) Min(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	if o.Amount < m.Amount {
		return o, nil
	}
	return m, nil
}
