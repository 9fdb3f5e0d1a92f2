// Package money represents prices as whole minor units (pence, cents) in a
// single currency.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount of minor currency units tagged with an ISO currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New returns Money for the given number of minor units.
func New(minor int64, currency string) Money {
	return Money{Amount: decimal.NewFromInt(minor), Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add returns m + o. The caller guarantees both share a currency.
func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}
}

// Sub returns m - o floored at zero.
func (m Money) Sub(o Money) Money {
	amount := m.Amount.Sub(o.Amount)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return Money{Amount: amount, Currency: m.Currency}
}

// Times returns m multiplied by a quantity.
func (m Money) Times(qty int) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(int64(qty))), Currency: m.Currency}
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Minor returns the amount as an integer count of minor units, rounding
// half away from zero.
func (m Money) Minor() int64 {
	return m.Amount.Round(0).IntPart()
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.Round(0).String(), m.Currency)
}
