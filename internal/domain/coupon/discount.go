package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/slotbook/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// Discount computes the amount the coupon takes off the given subtotal.
// The result is whole minor units and never exceeds the subtotal.
func Discount(c *Coupon, subtotal money.Money) (money.Money, error) {
	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Amount.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		amount = c.Value
	default:
		return money.Money{}, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	amount = decimal.Min(amount, subtotal.Amount).Round(0)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return money.Money{Amount: amount, Currency: subtotal.Currency}, nil
}
