package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/slotbook/internal/domain/money"
)

type mockLedger struct {
	coupon *Coupon
	err    error
	code   string
}

func (m *mockLedger) Resolve(_ context.Context, code string) (*Coupon, error) {
	m.code = code
	return m.coupon, m.err
}

func TestCheck(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	pastTime := fixedNow.Add(-24 * time.Hour)
	futureTime := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name    string
		ledger  *mockLedger
		wantErr error
	}{
		{
			name: "open ended coupon is usable",
			ledger: &mockLedger{coupon: &Coupon{
				Code: "20-percent-off", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(20),
			}},
		},
		{
			name:    "unknown code",
			ledger:  &mockLedger{err: ErrNotFound},
			wantErr: ErrNotFound,
		},
		{
			name: "valid_until in the past",
			ledger: &mockLedger{coupon: &Coupon{
				Code: "expired-20-percent-off", DiscountType: DiscountPercentage,
				Value: decimal.NewFromInt(20), ValidUntil: &pastTime,
			}},
			wantErr: ErrExpired,
		},
		{
			name: "valid_from in the future",
			ledger: &mockLedger{coupon: &Coupon{
				Code: "soon", DiscountType: DiscountFixed, Value: decimal.NewFromInt(500), ValidFrom: &futureTime,
			}},
			wantErr: ErrExpired,
		},
		{
			name: "inside window",
			ledger: &mockLedger{coupon: &Coupon{
				Code: "window", DiscountType: DiscountFixed, Value: decimal.NewFromInt(500),
				ValidFrom: &pastTime, ValidUntil: &futureTime,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Check(context.Background(), tt.ledger, "CODE", fixedNow)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
			assert.Equal(t, "CODE", tt.ledger.code)
		})
	}
}

func TestCheck_WrapsLookupFailure(t *testing.T) {
	l := &mockLedger{err: errors.New("connection reset")}
	_, err := Check(context.Background(), l, "x", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStatic_Resolve(t *testing.T) {
	s := Static{{Code: "Twenty-Off"}, {Code: "ten-off"}}

	c, err := s.Resolve(context.Background(), "twenty-off")
	require.NoError(t, err)
	assert.Equal(t, "Twenty-Off", c.Code)

	_, err = s.Resolve(context.Background(), "this-does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscount(t *testing.T) {
	subtotal := money.New(3500, "GBP")

	tests := []struct {
		name   string
		coupon Coupon
		want   int64
	}{
		{"percentage", Coupon{DiscountType: DiscountPercentage, Value: decimal.NewFromInt(20)}, 700},
		{"percentage rounds to minor units", Coupon{DiscountType: DiscountPercentage, Value: decimal.NewFromInt(15)}, 525},
		{"fixed", Coupon{DiscountType: DiscountFixed, Value: decimal.NewFromInt(1000)}, 1000},
		{"fixed capped at subtotal", Coupon{DiscountType: DiscountFixed, Value: decimal.NewFromInt(9000)}, 3500},
		{"full percentage", Coupon{DiscountType: DiscountPercentage, Value: decimal.NewFromInt(100)}, 3500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Discount(&tt.coupon, subtotal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Minor())
			assert.Equal(t, "GBP", d.Currency)
		})
	}
}

func TestDiscount_UnknownType(t *testing.T) {
	_, err := Discount(&Coupon{DiscountType: "free_lowest"}, money.New(100, "GBP"))
	require.Error(t, err)
}
