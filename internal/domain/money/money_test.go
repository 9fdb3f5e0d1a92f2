package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney_Arithmetic(t *testing.T) {
	wash := New(1000, "GBP")
	wax := New(500, "GBP")

	assert.True(t, wash.Add(wax).Equal(New(1500, "GBP")))
	assert.True(t, wax.Times(3).Equal(New(1500, "GBP")))
	assert.True(t, wax.Sub(wash).Equal(Zero("GBP")), "subtraction floors at zero")
	assert.False(t, wash.Equal(New(1000, "EUR")))
}

func TestMoney_MinorRounds(t *testing.T) {
	m := Money{Amount: decimal.RequireFromString("1499.5"), Currency: "GBP"}
	assert.Equal(t, int64(1500), m.Minor())
	assert.Equal(t, "1500 GBP", m.String())
}
