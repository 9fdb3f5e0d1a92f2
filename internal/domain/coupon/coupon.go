package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the order subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed number of minor units off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
)

var (
	// ErrNotFound is returned when a coupon code does not resolve.
	ErrNotFound = errors.New("no such coupon")
	// ErrExpired is returned when a coupon is outside its validity window.
	ErrExpired = errors.New("coupon expired")
)

// Coupon is tenant-issued reference data. It is never mutated by admission.
type Coupon struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	DiscountType DiscountType    `json:"discountType"`
	Value        decimal.Decimal `json:"value"`
	Description  string          `json:"description,omitempty"`
	ValidFrom    *time.Time      `json:"validFrom,omitempty"`
	ValidUntil   *time.Time      `json:"validUntil,omitempty"`
}

// IsExpired reports whether the coupon cannot be used at the given instant.
// A coupon whose window has not opened yet counts as expired.
func IsExpired(c *Coupon, at time.Time) bool {
	if c.ValidFrom != nil && at.Before(*c.ValidFrom) {
		return true
	}
	if c.ValidUntil != nil && at.After(*c.ValidUntil) {
		return true
	}
	return false
}

// Ledger resolves coupon codes for a single tenant.
type Ledger interface {
	Resolve(ctx context.Context, code string) (*Coupon, error)
}

// Check resolves the code and verifies it is usable at the given instant.
// It returns ErrNotFound or ErrExpired for unusable codes.
func Check(ctx context.Context, l Ledger, code string, at time.Time) (*Coupon, error) {
	c, err := l.Resolve(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "resolve coupon")
	}
	if IsExpired(c, at) {
		return c, ErrExpired
	}
	return c, nil
}

// Static is a Ledger over an in-memory slice, typically a catalog snapshot.
type Static []Coupon

// Resolve finds a coupon by code, ignoring case.
func (s Static) Resolve(_ context.Context, code string) (*Coupon, error) {
	for i := range s {
		if strings.EqualFold(s[i].Code, code) {
			c := s[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}
