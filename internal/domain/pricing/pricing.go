// Package pricing computes authoritative prices for order lines and baskets
// from catalog data. Every function here is pure.
package pricing

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/money"
)

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrUnknownAddOn    = errors.New("unknown add-on")
	ErrCurrencyMixed   = errors.New("basket mixes currencies")
	ErrInvalidQuantity = errors.New("add-on quantity must be at least 1")
	ErrEmptyBasket     = errors.New("basket has no lines")
)

// AddOnOrder is an add-on requested on a line.
type AddOnOrder struct {
	AddOnID  string `json:"addOnId"`
	Quantity int    `json:"quantity"`
}

// Line is an unpriced basket line.
type Line struct {
	ServiceID string
	AddOns    []AddOnOrder
	Date      time.Time
	Timeslot  catalog.SlotSpec
}

type PricedAddOn struct {
	AddOnID  string      `json:"addOnId"`
	Quantity int         `json:"quantity"`
	Unit     money.Money `json:"unit"`
	Total    money.Money `json:"total"`
}

type PricedLine struct {
	ServiceID    string        `json:"serviceId"`
	ServicePrice money.Money   `json:"servicePrice"`
	AddOns       []PricedAddOn `json:"addOns"`
	Total        money.Money   `json:"total"`
}

// PricedBasket is the result of pricing a whole order.
type PricedBasket struct {
	Lines      []PricedLine `json:"lines"`
	Subtotal   money.Money  `json:"subtotal"`
	CouponCode string       `json:"couponCode,omitempty"`
	Discount   money.Money  `json:"discount"`
	Total      money.Money  `json:"total"`
}

// Oracle prices lines and orders against a catalog snapshot.
type Oracle interface {
	Price(cat *catalog.Catalog, line Line) (PricedLine, error)
	PriceOrder(cat *catalog.Catalog, lines []Line, c *coupon.Coupon) (PricedBasket, error)
}

// CatalogOracle prices a line as its service price plus each add-on's price
// times quantity. Date and timeslot do not affect the price.
type CatalogOracle struct{}

var _ Oracle = CatalogOracle{}

func (CatalogOracle) Price(cat *catalog.Catalog, line Line) (PricedLine, error) {
	svc, ok := cat.Service(line.ServiceID)
	if !ok {
		return PricedLine{}, errors.Wrapf(ErrUnknownService, "service %q", line.ServiceID)
	}

	priced := PricedLine{
		ServiceID:    svc.ID,
		ServicePrice: svc.Price,
		AddOns:       make([]PricedAddOn, 0, len(line.AddOns)),
		Total:        svc.Price,
	}
	for _, o := range line.AddOns {
		a, ok := cat.AddOn(o.AddOnID)
		if !ok {
			return PricedLine{}, errors.Wrapf(ErrUnknownAddOn, "add-on %q", o.AddOnID)
		}
		if o.Quantity < 1 {
			return PricedLine{}, errors.Wrapf(ErrInvalidQuantity, "add-on %q", o.AddOnID)
		}
		if a.Price.Currency != svc.Price.Currency {
			return PricedLine{}, errors.Wrapf(ErrCurrencyMixed, "add-on %q", o.AddOnID)
		}
		total := a.Price.Times(o.Quantity)
		priced.AddOns = append(priced.AddOns, PricedAddOn{
			AddOnID:  a.ID,
			Quantity: o.Quantity,
			Unit:     a.Price,
			Total:    total,
		})
		priced.Total = priced.Total.Add(total)
	}
	return priced, nil
}

// PriceOrder sums the lines and applies the coupon once to the subtotal.
// A nil coupon means no discount.
func (o CatalogOracle) PriceOrder(cat *catalog.Catalog, lines []Line, c *coupon.Coupon) (PricedBasket, error) {
	if len(lines) == 0 {
		return PricedBasket{}, ErrEmptyBasket
	}

	basket := PricedBasket{Lines: make([]PricedLine, 0, len(lines))}
	for i, l := range lines {
		priced, err := o.Price(cat, l)
		if err != nil {
			return PricedBasket{}, errors.Wrapf(err, "line %d", i)
		}
		if i == 0 {
			basket.Subtotal = money.Zero(priced.Total.Currency)
		} else if priced.Total.Currency != basket.Subtotal.Currency {
			return PricedBasket{}, errors.Wrapf(ErrCurrencyMixed, "line %d", i)
		}
		basket.Lines = append(basket.Lines, priced)
		basket.Subtotal = basket.Subtotal.Add(priced.Total)
	}

	basket.Discount = money.Zero(basket.Subtotal.Currency)
	if c != nil {
		d, err := coupon.Discount(c, basket.Subtotal)
		if err != nil {
			return PricedBasket{}, errors.Wrap(err, "apply coupon")
		}
		basket.CouponCode = c.Code
		basket.Discount = d
	}
	basket.Total = basket.Subtotal.Sub(basket.Discount)
	return basket, nil
}
