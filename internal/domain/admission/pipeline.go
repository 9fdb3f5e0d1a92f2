package admission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/domain/pricing"
)

// plan is an order that passed every check not requiring the store's
// transaction. It is immutable once built and may be applied more than once
// when the store retries a transaction.
type plan struct {
	order *ProposedOrder
	at    time.Time

	// customerForm is the submitted customer form answer, nil when the
	// stored answer was used or no form is required.
	customerFormID string
	customerForm   form.Answer

	basket pricing.PricedBasket
	// couponErr is the coupon lookup outcome, reported after pricing.
	couponErr error
	lines     []plannedLine

	orderID string
}

type plannedLine struct {
	index         int
	line          *Line
	svc           *catalog.Service
	slot          catalog.Slot
	key           catalog.CapacityKey
	orderLineID   string
	bookingID     string
	reservationID string
}

// checkReferences rejects orders naming data the catalog does not have.
func checkReferences(cat *catalog.Catalog, o *ProposedOrder) error {
	if cat.Tenant != o.Tenant {
		return &RequestError{Field: "tenant", Reason: fmt.Sprintf("catalog of %s used for %s", cat.Tenant, o.Tenant)}
	}
	if o.Customer.Email == "" {
		return &RequestError{Field: "customer.email", Reason: "required"}
	}
	if len(o.Lines) == 0 {
		return &RequestError{Field: "lines", Reason: "at least one line is required"}
	}
	for i := range o.Lines {
		l := &o.Lines[i]
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }

		svc, ok := cat.Service(l.ServiceID)
		if !ok {
			return &RequestError{Field: field("serviceId"), Reason: fmt.Sprintf("unknown service %q", l.ServiceID)}
		}
		if _, ok := cat.Location(l.LocationID); !ok {
			return &RequestError{Field: field("locationId"), Reason: fmt.Sprintf("unknown location %q", l.LocationID)}
		}
		if !svc.OffersAt(l.LocationID) {
			return &RequestError{Field: field("locationId"), Reason: fmt.Sprintf("service %q is not offered at %q", svc.ID, l.LocationID)}
		}
		if l.Date.IsZero() {
			return &RequestError{Field: field("date"), Reason: "required"}
		}
		for j, a := range l.AddOns {
			addOn, ok := cat.AddOn(a.AddOnID)
			switch {
			case !ok:
				return &RequestError{Field: field(fmt.Sprintf("addOns[%d]", j)), Reason: fmt.Sprintf("unknown add-on %q", a.AddOnID)}
			case !svc.Permits(a.AddOnID):
				return &RequestError{Field: field(fmt.Sprintf("addOns[%d]", j)), Reason: fmt.Sprintf("add-on %q is not permitted with %q", a.AddOnID, svc.ID)}
			case a.Quantity < 1:
				return &RequestError{Field: field(fmt.Sprintf("addOns[%d].quantity", j)), Reason: "must be at least 1"}
			case a.Quantity > 1 && !addOn.RequiresQuantity:
				return &RequestError{Field: field(fmt.Sprintf("addOns[%d].quantity", j)), Reason: fmt.Sprintf("add-on %q can be ordered once", a.AddOnID)}
			}
		}
	}
	return nil
}

// checkCustomerForm resolves the customer form answer, falling back to the
// answer stored for a returning customer.
func (e *Engine) checkCustomerForm(ctx context.Context, cat *catalog.Catalog, p *plan) error {
	formID := cat.CustomerFormID
	if formID == "" {
		return nil
	}

	answer := p.order.Customer.FormData
	submitted := !answer.Absent()
	if !submitted {
		stored, err := e.store.CustomerForm(ctx, p.order.Tenant, p.order.Customer.Email, formID)
		if err != nil {
			return &Error{Code: CodeStorageFailure, Message: "customer form could not be loaded", Err: err}
		}
		answer = stored
	}

	res := e.forms.Check(formID, schemaOf(cat, formID), answer)
	switch res.Outcome {
	case form.Absent:
		return reject(CodeCustomerFormMissing, "customer form %q has not been answered", formID)
	case form.Invalid:
		return &Error{Code: CodeCustomerFormInvalid, Message: res.Err.Error(), Err: res.Err}
	}
	if submitted {
		p.customerFormID = formID
		p.customerForm = answer
	}
	return nil
}

// checkServiceForms requires an answer per service form, in the order the
// service lists its forms.
func (e *Engine) checkServiceForms(cat *catalog.Catalog, p *plan) error {
	for i := range p.order.Lines {
		l := &p.order.Lines[i]
		svc, _ := cat.Service(l.ServiceID)
		for j, formID := range svc.FormIDs {
			var answer form.Answer
			if j < len(l.ServiceFormData) {
				answer = l.ServiceFormData[j]
			}
			res := e.forms.Check(formID, schemaOf(cat, formID), answer)
			switch res.Outcome {
			case form.Absent:
				return reject(CodeServiceFormMissing, "line %d: service %q requires form %q", i, svc.ID, formID)
			case form.Invalid:
				return &Error{
					Code:    CodeServiceFormInvalid,
					Message: fmt.Sprintf("line %d: %s", i, res.Err),
					Err:     res.Err,
				}
			}
		}
	}
	return nil
}

// checkPrice recomputes the total. The coupon discounts the order only when
// it resolves and is valid; coupon problems are reported by checkCoupon.
func (e *Engine) checkPrice(ctx context.Context, cat *catalog.Catalog, p *plan) error {
	var discount *coupon.Coupon
	if code := p.order.CouponCode; code != "" {
		c, err := coupon.Check(ctx, e.store.Coupons(p.order.Tenant), code, p.at)
		switch {
		case err == nil:
			discount = c
		case !errors.Is(err, coupon.ErrNotFound) && !errors.Is(err, coupon.ErrExpired):
			// Without the coupon the total cannot be judged.
			return checkCoupon(code, err)
		}
		p.couponErr = err
	}

	lines := make([]pricing.Line, len(p.order.Lines))
	for i, l := range p.order.Lines {
		lines[i] = pricing.Line{
			ServiceID: l.ServiceID,
			AddOns:    l.AddOns,
			Date:      l.Date,
			Timeslot:  l.Timeslot,
		}
	}
	basket, err := e.oracle.PriceOrder(cat, lines, discount)
	if err != nil {
		return &RequestError{Field: "lines", Reason: err.Error()}
	}
	if !basket.Total.Equal(p.order.Total) {
		return reject(CodeWrongTotalPrice, "expected total price of %s but got %s", basket.Total, p.order.Total)
	}
	p.basket = basket
	return nil
}

func checkCoupon(code string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coupon.ErrNotFound):
		return reject(CodeNoSuchCoupon, "coupon %q does not exist", code)
	case errors.Is(err, coupon.ErrExpired):
		return reject(CodeExpiredCoupon, "coupon %q has expired", code)
	default:
		return &Error{Code: CodeStorageFailure, Message: "coupon could not be resolved", Err: err}
	}
}

// resolveSlots maps every line onto a slot and its capacity key.
func (e *Engine) resolveSlots(cat *catalog.Catalog, p *plan) error {
	p.lines = make([]plannedLine, len(p.order.Lines))
	for i := range p.order.Lines {
		l := &p.order.Lines[i]
		svc, _ := cat.Service(l.ServiceID)
		slot, err := cat.ResolveSlot(svc, l.LocationID, l.Timeslot)
		if err != nil {
			return &Error{
				Code:    CodeNoSuchTimeslotID,
				Message: fmt.Sprintf("line %d: %s", i, err),
				Err:     err,
			}
		}
		p.lines[i] = plannedLine{
			index:         i,
			line:          l,
			svc:           svc,
			slot:          slot,
			key:           slot.CapacityKey(p.order.Tenant, l.LocationID, l.Date),
			orderLineID:   e.newID(),
			bookingID:     e.newID(),
			reservationID: e.newID(),
		}
	}
	return nil
}

// byKey returns the planned lines ordered by capacity key so concurrent
// transactions take counter locks in the same order.
func (p *plan) byKey() []plannedLine {
	out := make([]plannedLine, len(p.lines))
	copy(out, p.lines)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].key.String() < out[j].key.String()
	})
	return out
}

func schemaOf(cat *catalog.Catalog, formID string) []byte {
	if f, ok := cat.Form(formID); ok {
		return f.Schema
	}
	return nil
}
