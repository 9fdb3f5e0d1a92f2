package admission

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/outbox"
)

// apply runs the in-transaction part of the pipeline. Rejections are
// returned as *Error so the store rolls back without retrying.
func (e *Engine) apply(ctx context.Context, cat *catalog.Catalog, p *plan, tx Tx) (*Receipt, error) {
	tenant := p.order.Tenant

	if code := p.order.CouponCode; code != "" {
		c, err := tx.ResolveCoupon(ctx, tenant, code)
		switch {
		case errors.Is(err, coupon.ErrNotFound):
			return nil, reject(CodeNoSuchCoupon, "coupon %q does not exist", code)
		case err != nil:
			return nil, errors.Wrap(err, "resolve coupon")
		case coupon.IsExpired(c, p.at):
			return nil, reject(CodeExpiredCoupon, "coupon %q has expired", code)
		}
	}

	for _, l := range p.lines {
		if err := checkAvailability(ctx, cat, tx, tenant, l); err != nil {
			return nil, err
		}
	}

	customerID, err := tx.UpsertCustomer(ctx, CustomerRecord{
		ID:         e.newID(),
		Tenant:     tenant,
		Email:      p.order.Customer.Email,
		FirstName:  p.order.Customer.FirstName,
		LastName:   p.order.Customer.LastName,
		Phone:      p.order.Customer.Phone,
		FormID:     p.customerFormID,
		FormAnswer: p.customerForm,
	})
	if err != nil {
		return nil, errors.Wrap(err, "upsert customer")
	}

	now := p.at.UTC()
	record := p.record(customerID, now)
	if err := tx.InsertOrderGraph(ctx, record); err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	resources := make([][]string, len(p.lines))
	for _, l := range p.lines {
		ids, err := claimResources(ctx, cat, tx, tenant, l)
		if err != nil {
			return nil, err
		}
		resources[l.index] = ids
	}

	for _, l := range p.byKey() {
		r := ReservationRecord{
			ID:          l.reservationID,
			BookingID:   l.bookingID,
			ServiceID:   l.svc.ID,
			Key:         l.key,
			Window:      l.slot.Window,
			ResourceIDs: resources[l.index],
			CreatedAt:   now,
		}
		var err error
		if l.slot.AdHoc() {
			err = tx.ReserveWindow(ctx, r, l.slot.Capacity)
		} else {
			err = tx.Reserve(ctx, r, l.slot.Capacity)
		}
		if errors.Is(err, ErrCapacityExhausted) {
			return nil, reject(CodeNoAvailability, "line %d: %s is full", l.index, l.key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reserve line %d", l.index)
		}
	}

	receipt := p.receipt(customerID)
	ev, err := outbox.NewEvent(tenant.EnvironmentID, tenant.TenantID, outbox.TopicOrderAdmitted, p.orderID,
		p.admitted(receipt, resources), now)
	if err != nil {
		return nil, err
	}
	if err := tx.Enqueue(ctx, ev); err != nil {
		return nil, errors.Wrap(err, "enqueue event")
	}
	return receipt, nil
}

func checkAvailability(ctx context.Context, cat *catalog.Catalog, tx Tx, tenant catalog.TenantEnvironment, l plannedLine) error {
	date := l.line.Date
	if !cat.Bookable(l.line.LocationID, date, l.slot) {
		return reject(CodeNoAvailability, "line %d: %s at %q is closed on %s",
			l.index, l.slot.Window, l.line.LocationID, date.Format(catalog.DateLayout))
	}

	var (
		ok  bool
		err error
	)
	if l.slot.AdHoc() {
		ok, err = tx.WindowAvailable(ctx, l.key, l.slot.Window, l.slot.Capacity)
	} else {
		ok, err = tx.IsAvailable(ctx, l.key, l.slot.Capacity)
	}
	if err != nil {
		return errors.Wrapf(err, "check capacity of line %d", l.index)
	}
	if !ok {
		return reject(CodeNoAvailability, "line %d: %s is full", l.index, l.key)
	}

	for _, typ := range l.svc.ResourceTypes {
		free := false
		for _, r := range cat.QualifiedResources(typ, l.line.LocationID, date, l.slot.Window) {
			if free, err = tx.ResourceFree(ctx, tenant, r.ID, date, l.slot.Window); err != nil {
				return errors.Wrapf(err, "check resource %q", r.ID)
			}
			if free {
				break
			}
		}
		if !free {
			return reject(CodeNoAvailability, "line %d: no %s is available for %s on %s",
				l.index, typ, l.slot.Window, date.Format(catalog.DateLayout))
		}
	}
	return nil
}

// claimResources assigns the first free qualified resource of every type the
// service requires.
func claimResources(ctx context.Context, cat *catalog.Catalog, tx Tx, tenant catalog.TenantEnvironment, l plannedLine) ([]string, error) {
	var ids []string
	for _, typ := range l.svc.ResourceTypes {
		claimed := ""
		for _, r := range cat.QualifiedResources(typ, l.line.LocationID, l.line.Date, l.slot.Window) {
			err := tx.ClaimResource(ctx, ResourceClaim{
				Tenant:     tenant,
				ResourceID: r.ID,
				Date:       l.line.Date,
				Window:     l.slot.Window,
				BookingID:  l.bookingID,
			})
			if errors.Is(err, ErrCapacityExhausted) {
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "claim resource %q", r.ID)
			}
			claimed = r.ID
			break
		}
		if claimed == "" {
			return nil, reject(CodeNoAvailability, "line %d: no %s is available for %s on %s",
				l.index, typ, l.slot.Window, l.line.Date.Format(catalog.DateLayout))
		}
		ids = append(ids, claimed)
	}
	return ids, nil
}

func (p *plan) record(customerID string, now time.Time) *OrderRecord {
	o := &OrderRecord{
		ID:         p.orderID,
		Tenant:     p.order.Tenant,
		CustomerID: customerID,
		CouponCode: p.basket.CouponCode,
		Subtotal:   p.basket.Subtotal,
		Discount:   p.basket.Discount,
		Total:      p.basket.Total,
		CreatedAt:  now,
		Lines:      make([]OrderLineRecord, len(p.lines)),
	}
	for _, l := range p.lines {
		o.Lines[l.index] = OrderLineRecord{
			ID:              l.orderLineID,
			BookingID:       l.bookingID,
			ServiceID:       l.svc.ID,
			LocationID:      l.line.LocationID,
			Date:            l.line.Date,
			TimeslotID:      l.slot.TimeslotID,
			Window:          l.slot.Window,
			AddOns:          p.basket.Lines[l.index].AddOns,
			ServiceFormData: l.line.ServiceFormData,
			Price:           p.basket.Lines[l.index].Total,
			SubmittedPrice:  l.line.Price,
		}
	}
	return o
}

func (p *plan) receipt(customerID string) *Receipt {
	r := &Receipt{
		OrderID:        p.orderID,
		CustomerID:     customerID,
		OrderLineIDs:   make([]string, len(p.lines)),
		BookingIDs:     make([]string, len(p.lines)),
		ReservationIDs: make([]string, len(p.lines)),
	}
	for _, l := range p.lines {
		r.OrderLineIDs[l.index] = l.orderLineID
		r.BookingIDs[l.index] = l.bookingID
		r.ReservationIDs[l.index] = l.reservationID
	}
	return r
}

func (p *plan) admitted(r *Receipt, resources [][]string) outbox.OrderAdmitted {
	ev := outbox.OrderAdmitted{
		OrderID:        r.OrderID,
		CustomerID:     r.CustomerID,
		CouponCode:     p.basket.CouponCode,
		Total:          p.basket.Total.Minor(),
		Currency:       p.basket.Total.Currency,
		Lines:          make([]outbox.AdmittedLine, len(p.lines)),
		OrderLineIDs:   r.OrderLineIDs,
		BookingIDs:     r.BookingIDs,
		ReservationIDs: r.ReservationIDs,
	}
	for _, l := range p.lines {
		ev.Lines[l.index] = outbox.AdmittedLine{
			ServiceID:   l.svc.ID,
			LocationID:  l.line.LocationID,
			Date:        l.line.Date.Format(catalog.DateLayout),
			Start:       l.slot.Window.Start.String(),
			End:         l.slot.Window.End.String(),
			TimeslotID:  l.slot.TimeslotID,
			ResourceIDs: resources[l.index],
		}
	}
	return ev
}
