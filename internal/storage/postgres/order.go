package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/domain/pricing"
)

// insertOrderGraph writes the order, its lines and one booking per line in
// a single round trip.
func insertOrderGraph(ctx context.Context, tx pgx.Tx, o *admission.OrderRecord) error {
	var couponCode *string
	if o.CouponCode != "" {
		couponCode = &o.CouponCode
	}

	b := &pgx.Batch{}
	b.Queue(`
		INSERT INTO orders (id, environment_id, tenant_id, customer_id, coupon_code, subtotal, discount, total, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.Tenant.EnvironmentID, o.Tenant.TenantID, o.CustomerID, couponCode,
		o.Subtotal.Amount, o.Discount.Amount, o.Total.Amount, o.Total.Currency, o.CreatedAt,
	)

	for i, l := range o.Lines {
		addOns, err := marshalAddOns(l.AddOns)
		if err != nil {
			return fmt.Errorf("marshaling add-ons of line %d: %w", i, err)
		}
		forms, err := marshalAnswers(l.ServiceFormData)
		if err != nil {
			return fmt.Errorf("marshaling service forms of line %d: %w", i, err)
		}

		var timeslotID *string
		if l.TimeslotID != "" {
			timeslotID = &l.TimeslotID
		}
		submitted := decimal.NullDecimal{}
		if l.SubmittedPrice != nil {
			submitted = decimal.NewNullDecimal(l.SubmittedPrice.Amount)
		}

		b.Queue(`
			INSERT INTO order_lines
			    (id, order_id, position, service_id, location_id, date, timeslot_id, start_minute, end_minute,
			     add_ons, service_form_data, price, submitted_price, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			l.ID, o.ID, i, l.ServiceID, l.LocationID, l.Date, timeslotID,
			int16(l.Window.Start), int16(l.Window.End),
			addOns, forms, l.Price.Amount, submitted, l.Price.Currency,
		)
		b.Queue(`
			INSERT INTO bookings
			    (id, environment_id, tenant_id, order_id, order_line_id, customer_id, service_id, location_id,
			     date, start_minute, end_minute, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			l.BookingID, o.Tenant.EnvironmentID, o.Tenant.TenantID, o.ID, l.ID, o.CustomerID,
			l.ServiceID, l.LocationID, l.Date, int16(l.Window.Start), int16(l.Window.End), o.CreatedAt,
		)
	}

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}
	return nil
}

func marshalAddOns(addOns []pricing.PricedAddOn) ([]byte, error) {
	if addOns == nil {
		addOns = []pricing.PricedAddOn{}
	}
	return json.Marshal(addOns)
}

func marshalAnswers(answers []form.Answer) ([]byte, error) {
	raw := make([]json.RawMessage, len(answers))
	for i, a := range answers {
		if a.Absent() {
			raw[i] = json.RawMessage("null")
			continue
		}
		raw[i] = json.RawMessage(a)
	}
	return json.Marshal(raw)
}
