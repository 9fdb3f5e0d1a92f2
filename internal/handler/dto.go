package handler

import (
	"encoding/json"
	"fmt"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/domain/money"
	"github.com/xenking/slotbook/internal/domain/pricing"
)

// moneyDTO carries amounts as integer minor units.
type moneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m moneyDTO) domain() money.Money {
	return money.New(m.Amount, m.Currency)
}

func toMoneyDTO(m money.Money) moneyDTO {
	return moneyDTO{Amount: m.Minor(), Currency: m.Currency}
}

type orderRequest struct {
	Order      orderDTO `json:"order"`
	OrderTotal moneyDTO `json:"orderTotal"`
}

type orderDTO struct {
	Customer   customerDTO `json:"customer"`
	CouponCode string      `json:"couponCode,omitempty"`
	Lines      []lineDTO   `json:"lines"`
}

type customerDTO struct {
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Email     string          `json:"email"`
	Phone     string          `json:"phone,omitempty"`
	FormData  json.RawMessage `json:"formData,omitempty"`
}

type lineDTO struct {
	ServiceID       string            `json:"serviceId"`
	LocationID      string            `json:"locationId"`
	AddOns          []addOnDTO        `json:"addOns"`
	Date            string            `json:"date"`
	Timeslot        timeslotDTO       `json:"timeslot"`
	ServiceFormData []json.RawMessage `json:"serviceFormData"`
	Price           *moneyDTO         `json:"price,omitempty"`
}

type addOnDTO struct {
	AddOnID  string `json:"addOnId"`
	Quantity int    `json:"quantity"`
}

type timeslotDTO struct {
	ID    string `json:"id,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// domain converts the request into a proposed order. Malformed dates and
// times are reported as *admission.RequestError.
func (req *orderRequest) domain(tenant catalog.TenantEnvironment) (*admission.ProposedOrder, error) {
	o := &admission.ProposedOrder{
		Tenant: tenant,
		Customer: admission.Customer{
			FirstName: req.Order.Customer.FirstName,
			LastName:  req.Order.Customer.LastName,
			Email:     req.Order.Customer.Email,
			Phone:     req.Order.Customer.Phone,
			FormData:  form.Answer(req.Order.Customer.FormData),
		},
		CouponCode: req.Order.CouponCode,
		Total:      req.OrderTotal.domain(),
		Lines:      make([]admission.Line, len(req.Order.Lines)),
	}

	for i, l := range req.Order.Lines {
		field := func(name string) string { return fmt.Sprintf("order.lines[%d].%s", i, name) }

		date, err := catalog.ParseDate(l.Date)
		if err != nil {
			return nil, &admission.RequestError{Field: field("date"), Reason: "expected YYYY-MM-DD"}
		}
		spec, err := l.Timeslot.spec()
		if err != nil {
			return nil, &admission.RequestError{Field: field("timeslot"), Reason: err.Error()}
		}

		line := admission.Line{
			ServiceID:  l.ServiceID,
			LocationID: l.LocationID,
			Date:       date,
			Timeslot:   spec,
		}
		for _, a := range l.AddOns {
			qty := a.Quantity
			if qty == 0 {
				qty = 1
			}
			line.AddOns = append(line.AddOns, pricing.AddOnOrder{AddOnID: a.AddOnID, Quantity: qty})
		}
		for _, answer := range l.ServiceFormData {
			line.ServiceFormData = append(line.ServiceFormData, form.Answer(answer))
		}
		if l.Price != nil {
			p := l.Price.domain()
			line.Price = &p
		}
		o.Lines[i] = line
	}
	return o, nil
}

func (t timeslotDTO) spec() (catalog.SlotSpec, error) {
	if t.ID != "" {
		return catalog.SlotSpec{ID: t.ID}, nil
	}
	if t.Start == "" || t.End == "" {
		return catalog.SlotSpec{}, fmt.Errorf("either id or start and end are required")
	}
	start, err := catalog.ParseTimeOfDay(t.Start)
	if err != nil {
		return catalog.SlotSpec{}, err
	}
	end, err := catalog.ParseTimeOfDay(t.End)
	if err != nil {
		return catalog.SlotSpec{}, err
	}
	w, err := catalog.NewWindow(start, end)
	if err != nil {
		return catalog.SlotSpec{}, err
	}
	return catalog.SlotSpec{Window: &w}, nil
}

type availabilityResponse struct {
	ServiceID  string                     `json:"serviceId"`
	LocationID string                     `json:"locationId"`
	Slots      map[string][]availableSlot `json:"slots"`
}

type availableSlot struct {
	TimeslotID string   `json:"timeslotId,omitempty"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Remaining  int      `json:"remaining"`
	Price      moneyDTO `json:"price"`
}
