package admission

import (
	"time"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/domain/money"
	"github.com/xenking/slotbook/internal/domain/pricing"
)

// ProposedOrder is an order as submitted by a client.
type ProposedOrder struct {
	Tenant     catalog.TenantEnvironment
	Customer   Customer
	CouponCode string
	Lines      []Line
	// Total is the client's assertion of the order total.
	Total money.Money
}

type Customer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	FormData  form.Answer
}

type Line struct {
	ServiceID       string
	LocationID      string
	AddOns          []pricing.AddOnOrder
	Date            time.Time
	Timeslot        catalog.SlotSpec
	ServiceFormData []form.Answer
	// Price is the client's line price, recorded for audit only.
	Price *money.Money
}

// Receipt identifies everything created by a successful admission. The id
// slices are index-aligned with the submitted lines.
type Receipt struct {
	OrderID        string   `json:"orderId"`
	CustomerID     string   `json:"customerId"`
	OrderLineIDs   []string `json:"orderLineIds"`
	BookingIDs     []string `json:"bookingIds"`
	ReservationIDs []string `json:"reservationIds"`
}

// CustomerRecord is written by Tx.UpsertCustomer. ID is used only when the
// customer does not exist yet.
type CustomerRecord struct {
	ID        string
	Tenant    catalog.TenantEnvironment
	Email     string
	FirstName string
	LastName  string
	Phone     string
	// FormID and FormAnswer are set when a customer form answer was
	// submitted with the order.
	FormID     string
	FormAnswer form.Answer
}

// OrderRecord is the order graph written by Tx.InsertOrderGraph: the order,
// its lines and one booking per line.
type OrderRecord struct {
	ID         string
	Tenant     catalog.TenantEnvironment
	CustomerID string
	CouponCode string
	Subtotal   money.Money
	Discount   money.Money
	Total      money.Money
	CreatedAt  time.Time
	Lines      []OrderLineRecord
}

type OrderLineRecord struct {
	ID              string
	BookingID       string
	ServiceID       string
	LocationID      string
	Date            time.Time
	TimeslotID      string
	Window          catalog.Window
	AddOns          []pricing.PricedAddOn
	ServiceFormData []form.Answer
	// Price is the recomputed line total; SubmittedPrice is what the client sent.
	Price          money.Money
	SubmittedPrice *money.Money
}

// ReservationRecord consumes one unit of Key for a booking.
type ReservationRecord struct {
	ID        string
	BookingID string
	// ServiceID is the booked service. Key.ServiceID is empty when the
	// timeslot is shared.
	ServiceID   string
	Key         catalog.CapacityKey
	Window      catalog.Window
	ResourceIDs []string
	CreatedAt   time.Time
}

// ResourceClaim holds a resource for a window on a date.
type ResourceClaim struct {
	Tenant     catalog.TenantEnvironment
	ResourceID string
	Date       time.Time
	Window     catalog.Window
	BookingID  string
}
