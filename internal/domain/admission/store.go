package admission

import (
	"context"
	"time"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/outbox"
)

// Store is the transactional reservation store.
type Store interface {
	// CustomerForm returns the stored answer of a returning customer for the
	// form, or a nil answer when there is none.
	CustomerForm(ctx context.Context, tenant catalog.TenantEnvironment, email, formID string) (form.Answer, error)

	// Coupons looks coupons of the tenant up by code. Codes are not part of
	// the catalog snapshot.
	Coupons(tenant catalog.TenantEnvironment) coupon.Ledger

	// Within runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside an admission transaction.
type Tx interface {
	// ResolveCoupon reads the coupon from the authoritative store. It
	// returns coupon.ErrNotFound for unknown codes.
	ResolveCoupon(ctx context.Context, tenant catalog.TenantEnvironment, code string) (*coupon.Coupon, error)

	// IsAvailable reports whether fewer than capacity units of key are
	// reserved, including reservations made earlier in this transaction.
	IsAvailable(ctx context.Context, key catalog.CapacityKey, capacity int) (bool, error)

	// ResourceFree reports whether the resource has no claim overlapping
	// the window on the date.
	ResourceFree(ctx context.Context, tenant catalog.TenantEnvironment, resourceID string, date time.Time, w catalog.Window) (bool, error)

	// UpsertCustomer creates the customer or updates a returning one,
	// matched by email, and returns the customer id.
	UpsertCustomer(ctx context.Context, c CustomerRecord) (string, error)

	InsertOrderGraph(ctx context.Context, o *OrderRecord) error

	// Reserve consumes one unit of r.Key and records the reservation. It
	// returns ErrCapacityExhausted when capacity units are already taken.
	Reserve(ctx context.Context, r ReservationRecord, capacity int) error

	// WindowAvailable reports whether fewer than capacity ad-hoc
	// reservations of the key's service, location and date overlap any
	// instant of w.
	WindowAvailable(ctx context.Context, key catalog.CapacityKey, w catalog.Window, capacity int) (bool, error)

	// ReserveWindow records an ad-hoc reservation of r.Window. It returns
	// ErrCapacityExhausted when capacity overlapping reservations already
	// occupy some instant of the window.
	ReserveWindow(ctx context.Context, r ReservationRecord, capacity int) error

	// ClaimResource returns ErrCapacityExhausted when an overlapping claim
	// exists.
	ClaimResource(ctx context.Context, c ResourceClaim) error

	Enqueue(ctx context.Context, ev outbox.Event) error
}
