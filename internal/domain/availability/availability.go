// Package availability lists bookable timeslots with their remaining
// capacity. Listings are advisory: admission re-checks capacity under the
// store's locks.
package availability

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/money"
)

// MaxDays bounds the date range of a single query.
const MaxDays = 62

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrUnknownLocation = errors.New("unknown location")
	ErrInvalidRange    = errors.New("invalid date range")
)

// Reader exposes the reservation state needed for listings.
type Reader interface {
	// ReservedCounts returns consumed units per capacity key, keyed by
	// CapacityKey.String(). Keys without reservations may be omitted.
	ReservedCounts(ctx context.Context, keys []catalog.CapacityKey) (map[string]int, error)
	// ResourceClaims returns claims of the tenant dated within [from, to].
	ResourceClaims(ctx context.Context, tenant catalog.TenantEnvironment, from, to time.Time) ([]admission.ResourceClaim, error)
}

type Query struct {
	ServiceID  string
	LocationID string
	From       time.Time
	To         time.Time
}

// Slot is one listed timeslot occurrence.
type Slot struct {
	Date       string      `json:"date"`
	TimeslotID string      `json:"timeslotId"`
	Start      string      `json:"start"`
	End        string      `json:"end"`
	Capacity   int         `json:"capacity"`
	Remaining  int         `json:"remaining"`
	Price      money.Money `json:"price"`
}

type Lister struct {
	reader Reader
}

func NewLister(r Reader) *Lister {
	return &Lister{reader: r}
}

// List returns every configured timeslot of the service at the location
// that is open on each date of the range, ordered by date and start time.
// Slots missing a required resource are listed with nothing remaining.
func (l *Lister) List(ctx context.Context, cat *catalog.Catalog, q Query) ([]Slot, error) {
	svc, ok := cat.Service(q.ServiceID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownService, "service %q", q.ServiceID)
	}
	if _, ok := cat.Location(q.LocationID); !ok || !svc.OffersAt(q.LocationID) {
		return nil, errors.Wrapf(ErrUnknownLocation, "location %q", q.LocationID)
	}
	if q.To.Before(q.From) || q.To.Sub(q.From) > MaxDays*24*time.Hour {
		return nil, errors.Wrapf(ErrInvalidRange, "%s..%s", q.From.Format(catalog.DateLayout), q.To.Format(catalog.DateLayout))
	}

	type occurrence struct {
		date time.Time
		slot catalog.Slot
		key  catalog.CapacityKey
	}
	var (
		occs []occurrence
		keys []catalog.CapacityKey
	)
	slots := cat.SlotsFor(svc.ID, q.LocationID)
	for d := q.From; !d.After(q.To); d = d.AddDate(0, 0, 1) {
		for _, s := range slots {
			if !cat.Bookable(q.LocationID, d, s) {
				continue
			}
			key := s.CapacityKey(cat.Tenant, q.LocationID, d)
			occs = append(occs, occurrence{date: d, slot: s, key: key})
			keys = append(keys, key)
		}
	}
	if len(occs) == 0 {
		return []Slot{}, nil
	}

	used, err := l.reader.ReservedCounts(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(err, "reserved counts")
	}
	var claims []admission.ResourceClaim
	if len(svc.ResourceTypes) > 0 {
		if claims, err = l.reader.ResourceClaims(ctx, cat.Tenant, q.From, q.To); err != nil {
			return nil, errors.Wrap(err, "resource claims")
		}
	}

	out := make([]Slot, 0, len(occs))
	for _, o := range occs {
		remaining := o.slot.Capacity - used[o.key.String()]
		if remaining < 0 {
			remaining = 0
		}
		if remaining > 0 && !resourcesFree(cat, svc, q.LocationID, o.date, o.slot.Window, claims) {
			remaining = 0
		}
		out = append(out, Slot{
			Date:       o.date.Format(catalog.DateLayout),
			TimeslotID: o.slot.TimeslotID,
			Start:      o.slot.Window.Start.String(),
			End:        o.slot.Window.End.String(),
			Capacity:   o.slot.Capacity,
			Remaining:  remaining,
			Price:      svc.Price,
		})
	}
	return out, nil
}

func resourcesFree(cat *catalog.Catalog, svc *catalog.Service, locationID string, date time.Time, w catalog.Window, claims []admission.ResourceClaim) bool {
	for _, typ := range svc.ResourceTypes {
		found := false
		for _, r := range cat.QualifiedResources(typ, locationID, date, w) {
			if !claimed(claims, r.ID, date, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func claimed(claims []admission.ResourceClaim, resourceID string, date time.Time, w catalog.Window) bool {
	day := date.Format(catalog.DateLayout)
	for _, c := range claims {
		if c.ResourceID == resourceID && c.Date.Format(catalog.DateLayout) == day && c.Window.Overlaps(w) {
			return true
		}
	}
	return false
}
