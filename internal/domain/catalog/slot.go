package catalog

import (
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ErrUnknownTimeslot is returned when a requested timeslot does not resolve
// for the service and location.
var ErrUnknownTimeslot = errors.New("no such timeslot")

// SlotSpec is a timeslot request: by configured id, or by explicit window.
type SlotSpec struct {
	ID     string
	Window *Window
}

// Slot is a resolved timeslot, either configured or synthesized from an
// ad-hoc window.
type Slot struct {
	// TimeslotID is empty for ad-hoc windows.
	TimeslotID string
	// ServiceID is the service owning the capacity pool. It is empty for a
	// timeslot shared by every service at its location.
	ServiceID string
	Window    Window
	Capacity  int
	Days      []time.Weekday
}

// AdHoc reports whether the slot was synthesized from a requested window.
// Capacity of ad-hoc slots is occupancy: overlapping windows share it.
func (s Slot) AdHoc() bool {
	return s.TimeslotID == ""
}

// Key is the timeslot component of a capacity key.
func (s Slot) Key() string {
	if s.TimeslotID != "" {
		return s.TimeslotID
	}
	return s.Window.Key()
}

// CapacityKey returns the counter the slot draws from at the location on
// the date.
func (s Slot) CapacityKey(tenant TenantEnvironment, locationID string, date time.Time) CapacityKey {
	return CapacityKey{
		Tenant:     tenant,
		ServiceID:  s.ServiceID,
		LocationID: locationID,
		Date:       date,
		SlotKey:    s.Key(),
	}
}

// ResolveSlot maps a request onto a bookable slot for the service at the
// location. Ids must name a configured timeslot; explicit windows match a
// configured timeslot with the same window, falling back to an ad-hoc slot
// when the service accepts them.
func (c *Catalog) ResolveSlot(svc *Service, locationID string, spec SlotSpec) (Slot, error) {
	if spec.ID != "" {
		for i := range c.Timeslots {
			ts := &c.Timeslots[i]
			if ts.ID == spec.ID && c.timeslotApplies(ts, svc.ID, locationID) {
				return slotOf(ts), nil
			}
		}
		return Slot{}, errors.Wrapf(ErrUnknownTimeslot, "timeslot %q", spec.ID)
	}
	if spec.Window == nil {
		return Slot{}, errors.Wrap(ErrUnknownTimeslot, "neither id nor window given")
	}

	for i := range c.Timeslots {
		ts := &c.Timeslots[i]
		if ts.Window == *spec.Window && c.timeslotApplies(ts, svc.ID, locationID) {
			return slotOf(ts), nil
		}
	}
	if svc.RequiresTimeslot {
		return Slot{}, errors.Wrapf(ErrUnknownTimeslot, "window %s", spec.Window)
	}
	return Slot{ServiceID: svc.ID, Window: *spec.Window, Capacity: svc.AdHocCapacity}, nil
}

// SlotsFor lists the configured timeslots applying to the service at the
// location, ordered by start time.
func (c *Catalog) SlotsFor(serviceID, locationID string) []Slot {
	var out []Slot
	for i := range c.Timeslots {
		if c.timeslotApplies(&c.Timeslots[i], serviceID, locationID) {
			out = append(out, slotOf(&c.Timeslots[i]))
		}
	}
	slices.SortFunc(out, func(a, b Slot) int { return int(a.Window.Start - b.Window.Start) })
	return out
}

func (c *Catalog) timeslotApplies(ts *Timeslot, serviceID, locationID string) bool {
	if ts.LocationID != locationID {
		return false
	}
	return ts.ServiceID == "" || ts.ServiceID == serviceID
}

func slotOf(ts *Timeslot) Slot {
	return Slot{TimeslotID: ts.ID, ServiceID: ts.ServiceID, Window: ts.Window, Capacity: ts.Capacity, Days: ts.Days}
}

// Bookable reports whether the slot can take bookings at the location on
// the date: the weekday is one of the slot's days, the window lies within
// opening hours, and no blocked time overlaps it.
func (c *Catalog) Bookable(locationID string, date time.Time, slot Slot) bool {
	day := date.Weekday()
	if len(slot.Days) > 0 && !slices.Contains(slot.Days, day) {
		return false
	}
	if !c.open(locationID, day, slot.Window) {
		return false
	}
	for _, b := range c.BlockedTime {
		if b.LocationID == locationID && sameDate(b.Date, date) && b.Window.Overlaps(slot.Window) {
			return false
		}
	}
	return true
}

// open checks the window against business hours. Location hours replace
// tenant hours entirely; a tenant without any configured hours is always open.
func (c *Catalog) open(locationID string, day time.Weekday, w Window) bool {
	var local, tenant []BusinessHours
	for _, h := range c.BusinessHours {
		switch h.LocationID {
		case locationID:
			local = append(local, h)
		case "":
			tenant = append(tenant, h)
		}
	}
	hours := tenant
	if len(local) > 0 {
		hours = local
	}
	if len(hours) == 0 {
		return true
	}
	for _, h := range hours {
		if h.Day == day && h.Window.Contains(w) {
			return true
		}
	}
	return false
}

// QualifiedResources returns the resources of the given type present at the
// location for the whole window on the date's weekday, ordered by id.
func (c *Catalog) QualifiedResources(resourceType, locationID string, date time.Time, w Window) []Resource {
	day := date.Weekday()
	var out []Resource
	for _, r := range c.Resources {
		if r.Type != resourceType {
			continue
		}
		for _, a := range r.Availability {
			if a.LocationID == locationID && a.Day == day && a.Window.Contains(w) {
				out = append(out, r)
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b Resource) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CapacityKey identifies a poolable unit of timeslot capacity. ServiceID is
// empty for shared timeslots.
type CapacityKey struct {
	Tenant     TenantEnvironment
	ServiceID  string
	LocationID string
	Date       time.Time
	SlotKey    string
}

// String renders the key in a stable, sortable form.
func (k CapacityKey) String() string {
	return strings.Join([]string{
		k.Tenant.EnvironmentID, k.Tenant.TenantID, k.ServiceID, k.LocationID,
		k.Date.Format(DateLayout), k.SlotKey,
	}, "|")
}

// PeakOccupancy returns the largest number of windows in ws overlapping a
// single instant of w.
func PeakOccupancy(ws []Window, w Window) int {
	peak := 0
	// Occupancy only rises at a start, so checking w.Start and every start
	// inside w is enough.
	points := []TimeOfDay{w.Start}
	for _, o := range ws {
		if o.Start > w.Start && o.Start < w.End {
			points = append(points, o.Start)
		}
	}
	for _, at := range points {
		n := 0
		for _, o := range ws {
			if o.Start <= at && at < o.End {
				n++
			}
		}
		peak = max(peak, n)
	}
	return peak
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
