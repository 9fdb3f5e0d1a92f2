// Package catalog holds a tenant's read-only reference data: locations,
// services, add-ons, forms, timeslots, opening hours and resources. Coupons
// live in the store and are looked up by code.
//
// A Catalog is a snapshot. Admission receives one per call and never
// mutates it, so the same value may be shared across goroutines.
package catalog

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/xenking/slotbook/internal/domain/money"
)

// TenantEnvironment scopes every record: one tenant may run several
// environments (dev, prod) with disjoint data.
type TenantEnvironment struct {
	EnvironmentID string `json:"environmentId"`
	TenantID      string `json:"tenantId"`
}

func (t TenantEnvironment) String() string {
	return t.EnvironmentID + "/" + t.TenantID
}

// Catalog is the reference data of one tenant environment.
type Catalog struct {
	Tenant  TenantEnvironment `json:"tenant"`
	Version int64             `json:"version"`

	// CustomerFormID names the form every customer must have answered.
	// Empty when the tenant does not collect customer details.
	CustomerFormID string `json:"customerFormId,omitempty"`

	Locations     []Location      `json:"locations"`
	Services      []Service       `json:"services"`
	AddOns        []AddOn         `json:"addOns"`
	Forms         []Form          `json:"forms"`
	Timeslots     []Timeslot      `json:"timeslots"`
	BusinessHours []BusinessHours `json:"businessHours"`
	BlockedTime   []BlockedTime   `json:"blockedTime"`
	Resources     []Resource      `json:"resources"`
}

type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Service struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Slug              string      `json:"slug"`
	Price             money.Money `json:"price"`
	DurationMinutes   int         `json:"durationMinutes"`
	LocationIDs       []string    `json:"locationIds"`
	FormIDs           []string    `json:"formIds"`
	PermittedAddOnIDs []string    `json:"permittedAddOnIds"`
	ResourceTypes     []string    `json:"resourceTypes"`
	// RequiresTimeslot restricts bookings to configured timeslots. When
	// false, ad-hoc windows are accepted with AdHocCapacity units each.
	RequiresTimeslot bool `json:"requiresTimeslot"`
	AdHocCapacity    int  `json:"adHocCapacity"`
}

// OffersAt reports whether the service is sold at the location.
func (s *Service) OffersAt(locationID string) bool {
	return slices.Contains(s.LocationIDs, locationID)
}

// Permits reports whether the add-on may be ordered with the service.
func (s *Service) Permits(addOnID string) bool {
	return slices.Contains(s.PermittedAddOnIDs, addOnID)
}

type AddOn struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Price money.Money `json:"price"`
	// RequiresQuantity marks add-ons that may be ordered more than once.
	RequiresQuantity bool `json:"requiresQuantity"`
}

// Form is a named JSON schema that answers are validated against.
type Form struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Timeslot is a configured bookable window with finite capacity.
type Timeslot struct {
	ID          string `json:"id"`
	LocationID  string `json:"locationId"`
	// ServiceID restricts the timeslot to one service; empty means every
	// service offered at the location.
	ServiceID   string         `json:"serviceId,omitempty"`
	Description string         `json:"description"`
	Window      Window         `json:"window"`
	Capacity    int            `json:"capacity"`
	Days        []time.Weekday `json:"days,omitempty"`
}

// BusinessHours opens a location (or the whole tenant when LocationID is
// empty) for a window on one weekday.
type BusinessHours struct {
	LocationID string       `json:"locationId,omitempty"`
	Day        time.Weekday `json:"day"`
	Window     Window       `json:"window"`
}

// BlockedTime closes a location for a window on a specific date.
type BlockedTime struct {
	LocationID string    `json:"locationId"`
	Date       time.Time `json:"date"`
	Window     Window    `json:"window"`
}

type Resource struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Availability []ResourceAvailability `json:"availability"`
}

// ResourceAvailability places a resource at a location on a weekday.
type ResourceAvailability struct {
	LocationID string       `json:"locationId"`
	Day        time.Weekday `json:"day"`
	Window     Window       `json:"window"`
}

func (c *Catalog) Service(id string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].ID == id {
			return &c.Services[i], true
		}
	}
	return nil, false
}

func (c *Catalog) Location(id string) (*Location, bool) {
	for i := range c.Locations {
		if c.Locations[i].ID == id {
			return &c.Locations[i], true
		}
	}
	return nil, false
}

func (c *Catalog) AddOn(id string) (*AddOn, bool) {
	for i := range c.AddOns {
		if c.AddOns[i].ID == id {
			return &c.AddOns[i], true
		}
	}
	return nil, false
}

func (c *Catalog) Form(id string) (*Form, bool) {
	for i := range c.Forms {
		if c.Forms[i].ID == id {
			return &c.Forms[i], true
		}
	}
	return nil, false
}
