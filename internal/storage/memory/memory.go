// Package memory is an in-process implementation of the reservation store.
// It serializes transactions behind a single context-aware lock and undoes
// a transaction's writes when it rolls back.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/outbox"
)

var (
	_ admission.Store     = (*Store)(nil)
	_ admission.Tx        = (*tx)(nil)
	_ availability.Reader = (*Store)(nil)
	_ outbox.Source       = (*Store)(nil)
)

type customer struct {
	id        string
	email     string
	firstName string
	lastName  string
	phone     string
	forms     map[string]form.Answer
}

type eventRow struct {
	ev          outbox.Event
	availableAt time.Time
	published   bool
	dead        bool
	lastError   string
}

// Store keeps all state in maps guarded by sem.
type Store struct {
	sem chan struct{}

	coupons      map[catalog.TenantEnvironment][]coupon.Coupon
	customers    map[string]*customer // tenant|lower(email)
	orders       map[string]*admission.OrderRecord
	counters     map[string]int // CapacityKey.String()
	reservations map[string]admission.ReservationRecord
	windows      []admission.ReservationRecord // ad-hoc reservations
	claims       []admission.ResourceClaim
	events       []*eventRow

	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for outbox leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		sem:          make(chan struct{}, 1),
		coupons:      make(map[catalog.TenantEnvironment][]coupon.Coupon),
		customers:    make(map[string]*customer),
		orders:       make(map[string]*admission.OrderRecord),
		counters:     make(map[string]int),
		reservations: make(map[string]admission.ReservationRecord),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadCoupons replaces the coupons of the tenant.
func (s *Store) LoadCoupons(ctx context.Context, tenant catalog.TenantEnvironment, coupons []coupon.Coupon) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	s.coupons[tenant] = slices.Clone(coupons)
	return nil
}

// Coupons returns the coupons of the tenant as a ledger.
func (s *Store) Coupons(tenant catalog.TenantEnvironment) coupon.Ledger {
	return ledger{s: s, tenant: tenant}
}

type ledger struct {
	s      *Store
	tenant catalog.TenantEnvironment
}

func (l ledger) Resolve(ctx context.Context, code string) (*coupon.Coupon, error) {
	if err := l.s.lock(ctx); err != nil {
		return nil, err
	}
	defer l.s.unlock()
	return coupon.Static(l.s.coupons[l.tenant]).Resolve(ctx, code)
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "acquire store lock")
	}
}

func (s *Store) unlock() { <-s.sem }

func customerKey(tenant catalog.TenantEnvironment, email string) string {
	return tenant.String() + "|" + strings.ToLower(email)
}

func (s *Store) CustomerForm(ctx context.Context, tenant catalog.TenantEnvironment, email, formID string) (form.Answer, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	c, ok := s.customers[customerKey(tenant, email)]
	if !ok {
		return nil, nil
	}
	return slices.Clone(c.forms[formID]), nil
}

// Within runs fn holding the store lock. Writes are applied immediately and
// undone in reverse order when fn fails or ctx expires.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx admission.Tx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	t := &tx{s: s}
	committed := false
	defer func() {
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true
	return nil
}

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// ResolveCoupon runs under the store lock already held by Within.
func (t *tx) ResolveCoupon(ctx context.Context, tenant catalog.TenantEnvironment, code string) (*coupon.Coupon, error) {
	return coupon.Static(t.s.coupons[tenant]).Resolve(ctx, code)
}

func (t *tx) IsAvailable(_ context.Context, key catalog.CapacityKey, capacity int) (bool, error) {
	return t.s.counters[key.String()] < capacity, nil
}

func (t *tx) ResourceFree(_ context.Context, tenant catalog.TenantEnvironment, resourceID string, date time.Time, w catalog.Window) (bool, error) {
	return !t.s.overlaps(tenant, resourceID, date, w), nil
}

func (t *tx) UpsertCustomer(_ context.Context, rec admission.CustomerRecord) (string, error) {
	key := customerKey(rec.Tenant, rec.Email)
	c, ok := t.s.customers[key]
	if !ok {
		c = &customer{id: rec.ID, email: rec.Email, forms: make(map[string]form.Answer)}
		t.s.customers[key] = c
		t.undo = append(t.undo, func() { delete(t.s.customers, key) })
	} else {
		prev := *c
		prevForms := make(map[string]form.Answer, len(c.forms))
		for k, v := range c.forms {
			prevForms[k] = v
		}
		t.undo = append(t.undo, func() {
			*c = prev
			c.forms = prevForms
		})
	}
	c.firstName, c.lastName, c.phone = rec.FirstName, rec.LastName, rec.Phone
	if rec.FormID != "" && !rec.FormAnswer.Absent() {
		c.forms[rec.FormID] = slices.Clone(rec.FormAnswer)
	}
	return c.id, nil
}

func (t *tx) InsertOrderGraph(_ context.Context, o *admission.OrderRecord) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	cp.Lines = slices.Clone(o.Lines)
	t.s.orders[o.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

func (t *tx) Reserve(_ context.Context, r admission.ReservationRecord, capacity int) error {
	key := r.Key.String()
	if t.s.counters[key] >= capacity {
		return admission.ErrCapacityExhausted
	}
	t.s.counters[key]++
	t.s.reservations[r.ID] = r
	t.undo = append(t.undo, func() {
		t.s.counters[key]--
		if t.s.counters[key] == 0 {
			delete(t.s.counters, key)
		}
		delete(t.s.reservations, r.ID)
	})
	return nil
}

func (t *tx) WindowAvailable(_ context.Context, key catalog.CapacityKey, w catalog.Window, capacity int) (bool, error) {
	return catalog.PeakOccupancy(t.s.windowsOverlapping(key, w), w) < capacity, nil
}

func (t *tx) ReserveWindow(_ context.Context, r admission.ReservationRecord, capacity int) error {
	if catalog.PeakOccupancy(t.s.windowsOverlapping(r.Key, r.Window), r.Window) >= capacity {
		return admission.ErrCapacityExhausted
	}
	n := len(t.s.windows)
	t.s.windows = append(t.s.windows, r)
	t.s.reservations[r.ID] = r
	t.undo = append(t.undo, func() {
		t.s.windows = t.s.windows[:n]
		delete(t.s.reservations, r.ID)
	})
	return nil
}

// windowsOverlapping returns the windows of ad-hoc reservations for the
// key's service, location and date that overlap w.
func (s *Store) windowsOverlapping(key catalog.CapacityKey, w catalog.Window) []catalog.Window {
	day := key.Date.Format(catalog.DateLayout)
	var out []catalog.Window
	for _, r := range s.windows {
		k := r.Key
		if k.Tenant == key.Tenant && k.ServiceID == key.ServiceID && k.LocationID == key.LocationID &&
			k.Date.Format(catalog.DateLayout) == day && r.Window.Overlaps(w) {
			out = append(out, r.Window)
		}
	}
	return out
}

func (t *tx) ClaimResource(_ context.Context, c admission.ResourceClaim) error {
	if t.s.overlaps(c.Tenant, c.ResourceID, c.Date, c.Window) {
		return admission.ErrCapacityExhausted
	}
	n := len(t.s.claims)
	t.s.claims = append(t.s.claims, c)
	t.undo = append(t.undo, func() { t.s.claims = t.s.claims[:n] })
	return nil
}

func (t *tx) Enqueue(_ context.Context, ev outbox.Event) error {
	n := len(t.s.events)
	t.s.events = append(t.s.events, &eventRow{ev: ev})
	t.undo = append(t.undo, func() { t.s.events = t.s.events[:n] })
	return nil
}

func (s *Store) overlaps(tenant catalog.TenantEnvironment, resourceID string, date time.Time, w catalog.Window) bool {
	day := date.Format(catalog.DateLayout)
	for _, c := range s.claims {
		if c.Tenant == tenant && c.ResourceID == resourceID &&
			c.Date.Format(catalog.DateLayout) == day && c.Window.Overlaps(w) {
			return true
		}
	}
	return false
}

func (s *Store) ReservedCounts(ctx context.Context, keys []catalog.CapacityKey) (map[string]int, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	out := make(map[string]int, len(keys))
	for _, k := range keys {
		if n := s.counters[k.String()]; n > 0 {
			out[k.String()] = n
		}
	}
	return out, nil
}

func (s *Store) ResourceClaims(ctx context.Context, tenant catalog.TenantEnvironment, from, to time.Time) ([]admission.ResourceClaim, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	lo, hi := from.Format(catalog.DateLayout), to.Format(catalog.DateLayout)
	var out []admission.ResourceClaim
	for _, c := range s.claims {
		d := c.Date.Format(catalog.DateLayout)
		if c.Tenant == tenant && d >= lo && d <= hi {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	now := s.now()
	var out []outbox.Event
	for _, row := range s.events {
		if len(out) == limit {
			break
		}
		if row.published || row.dead || row.availableAt.After(now) {
			continue
		}
		row.availableAt = now.Add(lease)
		out = append(out, row.ev)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id string) error {
	return s.updateEvent(ctx, id, func(row *eventRow) {
		row.published = true
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, retryAt time.Time, dead bool, reason string) error {
	return s.updateEvent(ctx, id, func(row *eventRow) {
		row.ev.Attempts++
		row.availableAt = retryAt
		row.dead = dead
		row.lastError = reason
	})
}

func (s *Store) updateEvent(ctx context.Context, id string, fn func(*eventRow)) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	for _, row := range s.events {
		if row.ev.ID == id {
			fn(row)
			return nil
		}
	}
	return errors.Errorf("event %s not found", id)
}

// Snapshot is a point-in-time summary of the store, for tests and
// diagnostics.
type Snapshot struct {
	Customers    int
	Orders       []admission.OrderRecord
	Reservations int
	Claims       int
	// Pending counts events neither published nor dead.
	Pending   int
	Published int
	Dead      int
	Counters  map[string]int
}

func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.lock(ctx); err != nil {
		return Snapshot{}, err
	}
	defer s.unlock()

	snap := Snapshot{
		Customers:    len(s.customers),
		Reservations: len(s.reservations),
		Claims:       len(s.claims),
		Counters:     make(map[string]int, len(s.counters)),
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	sort.Slice(snap.Orders, func(i, j int) bool {
		return snap.Orders[i].CreatedAt.Before(snap.Orders[j].CreatedAt)
	})
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for _, row := range s.events {
		switch {
		case row.published:
			snap.Published++
		case row.dead:
			snap.Dead++
		default:
			snap.Pending++
		}
	}
	return snap, nil
}
