package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/form"
	"github.com/xenking/slotbook/internal/outbox"
)

var (
	_ admission.Store = (*Store)(nil)
	_ admission.Tx    = (*pgTx)(nil)
)

// Store implements admission.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	runner *TxRunner
}

// NewStore returns a Store running transactions through runner.
func NewStore(pool *pgxpool.Pool, runner *TxRunner) *Store {
	return &Store{pool: pool, runner: runner}
}

// CustomerForm returns the stored answer of the customer with the email,
// or nil when either the customer or the answer does not exist.
func (s *Store) CustomerForm(ctx context.Context, tenant catalog.TenantEnvironment, email, formID string) (form.Answer, error) {
	var answer []byte
	err := s.pool.QueryRow(ctx, `
		SELECT v.answer
		FROM customer_form_values v
		JOIN customers c
		  ON c.environment_id = v.environment_id AND c.tenant_id = v.tenant_id AND c.id = v.customer_id
		WHERE c.environment_id = $1 AND c.tenant_id = $2 AND lower(c.email) = lower($3) AND v.form_id = $4`,
		tenant.EnvironmentID, tenant.TenantID, email, formID,
	).Scan(&answer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading customer form %q: %w", formID, err)
	}
	return form.Answer(answer), nil
}

// Within runs fn in a retried READ COMMITTED transaction.
func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx admission.Tx) error) error {
	return s.runner.ReadWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// Coupons returns the tenant's coupons read outside any transaction.
func (s *Store) Coupons(tenant catalog.TenantEnvironment) coupon.Ledger {
	return NewCouponRepository(s.pool).Ledger(tenant)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ResolveCoupon(ctx context.Context, tenant catalog.TenantEnvironment, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, t.tx, tenant, code)
}

func (t *pgTx) IsAvailable(ctx context.Context, key catalog.CapacityKey, capacity int) (bool, error) {
	var used int
	err := t.tx.QueryRow(ctx, `
		SELECT used FROM capacity_counters
		WHERE environment_id = $1 AND tenant_id = $2 AND service_id = $3
		  AND location_id = $4 AND date = $5 AND timeslot_key = $6`,
		keyArgs(key)...,
	).Scan(&used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("reading counter %q: %w", key, err)
	}
	return used < capacity, nil
}

func (t *pgTx) ResourceFree(ctx context.Context, tenant catalog.TenantEnvironment, resourceID string, date time.Time, w catalog.Window) (bool, error) {
	overlap, err := overlappingClaim(ctx, t.tx, tenant, resourceID, date, w)
	if err != nil {
		return false, err
	}
	return !overlap, nil
}

func (t *pgTx) UpsertCustomer(ctx context.Context, c admission.CustomerRecord) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO customers (environment_id, tenant_id, id, email, first_name, last_name, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (environment_id, tenant_id, lower(email)) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name  = EXCLUDED.last_name,
		    phone      = EXCLUDED.phone,
		    updated_at = now()
		RETURNING id`,
		c.Tenant.EnvironmentID, c.Tenant.TenantID, c.ID, c.Email, c.FirstName, c.LastName, c.Phone,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting customer %q: %w", c.Email, err)
	}

	if c.FormID == "" || c.FormAnswer.Absent() {
		return id, nil
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO customer_form_values (environment_id, tenant_id, customer_id, form_id, answer)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (environment_id, tenant_id, customer_id, form_id) DO UPDATE
		SET answer = EXCLUDED.answer, updated_at = now()`,
		c.Tenant.EnvironmentID, c.Tenant.TenantID, id, c.FormID, []byte(c.FormAnswer),
	)
	if err != nil {
		return "", fmt.Errorf("storing form %q of customer %q: %w", c.FormID, id, err)
	}
	return id, nil
}

func (t *pgTx) InsertOrderGraph(ctx context.Context, o *admission.OrderRecord) error {
	return insertOrderGraph(ctx, t.tx, o)
}

// Reserve makes sure the counter row exists, then increments it only while
// it is below capacity. The guarded UPDATE holds the row lock until commit.
func (t *pgTx) Reserve(ctx context.Context, r admission.ReservationRecord, capacity int) error {
	args := keyArgs(r.Key)
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO capacity_counters (environment_id, tenant_id, service_id, location_id, date, timeslot_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		args...,
	); err != nil {
		return fmt.Errorf("creating counter %q: %w", r.Key, err)
	}

	var used int
	err := t.tx.QueryRow(ctx, `
		UPDATE capacity_counters SET used = used + 1
		WHERE environment_id = $1 AND tenant_id = $2 AND service_id = $3
		  AND location_id = $4 AND date = $5 AND timeslot_key = $6 AND used < $7
		RETURNING used`,
		append(args, capacity)...,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return admission.ErrCapacityExhausted
	}
	if err != nil {
		return fmt.Errorf("incrementing counter %q: %w", r.Key, err)
	}

	return t.insertReservation(ctx, r, false)
}

func (t *pgTx) WindowAvailable(ctx context.Context, key catalog.CapacityKey, w catalog.Window, capacity int) (bool, error) {
	windows, err := t.windowsOverlapping(ctx, key, w)
	if err != nil {
		return false, err
	}
	return catalog.PeakOccupancy(windows, w) < capacity, nil
}

// ReserveWindow serializes ad-hoc reservations per service, location and
// day on a window_days row, then counts the overlapping windows.
func (t *pgTx) ReserveWindow(ctx context.Context, r admission.ReservationRecord, capacity int) error {
	k := r.Key
	args := []any{k.Tenant.EnvironmentID, k.Tenant.TenantID, k.ServiceID, k.LocationID, k.Date}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO window_days (environment_id, tenant_id, service_id, location_id, date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		args...,
	); err != nil {
		return fmt.Errorf("creating window day %q: %w", k, err)
	}
	if _, err := t.tx.Exec(ctx, `
		SELECT 1 FROM window_days
		WHERE environment_id = $1 AND tenant_id = $2 AND service_id = $3 AND location_id = $4 AND date = $5
		FOR UPDATE`,
		args...,
	); err != nil {
		return fmt.Errorf("locking window day %q: %w", k, err)
	}

	windows, err := t.windowsOverlapping(ctx, k, r.Window)
	if err != nil {
		return err
	}
	if catalog.PeakOccupancy(windows, r.Window) >= capacity {
		return admission.ErrCapacityExhausted
	}
	return t.insertReservation(ctx, r, true)
}

func (t *pgTx) windowsOverlapping(ctx context.Context, k catalog.CapacityKey, w catalog.Window) ([]catalog.Window, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT start_minute, end_minute FROM reservations
		WHERE environment_id = $1 AND tenant_id = $2 AND service_id = $3 AND location_id = $4 AND date = $5
		  AND ad_hoc AND start_minute < $7 AND $6 < end_minute`,
		k.Tenant.EnvironmentID, k.Tenant.TenantID, k.ServiceID, k.LocationID, k.Date,
		int16(w.Start), int16(w.End),
	)
	if err != nil {
		return nil, fmt.Errorf("reading windows of %q: %w", k, err)
	}
	windows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Window, error) {
		var start, end int16
		err := row.Scan(&start, &end)
		return catalog.Window{Start: catalog.TimeOfDay(start), End: catalog.TimeOfDay(end)}, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading windows of %q: %w", k, err)
	}
	return windows, nil
}

func (t *pgTx) insertReservation(ctx context.Context, r admission.ReservationRecord, adHoc bool) error {
	resourceIDs := r.ResourceIDs
	if resourceIDs == nil {
		resourceIDs = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations
		    (id, environment_id, tenant_id, booking_id, service_id, location_id, date, timeslot_key,
		     start_minute, end_minute, ad_hoc, resource_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Key.Tenant.EnvironmentID, r.Key.Tenant.TenantID, r.BookingID,
		r.ServiceID, r.Key.LocationID, r.Key.Date, r.Key.SlotKey,
		int16(r.Window.Start), int16(r.Window.End), adHoc, resourceIDs, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting reservation %q: %w", r.ID, err)
	}
	return nil
}

// ClaimResource serializes claims per resource and day on a resource_days
// row, so the overlap check and the insert cannot interleave.
func (t *pgTx) ClaimResource(ctx context.Context, c admission.ResourceClaim) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO resource_days (environment_id, tenant_id, resource_id, date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		c.Tenant.EnvironmentID, c.Tenant.TenantID, c.ResourceID, c.Date,
	); err != nil {
		return fmt.Errorf("creating resource day %q: %w", c.ResourceID, err)
	}
	if _, err := t.tx.Exec(ctx, `
		SELECT 1 FROM resource_days
		WHERE environment_id = $1 AND tenant_id = $2 AND resource_id = $3 AND date = $4
		FOR UPDATE`,
		c.Tenant.EnvironmentID, c.Tenant.TenantID, c.ResourceID, c.Date,
	); err != nil {
		return fmt.Errorf("locking resource day %q: %w", c.ResourceID, err)
	}

	overlap, err := overlappingClaim(ctx, t.tx, c.Tenant, c.ResourceID, c.Date, c.Window)
	if err != nil {
		return err
	}
	if overlap {
		return admission.ErrCapacityExhausted
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO resource_claims
		    (environment_id, tenant_id, resource_id, date, start_minute, end_minute, booking_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.Tenant.EnvironmentID, c.Tenant.TenantID, c.ResourceID, c.Date,
		int16(c.Window.Start), int16(c.Window.End), c.BookingID,
	)
	if err != nil {
		return fmt.Errorf("inserting claim on %q: %w", c.ResourceID, err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, ev outbox.Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (id, environment_id, tenant_id, topic, aggregate_id, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EnvironmentID, ev.TenantID, ev.Topic, ev.AggregateID, ev.Payload, ev.Attempts, createdAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing event %q: %w", ev.ID, err)
	}
	return nil
}

func keyArgs(k catalog.CapacityKey) []any {
	return []any{k.Tenant.EnvironmentID, k.Tenant.TenantID, k.ServiceID, k.LocationID, k.Date, k.SlotKey}
}

func overlappingClaim(ctx context.Context, q DBTX, tenant catalog.TenantEnvironment, resourceID string, date time.Time, w catalog.Window) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM resource_claims
		    WHERE environment_id = $1 AND tenant_id = $2 AND resource_id = $3 AND date = $4
		      AND start_minute < $6 AND $5 < end_minute
		)`,
		tenant.EnvironmentID, tenant.TenantID, resourceID, date, int16(w.Start), int16(w.End),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking claims on %q: %w", resourceID, err)
	}
	return exists, nil
}
