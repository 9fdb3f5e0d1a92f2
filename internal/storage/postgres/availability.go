package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
)

var _ availability.Reader = (*AvailabilityReader)(nil)

// AvailabilityReader reads committed counters and resource claims.
type AvailabilityReader struct {
	pool *pgxpool.Pool
}

func NewAvailabilityReader(pool *pgxpool.Pool) *AvailabilityReader {
	return &AvailabilityReader{pool: pool}
}

// ReservedCounts returns the used units of every key that has a counter,
// keyed by CapacityKey.String().
func (r *AvailabilityReader) ReservedCounts(ctx context.Context, keys []catalog.CapacityKey) (map[string]int, error) {
	byTenant := make(map[catalog.TenantEnvironment][]catalog.CapacityKey)
	for _, k := range keys {
		byTenant[k.Tenant] = append(byTenant[k.Tenant], k)
	}

	out := make(map[string]int, len(keys))
	for tenant, keys := range byTenant {
		var (
			services  = make([]string, len(keys))
			locations = make([]string, len(keys))
			dates     = make([]time.Time, len(keys))
			slots     = make([]string, len(keys))
		)
		for i, k := range keys {
			services[i], locations[i], dates[i], slots[i] = k.ServiceID, k.LocationID, k.Date, k.SlotKey
		}

		rows, err := r.pool.Query(ctx, `
			SELECT c.service_id, c.location_id, c.date, c.timeslot_key, c.used
			FROM capacity_counters c
			JOIN unnest($3::text[], $4::text[], $5::date[], $6::text[]) AS k(service_id, location_id, date, timeslot_key)
			  ON c.service_id = k.service_id AND c.location_id = k.location_id
			 AND c.date = k.date AND c.timeslot_key = k.timeslot_key
			WHERE c.environment_id = $1 AND c.tenant_id = $2 AND c.used > 0`,
			tenant.EnvironmentID, tenant.TenantID, services, locations, dates, slots,
		)
		if err != nil {
			return nil, fmt.Errorf("reading counters of %s: %w", tenant, err)
		}

		k := catalog.CapacityKey{Tenant: tenant}
		var used int
		_, err = pgx.ForEachRow(rows, []any{&k.ServiceID, &k.LocationID, &k.Date, &k.SlotKey, &used}, func() error {
			out[k.String()] = used
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning counters of %s: %w", tenant, err)
		}
	}
	return out, nil
}

// ResourceClaims lists the claims of the tenant dated within [from, to].
func (r *AvailabilityReader) ResourceClaims(ctx context.Context, tenant catalog.TenantEnvironment, from, to time.Time) ([]admission.ResourceClaim, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id, date, start_minute, end_minute, booking_id
		FROM resource_claims
		WHERE environment_id = $1 AND tenant_id = $2 AND date BETWEEN $3 AND $4
		ORDER BY date, resource_id, start_minute`,
		tenant.EnvironmentID, tenant.TenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("reading claims of %s: %w", tenant, err)
	}

	claims, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (admission.ResourceClaim, error) {
		var (
			c          = admission.ResourceClaim{Tenant: tenant}
			start, end int16
		)
		if err := row.Scan(&c.ResourceID, &c.Date, &start, &end, &c.BookingID); err != nil {
			return c, err
		}
		c.Window = catalog.Window{Start: catalog.TimeOfDay(start), End: catalog.TimeOfDay(end)}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning claims of %s: %w", tenant, err)
	}
	return claims, nil
}
