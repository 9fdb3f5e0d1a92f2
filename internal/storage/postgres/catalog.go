package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/money"
)

var _ catalog.Provider = (*CatalogRepository)(nil)

// CatalogRepository loads and replaces tenant reference data. Every
// replacement bumps tenant_settings.catalog_version, which versioned caches
// key on.
type CatalogRepository struct {
	runner *TxRunner
}

func NewCatalogRepository(runner *TxRunner) *CatalogRepository {
	return &CatalogRepository{runner: runner}
}

// Version returns the current catalog version of the tenant environment.
func (r *CatalogRepository) Version(ctx context.Context, tenant catalog.TenantEnvironment) (int64, error) {
	var version int64
	err := r.runner.pool.QueryRow(ctx, `
		SELECT catalog_version FROM tenant_settings WHERE environment_id = $1 AND tenant_id = $2`,
		tenant.EnvironmentID, tenant.TenantID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(catalog.ErrUnknownTenant, "tenant %s", tenant)
	}
	if err != nil {
		return 0, fmt.Errorf("reading catalog version of %s: %w", tenant, err)
	}
	return version, nil
}

// Catalog reads the full snapshot of a tenant environment from a single
// read-only transaction.
func (r *CatalogRepository) Catalog(ctx context.Context, tenant catalog.TenantEnvironment) (*catalog.Catalog, error) {
	cat := &catalog.Catalog{Tenant: tenant}
	err := r.runner.ReadOnly(ctx, func(ctx context.Context, tx pgx.Tx) error {
		l := loader{tx: tx, tenant: tenant, cat: cat}
		for _, step := range []struct {
			name string
			fn   func(context.Context) error
		}{
			{"settings", l.settings},
			{"locations", l.locations},
			{"services", l.services},
			{"add-ons", l.addOns},
			{"forms", l.forms},
			{"timeslots", l.timeslots},
			{"business hours", l.businessHours},
			{"blocked time", l.blockedTime},
			{"resources", l.resources},
		} {
			if err := step.fn(ctx); err != nil {
				if errors.Is(err, catalog.ErrUnknownTenant) {
					return err
				}
				return fmt.Errorf("loading %s of %s: %w", step.name, tenant, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

type loader struct {
	tx     pgx.Tx
	tenant catalog.TenantEnvironment
	cat    *catalog.Catalog
}

func (l *loader) query(ctx context.Context, sql string) (pgx.Rows, error) {
	return l.tx.Query(ctx, sql, l.tenant.EnvironmentID, l.tenant.TenantID)
}

func (l *loader) settings(ctx context.Context) error {
	var formID *string
	err := l.tx.QueryRow(ctx, `
		SELECT customer_form_id, catalog_version FROM tenant_settings
		WHERE environment_id = $1 AND tenant_id = $2`,
		l.tenant.EnvironmentID, l.tenant.TenantID,
	).Scan(&formID, &l.cat.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(catalog.ErrUnknownTenant, "tenant %s", l.tenant)
	}
	if err != nil {
		return err
	}
	if formID != nil {
		l.cat.CustomerFormID = *formID
	}
	return nil
}

func (l *loader) locations(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT id, name, slug FROM locations
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY id`)
	if err != nil {
		return err
	}
	l.cat.Locations, err = pgx.CollectRows(rows, pgx.RowToStructByPos[catalog.Location])
	return err
}

func (l *loader) services(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT s.id, s.name, s.slug, s.price, s.currency, s.duration_minutes, s.requires_timeslot,
		       s.ad_hoc_capacity, s.permitted_add_on_ids, s.resource_types,
		       COALESCE((SELECT array_agg(sl.location_id ORDER BY sl.location_id) FROM service_locations sl
		                 WHERE sl.environment_id = s.environment_id AND sl.tenant_id = s.tenant_id
		                   AND sl.service_id = s.id), '{}'),
		       COALESCE((SELECT array_agg(sf.form_id ORDER BY sf.position) FROM service_forms sf
		                 WHERE sf.environment_id = s.environment_id AND sf.tenant_id = s.tenant_id
		                   AND sf.service_id = s.id), '{}')
		FROM services s
		WHERE s.environment_id = $1 AND s.tenant_id = $2
		ORDER BY s.price, s.id`)
	if err != nil {
		return err
	}
	l.cat.Services, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Service, error) {
		var (
			s        catalog.Service
			price    decimal.Decimal
			currency string
		)
		err := row.Scan(&s.ID, &s.Name, &s.Slug, &price, &currency, &s.DurationMinutes, &s.RequiresTimeslot,
			&s.AdHocCapacity, &s.PermittedAddOnIDs, &s.ResourceTypes, &s.LocationIDs, &s.FormIDs)
		s.Price = money.Money{Amount: price, Currency: currency}
		return s, err
	})
	return err
}

func (l *loader) addOns(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT id, name, price, currency, requires_quantity FROM add_ons
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY id`)
	if err != nil {
		return err
	}
	l.cat.AddOns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.AddOn, error) {
		var a catalog.AddOn
		err := row.Scan(&a.ID, &a.Name, &a.Price.Amount, &a.Price.Currency, &a.RequiresQuantity)
		return a, err
	})
	return err
}

func (l *loader) forms(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT id, name, schema FROM forms
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY id`)
	if err != nil {
		return err
	}
	l.cat.Forms, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Form, error) {
		var (
			f      catalog.Form
			schema []byte
		)
		err := row.Scan(&f.ID, &f.Name, &schema)
		f.Schema = schema
		return f, err
	})
	return err
}

func (l *loader) timeslots(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT id, location_id, service_id, description, start_minute, end_minute, capacity, days
		FROM timeslots
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY location_id, start_minute, id`)
	if err != nil {
		return err
	}
	l.cat.Timeslots, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Timeslot, error) {
		var (
			ts         catalog.Timeslot
			serviceID  *string
			start, end int16
			days       []int16
		)
		if err := row.Scan(&ts.ID, &ts.LocationID, &serviceID, &ts.Description, &start, &end, &ts.Capacity, &days); err != nil {
			return ts, err
		}
		if serviceID != nil {
			ts.ServiceID = *serviceID
		}
		ts.Window = window(start, end)
		for _, d := range days {
			ts.Days = append(ts.Days, time.Weekday(d))
		}
		return ts, nil
	})
	return err
}

func (l *loader) businessHours(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT location_id, day_of_week, start_minute, end_minute FROM business_hours
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY day_of_week, start_minute`)
	if err != nil {
		return err
	}
	l.cat.BusinessHours, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.BusinessHours, error) {
		var (
			h               catalog.BusinessHours
			locationID      *string
			day, start, end int16
		)
		if err := row.Scan(&locationID, &day, &start, &end); err != nil {
			return h, err
		}
		if locationID != nil {
			h.LocationID = *locationID
		}
		h.Day, h.Window = time.Weekday(day), window(start, end)
		return h, nil
	})
	return err
}

func (l *loader) blockedTime(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT location_id, date, start_minute, end_minute FROM blocked_time
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY date, start_minute`)
	if err != nil {
		return err
	}
	l.cat.BlockedTime, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.BlockedTime, error) {
		var (
			b          catalog.BlockedTime
			start, end int16
		)
		err := row.Scan(&b.LocationID, &b.Date, &start, &end)
		b.Window = window(start, end)
		return b, err
	})
	return err
}

func (l *loader) resources(ctx context.Context) error {
	rows, err := l.query(ctx, `
		SELECT id, name, type FROM resources
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY id`)
	if err != nil {
		return err
	}
	l.cat.Resources, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Resource, error) {
		var r catalog.Resource
		err := row.Scan(&r.ID, &r.Name, &r.Type)
		return r, err
	})
	if err != nil {
		return err
	}

	index := make(map[string]*catalog.Resource, len(l.cat.Resources))
	for i := range l.cat.Resources {
		index[l.cat.Resources[i].ID] = &l.cat.Resources[i]
	}

	rows, err = l.query(ctx, `
		SELECT resource_id, location_id, day_of_week, start_minute, end_minute FROM resource_availability
		WHERE environment_id = $1 AND tenant_id = $2 ORDER BY resource_id, day_of_week, start_minute`)
	if err != nil {
		return err
	}
	var (
		resourceID      string
		a               catalog.ResourceAvailability
		day, start, end int16
	)
	_, err = pgx.ForEachRow(rows, []any{&resourceID, &a.LocationID, &day, &start, &end}, func() error {
		r, ok := index[resourceID]
		if !ok {
			return errors.Errorf("availability of unknown resource %q", resourceID)
		}
		a.Day, a.Window = time.Weekday(day), window(start, end)
		r.Availability = append(r.Availability, a)
		return nil
	})
	return err
}

func window(start, end int16) catalog.Window {
	return catalog.Window{Start: catalog.TimeOfDay(start), End: catalog.TimeOfDay(end)}
}
