package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/slotbook/internal/domain/catalog"
)

// replaced lists the reference tables rewritten by SaveCatalog. Coupons are
// not part of a catalog and survive a replacement.
var replaced = []string{
	"locations", "business_hours", "blocked_time", "forms", "services",
	"service_locations", "service_forms", "add_ons", "timeslots",
	"resource_types", "resources", "resource_availability",
}

// SaveCatalog replaces the reference data of cat.Tenant and bumps the
// catalog version. It returns the new version.
func (r *CatalogRepository) SaveCatalog(ctx context.Context, cat *catalog.Catalog) (int64, error) {
	var version int64
	err := r.runner.ReadWrite(ctx, func(ctx context.Context, tx pgx.Tx) error {
		env, tenant := cat.Tenant.EnvironmentID, cat.Tenant.TenantID

		var customerFormID *string
		if cat.CustomerFormID != "" {
			customerFormID = &cat.CustomerFormID
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO tenant_settings (environment_id, tenant_id, customer_form_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (environment_id, tenant_id) DO UPDATE
			SET customer_form_id = EXCLUDED.customer_form_id,
			    catalog_version  = tenant_settings.catalog_version + 1
			RETURNING catalog_version`,
			env, tenant, customerFormID,
		).Scan(&version)
		if err != nil {
			return fmt.Errorf("upserting settings of %s: %w", cat.Tenant, err)
		}

		b := &pgx.Batch{}
		for _, table := range replaced {
			b.Queue(`DELETE FROM `+table+` WHERE environment_id = $1 AND tenant_id = $2`, env, tenant)
		}
		queueCatalog(b, cat)

		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("writing catalog of %s: %w", cat.Tenant, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func queueCatalog(b *pgx.Batch, cat *catalog.Catalog) {
	env, tenant := cat.Tenant.EnvironmentID, cat.Tenant.TenantID

	for _, l := range cat.Locations {
		b.Queue(`INSERT INTO locations (environment_id, tenant_id, id, name, slug) VALUES ($1, $2, $3, $4, $5)`,
			env, tenant, l.ID, l.Name, l.Slug)
	}
	for _, f := range cat.Forms {
		b.Queue(`INSERT INTO forms (environment_id, tenant_id, id, name, schema) VALUES ($1, $2, $3, $4, $5)`,
			env, tenant, f.ID, f.Name, []byte(f.Schema))
	}
	for _, a := range cat.AddOns {
		b.Queue(`
			INSERT INTO add_ons (environment_id, tenant_id, id, name, price, currency, requires_quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			env, tenant, a.ID, a.Name, a.Price.Amount, a.Price.Currency, a.RequiresQuantity)
	}

	types := make(map[string]struct{})
	for _, s := range cat.Services {
		b.Queue(`
			INSERT INTO services
			    (environment_id, tenant_id, id, name, slug, price, currency, duration_minutes, requires_timeslot,
			     ad_hoc_capacity, permitted_add_on_ids, resource_types)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			env, tenant, s.ID, s.Name, s.Slug, s.Price.Amount, s.Price.Currency, s.DurationMinutes,
			s.RequiresTimeslot, s.AdHocCapacity, nonNil(s.PermittedAddOnIDs), nonNil(s.ResourceTypes))
		for _, loc := range s.LocationIDs {
			b.Queue(`INSERT INTO service_locations (environment_id, tenant_id, service_id, location_id) VALUES ($1, $2, $3, $4)`,
				env, tenant, s.ID, loc)
		}
		for i, formID := range s.FormIDs {
			b.Queue(`INSERT INTO service_forms (environment_id, tenant_id, service_id, form_id, position) VALUES ($1, $2, $3, $4, $5)`,
				env, tenant, s.ID, formID, i)
		}
		for _, t := range s.ResourceTypes {
			types[t] = struct{}{}
		}
	}

	for _, ts := range cat.Timeslots {
		var serviceID *string
		if ts.ServiceID != "" {
			serviceID = &ts.ServiceID
		}
		days := make([]int16, len(ts.Days))
		for i, d := range ts.Days {
			days[i] = int16(d)
		}
		b.Queue(`
			INSERT INTO timeslots
			    (environment_id, tenant_id, id, location_id, service_id, description, start_minute, end_minute, capacity, days)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			env, tenant, ts.ID, ts.LocationID, serviceID, ts.Description,
			int16(ts.Window.Start), int16(ts.Window.End), ts.Capacity, days)
	}

	for _, h := range cat.BusinessHours {
		var locationID *string
		if h.LocationID != "" {
			locationID = &h.LocationID
		}
		b.Queue(`
			INSERT INTO business_hours (environment_id, tenant_id, location_id, day_of_week, start_minute, end_minute)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			env, tenant, locationID, int16(h.Day), int16(h.Window.Start), int16(h.Window.End))
	}
	for _, bt := range cat.BlockedTime {
		b.Queue(`
			INSERT INTO blocked_time (environment_id, tenant_id, location_id, date, start_minute, end_minute)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			env, tenant, bt.LocationID, bt.Date, int16(bt.Window.Start), int16(bt.Window.End))
	}

	for _, r := range cat.Resources {
		types[r.Type] = struct{}{}
		b.Queue(`INSERT INTO resources (environment_id, tenant_id, id, name, type) VALUES ($1, $2, $3, $4, $5)`,
			env, tenant, r.ID, r.Name, r.Type)
		for _, a := range r.Availability {
			b.Queue(`
				INSERT INTO resource_availability
				    (environment_id, tenant_id, resource_id, location_id, day_of_week, start_minute, end_minute)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				env, tenant, r.ID, a.LocationID, int16(a.Day), int16(a.Window.Start), int16(a.Window.End))
		}
	}
	for t := range types {
		b.Queue(`INSERT INTO resource_types (environment_id, tenant_id, id) VALUES ($1, $2, $3)`, env, tenant, t)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
