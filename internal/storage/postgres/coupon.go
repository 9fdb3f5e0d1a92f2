package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
)

var _ coupon.Ledger = (*CouponLedger)(nil)

// CouponRepository reads and bulk-writes coupons.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Ledger returns the coupons of one tenant environment as a coupon.Ledger.
func (r *CouponRepository) Ledger(tenant catalog.TenantEnvironment) *CouponLedger {
	return &CouponLedger{q: r.pool, tenant: tenant}
}

// UpsertCoupons inserts coupons or replaces the rule of existing codes.
// Codes are matched case-insensitively.
func (r *CouponRepository) UpsertCoupons(ctx context.Context, tenant catalog.TenantEnvironment, coupons []coupon.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, c := range coupons {
		b.Queue(`
			INSERT INTO coupons (environment_id, tenant_id, id, code, discount_type, value, description, valid_from, valid_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (environment_id, tenant_id, upper(code)) DO UPDATE
			SET discount_type = EXCLUDED.discount_type,
			    value         = EXCLUDED.value,
			    description   = EXCLUDED.description,
			    valid_from    = EXCLUDED.valid_from,
			    valid_until   = EXCLUDED.valid_until`,
			tenant.EnvironmentID, tenant.TenantID, c.ID, c.Code, string(c.DiscountType),
			c.Value, c.Description, c.ValidFrom, c.ValidUntil,
		)
	}
	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d coupons: %w", len(coupons), err)
	}
	return nil
}

// CouponLedger resolves codes of one tenant environment.
type CouponLedger struct {
	q      DBTX
	tenant catalog.TenantEnvironment
}

// Resolve looks a code up ignoring case. It returns coupon.ErrNotFound when
// no coupon matches.
func (l *CouponLedger) Resolve(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findCoupon(ctx, l.q, l.tenant, code)
}

func findCoupon(ctx context.Context, q DBTX, tenant catalog.TenantEnvironment, code string) (*coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		from, until  *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id, code, discount_type, value, description, valid_from, valid_until
		FROM coupons
		WHERE environment_id = $1 AND tenant_id = $2 AND upper(code) = upper($3)`,
		tenant.EnvironmentID, tenant.TenantID, code,
	).Scan(&c.ID, &c.Code, &discountType, &c.Value, &c.Description, &from, &until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	c.DiscountType = coupon.DiscountType(discountType)
	c.ValidFrom, c.ValidUntil = from, until
	return &c, nil
}
