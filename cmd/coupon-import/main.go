// Command coupon-import bulk-loads tenant coupons from gzip CSV files.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		env         string
		tenant      string
		batchSize   int
		expected    uint
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&env, "env", "dev", "environment id")
	flag.StringVar(&tenant, "tenant", "", "tenant id")
	flag.IntVar(&batchSize, "batch-size", 500, "coupons per upsert batch")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of codes, sizes the duplicate filter")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if tenant == "" || flag.NArg() == 0 {
		slog.Error("usage: coupon-import --tenant ID [--env ID] file.csv.gz...")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	te := catalog.TenantEnvironment{EnvironmentID: env, TenantID: tenant}
	if err := run(ctx, databaseURL, te, batchSize, expected, flag.Args()); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, databaseURL string, tenant catalog.TenantEnvironment, batchSize int, expected uint, files []string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	catalogs := postgres.NewCatalogRepository(postgres.NewTxRunner(pool))
	if _, err := catalogs.Version(ctx, tenant); err != nil {
		return errors.Wrapf(err, "tenant %s", tenant)
	}

	coupons := postgres.NewCouponRepository(pool)
	im := &importer{tenant: tenant, sink: coupons, batchSize: batchSize, expected: expected}
	st, err := im.Run(ctx, files)
	if err != nil {
		return err
	}
	slog.Info("imported",
		slog.Int("records", st.Records),
		slog.Int("imported", st.Imported),
		slog.Int("duplicates", st.Duplicates),
		slog.Int("malformed", st.Malformed),
	)
	if st.Imported == 0 {
		return nil
	}

	c, err := coupon.Check(ctx, coupons.Ledger(tenant), st.Sample, time.Now())
	switch {
	case errors.Is(err, coupon.ErrExpired):
		slog.Info("sample coupon stored (expired)", slog.String("code", c.Code))
	case err != nil:
		return errors.Wrapf(err, "verify sample coupon %s", st.Sample)
	default:
		slog.Info("sample coupon stored", slog.String("code", c.Code), slog.String("id", c.ID))
	}
	return nil
}
