// Command seed-db loads the demo tenants: a car wash and a gym.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/slotbook/internal/demo"
	"github.com/xenking/slotbook/internal/storage/postgres"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL string) error {
	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewCatalogRepository(postgres.NewTxRunner(pool))
	coupons := postgres.NewCouponRepository(pool)
	for _, cat := range demo.Catalogs() {
		version, err := repo.SaveCatalog(ctx, cat)
		if err != nil {
			return errors.Wrapf(err, "save %s", cat.Tenant)
		}
		issued := demo.Coupons(cat.Tenant)
		if err := coupons.UpsertCoupons(ctx, cat.Tenant, issued); err != nil {
			return errors.Wrapf(err, "save coupons of %s", cat.Tenant)
		}
		slog.Info("seeded tenant",
			slog.String("tenant", cat.Tenant.String()),
			slog.Int64("version", version),
			slog.Int("services", len(cat.Services)),
			slog.Int("coupons", len(issued)),
		)
	}
	return nil
}
