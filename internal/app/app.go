// Package app wires the slotbook processes: the API server and the outbox
// relay.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/slotbook/internal/demo"
	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/handler"
	"github.com/xenking/slotbook/internal/outbox"
	"github.com/xenking/slotbook/internal/storage/memory"
	"github.com/xenking/slotbook/internal/storage/postgres"
	"github.com/xenking/slotbook/internal/storage/rediscache"
	"github.com/xenking/slotbook/pkg/health"
	"github.com/xenking/slotbook/pkg/httpmiddleware"
)

// Telemetry supplies the otel providers. *app.Telemetry from go-faster/sdk
// implements it.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// backend is the storage side of the API, selected by Config.Storage.
type backend struct {
	store    admission.Store
	reader   availability.Reader
	catalogs catalog.Provider
	// events is set only for the in-memory store, whose outbox is drained
	// in-process.
	events outbox.Source
}

// Run creates all dependencies, starts the API server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage))

	healthSvc := health.New(health.WithLogger(lg.Named("health")))
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		healthSvc.Add(health.Readiness, "redis", 2*time.Second, health.RedisCheck(client))
		rdb = client
	}

	var (
		b   *backend
		err error
	)
	switch cfg.Storage {
	case StorageMemory:
		b, err = memoryBackend(ctx)
	default:
		var closePool func()
		b, closePool, err = postgresBackend(ctx, cfg, rdb, healthSvc)
		if closePool != nil {
			defer closePool()
		}
	}
	if err != nil {
		return err
	}

	engine, err := admission.NewEngine(b.store,
		admission.WithTxTimeout(cfg.Admission.TxTimeout),
		admission.WithTracerProvider(m.TracerProvider()),
		admission.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create admission engine")
	}

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	handler.NewHandler(b.catalogs, engine, availability.NewLister(b.reader)).Register(mux)

	routeFinder := httpmiddleware.MakeRouteFinder(mux)
	middlewares := []httpmiddleware.Middleware{
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
	}
	if limiter := newLimiter(ctx, cfg, rdb); limiter != nil {
		middlewares = append(middlewares, httpmiddleware.RateLimit(limiter, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}))
	}
	middlewares = append(middlewares,
		httpmiddleware.Instrument("slotbook-api", routeFinder, m.TracerProvider(), m.MeterProvider()),
		httpmiddleware.Labeler(routeFinder),
		httpmiddleware.LogRequests(routeFinder),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           httpmiddleware.Wrap(mux, middlewares...),
	}

	if b.events == nil {
		return serve(ctx, lg, server, healthSvc, cfg.Graceful)
	}

	relay, err := outbox.NewRelay(b.events, logPublisher{lg: lg.Named("events")}, relayConfig(cfg.Outbox))
	if err != nil {
		return errors.Wrap(err, "create relay")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runRelay(gctx, lg, relay) })
	g.Go(func() error { return serve(gctx, lg, server, healthSvc, cfg.Graceful) })
	return g.Wait()
}

func postgresBackend(ctx context.Context, cfg *Config, rdb redis.UniversalClient, hs *health.Health) (*backend, func(), error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	hs.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))

	runner := postgres.NewTxRunner(pool,
		postgres.WithMaxRetries(cfg.Admission.MaxRetries),
		postgres.WithLockTimeout(cfg.Admission.LockTimeout),
	)
	repo := postgres.NewCatalogRepository(runner)

	var catalogs catalog.Provider = repo
	if rdb != nil {
		catalogs = rediscache.NewCatalogCache(rdb, repo, repo, cfg.Redis.CatalogTTL)
	}
	return &backend{
		store:    postgres.NewStore(pool, runner),
		reader:   postgres.NewAvailabilityReader(pool),
		catalogs: catalogs,
	}, pool.Close, nil
}

// memoryBackend serves the demo tenants without external dependencies.
func memoryBackend(ctx context.Context) (*backend, error) {
	store := memory.New()
	cats := demo.Catalogs()
	for _, c := range cats {
		if err := store.LoadCoupons(ctx, c.Tenant, demo.Coupons(c.Tenant)); err != nil {
			return nil, errors.Wrapf(err, "load %s", c.Tenant)
		}
	}
	return &backend{
		store:    store,
		reader:   store,
		catalogs: catalog.NewStatic(cats...),
		events:   store,
	}, nil
}

// newLimiter returns nil when rate limiting is disabled. Replicas share
// counters through Redis when it is configured.
func newLimiter(ctx context.Context, cfg *Config, rdb redis.UniversalClient) httpmiddleware.Limiter {
	if cfg.RateLimit.Max <= 0 {
		return nil
	}
	if rdb != nil {
		return httpmiddleware.NewRedisWindow(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	}
	l := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
	go l.Cleanup(ctx)
	return l
}

// serve runs srv until ctx is done, then flips readiness, waits for load
// balancers to notice, and drains connections.
func serve(ctx context.Context, lg *zap.Logger, srv *http.Server, hs *health.Health, g GracefulConfig) error {
	hs.Start(ctx, 10*time.Second)
	hs.SetReady(true)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		hs.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", g.ReadinessDelay))
		time.Sleep(g.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", g.ShutdownTimeout))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		hs.Stop()
	}()

	lg.Info("Server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
