package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/slotbook/internal/messaging/rabbitmq"
	"github.com/xenking/slotbook/internal/outbox"
	"github.com/xenking/slotbook/internal/storage/postgres"
	"github.com/xenking/slotbook/pkg/health"
	"github.com/xenking/slotbook/pkg/httpmiddleware"
)

// RunRelay publishes committed outbox events to RabbitMQ and serves the
// health probes on cfg.Addr.
func RunRelay(ctx context.Context, lg *zap.Logger, _ Telemetry, cfg *Config) error {
	lg.Info("Initializing relay", zap.String("exchange", cfg.AMQP.Exchange))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	pub, err := rabbitmq.NewPublisher(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		return errors.Wrap(err, "connect publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close publisher", zap.Error(err))
		}
	}()

	relay, err := outbox.NewRelay(postgres.NewOutboxSource(pool), pub, relayConfig(cfg.Outbox))
	if err != nil {
		return errors.Wrap(err, "create relay")
	}

	healthSvc := health.New(health.WithLogger(lg.Named("health")))
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(1000))
	healthSvc.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.Add(health.Readiness, "amqp", 2*time.Second, pub.Healthy)

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runRelay(gctx, lg, relay) })
	g.Go(func() error { return serve(gctx, lg, server, healthSvc, cfg.Graceful) })
	return g.Wait()
}

func runRelay(ctx context.Context, lg *zap.Logger, relay *outbox.Relay) error {
	err := relay.Run(zctx.Base(ctx, lg.Named("relay")))
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "relay")
	}
	return nil
}

func relayConfig(c OutboxConfig) outbox.RelayConfig {
	return outbox.RelayConfig{
		PollInterval: c.PollInterval,
		BatchSize:    c.BatchSize,
		Lease:        c.Lease,
		MaxAttempts:  c.MaxAttempts,
		BaseBackoff:  c.BaseBackoff,
	}
}

// logPublisher stands in for the broker when the API runs on the in-memory
// store.
type logPublisher struct {
	lg *zap.Logger
}

func (p logPublisher) Publish(_ context.Context, ev outbox.Event) error {
	p.lg.Info("Event",
		zap.String("event_id", ev.ID),
		zap.String("topic", ev.Topic),
		zap.String("aggregate_id", ev.AggregateID),
		zap.ByteString("payload", ev.Payload),
	)
	return nil
}
