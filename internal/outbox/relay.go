package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Source is the durable event queue written by admission transactions.
type Source interface {
	// Claim leases up to limit due events for the given duration. Leased
	// events are not returned by other Claim calls until the lease expires.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Event, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailed records a failed attempt. The event is retried at retryAt
	// unless dead is set.
	MarkFailed(ctx context.Context, id string, retryAt time.Time, dead bool, reason string) error
}

// Publisher delivers an event downstream. Publish must not return before
// the broker has accepted the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval time.Duration `default:"1s"`
	BatchSize    int           `default:"50"`
	Lease        time.Duration `default:"30s"`
	MaxAttempts  int           `default:"10"`
	BaseBackoff  time.Duration `default:"1s"`
	MaxBackoff   time.Duration `default:"5m"`
}

func (c *RelayConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Relay moves committed events from a Source to a Publisher. Delivery is
// at least once: an event published right before a crash is published again
// after its lease expires.
type Relay struct {
	source    Source
	publisher Publisher
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(source Source, publisher Publisher, cfg RelayConfig) (*Relay, error) {
	if source == nil {
		return nil, errors.New("outbox source is required")
	}
	if publisher == nil {
		return nil, errors.New("outbox publisher is required")
	}
	cfg.setDefaults()
	return &Relay{source: source, publisher: publisher, cfg: cfg, now: time.Now}, nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Error("Outbox batch failed", zap.Error(err))
		}
		// Drain backlogs without waiting for the next tick.
		if err == nil && n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims and publishes one batch, returning how many events
// were claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.source.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim events")
	}

	lg := zctx.From(ctx)
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			attempts := ev.Attempts + 1
			dead := attempts >= r.cfg.MaxAttempts
			retryAt := r.now().Add(r.backoff(attempts))
			if markErr := r.source.MarkFailed(ctx, ev.ID, retryAt, dead, err.Error()); markErr != nil {
				return len(events), errors.Wrapf(markErr, "mark event %s failed", ev.ID)
			}
			lg.Warn("Outbox publish failed",
				zap.String("event_id", ev.ID),
				zap.String("topic", ev.Topic),
				zap.Int("attempts", attempts),
				zap.Bool("dead", dead),
				zap.Error(err),
			)
			continue
		}
		if err := r.source.MarkPublished(ctx, ev.ID); err != nil {
			return len(events), errors.Wrapf(err, "mark event %s published", ev.ID)
		}
		lg.Debug("Outbox event published", zap.String("event_id", ev.ID), zap.String("topic", ev.Topic))
	}
	return len(events), nil
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}
