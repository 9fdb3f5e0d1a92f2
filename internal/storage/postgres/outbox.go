package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/slotbook/internal/outbox"
)

var _ outbox.Source = (*OutboxSource)(nil)

// OutboxSource leases pending outbox events to relay workers.
type OutboxSource struct {
	pool *pgxpool.Pool
}

func NewOutboxSource(pool *pgxpool.Pool) *OutboxSource {
	return &OutboxSource{pool: pool}
}

// Claim leases up to limit due events by pushing their available_at past
// the lease. Rows locked by another relay are skipped, so concurrent relays
// never receive the same event while its lease is live.
func (s *OutboxSource) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
		    SELECT id FROM outbox_events
		    WHERE published_at IS NULL AND NOT dead AND available_at <= now()
		    ORDER BY created_at, id
		    LIMIT $1
		    FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET available_at = now() + make_interval(secs => $2)
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.environment_id, e.tenant_id, e.topic, e.aggregate_id, e.payload, e.attempts, e.created_at`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Event, error) {
		var ev outbox.Event
		err := row.Scan(&ev.ID, &ev.EnvironmentID, &ev.TenantID, &ev.Topic, &ev.AggregateID,
			&ev.Payload, &ev.Attempts, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning outbox events: %w", err)
	}
	slices.SortFunc(events, func(a, b outbox.Event) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return events, nil
}

func (s *OutboxSource) MarkPublished(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking event %q published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %q not found", id)
	}
	return nil
}

func (s *OutboxSource) MarkFailed(ctx context.Context, id string, retryAt time.Time, dead bool, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, available_at = $2, dead = $3, last_error = $4
		WHERE id = $1`,
		id, retryAt, dead, reason,
	)
	if err != nil {
		return fmt.Errorf("marking event %q failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %q not found", id)
	}
	return nil
}
