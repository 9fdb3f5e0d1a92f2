package postgres

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgErrCodeSerializationFailure = "40001"
	pgErrCodeDeadlockDetected     = "40P01"
	pgErrCodeLockNotAvailable     = "55P03"
)

// ErrMaxRetriesExceeded marks a transaction that kept hitting retryable
// conflicts.
var ErrMaxRetriesExceeded = errors.New("transaction failed after max retries")

// TxRunner runs read-write transactions, retrying serialization failures,
// deadlocks and lock timeouts with exponential backoff.
type TxRunner struct {
	pool        *pgxpool.Pool
	maxRetries  int
	baseBackoff time.Duration
	lockTimeout time.Duration
}

// RunnerOption configures a TxRunner.
type RunnerOption func(*TxRunner)

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) RunnerOption {
	return func(r *TxRunner) { r.maxRetries = n }
}

// WithBaseBackoff sets the wait before the first retry.
func WithBaseBackoff(d time.Duration) RunnerOption {
	return func(r *TxRunner) { r.baseBackoff = d }
}

// WithLockTimeout bounds how long a statement waits for a row lock.
func WithLockTimeout(d time.Duration) RunnerOption {
	return func(r *TxRunner) { r.lockTimeout = d }
}

func NewTxRunner(pool *pgxpool.Pool, opts ...RunnerOption) *TxRunner {
	r := &TxRunner{
		pool:        pool,
		maxRetries:  3,
		baseBackoff: 50 * time.Millisecond,
		lockTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadWrite runs fn in a READ COMMITTED transaction. fn's own error is
// returned unwrapped so callers can inspect it.
func (r *TxRunner) ReadWrite(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	lg := zctx.From(ctx)

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == r.maxRetries {
			lg.Error("Transaction failed after max retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return errors.Wrap(ErrMaxRetriesExceeded, err.Error())
		}

		wait := calculateBackoff(attempt, r.baseBackoff)
		lg.Warn("Retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for retry")
		case <-time.After(wait):
		}
	}
	return ErrMaxRetriesExceeded
}

// runOnce avoids defer accumulation across retries.
func (r *TxRunner) runOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zctx.From(ctx).Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if r.lockTimeout > 0 {
		ms := strconv.FormatInt(r.lockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			return fmt.Errorf("setting lock timeout: %w", err)
		}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ReadOnly runs fn in a REPEATABLE READ read-only transaction so every
// query sees the same snapshot.
func (r *TxRunner) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("beginning read-only transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			zctx.From(ctx).Warn("Rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func calculateBackoff(attempt int, base time.Duration) time.Duration {
	wait := time.Duration(1<<attempt) * base
	return wait + time.Duration(randInt63n(int64(wait/5)))
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	// #nosec G115 -- high bit masked
	return int64(binary.BigEndian.Uint64(buf[:])&0x7FFFFFFFFFFFFFFF) % n
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgErrCodeSerializationFailure, pgErrCodeDeadlockDetected, pgErrCodeLockNotAvailable:
		return true
	default:
		return false
	}
}
