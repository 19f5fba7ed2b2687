package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// WriteQueue implements domain.WriteQueue using PostgreSQL.
type WriteQueue struct {
	pool *pgxpool.Pool
}

// NewWriteQueue creates a new WriteQueue backed by the given connection pool.
func NewWriteQueue(pool *pgxpool.Pool) *WriteQueue {
	return &WriteQueue{pool: pool}
}

// Compile-time interface check.
var _ domain.WriteQueue = (*WriteQueue)(nil)

const writeColumns = `
	id, action_id, trade_id, fill_price::text, fill_quantity::text, filled_at,
	attempts, last_error, next_attempt_at, created_at`

// Enqueue stores w unless a write for the same action is already queued.
func (q *WriteQueue) Enqueue(ctx context.Context, w domain.PendingWrite) error {
	const query = `
		INSERT INTO pending_writes (
			id, action_id, trade_id, fill_price, fill_quantity, filled_at,
			attempts, last_error, next_attempt_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (action_id) DO NOTHING`

	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.pool.Exec(ctx, query,
		w.ID, w.ActionID, w.TradeID,
		w.Fill.Price.String(), w.Fill.Quantity.String(), w.Fill.Time.UTC(),
		w.Attempts, w.LastError, w.NextAttemptAt.UTC(), created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue write for action %s: %w", w.ActionID, err)
	}
	return nil
}

// Due returns up to limit writes whose next attempt is at or before now.
func (q *WriteQueue) Due(ctx context.Context, now time.Time, limit int) ([]domain.PendingWrite, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+writeColumns+`
		FROM pending_writes
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at, id
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due writes: %w", err)
	}
	return collectWrites(rows)
}

// Reschedule records a failed attempt.
func (q *WriteQueue) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE pending_writes
		SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, next.UTC(), lastErr)
	if err != nil {
		return fmt.Errorf("postgres: reschedule write %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: reschedule write %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Complete removes an applied write.
func (q *WriteQueue) Complete(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM pending_writes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: complete write %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete write %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns queued writes, oldest first.
func (q *WriteQueue) List(ctx context.Context, opts domain.ListOpts) ([]domain.PendingWrite, error) {
	query, args := pageQuery(`SELECT `+writeColumns+` FROM pending_writes WHERE 1=1`,
		"created_at", "created_at, id", opts, nil)

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list writes: %w", err)
	}
	return collectWrites(rows)
}

func collectWrites(rows pgx.Rows) ([]domain.PendingWrite, error) {
	defer rows.Close()

	var out []domain.PendingWrite
	for rows.Next() {
		var (
			w          domain.PendingWrite
			price, qty string
		)
		if err := rows.Scan(
			&w.ID, &w.ActionID, &w.TradeID, &price, &qty, &w.Fill.Time,
			&w.Attempts, &w.LastError, &w.NextAttemptAt, &w.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan write: %w", err)
		}
		var err error
		if w.Fill.Price, err = parseNumeric(price); err != nil {
			return nil, err
		}
		if w.Fill.Quantity, err = parseNumeric(qty); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list writes rows: %w", err)
	}
	return out, nil
}
