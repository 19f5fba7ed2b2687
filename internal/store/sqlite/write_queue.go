package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// WriteQueue implements domain.WriteQueue on SQLite.
type WriteQueue struct {
	db *sql.DB
}

// NewWriteQueue creates a WriteQueue on d.
func NewWriteQueue(d *DB) *WriteQueue {
	return &WriteQueue{db: d.db}
}

// Compile-time interface check.
var _ domain.WriteQueue = (*WriteQueue)(nil)

const writeColumns = `id, action_id, trade_id, fill_price, fill_quantity, filled_at,
	attempts, last_error, next_attempt_at, created_at`

// Enqueue stores w unless a write for the same action is already queued.
func (q *WriteQueue) Enqueue(ctx context.Context, w domain.PendingWrite) error {
	created := w.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_writes (`+writeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO NOTHING`,
		w.ID, w.ActionID, w.TradeID, w.Fill.Price.String(), w.Fill.Quantity.String(),
		fmtTime(w.Fill.Time), w.Attempts, w.LastError, fmtTime(w.NextAttemptAt), fmtTime(created),
	)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue write for action %s: %w", w.ActionID, err)
	}
	return nil
}

// Due returns up to limit writes due at now.
func (q *WriteQueue) Due(ctx context.Context, now time.Time, limit int) ([]domain.PendingWrite, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+writeColumns+` FROM pending_writes
		WHERE next_attempt_at <= ? ORDER BY next_attempt_at, id LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due writes: %w", err)
	}
	return collectWrites(rows)
}

// Reschedule records a failed attempt.
func (q *WriteQueue) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE pending_writes
		SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, fmtTime(next), lastErr, id)
	if err != nil {
		return fmt.Errorf("sqlite: reschedule write %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: reschedule write %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Complete removes an applied write.
func (q *WriteQueue) Complete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: complete write %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: complete write %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns queued writes, oldest first.
func (q *WriteQueue) List(ctx context.Context, opts domain.ListOpts) ([]domain.PendingWrite, error) {
	query, args := page(`SELECT `+writeColumns+` FROM pending_writes ORDER BY created_at, id`,
		opts.Limit, opts.Offset, nil)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list writes: %w", err)
	}
	return collectWrites(rows)
}

func collectWrites(rows *sql.Rows) ([]domain.PendingWrite, error) {
	defer rows.Close()

	var out []domain.PendingWrite
	for rows.Next() {
		var (
			w                  domain.PendingWrite
			price, qty, filled string
			next, created      string
		)
		if err := rows.Scan(&w.ID, &w.ActionID, &w.TradeID, &price, &qty, &filled,
			&w.Attempts, &w.LastError, &next, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan write: %w", err)
		}
		var err error
		if w.Fill.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if w.Fill.Quantity, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		if w.Fill.Time, err = parseTime(filled); err != nil {
			return nil, err
		}
		if w.NextAttemptAt, err = parseTime(next); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list writes rows: %w", err)
	}
	return out, nil
}
