package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// ActionStore implements domain.ActionStore on SQLite.
type ActionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewActionStore creates an ActionStore on d.
func NewActionStore(d *DB) *ActionStore {
	return &ActionStore{db: d.db, now: time.Now}
}

// Compile-time interface check.
var _ domain.ActionStore = (*ActionStore)(nil)

const actionColumns = `id, trade_id, symbol, sec_type, exchange, currency,
	expiry, strike, option_right, side,
	quantity, observed_position, status, idempotency_key, broker_order_id,
	fill_price, fill_quantity, filled_at, error, acknowledged, pass_id,
	created_at, updated_at`

// Create inserts a pending action.
func (s *ActionStore) Create(ctx context.Context, a domain.Action) error {
	now := s.now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_actions (
			id, trade_id, symbol, sec_type, exchange, currency,
			expiry, strike, option_right, side,
			quantity, observed_position, status, idempotency_key, broker_order_id,
			error, pass_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TradeID, a.Instrument.Symbol, string(a.Instrument.SecType),
		a.Instrument.Exchange, a.Instrument.Currency,
		a.Instrument.Expiry, a.Instrument.Strike, string(a.Instrument.Right), string(a.Side),
		a.Quantity.String(), a.ObservedPosition.String(), string(a.Status),
		a.IdempotencyKey, a.BrokerOrderID, a.Error, a.PassID,
		fmtTime(created), fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: create action for trade %s: %w", a.TradeID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create action %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns an action by ID.
func (s *ActionStore) GetByID(ctx context.Context, id string) (domain.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM reconciliation_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Action{}, fmt.Errorf("sqlite: get action %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Action{}, fmt.Errorf("sqlite: get action %s: %w", id, err)
	}
	return a, nil
}

// Transition writes a's mutable fields if the stored status is still from.
func (s *ActionStore) Transition(ctx context.Context, a domain.Action, from domain.ActionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_actions
		SET status = ?, broker_order_id = ?, fill_price = ?, fill_quantity = ?,
			filled_at = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(a.Status), a.BrokerOrderID,
		fmtNullDecimal(a.FillPrice), fmtNullDecimal(a.FillQuantity), fmtNullTime(a.FilledAt),
		a.Error, fmtTime(s.now()), a.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: transition action %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM reconciliation_actions WHERE id = ?`, a.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: transition action %s: %w", a.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: transition action %s: %w", a.ID, err)
	}
	return fmt.Errorf("sqlite: transition action %s: %w", a.ID, domain.ErrStaleAction)
}

// Acknowledge marks a failed action as reviewed.
func (s *ActionStore) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_actions SET acknowledged = 1, updated_at = ?
		WHERE id = ? AND status = 'failed'`, fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: acknowledge action %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: acknowledge action %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListUnsettled returns every blocking action, oldest first.
func (s *ActionStore) ListUnsettled(ctx context.Context) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM reconciliation_actions
		WHERE status IN ('pending', 'submitted') OR (status = 'failed' AND acknowledged = 0)
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unsettled: %w", err)
	}
	return collectActions(rows)
}

// List returns actions newest first.
func (s *ActionStore) List(ctx context.Context, filter domain.ActionFilter) ([]domain.Action, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.TradeID != "" {
		where = append(where, "trade_id = ?")
		args = append(args, filter.TradeID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(*filter.Until))
	}

	query := `SELECT ` + actionColumns + ` FROM reconciliation_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = page(query, filter.Limit, filter.Offset, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list actions: %w", err)
	}
	return collectActions(rows)
}

func collectActions(rows *sql.Rows) ([]domain.Action, error) {
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list actions rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (domain.Action, error) {
	var (
		a                         domain.Action
		secType, side, status     string
		right                     string
		qty, observed             string
		fillPrice, fillQty, fillT sql.NullString
		acked                     int
		created, updated          string
	)
	err := row.Scan(
		&a.ID, &a.TradeID, &a.Instrument.Symbol, &secType, &a.Instrument.Exchange, &a.Instrument.Currency,
		&a.Instrument.Expiry, &a.Instrument.Strike, &right,
		&side, &qty, &observed, &status, &a.IdempotencyKey, &a.BrokerOrderID,
		&fillPrice, &fillQty, &fillT, &a.Error, &acked, &a.PassID, &created, &updated,
	)
	if err != nil {
		return domain.Action{}, err
	}
	a.Instrument.SecType = domain.SecType(secType)
	a.Instrument.Right = domain.OptionRight(right)
	a.Side = domain.OrderSide(side)
	a.Status = domain.ActionStatus(status)
	a.Acknowledged = acked != 0

	if a.Quantity, err = parseDecimal(qty); err != nil {
		return domain.Action{}, err
	}
	if a.ObservedPosition, err = parseDecimal(observed); err != nil {
		return domain.Action{}, err
	}
	if a.FillPrice, err = parseNullDecimal(fillPrice); err != nil {
		return domain.Action{}, err
	}
	if a.FillQuantity, err = parseNullDecimal(fillQty); err != nil {
		return domain.Action{}, err
	}
	if a.FilledAt, err = parseNullTime(fillT); err != nil {
		return domain.Action{}, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return domain.Action{}, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}
