package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// ActionStore implements domain.ActionStore using PostgreSQL. The partial
// unique index on trade_id enforces one blocking action per trade.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore creates a new ActionStore backed by the given connection pool.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// Compile-time interface check.
var _ domain.ActionStore = (*ActionStore)(nil)

const actionColumns = `
	id, trade_id, symbol, sec_type, exchange, currency,
	expiry, strike, option_right, side,
	quantity::text, observed_position::text, status, idempotency_key,
	broker_order_id, fill_price::text, fill_quantity::text, filled_at,
	error, acknowledged, pass_id, created_at, updated_at`

// Create inserts a pending action.
func (s *ActionStore) Create(ctx context.Context, a domain.Action) error {
	const query = `
		INSERT INTO reconciliation_actions (
			id, trade_id, symbol, sec_type, exchange, currency,
			expiry, strike, option_right, side,
			quantity, observed_position, status, idempotency_key,
			broker_order_id, error, pass_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $18
		)`

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.TradeID,
		a.Instrument.Symbol, string(a.Instrument.SecType), a.Instrument.Exchange, a.Instrument.Currency,
		a.Instrument.Expiry, a.Instrument.Strike, string(a.Instrument.Right),
		string(a.Side), a.Quantity.String(), a.ObservedPosition.String(),
		string(a.Status), a.IdempotencyKey,
		a.BrokerOrderID, a.Error, a.PassID, created.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create action for trade %s: %w", a.TradeID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create action %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns an action by ID.
func (s *ActionStore) GetByID(ctx context.Context, id string) (domain.Action, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM reconciliation_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err != nil {
		if isNoRows(err) {
			return domain.Action{}, fmt.Errorf("postgres: get action %s: %w", id, domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("postgres: get action %s: %w", id, err)
	}
	return a, nil
}

// Transition writes a's mutable fields if the stored status is still from.
func (s *ActionStore) Transition(ctx context.Context, a domain.Action, from domain.ActionStatus) error {
	const query = `
		UPDATE reconciliation_actions
		SET status = $2,
			broker_order_id = $3,
			fill_price = $4,
			fill_quantity = $5,
			filled_at = $6,
			error = $7,
			updated_at = NOW()
		WHERE id = $1 AND status = $8`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, string(a.Status), a.BrokerOrderID,
		numericArg(a.FillPrice), numericArg(a.FillQuantity), utcPtr(a.FilledAt),
		a.Error, string(from),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: transition action %s: %w", a.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: transition action %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, a.ID)
	}
	return nil
}

// Acknowledge marks a failed action as reviewed, releasing its trade.
func (s *ActionStore) Acknowledge(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_actions
		SET acknowledged = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("postgres: acknowledge action %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: acknowledge action %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListUnsettled returns every blocking action, oldest first.
func (s *ActionStore) ListUnsettled(ctx context.Context) ([]domain.Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM reconciliation_actions
		WHERE status IN ('pending', 'submitted') OR (status = 'failed' AND NOT acknowledged)
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled actions: %w", err)
	}
	return collectActions(rows)
}

// List returns actions newest first, filtered by status and trade.
func (s *ActionStore) List(ctx context.Context, filter domain.ActionFilter) ([]domain.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM reconciliation_actions WHERE 1=1`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if filter.TradeID != "" {
		args = append(args, filter.TradeID)
		query += fmt.Sprintf(" AND trade_id = $%d", len(args))
	}
	query, args = pageQuery(query, "created_at", "created_at DESC, id DESC", filter.ListOpts, args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	return collectActions(rows)
}

func (s *ActionStore) missOrStale(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reconciliation_actions WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: transition action %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("postgres: transition action %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: transition action %s: %w", id, domain.ErrStaleAction)
}

func collectActions(rows pgx.Rows) ([]domain.Action, error) {
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list actions rows: %w", err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (domain.Action, error) {
	var (
		a                  domain.Action
		secType, side, st  string
		right              string
		qty, observed      string
		fillPrice, fillQty *string
	)
	err := row.Scan(
		&a.ID, &a.TradeID,
		&a.Instrument.Symbol, &secType, &a.Instrument.Exchange, &a.Instrument.Currency,
		&a.Instrument.Expiry, &a.Instrument.Strike, &right,
		&side, &qty, &observed, &st, &a.IdempotencyKey,
		&a.BrokerOrderID, &fillPrice, &fillQty, &a.FilledAt,
		&a.Error, &a.Acknowledged, &a.PassID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Action{}, err
	}
	a.Instrument.SecType = domain.SecType(secType)
	a.Instrument.Right = domain.OptionRight(right)
	a.Side = domain.OrderSide(side)
	a.Status = domain.ActionStatus(st)

	if a.Quantity, err = parseNumeric(qty); err != nil {
		return domain.Action{}, err
	}
	if a.ObservedPosition, err = parseNumeric(observed); err != nil {
		return domain.Action{}, err
	}
	if a.FillPrice, err = parseNullNumeric(fillPrice); err != nil {
		return domain.Action{}, err
	}
	if a.FillQuantity, err = parseNullNumeric(fillQty); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}
