package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// LedgerStore implements domain.LedgerStore on the ledger_trades table, for
// desks that keep their trade ledger in PostgreSQL instead of a spreadsheet.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ domain.LedgerStore = (*LedgerStore)(nil)

const tradeColumns = `
	id, symbol, sec_type, exchange, currency, expiry, strike, option_right,
	side, quantity::text, status,
	entry_price::text, exit_price::text, entered_at, exited_at, notes, version`

// ListTrades returns every trade ordered by ID.
func (s *LedgerStore) ListTrades(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM ledger_trades ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return out, nil
}

// GetTrade returns a trade by ID.
func (s *LedgerStore) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM ledger_trades WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, domain.ErrNotFound)
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// Insert adds a trade with version 1. It is used to seed the ledger.
func (s *LedgerStore) Insert(ctx context.Context, t domain.Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_trades (
			id, symbol, sec_type, exchange, currency, expiry, strike, option_right,
			side, quantity, status, entry_price, exit_price, entered_at, exited_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Instrument.Symbol, string(t.Instrument.SecType), t.Instrument.Exchange, t.Instrument.Currency,
		t.Instrument.Expiry, t.Instrument.Strike, string(t.Instrument.Right),
		string(t.Side), t.Quantity.String(), string(t.Status),
		numericArg(t.EntryPrice), numericArg(t.ExitPrice), t.EnteredAt.UTC(), utcPtr(t.ExitedAt), t.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert trade %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTrade writes the mutable fields of t if the stored version equals
// t.Version, bumping the version.
func (s *LedgerStore) UpdateTrade(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE ledger_trades
		SET status = $3, exit_price = $4, exited_at = $5, notes = $6,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version`,
		t.ID, t.Version, string(t.Status), numericArg(t.ExitPrice), utcPtr(t.ExitedAt), t.Notes,
	).Scan(&version)
	if err == nil {
		t.Version = version
		return t, nil
	}
	if !isNoRows(err) {
		return domain.Trade{}, fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}

	var current int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM ledger_trades WHERE id = $1`, t.ID).Scan(&current)
	if isNoRows(err) {
		return domain.Trade{}, fmt.Errorf("postgres: update trade %s: %w", t.ID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	return domain.Trade{}, &domain.WriteConflictError{
		TradeID:         t.ID,
		ExpectedVersion: t.Version,
		ActualVersion:   current,
	}
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t                     domain.Trade
		secType, side, status string
		qty, right            string
		entry, exit           *string
	)
	err := row.Scan(
		&t.ID, &t.Instrument.Symbol, &secType, &t.Instrument.Exchange, &t.Instrument.Currency,
		&t.Instrument.Expiry, &t.Instrument.Strike, &right,
		&side, &qty, &status, &entry, &exit, &t.EnteredAt, &t.ExitedAt, &t.Notes, &t.Version,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Instrument.SecType = domain.SecType(secType)
	t.Instrument.Right = domain.OptionRight(right)
	t.Side = domain.PositionSide(side)
	t.Status = domain.TradeStatus(status)
	if t.Quantity, err = parseNumeric(qty); err != nil {
		return domain.Trade{}, err
	}
	if t.EntryPrice, err = parseNullNumeric(entry); err != nil {
		return domain.Trade{}, err
	}
	if t.ExitPrice, err = parseNullNumeric(exit); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}
