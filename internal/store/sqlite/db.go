// Package sqlite implements the action store, write-retry queue and audit
// log on a single SQLite file for single-node deployments. It uses the
// pure-Go modernc driver, so no cgo toolchain is needed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS reconciliation_actions (
    id                TEXT PRIMARY KEY,
    trade_id          TEXT    NOT NULL,
    symbol            TEXT    NOT NULL,
    sec_type          TEXT    NOT NULL,
    exchange          TEXT    NOT NULL DEFAULT '',
    currency          TEXT    NOT NULL DEFAULT '',
    expiry            TEXT    NOT NULL DEFAULT '',
    strike            TEXT    NOT NULL DEFAULT '',
    option_right      TEXT    NOT NULL DEFAULT '',
    side              TEXT    NOT NULL,
    quantity          TEXT    NOT NULL,
    observed_position TEXT    NOT NULL,
    status            TEXT    NOT NULL,
    idempotency_key   TEXT    NOT NULL UNIQUE,
    broker_order_id   TEXT    NOT NULL DEFAULT '',
    fill_price        TEXT,
    fill_quantity     TEXT,
    filled_at         TEXT,
    error             TEXT    NOT NULL DEFAULT '',
    acknowledged      INTEGER NOT NULL DEFAULT 0,
    pass_id           TEXT    NOT NULL DEFAULT '',
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_one_blocking
    ON reconciliation_actions(trade_id)
    WHERE status IN ('pending', 'submitted') OR (status = 'failed' AND acknowledged = 0);
CREATE INDEX IF NOT EXISTS idx_actions_status  ON reconciliation_actions(status);
CREATE INDEX IF NOT EXISTS idx_actions_created ON reconciliation_actions(created_at DESC);

CREATE TABLE IF NOT EXISTS pending_writes (
    id              TEXT PRIMARY KEY,
    action_id       TEXT    NOT NULL UNIQUE,
    trade_id        TEXT    NOT NULL,
    fill_price      TEXT    NOT NULL,
    fill_quantity   TEXT    NOT NULL,
    filled_at       TEXT    NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT '',
    next_attempt_at TEXT    NOT NULL,
    created_at      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_writes_due ON pending_writes(next_attempt_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
`

// timeLayout sorts lexically in chronological order for UTC times.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is an open SQLite database with the schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Ping checks the database, used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fmtNullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: parse decimal %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := parseDecimal(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// page appends LIMIT/OFFSET for opts. SQLite needs a LIMIT before OFFSET.
func page(query string, limit, offset int, args []any) (string, []any) {
	if limit > 0 || offset > 0 {
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return query, args
}
