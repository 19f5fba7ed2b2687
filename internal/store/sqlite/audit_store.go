package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite.
type AuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditStore creates an AuditStore on d.
func NewAuditStore(d *DB) *AuditStore {
	return &AuditStore{db: d.db, now: time.Now}
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends an audit entry with detail stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), fmtTime(s.now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(*opts.Until))
	}
	query := `SELECT id, event, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query, args = page(query+" ORDER BY id DESC", opts.Limit, opts.Offset, args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit rows: %w", err)
	}
	return out, nil
}
