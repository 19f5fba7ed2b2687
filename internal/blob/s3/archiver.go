package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Archiver implements domain.ReportArchiver by writing each pass report as a
// JSON object under prefix/YYYY/MM/DD/<pass-id>.json.
type Archiver struct {
	writer domain.BlobWriter
	prefix string
	audit  domain.AuditStore
}

var _ domain.ReportArchiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, prefix string, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		prefix: strings.Trim(prefix, "/"),
		audit:  audit,
	}
}

// ArchivePass uploads r and returns the object key.
func (a *Archiver) ArchivePass(ctx context.Context, r domain.PassReport) (string, error) {
	if r.PassID == "" {
		return "", fmt.Errorf("s3blob: archive pass: %w: empty pass id", domain.ErrInvalidInput)
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive pass %s marshal: %w", r.PassID, err)
	}

	key := a.key(r)
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive pass %s: %w", r.PassID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.pass", map[string]any{
			"pass_id":     r.PassID,
			"path":        key,
			"divergences": len(r.Divergences),
		}); err != nil {
			return key, fmt.Errorf("s3blob: archive pass %s audit log: %w", r.PassID, err)
		}
	}
	return key, nil
}

func (a *Archiver) key(r domain.PassReport) string {
	day := r.StartedAt.UTC().Format("2006/01/02")
	name := r.PassID + ".json"
	if a.prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(a.prefix, day, name)
}
