package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// ReportArchiver keeps a copy of every pass report in cold storage.
type ReportArchiver interface {
	ArchivePass(ctx context.Context, r PassReport) (string, error)
}
