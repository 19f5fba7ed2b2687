package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// multipartThreshold is also the minimum S3 part size (5 MiB).
const multipartThreshold = 5 * 1024 * 1024

// Writer implements domain.BlobWriter.
type Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

var _ domain.BlobWriter = (*Writer)(nil)

// NewWriter creates a Writer for the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.s3,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = multipartThreshold
		}),
		bucket: c.bucket,
	}
}

// Put uploads data to path. Payloads at or above the multipart threshold go
// through the upload manager.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("s3blob: read payload for %s: %w", path, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(contentType),
	}
	if len(buf) >= multipartThreshold {
		if _, err := w.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
		}
		return nil
	}
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
