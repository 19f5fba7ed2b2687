package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/store/memory"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func TestArchivePass(t *testing.T) {
	ctx := context.Background()
	w := newMemWriter()
	audit := memory.NewAuditStore()
	a := NewArchiver(w, "/reports/", audit)

	started := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	report := domain.PassReport{PassID: "01HX", StartedAt: started, TradesRead: 4, Filled: 1}

	key, err := a.ArchivePass(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, "reports/2026/03/08/01HX.json", key)
	assert.Equal(t, "application/json", w.types[key])

	var got domain.PassReport
	require.NoError(t, json.Unmarshal(w.objects[key], &got))
	assert.Equal(t, "01HX", got.PassID)
	assert.Equal(t, 1, got.Filled)
	assert.Equal(t, []string{"archive.pass"}, audit.Events())
}

func TestArchivePass_NoPrefix(t *testing.T) {
	a := NewArchiver(newMemWriter(), "", nil)
	key, err := a.ArchivePass(context.Background(), domain.PassReport{
		PassID: "P1", StartedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "2026/01/02/P1.json", key)
}

func TestArchivePass_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewArchiver(newMemWriter(), "", nil).ArchivePass(ctx, domain.PassReport{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	w := newMemWriter()
	w.err = errors.New("bucket gone")
	_, err = NewArchiver(w, "r", nil).ArchivePass(ctx, domain.PassReport{PassID: "P1"})
	assert.ErrorContains(t, err, "bucket gone")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
