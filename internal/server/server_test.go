package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/ledgersync/internal/cache/memory"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
	"github.com/alanyoungcy/ledgersync/internal/reconcile"
	"github.com/alanyoungcy/ledgersync/internal/server/handler"
	"github.com/alanyoungcy/ledgersync/internal/store/memory"
)

type stubEngine struct{ passes int }

func (s *stubEngine) RunPass(context.Context, reconcile.Options) (domain.PassReport, error) {
	s.passes++
	return domain.PassReport{PassID: "P1"}, nil
}

func (s *stubEngine) ForceClose(context.Context, string, string) (domain.PassReport, error) {
	return domain.PassReport{PassID: "P2"}, nil
}

type countingObserver struct{ codes []int }

func (o *countingObserver) ObserveRequest(_ string, code int) { o.codes = append(o.codes, code) }

func newTestServer(t *testing.T, cfg Config) (*Server, *stubEngine, *countingObserver) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := &stubEngine{}
	obs := &countingObserver{}
	audit := memory.NewAuditStore()
	h := Handlers{
		Health:    handler.NewHealthHandler("test", nil, logger),
		Actions:   handler.NewActionHandler(memory.NewActionStore(), audit, logger),
		Reconcile: handler.NewReconcileHandler(eng, logger),
		History:   handler.NewHistoryHandler(memory.NewWriteQueue(), audit, events.NewPublisher(nil), logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	}
	return NewServer(cfg, h, nil, cachemem.NewRateLimiter(), obs, logger), eng, obs
}

func do(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Auth(t *testing.T) {
	srv, eng, _ := newTestServer(t, Config{APIKey: "s3cret"})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/reconcile", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/reconcile",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Zero(t, eng.passes)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/reconcile",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/actions",
		map[string]string{"X-API-Key": "s3cret"}).Code)
	assert.Equal(t, 1, eng.passes)
}

func TestServer_RoutesAndMethods(t *testing.T) {
	srv, _, obs := newTestServer(t, Config{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/writes", map[string]string{"X-Request-ID": "req-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/reconcile", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/trades/T1/close", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/ws", nil).Code, "no hub configured")

	require.Len(t, obs.codes, 4)
	assert.Equal(t, http.StatusMethodNotAllowed, obs.codes[1])
}

func TestServer_CORS(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{CORSOrigins: []string{"https://ops.example.com"}})
	h := srv.Handler()

	rec := do(t, h, http.MethodOptions, "/api/reconcile", map[string]string{"Origin": "https://ops.example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/api/health", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{RateLimit: 2})
	h := srv.Handler()
	hdr := map[string]string{"X-Forwarded-For": "10.0.0.7, 10.0.0.1"}

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", hdr).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", hdr).Code)
	rec := do(t, h, http.MethodGet, "/api/health", hdr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := map[string]string{"X-Real-IP": "10.0.0.8"}
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", other).Code)
}
