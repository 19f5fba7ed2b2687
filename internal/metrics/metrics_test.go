package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func TestObservePass(t *testing.T) {
	m := New("test")
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	m.ObservePass(domain.PassReport{
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		TradesRead: 10,
		Divergences: []domain.Divergence{
			{Kind: domain.DivergenceLedgerClosedBrokerOpen},
			{Kind: domain.DivergenceCovered},
			{Kind: domain.DivergenceCovered},
		},
		Created:      1,
		Filled:       1,
		LedgerWrites: 1,
	})
	m.ObservePass(domain.PassReport{StartedAt: start, FinishedAt: start, Errors: []string{"broker down"}})
	m.ObservePass(domain.PassReport{DryRun: true, StartedAt: start, FinishedAt: start})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassesTotal.WithLabelValues("dry_run")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PassErrors))
	// Divergence gauges reflect the last pass only.
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Divergences.WithLabelValues(string(domain.DivergenceCovered))))
	assert.Equal(t, float64(start.Unix()), testutil.ToFloat64(m.LastPass))
}

func TestHandler(t *testing.T) {
	m := New("")
	m.ObserveRequest(http.MethodGet, http.StatusOK)
	m.RegisterPendingWrites("", func() float64 { return 3 })

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ledgersync_http_requests_total{code="200",method="GET"} 1`)
	assert.Contains(t, string(body), "ledgersync_ledger_pending_writes 3")
	assert.Contains(t, string(body), "go_goroutines")
}
