// Package metrics exports reconciliation health as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/ledgersync/internal/cache/redis"
	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	// Passes
	PassesTotal   *prometheus.CounterVec
	PassDuration  prometheus.Histogram
	LastPass      prometheus.Gauge
	TradesRead    prometheus.Gauge
	PositionsRead prometheus.Gauge
	SkippedRows   prometheus.Gauge
	Divergences   *prometheus.GaugeVec

	// Actions
	ActionsTotal   *prometheus.CounterVec
	LedgerWrites   prometheus.Counter
	WriteConflicts prometheus.Counter
	PassErrors     prometheus.Counter

	// HTTP
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ledgersync"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result",
		}, []string{"result"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a reconciliation pass",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		LastPass: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_pass_timestamp",
			Help:      "Unix timestamp of the last finished pass",
		}),
		TradesRead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "ledger_trades",
			Help:      "Trades read from the ledger by the last pass",
		}),
		PositionsRead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "broker_positions",
			Help:      "Positions read from the broker by the last pass",
		}),
		SkippedRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "skipped_rows",
			Help:      "Ledger rows skipped as malformed by the last pass",
		}),
		Divergences: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "divergences",
			Help:      "Divergences found by the last pass, by kind",
		}, []string{"kind"}),

		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "total",
			Help:      "Reconciliation action outcomes",
		}, []string{"outcome"}),
		LedgerWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Fills written back to the ledger",
		}),
		WriteConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_conflicts_total",
			Help:      "Ledger writes deferred to the retry queue",
		}),
		PassErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "errors_total",
			Help:      "Errors recorded in pass reports",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method and status code",
		}, []string{"method", "code"}),
	}
}

var divergenceKinds = []domain.DivergenceKind{
	domain.DivergenceLedgerClosedBrokerOpen,
	domain.DivergenceLedgerOpenBrokerFlat,
	domain.DivergenceResidualMismatch,
	domain.DivergencePendingAction,
	domain.DivergenceOrderWorking,
	domain.DivergenceCovered,
}

// ObservePass folds a finished pass report into the collectors.
func (m *Metrics) ObservePass(r domain.PassReport) {
	result := "ok"
	switch {
	case r.DryRun:
		result = "dry_run"
	case len(r.Errors) > 0:
		result = "error"
	}
	m.PassesTotal.WithLabelValues(result).Inc()
	m.PassDuration.Observe(r.Duration().Seconds())
	m.LastPass.Set(float64(r.FinishedAt.Unix()))
	m.TradesRead.Set(float64(r.TradesRead))
	m.PositionsRead.Set(float64(r.PositionsRead))
	m.SkippedRows.Set(float64(r.SkippedRows))

	counts := make(map[domain.DivergenceKind]int, len(divergenceKinds))
	for _, d := range r.Divergences {
		counts[d.Kind]++
	}
	for _, k := range divergenceKinds {
		m.Divergences.WithLabelValues(string(k)).Set(float64(counts[k]))
	}

	m.ActionsTotal.WithLabelValues("created").Add(float64(r.Created))
	m.ActionsTotal.WithLabelValues("submitted").Add(float64(r.Submitted))
	m.ActionsTotal.WithLabelValues("filled").Add(float64(r.Filled))
	m.ActionsTotal.WithLabelValues("failed").Add(float64(r.Failed))
	m.ActionsTotal.WithLabelValues("aborted").Add(float64(r.Aborted))
	m.ActionsTotal.WithLabelValues("resumed").Add(float64(r.Resumed))
	m.LedgerWrites.Add(float64(r.LedgerWrites))
	m.WriteConflicts.Add(float64(r.WriteConflicts))
	m.PassErrors.Add(float64(len(r.Errors)))
}

// ObserveRequest counts one API request.
func (m *Metrics) ObserveRequest(method string, code int) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RegisterRedisPool exports the connection pool counters of c.
func (m *Metrics) RegisterRedisPool(namespace string, c *redis.Client) {
	if namespace == "" {
		namespace = "ledgersync"
	}
	gauge := func(name, help string, v func(redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(c.PoolStats())) })
	}
	m.reg.MustRegister(
		gauge("hits", "Pool hits", func(s redis.PoolStats) uint32 { return s.Hits }),
		gauge("misses", "Pool misses", func(s redis.PoolStats) uint32 { return s.Misses }),
		gauge("timeouts", "Pool wait timeouts", func(s redis.PoolStats) uint32 { return s.Timeouts }),
		gauge("total_conns", "Open connections", func(s redis.PoolStats) uint32 { return s.TotalConns }),
		gauge("idle_conns", "Idle connections", func(s redis.PoolStats) uint32 { return s.IdleConns }),
	)
}

// RegisterPendingWrites exports the depth of the ledger write-retry queue as
// reported by depth.
func (m *Metrics) RegisterPendingWrites(namespace string, depth func() float64) {
	if namespace == "" {
		namespace = "ledgersync"
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "pending_writes",
		Help:      "Ledger writes waiting in the retry queue",
	}, depth))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}
