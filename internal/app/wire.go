package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/ledgersync/internal/blob/s3"
	"github.com/alanyoungcy/ledgersync/internal/broker"
	cachemem "github.com/alanyoungcy/ledgersync/internal/cache/memory"
	"github.com/alanyoungcy/ledgersync/internal/cache/redis"
	"github.com/alanyoungcy/ledgersync/internal/config"
	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
	"github.com/alanyoungcy/ledgersync/internal/executor"
	"github.com/alanyoungcy/ledgersync/internal/ledger"
	"github.com/alanyoungcy/ledgersync/internal/metrics"
	"github.com/alanyoungcy/ledgersync/internal/notify"
	"github.com/alanyoungcy/ledgersync/internal/platform/gateway"
	"github.com/alanyoungcy/ledgersync/internal/platform/paper"
	"github.com/alanyoungcy/ledgersync/internal/platform/sheet"
	"github.com/alanyoungcy/ledgersync/internal/reconcile"
	"github.com/alanyoungcy/ledgersync/internal/server/handler"
	"github.com/alanyoungcy/ledgersync/internal/store/clickhouse"
	"github.com/alanyoungcy/ledgersync/internal/store/memory"
	"github.com/alanyoungcy/ledgersync/internal/store/postgres"
	"github.com/alanyoungcy/ledgersync/internal/store/sqlite"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Ledger  domain.LedgerStore
	Actions domain.ActionStore
	Writes  domain.WriteQueue
	Audit   domain.AuditStore

	// Caches
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	Redis       *redis.Client

	// Broker
	Gateway    domain.BrokerGateway
	Executions domain.ExecutionSource

	// Sinks
	Archiver *s3blob.Archiver
	Recorder *clickhouse.Recorder
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Events   *events.Publisher

	// Reconciliation
	Writer   *ledger.Writer
	Actuator *executor.Actuator
	Tracker  *executor.Tracker
	Engine   *reconcile.Engine

	// Checks feeds GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete implementations from cfg and returns them
// together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Action store, write queue and audit log ---
	var pgClient *postgres.Client
	switch cfg.Store.Driver {
	case "postgres":
		pg := cfg.Store.Postgres
		c, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      pg.DSN,
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
			MaxConns: pg.PoolMaxConns,
			MinConns: pg.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, c.Close)
		if pg.RunMigrations {
			if err := c.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := c.Pool()
		deps.Actions = postgres.NewActionStore(pool)
		deps.Writes = postgres.NewWriteQueue(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = c.Ping
		pgClient = c
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Actions = sqlite.NewActionStore(db)
		deps.Writes = sqlite.NewWriteQueue(db)
		deps.Audit = sqlite.NewAuditStore(db)
		deps.Checks["sqlite"] = db.Ping
	default:
		logger.WarnContext(ctx, "using in-memory store; actions do not survive a restart")
		deps.Actions = memory.NewActionStore()
		deps.Writes = memory.NewWriteQueue()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Ledger ---
	switch cfg.Ledger.Driver {
	case "sheet":
		deps.Ledger = sheet.NewClient(sheet.Config{
			BaseURL:           cfg.Ledger.BaseURL,
			SheetID:           cfg.Ledger.SheetID,
			Tab:               cfg.Ledger.Tab,
			APIToken:          cfg.Ledger.APIToken,
			HMACSecret:        cfg.Ledger.HMACSecret,
			RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
			Timeout:           cfg.Ledger.Timeout.Duration,
		}, logger)
	case "postgres":
		if pgClient == nil {
			return fail(fmt.Errorf("wire: postgres ledger requires the postgres store"))
		}
		deps.Ledger = postgres.NewLedgerStore(pgClient.Pool())
	default:
		deps.Ledger = memory.NewLedgerStore()
	}

	var symbols *ledger.SymbolMap
	if cfg.Ledger.SymbolMapPath != "" {
		m, err := ledger.LoadSymbolMap(cfg.Ledger.SymbolMapPath)
		if err != nil {
			return fail(fmt.Errorf("wire: symbol map: %w", err))
		}
		logger.InfoContext(ctx, "symbol map loaded", slog.Int("symbols", m.Len()))
		symbols = m
	}

	// --- Locks, rate limits and the event bus ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.Locks = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.SignalBus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = rc.Ping
	} else {
		deps.Locks = cachemem.NewLockManager()
		deps.RateLimiter = cachemem.NewRateLimiter()
		deps.SignalBus = cachemem.NewSignalBus(cfg.Redis.StreamMaxLen)
	}
	deps.Events = events.NewPublisher(deps.SignalBus)

	// --- Broker ---
	switch cfg.Broker.Driver {
	case "gateway":
		deps.Gateway = gateway.NewClient(gateway.Config{
			BaseURL:           cfg.Broker.BaseURL,
			AccountID:         cfg.Broker.AccountID,
			APIToken:          cfg.Broker.APIToken,
			HMACSecret:        cfg.Broker.HMACSecret,
			RequestsPerSecond: cfg.Broker.RequestsPerSecond,
			MaxRetries:        cfg.Broker.MaxRetries,
			Timeout:           cfg.Broker.Timeout.Duration,
		}, logger)
		if cfg.Broker.WsURL != "" {
			deps.Executions = gateway.NewExecutionStream(cfg.Broker.WsURL, cfg.Broker.AccountID, cfg.Broker.APIToken, logger)
		}
	default:
		pb := paper.New()
		deps.Gateway = pb
		deps.Executions = pb
	}

	// --- Pass report archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), cfg.S3.Prefix, deps.Audit)
		deps.Checks["s3"] = sc.Health
	}

	// --- Fill analytics ---
	if cfg.ClickHouse.Enabled {
		rec, err := clickhouse.Open(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fail(fmt.Errorf("wire: clickhouse: %w", err))
		}
		closers = append(closers, func() { _ = rec.Close() })
		deps.Recorder = rec
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Reconciliation ---
	rc := cfg.Reconcile
	deps.Writer = ledger.NewWriter(deps.Ledger, deps.Writes, deps.Audit, deps.Events, ledger.WriterConfig{
		RetryBackoff: rc.WriteRetryBackoff.Duration,
		RetryMax:     rc.WriteRetryMax.Duration,
		BatchSize:    rc.WriteBatchSize,
	}, logger)
	deps.Writer.SetNotifier(deps.Notifier)

	state := broker.NewStateReader(deps.Gateway, logger)
	deps.Actuator = executor.NewActuator(
		deps.Gateway, state, deps.Actions, deps.Locks, deps.RateLimiter,
		deps.Writer, deps.Audit, deps.Events,
		executor.Config{
			LockTTL:          rc.LockTTL.Duration,
			FillTimeout:      rc.FillTimeout.Duration,
			FillPollInterval: rc.FillPollInterval.Duration,
			OrderRateLimit:   rc.OrderRateLimit,
			OrderRateWindow:  rc.OrderRateWindow.Duration,
		}, logger)
	if deps.Executions != nil {
		deps.Tracker = executor.NewTracker(deps.Executions, deps.Actions, deps.Actuator, deps.Events, logger)
	}

	deps.Engine = reconcile.NewEngine(
		ledger.NewReader(deps.Ledger, symbols, logger),
		deps.Writer,
		state,
		deps.Actions,
		deps.Actuator,
		deps.Events,
		deps.Notifier,
		reconcile.Config{Concurrency: rc.Concurrency},
		logger,
	)
	if deps.Archiver != nil {
		deps.Engine.SetArchiver(deps.Archiver)
	}
	if deps.Recorder != nil {
		deps.Actuator.SetFillRecorder(deps.Recorder)
		deps.Engine.SetFillRecorder(deps.Recorder)
	}

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		m := metrics.New(cfg.Metrics.Namespace)
		if deps.Redis != nil {
			m.RegisterRedisPool(cfg.Metrics.Namespace, deps.Redis)
		}
		m.RegisterPendingWrites(cfg.Metrics.Namespace, pendingDepth(deps.Writes))
		deps.Engine.SetObserver(m)
		deps.Metrics = m
	}

	return deps, cleanup, nil
}

// maxPendingScan caps how many queued writes a metrics scrape counts.
const maxPendingScan = 1000

func pendingDepth(q domain.WriteQueue) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ws, err := q.List(ctx, domain.ListOpts{Limit: maxPendingScan})
		if err != nil {
			return 0
		}
		return float64(len(ws))
	}
}
