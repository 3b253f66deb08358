package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/config"
	"github.com/vietddude/triage/internal/infra/analysis/provider"
	"github.com/vietddude/triage/internal/infra/analysis/routing"
	"github.com/vietddude/triage/internal/infra/notify"
	"github.com/vietddude/triage/internal/infra/platform"
	redisclient "github.com/vietddude/triage/internal/infra/redis"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/infra/storage/memory"
	"github.com/vietddude/triage/internal/infra/storage/postgres"
	"github.com/vietddude/triage/internal/triage/coordinator"
	"github.com/vietddude/triage/internal/triage/policy"
	"github.com/vietddude/triage/internal/triage/poller"
	"github.com/vietddude/triage/internal/triage/server"
)

// Options are process-level switches that do not live in the config file.
type Options struct {
	// ConfigPath enables hot reload and POST /admin/reload when set.
	ConfigPath string
	// ResumePending reruns interrupted delayed retries on start instead of
	// abandoning them.
	ResumePending bool
}

// Engine is the application struct that wires and runs every component.
type Engine struct {
	opts Options

	db          *postgres.DB
	redisClient *redisclient.Client
	ledger      storage.LedgerRepository
	platform    platform.Platform
	manager     *routing.Manager
	coord       *coordinator.Coordinator
	poller      *poller.Poller
	server      *server.Server

	reloadMu  sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
	log       *slog.Logger
}

// NewEngine creates an Engine with all dependencies initialized.
func NewEngine(ctx context.Context, cfg *config.AppConfig, opts Options) (*Engine, error) {
	e := &Engine{opts: opts, log: slog.Default().With("component", "engine")}

	// 1. Storage
	var pending storage.PendingStore
	var locker storage.RunLocker
	var reservations storage.RetryReservations

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		e.db = db
		if err := db.Migrate(ctx); err != nil {
			e.Close()
			return nil, err
		}
		e.ledger = postgres.NewLedgerRepo(db)
		e.log.Info("Using PostgreSQL ledger", "driver", cfg.Database.Driver)
	} else {
		e.ledger = memory.NewLedgerRepo()
		e.log.Warn("Using in-memory ledger, decisions are lost on restart")
	}

	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		e.redisClient = client
		pending = redisclient.NewPendingStore(client)
		locker = redisclient.NewRunLocker(client)
		reservations = redisclient.NewRetryReservations(client)
		e.log.Info("Using Redis for pending retries and run claims")
	} else {
		pending = memory.NewPendingStore()
		locker = memory.NewRunLocker()
		reservations = memory.NewRetryReservations()
	}

	// 2. Analysis providers
	e.manager = routing.NewManager(provider.DefaultRegistry(), nil, nil)
	if err := e.manager.Reconfigure(routing.Mode(cfg.Triage.Mode), cfg.Providers); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}

	// 3. Platform and notifications
	switch cfg.Platform.Kind {
	case config.PlatformADF:
		e.platform = platform.NewADFClient(cfg.Platform)
		e.log.Info("Using Azure Data Factory", "factory", cfg.Platform.FactoryName)
	default:
		e.platform = platform.NewDemoFeed(time.Now())
		e.log.Info("Using static demo feed")
	}
	notifier := newNotifier(cfg.Notifications)

	// 4. Triage
	e.coord = coordinator.New(coordinator.Deps{
		Ledger:       e.ledger,
		Classifier:   e.manager,
		Policy:       policy.NewEvaluator(policyConfig(cfg.Triage)),
		Rerunner:     e.platform,
		Notifier:     notifier,
		Pending:      pending,
		Locker:       locker,
		Reservations: reservations,
	})
	e.poller = poller.New(poller.Config{
		Interval:    cfg.Triage.PollInterval,
		Lookback:    cfg.Triage.Lookback,
		Concurrency: cfg.Triage.Concurrency,
	}, e.platform, e.coord, e.ledger)

	// 5. Service surface
	deps := server.Deps{
		Triager:   e.coord,
		Ledger:    e.ledger,
		Providers: e.manager,
	}
	if opts.ConfigPath != "" {
		deps.Reload = e.Reload
	}
	e.server = server.New(deps, cfg.Server.Port, cfg.Server.GRPCPort)

	return e, nil
}

func newNotifier(cfg config.NotificationConfig) *notify.MultiSink {
	sinks := []notify.Sink{notify.NewConsoleSink()}
	if cfg.TeamsWebhookURL != "" {
		sinks = append(sinks, notify.NewTeamsSink(cfg.TeamsWebhookURL))
	}
	if cfg.Email.Enabled() {
		sinks = append(sinks, notify.NewEmailSink(notify.EmailConfig{
			Server:   cfg.Email.Server,
			Port:     cfg.Email.Port,
			From:     cfg.Email.From,
			Password: cfg.Email.Password,
			To:       notify.ParseRecipients(cfg.Email.To),
		}))
	}
	return notify.NewMultiSink(sinks...)
}

func policyConfig(t config.TriageConfig) policy.Config {
	return policy.Config{
		ConfidenceThreshold: t.ConfidenceThreshold,
		MaxRetryAttempts:    t.MaxRetryAttempts,
		DefaultRetryDelay:   t.RetryDelay,
		MaxRetryDelay:       t.MaxRetryDelay,
		Window:              t.RetryWindow,
	}
}

// Start launches the server, the poller, the config watcher and pending
// retry recovery. Everything runs until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		if err := e.server.Start(); err != nil {
			e.log.Error("Server failed", "error", err)
		}
	}()

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	e.goBackground(func() {
		sum, err := e.coord.ResumePending(ctx, e.opts.ResumePending)
		if err != nil {
			e.log.Error("Pending retry recovery failed", "error", err)
			return
		}
		if sum != (coordinator.ResumeSummary{}) {
			e.log.Info("Pending retries handled",
				"resumed", sum.Resumed,
				"failed", sum.Failed,
				"abandoned", sum.Abandoned,
				"remaining", sum.Remaining,
			)
		}
	})

	e.goBackground(func() {
		if err := e.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("Poller failed", "error", err)
		}
	})

	if e.opts.ConfigPath != "" {
		w := config.NewWatcher(e.opts.ConfigPath, func(cfg *config.AppConfig) {
			if err := e.Apply(cfg); err != nil {
				e.log.Error("Failed to apply reloaded config", "error", err)
			}
		})
		e.goBackground(func() {
			if err := w.Run(ctx); err != nil {
				e.log.Error("Config watcher failed", "error", err)
			}
		})
	}

	e.log.Info("Engine started", "mode", e.manager.Mode(), "providers", len(e.manager.Providers()))
	return nil
}

func (e *Engine) goBackground(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts down the server, waits for in-flight triage to be recorded and
// closes connections. The context passed to Start should be cancelled first.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	err := e.server.Stop(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("Shutdown timed out waiting for background work")
	}

	e.Close()
	return err
}

// Close releases provider, Redis and database connections.
func (e *Engine) Close() {
	e.closeOnce.Do(e.close)
}

func (e *Engine) close() {
	if e.manager != nil {
		if err := e.manager.Close(); err != nil {
			e.log.Warn("Failed to close providers", "error", err)
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("Failed to close database", "error", err)
		}
	}
}

// Reload re-reads the config file and applies it.
func (e *Engine) Reload(ctx context.Context) error {
	if e.opts.ConfigPath == "" {
		return errors.New("no config file to reload")
	}
	cfg, err := config.Load(e.opts.ConfigPath)
	if err != nil {
		return err
	}
	return e.Apply(cfg)
}

// Apply swaps in the provider set and retry policy of cfg. Storage, platform
// and listener settings need a restart.
func (e *Engine) Apply(cfg *config.AppConfig) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if err := e.manager.Reconfigure(routing.Mode(cfg.Triage.Mode), cfg.Providers); err != nil {
		return fmt.Errorf("reconfigure providers: %w", err)
	}
	e.coord.SetPolicy(policy.NewEvaluator(policyConfig(cfg.Triage)))
	e.log.Info("Configuration applied", "mode", cfg.Triage.Mode, "providers", len(cfg.Providers))
	return nil
}

// RunOnce runs a single polling cycle.
func (e *Engine) RunOnce(ctx context.Context) (poller.Summary, error) {
	return e.poller.RunOnce(ctx)
}

// Coordinator returns the triage coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coord
}

// Ledger returns the decision ledger.
func (e *Engine) Ledger() storage.LedgerRepository {
	return e.ledger
}
