package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"pulseward/api"
	"pulseward/config"
	"pulseward/core/cycle"
	"pulseward/core/dispatch"
	"pulseward/core/health"
	"pulseward/core/orchestrator"
	"pulseward/core/platform"
	"pulseward/core/probe"
	"pulseward/core/queue"
	"pulseward/core/rbac"
	"pulseward/core/store"
	"pulseward/core/syncfeed"
	"pulseward/core/sysinfo"
	"pulseward/core/utils"
)

// App is the fully wired process: storage, orchestrator, watchdog, optional
// sync feed and the control API handler.
type App struct {
	Config       *config.AppConfig
	DB           *sql.DB
	Store        store.ServiceStore
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.PendingQueue
	Monitor      *health.Monitor
	Syncer       *syncfeed.Syncer
	Handler      http.Handler
	Logger       *utils.Logger
}

func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.DBDriver, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	st := store.NewServiceStore(db, cfg.DBDriver)

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resolve device id: %w", err)
	}

	prober := probe.New(cfg.Probe.InsecureTLS, logger)
	info := sysinfo.NewHostProvider(deviceID, cfg)
	jitterMin := time.Duration(cfg.Service.JitterMinSec) * time.Second
	jitterMax := time.Duration(cfg.Service.JitterMaxSec) * time.Second
	runner := cycle.NewRunner(prober, info, jitterMin, jitterMax, logger)
	manualRunner := cycle.NewRunner(prober, info, 0, 0, logger)

	dispatcher := dispatch.New(dispatch.Options{
		Timeout:     time.Duration(cfg.Dispatch.TimeoutSec) * time.Second,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: time.Duration(cfg.Dispatch.BackoffBaseSec) * time.Second,
		BackoffCap:  time.Duration(cfg.Dispatch.BackoffCapSec) * time.Second,
	}, logger)

	pending := queue.New(st, cfg.Queue.Cap, cfg.QueueSettleDelay(), logger)

	var runtime platform.Runtime
	switch cfg.Runtime {
	case "scheduled":
		runtime = platform.NewScheduledRuntime("@every 1m", cfg.CheckInterval(), logger)
	default:
		runtime = platform.NewForegroundRuntime(time.Second, logger)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:        st,
		Runner:       runner,
		ManualRunner: manualRunner,
		Dispatcher:   dispatcher,
		Pending:      pending,
		Runtime:      runtime,
		Logger:       logger,
		Retention:    time.Duration(cfg.Service.RetentionDays) * 24 * time.Hour,
	})
	if err := orch.Restore(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore state: %w", err)
	}

	monitor := health.New(st, orch, cfg.WatchdogInterval(), logger)

	var syncer *syncfeed.Syncer
	if cfg.Sync.Enabled {
		syncer = syncfeed.New(st, orch, syncfeed.Options{
			FeedURL:  cfg.Sync.FeedURL,
			Schedule: cfg.Sync.Schedule,
			Timeout:  time.Duration(cfg.Sync.TimeoutSec) * time.Second,
		}, logger)
	}

	policy, err := rbac.New()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("build rbac policy: %w", err)
	}

	server := api.NewServer(cfg, orch, pending, monitor, syncer, st, policy, logger)

	return &App{
		Config:       cfg,
		DB:           db,
		Store:        st,
		Orchestrator: orch,
		Queue:        pending,
		Monitor:      monitor,
		Syncer:       syncer,
		Handler:      server.Routes(),
		Logger:       logger,
	}, nil
}

// Start arms the background workers and, when configured, resumes the
// session the previous process left running.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Watchdog.Enabled {
		if err := a.Monitor.Start(ctx); err != nil {
			return err
		}
	}
	if a.Syncer != nil {
		if err := a.Syncer.Start(ctx); err != nil {
			return err
		}
	}
	if a.Config.Service.AutoResume {
		if err := a.Orchestrator.OnBootCompleted(ctx); err != nil {
			a.Logger.Errorf("bootstrap: resume previous session: %v", err)
		}
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) {
	if a.Syncer != nil {
		a.Syncer.Stop()
	}
	a.Monitor.Stop()
	// Suspend, not Stop: the persisted running flag survives a process
	// shutdown so the next process resumes the session.
	a.Orchestrator.Suspend()
	_ = a.DB.Close()
}
