package application

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"drguard/internal/backup"
	"drguard/internal/config"
	"drguard/internal/dbport"
	"drguard/internal/logging"
	"drguard/internal/notify"
	"drguard/internal/orchestrator"
	"drguard/internal/recovery"
	"drguard/internal/replication"
	"drguard/internal/restore"
	"drguard/internal/schedule"
	"drguard/internal/state"
	"drguard/internal/storage"
)

// App wires every component together from one SystemConfig. Construction
// builds the object graph; Start brings the components up through the
// orchestrator and seeds configured schedules.
type App struct {
	config    *config.SystemConfig
	logger    *logging.Logger
	store     state.Store
	commander dbport.Commander
	providers map[string]storage.Provider
	notifier  *notify.Manager

	backups    *backup.Engine
	restorer   *restore.Engine
	replicator *replication.Replicator
	tester     *recovery.Tester
	scheduler  *schedule.Scheduler
	orch       *orchestrator.Orchestrator
}

// Options overrides pieces of the default wiring. Zero values mean the
// config-derived defaults.
type Options struct {
	// Commander replaces the SQL adapter, for dry runs and tests.
	Commander dbport.Commander
	// Source replaces the live database export source.
	Source backup.Source
	// Services handles service restarts during disaster recovery.
	Services orchestrator.ServiceController
	// Logger replaces the config-derived logger.
	Logger *logging.Logger
}

// New builds the full component graph. Nothing is started yet.
func New(ctx context.Context, cfg *config.SystemConfig, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	providers, err := storage.NewRegionProviders(ctx, cfg.Regions)
	if err != nil {
		return nil, err
	}
	primary, ok := providers[cfg.PrimaryRegion]
	if !ok {
		return nil, fmt.Errorf("primary region %s has no storage provider", cfg.PrimaryRegion)
	}

	commander := opts.Commander
	if commander == nil {
		commander, err = dbport.NewSQLAdapter(cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build database adapter: %w", err)
		}
	}

	notifier := notify.NewManager(cfg.Notify, logger)

	source := opts.Source
	if source == nil {
		source = backup.NewSystemSource(cfg.Backup.Source, commander, logger)
	}

	backups, err := backup.NewEngine(cfg.Backup, backup.EngineDeps{
		Provider: primary,
		Store:    store,
		Source:   source,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	sink, err := restore.NewDirSink(cfg.RestoreDir)
	if err != nil {
		return nil, err
	}
	restorer, err := restore.NewEngine(cfg.Restore, restore.Deps{
		Backups:   backups,
		Commander: commander,
		Sink:      sink,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	// Disabled features stay nil so the orchestrator neither starts nor
	// health-checks them.
	var replicator *replication.Replicator
	if cfg.Replication.Enabled {
		targets := make(map[string]storage.Provider, len(cfg.Replication.TargetRegions))
		for _, region := range cfg.Replication.TargetRegions {
			provider, ok := providers[region]
			if !ok {
				return nil, fmt.Errorf("replication target region %s has no storage provider", region)
			}
			targets[region] = provider
		}
		replicator, err = replication.NewReplicator(cfg.Replication, replication.Deps{
			Source:   primary,
			Targets:  targets,
			Store:    store,
			Notifier: notifier,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	var tester *recovery.Tester
	if cfg.Recovery.Enabled {
		tester, err = recovery.NewTester(cfg.Recovery, recovery.Deps{
			Loader:    backups,
			Commander: commander,
			Store:     store,
			Notifier:  notifier,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	scheduler, err := schedule.NewScheduler(nil, store, backups, notifier, logger)
	if err != nil {
		return nil, err
	}

	services := opts.Services
	if services == nil {
		services = orchestrator.NoopServiceController{}
	}
	components := orchestrator.Components{
		Backups:   backups,
		Scheduler: scheduler,
		Restorer:  restorer,
		Services:  services,
		Providers: providers,
	}
	// A typed nil must not reach the interface fields.
	if replicator != nil {
		components.Replicator = replicator
	}
	if tester != nil {
		components.Tester = tester
	}
	orchCfg := cfg.Orchestrator
	if cfg.Recovery.Enabled {
		orchCfg.TestInterval = cfg.Recovery.Frequency
	}
	orch, err := orchestrator.New(orchCfg, components, orchestrator.Deps{
		Store:    store,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		config:     cfg,
		logger:     logger,
		store:      store,
		commander:  commander,
		providers:  providers,
		notifier:   notifier,
		backups:    backups,
		restorer:   restorer,
		replicator: replicator,
		tester:     tester,
		scheduler:  scheduler,
		orch:       orch,
	}, nil
}

// Start brings every component up and seeds the configured schedules.
func (a *App) Start(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return err
	}
	return a.seedSchedules()
}

// Stop shuts components down in reverse order and flushes notifications.
func (a *App) Stop(ctx context.Context) error {
	err := a.orch.Stop(ctx)
	a.notifier.Flush()
	return err
}

// Wait blocks until the context is cancelled or an interrupt arrives.
func (a *App) Wait(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		a.logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}
}

// seedSchedules creates configured schedules that do not exist yet,
// matching by name. Runtime edits win over the config file.
func (a *App) seedSchedules() error {
	existing := make(map[string]bool)
	for _, sc := range a.scheduler.ListSchedules() {
		existing[sc.Name] = true
	}
	for _, sc := range a.config.Schedules {
		if existing[sc.Name] {
			continue
		}
		if _, err := a.scheduler.CreateSchedule(sc); err != nil {
			return fmt.Errorf("failed to seed schedule %q: %w", sc.Name, err)
		}
		a.logger.WithField("schedule", sc.Name).Info("Seeded schedule from configuration")
	}
	return nil
}

// Backups returns the backup engine.
func (a *App) Backups() *backup.Engine { return a.backups }

// Restorer returns the restore engine.
func (a *App) Restorer() *restore.Engine { return a.restorer }

// Replicator returns the replication worker.
func (a *App) Replicator() *replication.Replicator { return a.replicator }

// Tester returns the recovery tester.
func (a *App) Tester() *recovery.Tester { return a.tester }

// Scheduler returns the backup scheduler.
func (a *App) Scheduler() *schedule.Scheduler { return a.scheduler }

// Orchestrator returns the system orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Logger returns the application logger.
func (a *App) Logger() *logging.Logger { return a.logger }
