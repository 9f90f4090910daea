package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/logging"
	"drguard/internal/recovery"
	"drguard/internal/replication"
	"drguard/internal/restore"
	"drguard/internal/schedule"
	"drguard/internal/state"
	"drguard/internal/storage"
)

const (
	stateAlerts = "alerts"
	stateDRRuns = "dr_runs"
)

// BackupService is the slice of the backup engine the orchestrator drives.
type BackupService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateBackup(ctx context.Context, kind backup.Kind, options backup.Options) (string, error)
	AwaitJob(ctx context.Context, jobID string) (*backup.Job, error)
	GetMetadata(backupID string) (*backup.Metadata, error)
	VerifyBackup(ctx context.Context, backupID string) error
	ListBackups() []*backup.Metadata
	Stats() backup.Stats
}

// SchedulerService is the slice of the scheduler the orchestrator drives.
type SchedulerService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() schedule.Stats
}

// ReplicationService is the slice of the replicator the orchestrator drives.
type ReplicationService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartReplication(backupID string, meta *backup.Metadata) (string, error)
	Stats() replication.Stats
}

// RecoveryService is the slice of the recovery tester the orchestrator
// drives.
type RecoveryService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartRecoveryTest(ctx context.Context, backupID string, options recovery.Options) (string, error)
	AwaitTest(ctx context.Context, testID string) (*recovery.Test, error)
	Stats() recovery.Stats
}

// RestoreService is the slice of the restore engine the orchestrator drives.
type RestoreService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartRestore(ctx context.Context, backupID string, options restore.Options) (string, error)
	AwaitJob(ctx context.Context, jobID string) (*restore.Job, error)
	Stats() restore.Stats
}

// ServiceController restarts the services that depend on the recovered
// database during a disaster recovery run.
type ServiceController interface {
	RestartServices(ctx context.Context, systems []string) error
}

// NoopServiceController satisfies ServiceController when no service
// integration is configured.
type NoopServiceController struct{}

// RestartServices implements ServiceController.
func (NoopServiceController) RestartServices(ctx context.Context, systems []string) error {
	return nil
}

// Components carries the subordinate services. Scheduler, Replicator, and
// Tester may be nil when the matching feature is disabled.
type Components struct {
	Backups    BackupService
	Scheduler  SchedulerService
	Replicator ReplicationService
	Tester     RecoveryService
	Restorer   RestoreService
	Services   ServiceController

	// Providers are health-checked by name alongside the components.
	Providers map[string]storage.Provider
}

// Deps carries the cross-cutting collaborators.
type Deps struct {
	Store    state.Store
	Notifier backup.Notifier
	Logger   *logging.Logger
	Clock    clock.Clock
}

// AutomatedBackupResult links the records produced by one automated backup.
type AutomatedBackupResult struct {
	JobID            string `json:"job_id"`
	BackupID         string `json:"backup_id"`
	ReplicationJobID string `json:"replication_job_id,omitempty"`
	RecoveryTestID   string `json:"recovery_test_id,omitempty"`
}

// Orchestrator owns the component lifecycle, the health loop, alerts, and
// disaster recovery runs.
type Orchestrator struct {
	config     Config
	components Components
	store      state.Store
	notifier   backup.Notifier
	logger     *logging.Logger
	clk        clock.Clock

	mu         sync.RWMutex
	started    bool
	lastStatus *SystemStatus
	alerts     map[string]*SystemAlert
	runs       map[string]*Run
	runOrder   []string
	runDone    map[string]chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an orchestrator over already-constructed components.
func New(config Config, components Components, deps Deps) (*Orchestrator, error) {
	config.SetDefaults()
	if components.Backups == nil {
		return nil, apperrors.NewValidationError("orchestrator requires a backup engine", nil)
	}
	if components.Restorer == nil {
		return nil, apperrors.NewValidationError("orchestrator requires a restore engine", nil)
	}
	if components.Services == nil {
		components.Services = NoopServiceController{}
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("orchestrator requires a state store", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	for i := range config.DR.Steps {
		if err := config.DR.Steps[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		config:     config,
		components: components,
		store:      deps.Store,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		clk:        deps.Clock,
		alerts:     make(map[string]*SystemAlert),
		runs:       make(map[string]*Run),
		runDone:    make(map[string]chan struct{}),
	}, nil
}

// Start brings up every configured component, restores persisted alerts and
// run history, and launches the health loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.started = true
	o.mu.Unlock()

	if err := o.loadState(); err != nil {
		return err
	}

	// Scheduler comes up last so its first fire hits a running engine.
	for _, component := range o.lifecycle() {
		if err := component.start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = o.Stop(stopCtx)
			return apperrors.Wrap(apperrors.KindServer, "failed to start "+component.name, err)
		}
		o.logger.WithField("component", component.name).Debug("Component started")
	}

	if o.config.HealthInterval > 0 {
		o.wg.Add(1)
		go o.healthLoop()
	}
	if o.config.TestInterval > 0 && o.components.Tester != nil {
		o.wg.Add(1)
		go o.recoveryTestLoop()
	}

	o.logger.Info("Orchestrator started")
	return nil
}

// recoveryTestLoop periodically restore-tests the newest completed backup
// until the orchestrator stops.
func (o *Orchestrator) recoveryTestLoop() {
	defer o.wg.Done()
	timer := o.clk.NewTimer(o.config.TestInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			o.runScheduledRecoveryTest(o.baseCtx)
			timer.Reset(o.config.TestInterval)
		case <-o.baseCtx.Done():
			return
		}
	}
}

// runScheduledRecoveryTest starts a full recovery test against the newest
// backup. An empty catalog skips the cycle.
func (o *Orchestrator) runScheduledRecoveryTest(ctx context.Context) {
	backupID, err := o.latestBackup()
	if err != nil {
		o.logger.Debug("Skipping scheduled recovery test: no completed backup")
		return
	}
	testID, err := o.components.Tester.StartRecoveryTest(ctx, backupID, recovery.Options{Kind: recovery.TestFull})
	if err != nil {
		o.logger.WithField("backup_id", backupID).Warnf("Failed to start scheduled recovery test: %v", err)
		return
	}
	o.logger.WithFields(map[string]interface{}{
		"backup_id": backupID,
		"test_id":   testID,
	}).Info("Scheduled recovery test started")
}

// Stop tears components down in reverse start order and waits for the health
// loop, bounded by ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.cancel()
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return apperrors.NewTimeoutError("orchestrator did not stop in time", ctx.Err())
	}

	components := o.lifecycle()
	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.logger.Info("Orchestrator stopped")
	return firstErr
}

// lifecycleComponent pairs a component with its name for logging.
type lifecycleComponent struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

func (o *Orchestrator) lifecycle() []lifecycleComponent {
	components := []lifecycleComponent{
		{"backup engine", o.components.Backups.Start, o.components.Backups.Stop},
		{"restore engine", o.components.Restorer.Start, o.components.Restorer.Stop},
	}
	if o.components.Replicator != nil {
		components = append(components, lifecycleComponent{"replicator", o.components.Replicator.Start, o.components.Replicator.Stop})
	}
	if o.components.Tester != nil {
		components = append(components, lifecycleComponent{"recovery tester", o.components.Tester.Start, o.components.Tester.Stop})
	}
	if o.components.Scheduler != nil {
		components = append(components, lifecycleComponent{"scheduler", o.components.Scheduler.Start, o.components.Scheduler.Stop})
	}
	return components
}

// loadState restores persisted alerts and disaster recovery runs.
func (o *Orchestrator) loadState() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids, err := o.store.List(stateAlerts)
	if err != nil {
		return err
	}
	for _, id := range ids {
		var alert SystemAlert
		if err := o.store.Load(stateAlerts, id, &alert); err != nil {
			o.logger.WithField("alert_id", id).Warnf("Skipping undecodable alert: %v", err)
			continue
		}
		o.alerts[alert.ID] = &alert
	}

	runIDs, err := o.store.List(stateDRRuns)
	if err != nil {
		return err
	}
	for _, id := range runIDs {
		var run Run
		if err := o.store.Load(stateDRRuns, id, &run); err != nil {
			o.logger.WithField("run_id", id).Warnf("Skipping undecodable recovery run: %v", err)
			continue
		}
		// A run interrupted by a crash can never complete.
		if run.Status == RunRunning {
			run.Status = RunFailed
		}
		o.runs[run.ID] = &run
		o.runOrder = append(o.runOrder, run.ID)
	}
	sort.Slice(o.runOrder, func(i, j int) bool {
		return o.runs[o.runOrder[i]].StartedAt.Before(o.runs[o.runOrder[j]].StartedAt)
	})
	return nil
}

// CreateAutomatedBackup runs one backup synchronously and chains the
// configured follow-ups: replication to all target regions and a recovery
// test against the fresh artifact.
func (o *Orchestrator) CreateAutomatedBackup(ctx context.Context, kind backup.Kind, options backup.Options) (*AutomatedBackupResult, error) {
	jobID, err := o.components.Backups.CreateBackup(ctx, kind, options)
	if err != nil {
		return nil, err
	}
	job, err := o.components.Backups.AwaitJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result := &AutomatedBackupResult{JobID: jobID, BackupID: job.MetadataID}
	if job.Status != backup.JobCompleted {
		return result, apperrors.NewBackupError("automated backup did not complete", nil).
			WithContext("job_id", jobID).
			WithContext("status", string(job.Status))
	}

	if o.config.AutoReplicate && o.components.Replicator != nil {
		meta, err := o.components.Backups.GetMetadata(job.MetadataID)
		if err != nil {
			return result, err
		}
		replJobID, err := o.components.Replicator.StartReplication(job.MetadataID, meta)
		if err != nil {
			o.logger.WithField("backup_id", job.MetadataID).Warnf("Failed to queue replication: %v", err)
		} else {
			result.ReplicationJobID = replJobID
		}
	}

	if o.config.AutoVerify && o.components.Tester != nil {
		testID, err := o.components.Tester.StartRecoveryTest(ctx, job.MetadataID, recovery.Options{Kind: recovery.TestFull})
		if err != nil {
			o.logger.WithField("backup_id", job.MetadataID).Warnf("Failed to start recovery test: %v", err)
		} else {
			result.RecoveryTestID = testID
		}
	}

	return result, nil
}
