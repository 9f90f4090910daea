package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeBackupService stubs the backup engine with scripted stats and results.
type fakeBackupService struct {
	mu        sync.Mutex
	stats     backup.Stats
	backups   []*backup.Metadata
	verifyErr error
	createErr error
	jobStatus backup.JobStatus
	created   int
}

func (f *fakeBackupService) Start(ctx context.Context) error { return nil }
func (f *fakeBackupService) Stop(ctx context.Context) error  { return nil }

func (f *fakeBackupService) CreateBackup(ctx context.Context, kind backup.Kind, options backup.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return "bkjob_1", nil
}

func (f *fakeBackupService) AwaitJob(ctx context.Context, jobID string) (*backup.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.jobStatus
	if status == "" {
		status = backup.JobCompleted
	}
	return &backup.Job{ID: jobID, Status: status, MetadataID: "backup_1"}, nil
}

func (f *fakeBackupService) GetMetadata(backupID string) (*backup.Metadata, error) {
	return &backup.Metadata{ID: backupID, StoredSize: 42}, nil
}

func (f *fakeBackupService) VerifyBackup(ctx context.Context, backupID string) error {
	return f.verifyErr
}

func (f *fakeBackupService) ListBackups() []*backup.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backups
}

func (f *fakeBackupService) Stats() backup.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// fakeRestoreService stubs the restore engine.
type fakeRestoreService struct {
	mu       sync.Mutex
	stats    restore.Stats
	failWith error
	requests []restore.Options
}

func (f *fakeRestoreService) Start(ctx context.Context) error { return nil }
func (f *fakeRestoreService) Stop(ctx context.Context) error  { return nil }

func (f *fakeRestoreService) StartRestore(ctx context.Context, backupID string, options restore.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, options)
	return "restore_1", nil
}

func (f *fakeRestoreService) AwaitJob(ctx context.Context, jobID string) (*restore.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		now := time.Now()
		return &restore.Job{
			ID:     jobID,
			Status: restore.JobFailed,
			Error:  apperrors.Record(f.failWith, apperrors.KindRestore, now),
		}, nil
	}
	return &restore.Job{ID: jobID, Status: restore.JobCompleted}, nil
}

func (f *fakeRestoreService) Stats() restore.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeRestoreService) Requests() []restore.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]restore.Options, len(f.requests))
	copy(out, f.requests)
	return out
}

// fakeReplicationService stubs the replicator.
type fakeReplicationService struct {
	mu      sync.Mutex
	stats   replication.Stats
	started []string
}

func (f *fakeReplicationService) Start(ctx context.Context) error { return nil }
func (f *fakeReplicationService) Stop(ctx context.Context) error  { return nil }

func (f *fakeReplicationService) StartReplication(backupID string, meta *backup.Metadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, backupID)
	return "replication_1", nil
}

func (f *fakeReplicationService) Stats() replication.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// fakeRecoveryService stubs the recovery tester.
type fakeRecoveryService struct {
	mu      sync.Mutex
	stats   recovery.Stats
	outcome recovery.TestStatus
	started []string
}

func (f *fakeRecoveryService) Start(ctx context.Context) error { return nil }
func (f *fakeRecoveryService) Stop(ctx context.Context) error  { return nil }

func (f *fakeRecoveryService) StartRecoveryTest(ctx context.Context, backupID string, options recovery.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, backupID)
	return "rectest_1", nil
}

func (f *fakeRecoveryService) AwaitTest(ctx context.Context, testID string) (*recovery.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome := f.outcome
	if outcome == "" {
		outcome = recovery.TestPassed
	}
	return &recovery.Test{ID: testID, Status: outcome, IntegrityScore: 100}, nil
}

func (f *fakeRecoveryService) Stats() recovery.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeRecoveryService) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

// fakeSchedulerService stubs the scheduler.
type fakeSchedulerService struct {
	stats schedule.Stats
}

func (f *fakeSchedulerService) Start(ctx context.Context) error { return nil }
func (f *fakeSchedulerService) Stop(ctx context.Context) error  { return nil }
func (f *fakeSchedulerService) Stats() schedule.Stats           { return f.stats }

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	copy(out, n.events)
	return out
}

type testFixture struct {
	orch       *Orchestrator
	backups    *fakeBackupService
	restorer   *fakeRestoreService
	replicator *fakeReplicationService
	tester     *fakeRecoveryService
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, config Config) *testFixture {
	return newFixtureWithProviders(t, config, nil)
}

func newFixtureWithProviders(t *testing.T, config Config, providers map[string]storage.Provider) *testFixture {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &testFixture{
		backups:    &fakeBackupService{},
		restorer:   &fakeRestoreService{},
		replicator: &fakeReplicationService{},
		tester:     &fakeRecoveryService{},
		notifier:   &recordingNotifier{},
	}
	// The loop is driven manually in tests.
	config.HealthInterval = -1
	f.orch, err = New(config, Components{
		Backups:    f.backups,
		Scheduler:  &fakeSchedulerService{},
		Replicator: f.replicator,
		Tester:     f.tester,
		Restorer:   f.restorer,
		Providers:  providers,
	}, Deps{
		Store:    store,
		Notifier: f.notifier,
		Logger:   logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Stop(ctx)
	})
	return f
}

func TestOrchestrator_AutomatedBackupChainsFollowups(t *testing.T) {
	f := newFixture(t, Config{AutoReplicate: true, AutoVerify: true})

	result, err := f.orch.CreateAutomatedBackup(context.Background(), backup.KindFull, backup.Options{})
	require.NoError(t, err)

	assert.Equal(t, "bkjob_1", result.JobID)
	assert.Equal(t, "backup_1", result.BackupID)
	assert.Equal(t, "replication_1", result.ReplicationJobID)
	assert.Equal(t, "rectest_1", result.RecoveryTestID)
	assert.Equal(t, []string{"backup_1"}, f.replicator.started)
	assert.Equal(t, []string{"backup_1"}, f.tester.started)
}

func TestOrchestrator_AutomatedBackupSkipsFollowupsWhenDisabled(t *testing.T) {
	f := newFixture(t, Config{})

	result, err := f.orch.CreateAutomatedBackup(context.Background(), backup.KindFull, backup.Options{})
	require.NoError(t, err)

	assert.Empty(t, result.ReplicationJobID)
	assert.Empty(t, result.RecoveryTestID)
	assert.Empty(t, f.replicator.started)
}

func TestOrchestrator_PeriodicRecoveryTestLoop(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	backups := &fakeBackupService{backups: []*backup.Metadata{
		{ID: "backup_old", CreatedAt: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)},
		{ID: "backup_new", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
	}}
	tester := &fakeRecoveryService{}
	orch, err := New(Config{HealthInterval: -1, TestInterval: time.Hour}, Components{
		Backups:  backups,
		Tester:   tester,
		Restorer: &fakeRestoreService{},
	}, Deps{
		Store:  store,
		Logger: logging.NewDefaultLogger(),
		Clock:  clk,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	// Each interval tests the newest backup.
	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 1))
	require.Eventually(t, func() bool { return len(tester.Started()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"backup_new"}, tester.Started())

	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 1))
	require.Eventually(t, func() bool { return len(tester.Started()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_PeriodicRecoveryTestSkipsEmptyCatalog(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	tester := &fakeRecoveryService{}
	orch, err := New(Config{HealthInterval: -1, TestInterval: time.Hour}, Components{
		Backups:  &fakeBackupService{},
		Tester:   tester,
		Restorer: &fakeRestoreService{},
	}, Deps{
		Store:  store,
		Logger: logging.NewDefaultLogger(),
		Clock:  clk,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 1))
	// The loop re-arms without starting a test.
	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 1))
	assert.Empty(t, tester.Started())
}

func TestOrchestrator_AutomatedBackupFailureStopsChain(t *testing.T) {
	f := newFixture(t, Config{AutoReplicate: true, AutoVerify: true})
	f.backups.jobStatus = backup.JobFailed

	result, err := f.orch.CreateAutomatedBackup(context.Background(), backup.KindFull, backup.Options{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.ReplicationJobID)
	assert.Empty(t, f.replicator.started)
	assert.Empty(t, f.tester.started)
}
