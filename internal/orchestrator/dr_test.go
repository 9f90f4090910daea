package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/notify"
	"drguard/internal/recovery"
)

// recordingServices captures service restart requests.
type recordingServices struct {
	mu       sync.Mutex
	restarts [][]string
	fail     error
}

func (s *recordingServices) RestartServices(ctx context.Context, systems []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.restarts = append(s.restarts, append([]string(nil), systems...))
	return nil
}

func newDRFixture(t *testing.T, config Config) (*testFixture, *recordingServices) {
	t.Helper()
	config.DR.Enabled = true
	config.DR.RetryDelay = time.Millisecond
	services := &recordingServices{}
	f := newFixtureWithProviders(t, config, nil)
	f.orch.components.Services = services
	f.backups.backups = []*backup.Metadata{
		{ID: "backup_old", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "backup_new", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	return f, services
}

func awaitRun(t *testing.T, f *testFixture, runID string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := f.orch.AwaitRun(ctx, runID)
	require.NoError(t, err)
	return run
}

func stepByID(t *testing.T, run *Run, stepID string) StepResult {
	t.Helper()
	for _, step := range run.Steps {
		if step.StepID == stepID {
			return step
		}
	}
	t.Fatalf("run has no step %s", stepID)
	return StepResult{}
}

func TestDR_FullPipelineSucceeds(t *testing.T) {
	f, services := newDRFixture(t, Config{})

	runID, err := f.orch.TriggerDisasterRecovery(context.Background(), "regional_outage", "primary region lost", []string{"api", "worker"})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "backup_new", run.BackupID, "the newest backup is the recovery source")
	require.Len(t, run.Steps, 5)
	for _, step := range run.Steps {
		assert.Equal(t, StepSucceeded, step.Status, step.StepID)
	}

	// Database and file restores both ran, in that order.
	requests := f.restorer.Requests()
	require.Len(t, requests, 2)
	assert.True(t, *requests[0].RestoreData)
	assert.False(t, *requests[0].RestoreFiles)
	assert.False(t, *requests[1].RestoreData)
	assert.True(t, *requests[1].RestoreFiles)

	require.Len(t, services.restarts, 1)
	assert.Equal(t, []string{"api", "worker"}, services.restarts[0])

	// The final validation ran a recovery test against the source backup.
	assert.Equal(t, []string{"backup_new"}, f.tester.started)

	events := f.notifier.Events()
	assert.Contains(t, events, notify.EventRecoveryRunStarted)
	assert.Contains(t, events, notify.EventRecoveryRunFinished)
}

func TestDR_CriticalStepFailureAbortsRun(t *testing.T) {
	f, services := newDRFixture(t, Config{})
	// validate_backup is critical; a non-recoverable failure exhausts it
	// immediately.
	f.backups.verifyErr = apperrors.NewIntegrityError("checksum mismatch", nil)

	runID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "quarterly drill", nil)
	require.NoError(t, err)

	run := awaitRun(t, f, runID)

	assert.Equal(t, RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, StepFailed, stepByID(t, run, "validate_backup").Status)
	// Everything downstream is skipped, nothing touched the target.
	assert.Equal(t, StepSkipped, stepByID(t, run, "restore_database").Status)
	assert.Equal(t, StepSkipped, stepByID(t, run, "restart_services").Status)
	assert.Empty(t, f.restorer.Requests())
	assert.Empty(t, services.restarts)
}

func TestDR_NonCriticalFailureContinuesRun(t *testing.T) {
	f, services := newDRFixture(t, Config{})
	services.fail = apperrors.NewClientError("service manager rejected restart", nil)

	runID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "quarterly drill", []string{"api"})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)

	// restart_services is non-critical: its failure is recorded but the run
	// completes.
	assert.Equal(t, RunCompleted, run.Status)
	failed := stepByID(t, run, "restart_services")
	assert.Equal(t, StepFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, StepSucceeded, stepByID(t, run, "validate_recovery").Status)
}

func TestDR_RecoverableFailureIsRetried(t *testing.T) {
	f, services := newDRFixture(t, Config{})
	services.fail = apperrors.NewNetworkError("transient", nil)

	runID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "retry drill", []string{"api"})
	require.NoError(t, err)

	run := awaitRun(t, f, runID)

	// restart_services has a retry budget of 3: four attempts in total.
	failed := stepByID(t, run, "restart_services")
	assert.Equal(t, StepFailed, failed.Status)
	assert.Equal(t, 4, failed.Attempts)
}

func TestDR_FailedValidationTestFailsRun(t *testing.T) {
	f, _ := newDRFixture(t, Config{})
	f.tester.outcome = recovery.TestFailed

	runID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "validation drill", nil)
	require.NoError(t, err)

	run := awaitRun(t, f, runID)

	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, StepFailed, stepByID(t, run, "validate_recovery").Status)
}

func TestDR_RequiresEnablementAndBackups(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "disabled", nil)
	assert.Error(t, err, "disaster recovery must be enabled")

	enabled, _ := newDRFixture(t, Config{})
	enabled.backups.mu.Lock()
	enabled.backups.backups = nil
	enabled.backups.mu.Unlock()
	_, err = enabled.orch.TriggerDisasterRecovery(context.Background(), "drill", "no backups", nil)
	assert.Error(t, err, "a recovery run needs a completed backup")
}

func TestDR_RunHistoryNewestFirst(t *testing.T) {
	f, _ := newDRFixture(t, Config{})

	firstID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "first", nil)
	require.NoError(t, err)
	awaitRun(t, f, firstID)
	secondID, err := f.orch.TriggerDisasterRecovery(context.Background(), "drill", "second", nil)
	require.NoError(t, err)
	awaitRun(t, f, secondID)

	runs := f.orch.ListRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, secondID, runs[0].ID)
	assert.Equal(t, firstID, runs[1].ID)

	got, err := f.orch.GetRun(firstID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
}
