package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/retry"

	"drguard/internal/apperrors"
	"drguard/internal/ident"
	"drguard/internal/notify"
	"drguard/internal/recovery"
	"drguard/internal/restore"
)

// TriggerDisasterRecovery starts a recovery run against the newest completed
// backup and executes the configured step pipeline asynchronously. The run id
// is returned immediately; AwaitRun blocks on completion.
func (o *Orchestrator) TriggerDisasterRecovery(ctx context.Context, drType, description string, affectedSystems []string) (string, error) {
	if !o.config.DR.Enabled {
		return "", apperrors.NewValidationError("disaster recovery is not enabled", nil)
	}
	backupID, err := o.latestBackup()
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return "", apperrors.NewValidationError("orchestrator is not started", nil)
	}
	now := o.clk.Now().UTC()
	run := &Run{
		ID:              ident.New(ident.KindRecoveryRun, now),
		Type:            drType,
		Description:     description,
		AffectedSystems: append([]string(nil), affectedSystems...),
		BackupID:        backupID,
		Status:          RunRunning,
		StartedAt:       now,
	}
	for _, step := range o.orderedSteps() {
		run.Steps = append(run.Steps, StepResult{StepID: step.ID, Name: step.Name, Status: StepPending})
	}
	o.runs[run.ID] = run
	o.runOrder = append(o.runOrder, run.ID)
	o.runDone[run.ID] = make(chan struct{})
	o.trimRunHistoryLocked()
	o.mu.Unlock()

	o.logger.WithFields(map[string]interface{}{
		"run_id":    run.ID,
		"type":      drType,
		"backup_id": backupID,
	}).Warn("Disaster recovery run started")
	if o.notifier != nil {
		o.notifier.Publish(ctx, notify.EventRecoveryRunStarted, map[string]interface{}{
			"run_id":      run.ID,
			"type":        drType,
			"description": description,
			"backup_id":   backupID,
		})
	}

	o.wg.Add(1)
	go o.executeRun(run.ID)
	return run.ID, nil
}

// GetRun returns a copy of one recovery run.
func (o *Orchestrator) GetRun(runID string) (*Run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("recovery run %s not found", runID), nil)
	}
	return run.clone(), nil
}

// ListRuns returns archived recovery runs, newest first.
func (o *Orchestrator) ListRuns() []*Run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Run, 0, len(o.runOrder))
	for i := len(o.runOrder) - 1; i >= 0; i-- {
		out = append(out, o.runs[o.runOrder[i]].clone())
	}
	return out
}

// AwaitRun blocks until the run finishes or ctx expires.
func (o *Orchestrator) AwaitRun(ctx context.Context, runID string) (*Run, error) {
	o.mu.RLock()
	done, ok := o.runDone[runID]
	o.mu.RUnlock()
	if !ok {
		// Runs loaded from state have no live channel; they are terminal.
		return o.GetRun(runID)
	}
	select {
	case <-done:
		return o.GetRun(runID)
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError("timed out waiting for recovery run", ctx.Err())
	}
}

// latestBackup picks the newest completed backup as the recovery source.
func (o *Orchestrator) latestBackup() (string, error) {
	backups := o.components.Backups.ListBackups()
	if len(backups) == 0 {
		return "", apperrors.NewValidationError("no completed backup available for disaster recovery", nil)
	}
	latest := backups[0]
	for _, meta := range backups[1:] {
		if meta.CreatedAt.After(latest.CreatedAt) {
			latest = meta
		}
	}
	return latest.ID, nil
}

// orderedSteps returns the configured pipeline sorted by step order.
func (o *Orchestrator) orderedSteps() []RecoveryStep {
	steps := make([]RecoveryStep, len(o.config.DR.Steps))
	copy(steps, o.config.DR.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// executeRun walks the pipeline in order. A step never starts before all of
// its dependencies succeeded; a critical step exhausting its retries aborts
// the run, a non-critical exhaustion is logged and the run continues.
func (o *Orchestrator) executeRun(runID string) {
	defer o.wg.Done()

	o.mu.RLock()
	run := o.runs[runID]
	done := o.runDone[runID]
	backupID := run.BackupID
	systems := append([]string(nil), run.AffectedSystems...)
	o.mu.RUnlock()
	defer close(done)

	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()

	succeeded := make(map[string]bool)
	var abort error

	for i, step := range o.orderedSteps() {
		if abort != nil {
			o.setStepStatus(run, i, StepSkipped, 0, 0, nil)
			continue
		}
		if missing := unmetDependency(step, succeeded); missing != "" {
			o.setStepStatus(run, i, StepSkipped, 0, 0,
				apperrors.NewValidationError(fmt.Sprintf("dependency %s did not succeed", missing), nil))
			if step.Critical {
				abort = apperrors.NewRestoreError(
					fmt.Sprintf("critical step %s skipped: dependency %s did not succeed", step.ID, missing), nil)
			}
			continue
		}

		attempts, duration, err := o.runStep(ctx, runID, step, backupID, systems)
		if err != nil {
			o.setStepStatus(run, i, StepFailed, attempts, duration, err)
			if step.Critical {
				abort = apperrors.Wrap(apperrors.KindRestore,
					fmt.Sprintf("critical step %s failed after %d attempt(s)", step.ID, attempts), err)
			} else {
				o.logger.WithField("step_id", step.ID).Warnf("Non-critical recovery step failed, continuing: %v", err)
			}
			continue
		}
		succeeded[step.ID] = true
		o.setStepStatus(run, i, StepSucceeded, attempts, duration, nil)
	}

	o.mu.Lock()
	now := o.clk.Now().UTC()
	run.CompletedAt = &now
	if abort != nil {
		run.Status = RunFailed
		run.Error = apperrors.Record(abort, apperrors.KindRestore, now)
	} else {
		run.Status = RunCompleted
	}
	snapshot := run.clone()
	o.mu.Unlock()

	if err := o.store.Save(stateDRRuns, runID, snapshot); err != nil {
		o.logger.WithField("run_id", runID).Warnf("Failed to persist recovery run: %v", err)
	}
	o.logger.WithFields(map[string]interface{}{
		"run_id": runID,
		"status": string(snapshot.Status),
	}).Warn("Disaster recovery run finished")
	if o.notifier != nil {
		o.notifier.Publish(context.Background(), notify.EventRecoveryRunFinished, map[string]interface{}{
			"run_id": runID,
			"status": string(snapshot.Status),
		})
	}
}

// runStep executes one step within its timeout and retry budget. Retries
// back off from the configured delay; non-recoverable errors fail the step
// immediately.
func (o *Orchestrator) runStep(ctx context.Context, runID string, step RecoveryStep, backupID string, systems []string) (int, time.Duration, error) {
	start := o.clk.Now()
	attempts := 0

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			attemptStart := o.clk.Now()
			err := o.stepAction(stepCtx, step, backupID, systems)
			o.logger.LogRecoveryStep(runID, step.ID, attempts, o.clk.Now().Sub(attemptStart), err)
			return err
		},
		IsFatalError: func(err error) bool {
			return stepCtx.Err() != nil || !apperrors.IsRecoverable(err)
		},
		Attempts: step.Retries + 1,
		Delay:    o.config.DR.RetryDelay,
		Clock:    o.clk,
		Stop:     stepCtx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return attempts, o.clk.Now().Sub(start), err
}

// stepAction dispatches a step onto the owning component.
func (o *Orchestrator) stepAction(ctx context.Context, step RecoveryStep, backupID string, systems []string) error {
	switch step.Type {
	case StepValidation:
		if step.ID == "validate_recovery" && o.components.Tester != nil {
			return o.runValidationTest(ctx, backupID)
		}
		return o.components.Backups.VerifyBackup(ctx, backupID)
	case StepDatabase:
		return o.runRestore(ctx, backupID, restore.Options{
			Kind:                 restore.KindComplete,
			OverwriteExisting:    true,
			RestoreSchema:        boolPtr(true),
			RestoreData:          boolPtr(true),
			RestoreFiles:         boolPtr(false),
			RestoreConfiguration: boolPtr(false),
			Verify:               true,
		})
	case StepFiles:
		return o.runRestore(ctx, backupID, restore.Options{
			Kind:                 restore.KindComplete,
			RestoreSchema:        boolPtr(false),
			RestoreData:          boolPtr(false),
			RestoreFiles:         boolPtr(true),
			RestoreConfiguration: boolPtr(true),
		})
	case StepService:
		return o.components.Services.RestartServices(ctx, systems)
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unsupported recovery step type: %s", step.Type), nil)
	}
}

// runRestore drives one restore job to completion for a recovery step.
func (o *Orchestrator) runRestore(ctx context.Context, backupID string, options restore.Options) error {
	jobID, err := o.components.Restorer.StartRestore(ctx, backupID, options)
	if err != nil {
		return err
	}
	job, err := o.components.Restorer.AwaitJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != restore.JobCompleted {
		message := "restore did not complete"
		if job.Error != nil {
			message = job.Error.Message
		}
		return apperrors.NewRestoreError(message, nil).WithContext("restore_job_id", jobID)
	}
	return nil
}

// runValidationTest drives one full recovery test to completion for the
// final validation step.
func (o *Orchestrator) runValidationTest(ctx context.Context, backupID string) error {
	testID, err := o.components.Tester.StartRecoveryTest(ctx, backupID, recovery.Options{Kind: recovery.TestFull})
	if err != nil {
		return err
	}
	test, err := o.components.Tester.AwaitTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != recovery.TestPassed {
		return apperrors.NewRestoreError("post-recovery validation test failed", nil).
			WithContext("test_id", testID).
			WithContext("integrity_score", test.IntegrityScore)
	}
	return nil
}

// setStepStatus updates one step result under the lock and persists nothing;
// the run is persisted once when it finishes.
func (o *Orchestrator) setStepStatus(run *Run, index int, status StepStatus, attempts int, duration time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clk.Now().UTC()
	result := &run.Steps[index]
	result.Status = status
	result.Attempts = attempts
	result.Duration = duration
	if result.StartedAt.IsZero() {
		result.StartedAt = now.Add(-duration)
	}
	result.CompletedAt = &now
	if err != nil {
		result.Error = apperrors.Record(err, apperrors.KindRestore, now)
	}
}

// trimRunHistoryLocked drops the oldest archived runs beyond the limit. The
// caller holds the lock.
func (o *Orchestrator) trimRunHistoryLocked() {
	for len(o.runOrder) > o.config.RunHistoryLimit {
		oldest := o.runOrder[0]
		if o.runs[oldest].Status == RunRunning {
			break
		}
		o.runOrder = o.runOrder[1:]
		delete(o.runs, oldest)
		if err := o.store.Delete(stateDRRuns, oldest); err != nil {
			o.logger.WithField("run_id", oldest).Warnf("Failed to delete archived recovery run: %v", err)
		}
	}
}

// unmetDependency returns the first dependency of step that has not
// succeeded, or an empty string when all have.
func unmetDependency(step RecoveryStep, succeeded map[string]bool) string {
	for _, dep := range step.DependsOn {
		if !succeeded[dep] {
			return dep
		}
	}
	return ""
}

func boolPtr(v bool) *bool {
	return &v
}
