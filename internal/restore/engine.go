package restore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/dbport"
	"drguard/internal/ident"
	"drguard/internal/logging"
	"drguard/internal/state"
)

const stateRestoreJobs = "restore_jobs"

// BackupAccess is the slice of the backup engine the restore engine needs.
type BackupAccess interface {
	LoadArtifact(ctx context.Context, backupID string) (*backup.Artifact, error)
	GetMetadata(backupID string) (*backup.Metadata, error)
	VerifyBackup(ctx context.Context, backupID string) error
}

// Config tunes the restore engine.
type Config struct {
	// JobTimeout bounds one restore end to end. Zero disables the bound.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`

	// DefaultBatchSize is used when a request does not set its own.
	DefaultBatchSize int `yaml:"default_batch_size" json:"default_batch_size"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.JobTimeout == 0 {
		c.JobTimeout = time.Hour
	}
	if c.DefaultBatchSize == 0 {
		c.DefaultBatchSize = 500
	}
}

// Deps carries the collaborators an engine is built from.
type Deps struct {
	Backups   BackupAccess
	Commander dbport.Commander
	Sink      Sink
	Store     state.Store
	Logger    *logging.Logger
	Clock     clock.Clock
}

// Engine executes restores asynchronously. Any failure anywhere in the
// pipeline is caught once at the top level, classified (non-recoverable
// restore error by default), and recorded on the job.
type Engine struct {
	config    Config
	backups   BackupAccess
	commander dbport.Commander
	sink      Sink
	store     state.Store
	logger    *logging.Logger
	clk       clock.Clock

	mu        sync.RWMutex
	jobs      map[string]*Job
	done      map[string]chan struct{}
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	stats     Stats
	started   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds a restore engine from its dependencies.
func NewEngine(config Config, deps Deps) (*Engine, error) {
	config.SetDefaults()
	if deps.Backups == nil {
		return nil, apperrors.NewValidationError("restore engine requires backup access", nil)
	}
	if deps.Commander == nil {
		return nil, apperrors.NewValidationError("restore engine requires a database commander", nil)
	}
	if deps.Sink == nil {
		return nil, apperrors.NewValidationError("restore engine requires a file sink", nil)
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("restore engine requires a state store", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &Engine{
		config:    config,
		backups:   deps.Backups,
		commander: deps.Commander,
		sink:      deps.Sink,
		store:     deps.Store,
		logger:    deps.Logger,
		clk:       deps.Clock,
		jobs:      make(map[string]*Job),
		done:      make(map[string]chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}, nil
}

// Start accepts restore jobs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.started = true
	e.logger.Info("Restore engine started")
	return nil
}

// Stop cancels running restores and waits for them, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.cancel()
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		e.logger.Info("Restore engine stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("restore engine did not stop in time", ctx.Err())
	}
}

// StartRestore validates the request and runs the restore asynchronously.
func (e *Engine) StartRestore(ctx context.Context, backupID string, options Options) (string, error) {
	if options.BatchSize <= 0 {
		options.BatchSize = e.config.DefaultBatchSize
	}
	options.SetDefaults()
	if err := options.Validate(); err != nil {
		return "", err
	}
	if _, err := e.backups.GetMetadata(backupID); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", apperrors.NewValidationError("restore engine is not started", nil)
	}

	now := e.clk.Now().UTC()
	job := &Job{
		ID:        ident.New(ident.KindRestore, now),
		BackupID:  backupID,
		Options:   options,
		Status:    JobPending,
		StartedAt: now,
	}
	e.jobs[job.ID] = job
	e.done[job.ID] = make(chan struct{})
	e.stats.TotalJobs++
	e.stats.Active++

	e.wg.Add(1)
	go e.run(job.ID)

	e.logger.LogJobTransition("restore", job.ID, "", string(JobPending))
	return job.ID, nil
}

// CancelRestore cancels a job cooperatively; in-flight database calls are
// not forcibly aborted.
func (e *Engine) CancelRestore(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("restore job %s not found", jobID), nil)
	}
	if job.Status.terminal() {
		return apperrors.NewValidationError(fmt.Sprintf("restore job %s already %s", jobID, job.Status), nil)
	}
	e.cancelled[jobID] = true
	if cancel, ok := e.cancels[jobID]; ok {
		cancel()
	}
	return nil
}

// GetJob returns a copy of one job record.
func (e *Engine) GetJob(jobID string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("restore job %s not found", jobID), nil)
	}
	return job.clone(), nil
}

// ListJobs returns copies of all jobs, newest first.
func (e *Engine) ListJobs() []*Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	jobs := make([]*Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs
}

// AwaitJob blocks until the job finishes or ctx expires.
func (e *Engine) AwaitJob(ctx context.Context, jobID string) (*Job, error) {
	e.mu.RLock()
	done, ok := e.done[jobID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("restore job %s not found", jobID), nil)
	}
	select {
	case <-done:
		return e.GetJob(jobID)
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError("timed out waiting for restore job", ctx.Err())
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// run drives one job to completion.
func (e *Engine) run(jobID string) {
	defer e.wg.Done()

	e.mu.Lock()
	job := e.jobs[jobID]
	done := e.done[jobID]
	job.Status = JobRunning
	var ctx context.Context
	var cancel context.CancelFunc
	if e.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(e.baseCtx, e.config.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(e.baseCtx)
	}
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	defer close(done)
	defer cancel()

	e.logger.LogJobTransition("restore", jobID, string(JobPending), string(JobRunning))

	err := e.execute(ctx, job)

	e.mu.Lock()
	now := e.clk.Now().UTC()
	job.CompletedAt = &now
	delete(e.cancels, jobID)
	wasCancelled := e.cancelled[jobID]
	delete(e.cancelled, jobID)
	e.stats.Active--

	switch {
	case wasCancelled:
		job.Status = JobCancelled
		e.stats.Cancelled++
	case err != nil:
		job.Status = JobFailed
		job.Error = apperrors.Record(err, apperrors.KindRestore, now)
		e.stats.Failed++
		e.stats.LastFailure = now
	default:
		job.Status = JobCompleted
		job.Progress = 100
		e.stats.Completed++
		e.stats.LastSuccess = now
	}
	status := job.Status
	if err := e.store.Save(stateRestoreJobs, jobID, job); err != nil {
		e.logger.WithField("job_id", jobID).Warnf("Failed to persist restore job: %v", err)
	}
	e.mu.Unlock()

	e.logger.LogJobTransition("restore", jobID, string(JobRunning), string(status))
}

// execute walks the restore pipeline for one job.
func (e *Engine) execute(ctx context.Context, job *Job) error {
	options := job.Options

	e.setPhase(job, "validate", 10, "loading and verifying backup artifact")
	artifact, err := e.backups.LoadArtifact(ctx, job.BackupID)
	if err != nil {
		return err
	}

	env := options.TargetEnvironment
	switch options.Kind {
	case KindPointInTime:
		artifact = filterToPointInTime(artifact, *options.PointInTime)
		e.appendLog(job, "info", fmt.Sprintf("payload filtered to %s", options.PointInTime.Format(time.RFC3339)))
	case KindClone:
		env = options.CloneTarget
		if err := e.commander.CreateEnvironment(ctx, env); err != nil {
			return apperrors.Wrap(apperrors.KindRestore, "failed to create clone environment", err)
		}
		e.appendLog(job, "info", "clone environment created: "+env)
	case KindTest:
		return e.executeDryRun(ctx, job, artifact)
	}

	if *options.RestoreSchema && artifact.Schema != nil {
		e.setPhase(job, "schema", 30, "restoring schema")
		statements := artifact.Schema.Statements
		if options.Kind == KindPartial {
			statements = filterStatements(statements, options.Tables)
		}
		if err := e.commander.ApplySchema(ctx, env, statements); err != nil {
			return apperrors.Wrap(apperrors.KindRestore, "failed to restore schema", err)
		}
	}

	if *options.RestoreData && artifact.Data != nil {
		e.setPhase(job, "data", 60, "restoring data")
		if err := e.restoreData(ctx, job, env, artifact.Data, options); err != nil {
			return err
		}
	}

	if *options.RestoreFiles && artifact.Files != nil && options.Kind != KindPartial {
		e.setPhase(job, "files", 75, "restoring files")
		for _, entry := range artifact.Files.Files {
			if err := e.sink.RestoreFile(ctx, entry); err != nil {
				return apperrors.Wrap(apperrors.KindRestore, fmt.Sprintf("failed to restore file %s", entry.Path), err)
			}
			e.mu.Lock()
			job.RestoredFiles++
			e.mu.Unlock()
		}
	}

	if *options.RestoreConfiguration && artifact.Config != nil && options.Kind != KindPartial {
		e.setPhase(job, "configuration", 85, "restoring configuration")
		if err := e.sink.ApplyConfiguration(ctx, artifact.Config.Settings); err != nil {
			return apperrors.Wrap(apperrors.KindRestore, "failed to restore configuration", err)
		}
	}

	if options.Verify {
		e.setPhase(job, "verify", 95, "running post-restore verification")
		result := e.verify(ctx, job, env, artifact, false)
		e.mu.Lock()
		job.Verification = result
		e.mu.Unlock()
		if result.Verdict != CheckPassed {
			return apperrors.NewRestoreError("post-restore verification failed", nil).
				WithContext("failed_checks", result.Failed)
		}
	}

	e.setPhase(job, "finalize", 100, "restore complete")
	return nil
}

// executeDryRun validates structure and integrity and simulates the restore
// without touching the target. Running it twice yields the same result.
func (e *Engine) executeDryRun(ctx context.Context, job *Job, artifact *backup.Artifact) error {
	e.setPhase(job, "simulate", 50, "simulating restore")

	tables := 0
	records := 0
	files := 0
	if artifact.Data != nil {
		tables = len(artifact.Data.Tables)
		records = artifact.Data.RowCount()
	}
	if artifact.Files != nil {
		files = len(artifact.Files.Files)
	}
	e.mu.Lock()
	job.RestoredTables = tables
	job.RestoredRecords = records
	job.RestoredFiles = files
	e.mu.Unlock()
	e.appendLog(job, "info", fmt.Sprintf("dry run: %d tables, %d records, %d files would be restored", tables, records, files))

	e.setPhase(job, "verify", 90, "verifying backup integrity")
	result := e.verify(ctx, job, "", artifact, true)
	e.mu.Lock()
	job.Verification = result
	e.mu.Unlock()
	if result.Verdict != CheckPassed {
		return apperrors.NewRestoreError("dry-run verification failed", nil).
			WithContext("failed_checks", result.Failed)
	}

	e.setPhase(job, "finalize", 100, "dry run complete")
	return nil
}

// restoreData inserts table rows in batches, clearing targets first when
// overwrite is requested.
func (e *Engine) restoreData(ctx context.Context, job *Job, env string, data *backup.DataPayload, options Options) error {
	wanted := make(map[string]bool, len(options.Tables))
	for _, table := range options.Tables {
		wanted[table] = true
	}

	for _, table := range data.Tables {
		if options.Kind == KindPartial && !wanted[table.Name] {
			continue
		}
		if options.OverwriteExisting {
			if err := e.commander.ClearTable(ctx, env, table.Name); err != nil {
				return apperrors.Wrap(apperrors.KindRestore, fmt.Sprintf("failed to clear table %s", table.Name), err)
			}
		}

		inserted := int64(0)
		for start := 0; start < len(table.Rows); start += options.BatchSize {
			end := start + options.BatchSize
			if end > len(table.Rows) {
				end = len(table.Rows)
			}
			n, err := e.commander.InsertRows(ctx, env, table.Name, table.Columns, table.Rows[start:end])
			if err != nil {
				return apperrors.Wrap(apperrors.KindRestore, fmt.Sprintf("failed to restore table %s", table.Name), err)
			}
			inserted += n
		}

		e.mu.Lock()
		job.RestoredTables++
		job.RestoredRecords += int(inserted)
		e.mu.Unlock()
		e.appendLog(job, "info", fmt.Sprintf("restored %d rows into %s", inserted, table.Name))
	}
	return nil
}

// verify runs up to four check categories. In dry-run mode checks that would
// read the mutated target validate the artifact payload instead.
func (e *Engine) verify(ctx context.Context, job *Job, env string, artifact *backup.Artifact, dryRun bool) *VerificationResult {
	result := &VerificationResult{}
	options := job.Options

	// Structural integrity of the artifact for the requested parts.
	integrity := VerificationCheck{Category: CheckIntegrity, Name: "artifact structure", Status: CheckPassed}
	switch {
	case *options.RestoreSchema && artifact.Schema == nil && options.Kind != KindPartial:
		integrity.Status = CheckWarning
		integrity.Detail = "backup carries no schema payload"
	case *options.RestoreData && artifact.Data == nil:
		integrity.Status = CheckWarning
		integrity.Detail = "backup carries no data payload"
	}
	result.record(integrity)

	// Stored-artifact checksum comparison.
	checksum := VerificationCheck{Category: CheckChecksum, Name: "stored artifact checksum", Status: CheckPassed}
	if err := e.backups.VerifyBackup(ctx, job.BackupID); err != nil {
		checksum.Status = CheckFailed
		checksum.Detail = err.Error()
	}
	result.record(checksum)

	// Row counts in the restored target.
	if artifact.Data != nil && *options.RestoreData {
		for _, table := range artifact.Data.Tables {
			if options.Kind == KindPartial && len(options.Tables) > 0 && !containsTable(options.Tables, table.Name) {
				continue
			}
			check := VerificationCheck{Category: CheckData, Name: "row count: " + table.Name, Status: CheckPassed}
			if dryRun {
				check.Detail = fmt.Sprintf("%d rows in payload", len(table.Rows))
			} else {
				count, err := e.commander.CountRows(ctx, env, table.Name)
				switch {
				case err != nil:
					check.Status = CheckFailed
					check.Detail = err.Error()
				case options.OverwriteExisting && count != int64(len(table.Rows)):
					check.Status = CheckFailed
					check.Detail = fmt.Sprintf("expected %d rows, found %d", len(table.Rows), count)
				case count < int64(len(table.Rows)):
					check.Status = CheckFailed
					check.Detail = fmt.Sprintf("expected at least %d rows, found %d", len(table.Rows), count)
				}
			}
			result.record(check)
		}
	}

	// Target connectivity.
	connection := VerificationCheck{Category: CheckConnection, Name: "target connection", Status: CheckPassed}
	if err := e.commander.Ping(ctx); err != nil {
		connection.Status = CheckFailed
		connection.Detail = err.Error()
	}
	result.record(connection)

	result.finalize()
	return result
}

func (e *Engine) setPhase(job *Job, phase string, progress int, message string) {
	e.mu.Lock()
	job.Phase = phase
	job.Progress = progress
	job.Log = append(job.Log, backup.LogEntry{Timestamp: e.clk.Now().UTC(), Level: "info", Message: message})
	e.mu.Unlock()
	e.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"phase":    phase,
		"progress": progress,
	}).Debug(message)
}

func (e *Engine) appendLog(job *Job, level, message string) {
	e.mu.Lock()
	job.Log = append(job.Log, backup.LogEntry{Timestamp: e.clk.Now().UTC(), Level: level, Message: message})
	e.mu.Unlock()
}

// filterToPointInTime drops data rows newer than the cutoff.
func filterToPointInTime(artifact *backup.Artifact, cutoff time.Time) *backup.Artifact {
	if artifact.Data == nil {
		return artifact
	}
	out := *artifact
	data := &backup.DataPayload{Tables: make([]backup.TableData, 0, len(artifact.Data.Tables))}
	for _, table := range artifact.Data.Tables {
		data.Tables = append(data.Tables, backup.FilterRowsUntil(table, cutoff))
	}
	out.Data = data
	return &out
}

// filterStatements keeps DDL statements that mention one of the named
// tables.
func filterStatements(statements []string, tables []string) []string {
	out := make([]string, 0, len(statements))
	for _, stmt := range statements {
		for _, table := range tables {
			if containsFold(stmt, table) {
				out = append(out, stmt)
				break
			}
		}
	}
	return out
}

func containsTable(tables []string, name string) bool {
	for _, t := range tables {
		if t == name {
			return true
		}
	}
	return false
}

func containsFold(stmt, table string) bool {
	return table != "" && strings.Contains(strings.ToLower(stmt), strings.ToLower(table))
}
