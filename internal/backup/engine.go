package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"drguard/internal/apperrors"
	"drguard/internal/ident"
	"drguard/internal/logging"
	"drguard/internal/state"
	"drguard/internal/storage"
)

// Event types published by the engine.
const (
	EventBackupCompleted = "backup_completed"
	EventBackupFailed    = "backup_failed"
)

// State store collections owned by the engine.
const (
	stateCatalog = "backup_catalog"
)

// Notifier publishes lifecycle events. Implementations must not block the
// caller and must swallow their own delivery failures.
type Notifier interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, map[string]interface{}) {}

// EngineConfig tunes the backup engine.
type EngineConfig struct {
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption" json:"encryption"`
	Retention   RetentionConfig   `yaml:"retention" json:"retention"`
	Source      SourceConfig      `yaml:"source" json:"source"`

	// JobTimeout bounds one backup run end to end. Zero disables the bound.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`

	// KeyPrefix namespaces artifact keys in storage.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *EngineConfig) SetDefaults() {
	c.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Source.SetDefaults()
	if c.KeyPrefix == "" {
		c.KeyPrefix = "backups/"
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 30 * time.Minute
	}
}

// Validate checks the configuration.
func (c *EngineConfig) Validate() error {
	if err := c.Compression.Validate(); err != nil {
		return err
	}
	return c.Encryption.Validate()
}

// EngineDeps carries the collaborators an engine is built from.
type EngineDeps struct {
	Provider storage.Provider
	Store    state.Store
	Source   Source
	Notifier Notifier
	Logger   *logging.Logger
	Clock    clock.Clock
}

// Engine creates backups asynchronously. A job advances through discrete
// phases; its artifact is compressed, optionally encrypted, persisted,
// verified against its checksum, and cataloged. Retention runs after every
// successful backup. The engine itself never retries a failed job.
type Engine struct {
	config    EngineConfig
	provider  storage.Provider
	store     state.Store
	source    Source
	codecs    *Codecs
	encryptor *Encryptor
	notifier  Notifier
	logger    *logging.Logger
	clk       clock.Clock

	mu      sync.RWMutex
	jobs    map[string]*Job
	catalog map[string]*Metadata
	done    map[string]chan struct{}
	stats   Stats
	started bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an engine from its dependencies.
func NewEngine(config EngineConfig, deps EngineDeps) (*Engine, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, apperrors.NewValidationError("backup engine requires a storage provider", nil)
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("backup engine requires a state store", nil)
	}
	if deps.Source == nil {
		return nil, apperrors.NewValidationError("backup engine requires a payload source", nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	return &Engine{
		config:    config,
		provider:  deps.Provider,
		store:     deps.Store,
		source:    deps.Source,
		codecs:    NewCodecs(),
		encryptor: NewEncryptor(config.Encryption),
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		clk:       deps.Clock,
		jobs:      make(map[string]*Job),
		catalog:   make(map[string]*Metadata),
		done:      make(map[string]chan struct{}),
	}, nil
}

// Start loads the persisted catalog and accepts jobs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	ids, err := e.store.List(stateCatalog)
	if err != nil {
		return apperrors.NewBackupError("failed to list backup catalog", err)
	}
	for _, id := range ids {
		var meta Metadata
		if err := e.store.Load(stateCatalog, id, &meta); err != nil {
			e.logger.WithField("backup_id", id).Warnf("Skipping unreadable catalog entry: %v", err)
			continue
		}
		e.catalog[meta.ID] = &meta
		e.stats.BytesStored += meta.StoredSize
	}

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.started = true
	e.logger.WithField("backups", len(e.catalog)).Info("Backup engine started")
	return nil
}

// Stop cancels running jobs and waits for them to wind down, bounded by ctx.
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
		e.logger.Info("Backup engine stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("backup engine did not stop in time", ctx.Err())
	}
}

// CreateBackup validates the request and schedules an asynchronous job.
// The returned job id can be polled with GetJob or awaited with AwaitJob.
func (e *Engine) CreateBackup(ctx context.Context, kind Kind, options Options) (string, error) {
	if !kind.IsValid() {
		return "", apperrors.NewValidationError(fmt.Sprintf("unsupported backup kind: %s", kind), nil)
	}
	if err := options.Validate(); err != nil {
		return "", err
	}
	if options.Tier == "" {
		options.Tier = TierAdhoc
	}
	if options.TriggeredBy == "" {
		options.TriggeredBy = "manual"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", apperrors.NewValidationError("backup engine is not started", nil)
	}

	now := e.clk.Now().UTC()
	job := &Job{
		ID:          ident.New(ident.KindBackupJob, now),
		Kind:        kind,
		Status:      JobPending,
		TriggeredBy: options.TriggeredBy,
		StartedAt:   now,
	}
	e.jobs[job.ID] = job
	e.done[job.ID] = make(chan struct{})
	e.stats.TotalJobs++

	e.wg.Add(1)
	go e.run(job.ID, kind, options)

	e.logger.LogJobTransition("backup", job.ID, "", string(JobPending))
	return job.ID, nil
}

// run drives one job to completion and publishes its outcome.
func (e *Engine) run(jobID string, kind Kind, options Options) {
	defer e.wg.Done()

	e.mu.Lock()
	done := e.done[jobID]
	job := e.jobs[jobID]
	job.Status = JobRunning
	e.mu.Unlock()
	defer close(done)

	e.logger.LogJobTransition("backup", jobID, string(JobPending), string(JobRunning))

	ctx := e.baseCtx
	var cancel context.CancelFunc = func() {}
	if e.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.config.JobTimeout)
	}
	defer cancel()

	meta, err := e.execute(ctx, job, kind, options)
	now := e.clk.Now().UTC()

	e.mu.Lock()
	job.CompletedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = apperrors.Record(err, apperrors.KindBackup, now)
		e.stats.Failed++
		e.stats.LastFailure = now
	} else {
		job.Status = JobCompleted
		job.Progress = 100
		job.MetadataID = meta.ID
		e.stats.Completed++
		e.stats.LastSuccess = now
		e.stats.BytesStored += meta.StoredSize
	}
	status := job.Status
	e.mu.Unlock()

	e.logger.LogJobTransition("backup", jobID, string(JobRunning), string(status))

	if err != nil {
		e.notifier.Publish(context.Background(), EventBackupFailed, map[string]interface{}{
			"job_id":      jobID,
			"kind":        string(kind),
			"error":       err.Error(),
			"recoverable": apperrors.IsRecoverable(err),
		})
		return
	}
	e.notifier.Publish(context.Background(), EventBackupCompleted, map[string]interface{}{
		"job_id":      jobID,
		"backup_id":   meta.ID,
		"kind":        string(kind),
		"stored_size": meta.StoredSize,
		"duration":    meta.Duration.String(),
	})
}

// execute walks the backup pipeline. Any error aborts the job; the caller
// classifies and records it.
func (e *Engine) execute(ctx context.Context, job *Job, kind Kind, options Options) (*Metadata, error) {
	start := e.clk.Now()

	e.setPhase(job, "validate", 5, "validating prerequisites")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.setPhase(job, "prepare", 15, "preparing backup destination")
	if err := e.provider.HealthCheck(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.KindServer, "backup destination is unavailable", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}

	now := e.clk.Now().UTC()
	backupID := ident.New(ident.KindBackup, now)
	key := e.config.KeyPrefix + backupID

	e.setPhase(job, "export", 40, "exporting payload")
	artifact, err := e.buildArtifact(ctx, backupID, kind, options, now)
	if err != nil {
		return nil, err
	}

	raw, err := artifact.Marshal()
	if err != nil {
		return nil, err
	}
	originalSize := int64(len(raw))

	e.setPhase(job, "compress", 55, "compressing payload")
	payload := raw
	algorithm := CompressionNone
	if e.config.Compression.Enabled && originalSize >= e.config.Compression.Threshold {
		algorithm = e.config.Compression.Algorithm
	}
	payload, compStats, err := e.codecs.Compress(payload, algorithm, e.config.Compression.Level)
	if err != nil {
		return nil, err
	}

	e.setPhase(job, "encrypt", 70, "encrypting payload")
	stored, _, err := e.encryptor.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	e.setPhase(job, "store", 80, "persisting artifact")
	checksum := sha256.Sum256(stored)
	location, err := e.provider.Store(ctx, key, stored, map[string]string{
		"backup-id": backupID,
		"kind":      string(kind),
		"checksum":  hex.EncodeToString(checksum[:]),
	})
	if err != nil {
		return nil, err
	}

	e.setPhase(job, "verify", 90, "verifying artifact integrity")
	if err := e.verifyStored(ctx, key, hex.EncodeToString(checksum[:])); err != nil {
		if delErr := e.provider.Delete(ctx, key); delErr != nil {
			e.logger.WithField("key", key).Warnf("Failed to remove corrupt artifact: %v", delErr)
		}
		return nil, err
	}

	meta := &Metadata{
		ID:             backupID,
		Kind:           kind,
		Tier:           options.Tier,
		CreatedAt:      now,
		TriggeredBy:    options.TriggeredBy,
		Size:           originalSize,
		CompressedSize: compStats.CompressedSize,
		StoredSize:     int64(len(stored)),
		Checksum:       hex.EncodeToString(checksum[:]),
		Compression:    algorithm,
		Encrypted:      e.encryptor.Enabled(),
		StorageKey:     key,
		Location:       location,
		BaseBackupID:   artifact.BaseBackupID,
		Tables:         tableNames(artifact),
		FileCount:      fileCount(artifact),
		Duration:       e.clk.Now().Sub(start),
	}
	if err := e.store.Save(stateCatalog, meta.ID, meta); err != nil {
		return nil, apperrors.NewBackupError("failed to persist backup metadata", err)
	}
	e.mu.Lock()
	e.catalog[meta.ID] = meta
	e.mu.Unlock()

	e.setPhase(job, "retention", 95, "applying retention policy")
	if plan, err := e.ApplyRetention(ctx); err != nil {
		// The new backup is durable and verified; housekeeping failures are
		// surfaced but do not fail the job.
		e.appendLog(job, "warn", fmt.Sprintf("retention failed: %v", err))
	} else if len(plan.Delete) > 0 {
		e.appendLog(job, "info", fmt.Sprintf("retention pruned %d backups", len(plan.Delete)))
	}

	e.setPhase(job, "finalize", 100, "backup complete")
	return meta, nil
}

// buildArtifact assembles the kind-specific payload.
func (e *Engine) buildArtifact(ctx context.Context, backupID string, kind Kind, options Options, now time.Time) (*Artifact, error) {
	artifact := &Artifact{
		Version:   artifactVersion,
		BackupID:  backupID,
		Kind:      kind,
		CreatedAt: now,
	}

	var since *time.Time
	switch kind {
	case KindIncremental:
		if base := e.lastSuccessful(); base != nil {
			artifact.BaseBackupID = base.ID
			t := base.CreatedAt
			since = &t
		}
	case KindDifferential:
		if base := e.lastSuccessful(KindFull); base != nil {
			artifact.BaseBackupID = base.ID
			t := base.CreatedAt
			since = &t
		}
	}

	var err error
	switch kind {
	case KindFull:
		if artifact.Schema, err = e.source.ExportSchema(ctx); err != nil {
			return nil, err
		}
		if artifact.Data, err = e.source.ExportData(ctx, options.Tables, nil); err != nil {
			return nil, err
		}
		if artifact.Files, err = e.source.ExportFiles(ctx, nil); err != nil {
			return nil, err
		}
		if artifact.Config, err = e.source.ExportConfiguration(ctx); err != nil {
			return nil, err
		}

	case KindIncremental, KindDifferential:
		if artifact.Data, err = e.source.ExportData(ctx, options.Tables, since); err != nil {
			return nil, err
		}
		if artifact.Files, err = e.source.ExportFiles(ctx, since); err != nil {
			return nil, err
		}

	case KindSchema:
		if artifact.Schema, err = e.source.ExportSchema(ctx); err != nil {
			return nil, err
		}

	case KindData:
		if artifact.Data, err = e.source.ExportData(ctx, options.Tables, nil); err != nil {
			return nil, err
		}

	case KindFiles:
		if artifact.Files, err = e.source.ExportFiles(ctx, nil); err != nil {
			return nil, err
		}

	case KindConfiguration:
		if artifact.Config, err = e.source.ExportConfiguration(ctx); err != nil {
			return nil, err
		}
	}

	return artifact, nil
}

// verifyStored re-reads the artifact and compares checksums.
func (e *Engine) verifyStored(ctx context.Context, key, wantChecksum string) error {
	data, err := e.provider.Retrieve(ctx, key)
	if err != nil {
		return apperrors.NewBackupError("failed to re-read artifact for verification", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != wantChecksum {
		return apperrors.NewIntegrityError("stored artifact checksum does not match", nil).
			WithCode(apperrors.CodeChecksumMismatch).
			WithContext("expected", wantChecksum).
			WithContext("actual", got)
	}
	return nil
}

// GetJob returns a copy of a job record.
func (e *Engine) GetJob(jobID string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("backup job %s not found", jobID), nil)
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
		return nil, apperrors.NewValidationError(fmt.Sprintf("backup job %s not found", jobID), nil)
	}
	select {
	case <-done:
		return e.GetJob(jobID)
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError("timed out waiting for backup job", ctx.Err())
	}
}

// GetMetadata returns one catalog entry.
func (e *Engine) GetMetadata(backupID string) (*Metadata, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	meta, ok := e.catalog[backupID]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("backup %s not found", backupID), nil)
	}
	out := *meta
	return &out, nil
}

// ListBackups returns the catalog, newest first.
func (e *Engine) ListBackups() []*Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotCatalog()
}

func (e *Engine) snapshotCatalog() []*Metadata {
	backups := make([]*Metadata, 0, len(e.catalog))
	for _, meta := range e.catalog {
		out := *meta
		backups = append(backups, &out)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	return backups
}

// LoadArtifact retrieves, verifies, decrypts, and decodes a backup payload.
func (e *Engine) LoadArtifact(ctx context.Context, backupID string) (*Artifact, error) {
	meta, err := e.GetMetadata(backupID)
	if err != nil {
		return nil, err
	}

	stored, err := e.provider.Retrieve(ctx, meta.StorageKey)
	if err != nil {
		return nil, apperrors.NewBackupError(fmt.Sprintf("failed to retrieve backup %s", backupID), err)
	}
	sum := sha256.Sum256(stored)
	if got := hex.EncodeToString(sum[:]); got != meta.Checksum {
		return nil, apperrors.NewIntegrityError(fmt.Sprintf("backup %s failed checksum verification", backupID), nil).
			WithCode(apperrors.CodeChecksumMismatch)
	}

	payload := stored
	if meta.Encrypted {
		if payload, err = e.encryptor.Decrypt(payload); err != nil {
			return nil, err
		}
	}
	if payload, err = e.codecs.Decompress(payload, meta.Compression); err != nil {
		return nil, err
	}
	return UnmarshalArtifact(payload)
}

// VerifyBackup re-reads a stored artifact and checks its checksum.
func (e *Engine) VerifyBackup(ctx context.Context, backupID string) error {
	meta, err := e.GetMetadata(backupID)
	if err != nil {
		return err
	}
	return e.verifyStored(ctx, meta.StorageKey, meta.Checksum)
}

// DeleteBackup removes an artifact and its catalog entry.
func (e *Engine) DeleteBackup(ctx context.Context, backupID string) error {
	meta, err := e.GetMetadata(backupID)
	if err != nil {
		return err
	}
	if err := e.provider.Delete(ctx, meta.StorageKey); err != nil {
		return err
	}
	if err := e.store.Delete(stateCatalog, backupID); err != nil {
		return apperrors.NewBackupError("failed to remove backup metadata", err)
	}
	e.mu.Lock()
	delete(e.catalog, backupID)
	e.mu.Unlock()
	e.logger.WithField("backup_id", backupID).Info("Backup deleted")
	return nil
}

// ApplyRetention prunes the catalog per the retention policy and returns the
// executed plan.
func (e *Engine) ApplyRetention(ctx context.Context) (*RetentionPlan, error) {
	e.mu.RLock()
	backups := e.snapshotCatalog()
	e.mu.RUnlock()

	plan := PlanRetention(backups, e.config.Retention, e.clk.Now().UTC())
	for _, doomed := range plan.Delete {
		if err := e.provider.Delete(ctx, doomed.StorageKey); err != nil {
			return plan, err
		}
		if err := e.store.Delete(stateCatalog, doomed.ID); err != nil {
			return plan, apperrors.NewBackupError("failed to remove pruned backup metadata", err)
		}
		e.mu.Lock()
		delete(e.catalog, doomed.ID)
		e.mu.Unlock()
		e.logger.WithFields(map[string]interface{}{
			"backup_id": doomed.ID,
			"reason":    plan.Reasons[doomed.ID],
		}).Info("Pruned backup")
	}
	return plan, nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// lastSuccessful returns the newest catalog entry matching one of the given
// kinds, or the newest overall when no kinds are given.
func (e *Engine) lastSuccessful(kinds ...Kind) *Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var newest *Metadata
	for _, meta := range e.catalog {
		match := len(kinds) == 0
		for _, k := range kinds {
			if meta.Kind == k {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if newest == nil || meta.CreatedAt.After(newest.CreatedAt) {
			newest = meta
		}
	}
	if newest == nil {
		return nil
	}
	out := *newest
	return &out
}

func (e *Engine) setPhase(job *Job, phase string, progress int, message string) {
	e.mu.Lock()
	job.Phase = phase
	job.Progress = progress
	job.Log = append(job.Log, LogEntry{Timestamp: e.clk.Now().UTC(), Level: "info", Message: message})
	e.mu.Unlock()
	e.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"phase":    phase,
		"progress": progress,
	}).Debug(message)
}

func (e *Engine) appendLog(job *Job, level, message string) {
	e.mu.Lock()
	job.Log = append(job.Log, LogEntry{Timestamp: e.clk.Now().UTC(), Level: level, Message: message})
	e.mu.Unlock()
}

func tableNames(artifact *Artifact) []string {
	if artifact.Data != nil {
		names := make([]string, 0, len(artifact.Data.Tables))
		for _, t := range artifact.Data.Tables {
			names = append(names, t.Name)
		}
		return names
	}
	if artifact.Schema != nil {
		return artifact.Schema.Tables
	}
	return nil
}

func fileCount(artifact *Artifact) int {
	if artifact.Files == nil {
		return 0
	}
	return len(artifact.Files.Files)
}
