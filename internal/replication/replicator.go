package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sony/gobreaker"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/ident"
	"drguard/internal/logging"
	"drguard/internal/state"
	"drguard/internal/storage"
)

const stateReplicationJobs = "replication_jobs"

// EventReplicationFailed is published when a job fails.
const EventReplicationFailed = "replication_failed"

// Deps carries the collaborators a replicator is built from. Targets maps
// region name to that region's storage provider.
type Deps struct {
	Source   storage.Provider
	Targets  map[string]storage.Provider
	Store    state.Store
	Notifier backup.Notifier
	Logger   *logging.Logger
	Clock    clock.Clock
}

// Replicator queues replication jobs and drains them with a single worker.
// Per-region copies inside one job run concurrently; every copy is verified
// by comparing the stored object size against the source size.
type Replicator struct {
	config   Config
	source   storage.Provider
	targets  map[string]storage.Provider
	store    state.Store
	notifier backup.Notifier
	logger   *logging.Logger
	clk      clock.Clock

	breakers map[string]*gobreaker.CircuitBreaker

	mu      sync.RWMutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	stats   Stats
	started bool

	queue   chan string
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReplicator builds a replicator from its dependencies.
func NewReplicator(config Config, deps Deps) (*Replicator, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, apperrors.NewValidationError("replicator requires a source provider", nil)
	}
	for _, region := range config.TargetRegions {
		if deps.Targets[region] == nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("replicator has no provider for region %s", region), nil)
		}
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("replicator requires a state store", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	r := &Replicator{
		config:   config,
		source:   deps.Source,
		targets:  deps.Targets,
		store:    deps.Store,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		clk:      deps.Clock,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		jobs:     make(map[string]*Job),
		cancels:  make(map[string]context.CancelFunc),
		queue:    make(chan string, config.QueueSize),
	}
	threshold := uint32(config.BreakerThreshold)
	for _, region := range config.TargetRegions {
		r.breakers[region] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "replication-" + region,
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
	}
	return r, nil
}

// Start launches the worker loop.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	r.started = true
	r.wg.Add(1)
	go r.work()
	r.logger.WithField("regions", len(r.config.TargetRegions)).Info("Replicator started")
	return nil
}

// Stop cancels in-flight work and waits for the worker, bounded by ctx.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		r.logger.Info("Replicator stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("replicator did not stop in time", ctx.Err())
	}
}

// StartReplication enqueues a job copying the backup's artifact to every
// configured target region.
func (r *Replicator) StartReplication(backupID string, meta *backup.Metadata) (string, error) {
	if meta == nil {
		return "", apperrors.NewValidationError("replication requires backup metadata", nil)
	}
	if len(r.config.TargetRegions) == 0 {
		return "", apperrors.NewValidationError("replication has no target regions", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return "", apperrors.NewValidationError("replicator is not started", nil)
	}

	now := r.clk.Now().UTC()
	job := &Job{
		ID:            ident.New(ident.KindReplication, now),
		BackupID:      backupID,
		StorageKey:    meta.StorageKey,
		ReplicaKey:    r.config.KeyPrefix + backupID,
		SourceRegion:  r.config.SourceRegion,
		TargetRegions: append([]string(nil), r.config.TargetRegions...),
		Status:        StatusQueued,
		Size:          meta.StoredSize,
		Regions:       make(map[string]*RegionResult, len(r.config.TargetRegions)),
		EnqueuedAt:    now,
	}
	for _, region := range job.TargetRegions {
		job.Regions[region] = &RegionResult{Region: region, Status: StatusQueued}
	}

	select {
	case r.queue <- job.ID:
	default:
		return "", apperrors.NewServerError("replication queue is full", nil).
			WithCode(apperrors.CodeQueueFull)
	}

	r.jobs[job.ID] = job
	r.stats.TotalJobs++
	r.logger.LogJobTransition("replication", job.ID, "", string(StatusQueued))
	return job.ID, nil
}

// CancelReplication cancels a job. A queued job never runs; a running job is
// cancelled cooperatively, without aborting in-flight region copies.
func (r *Replicator) CancelReplication(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return apperrors.NewValidationError(fmt.Sprintf("replication job %s not found", jobID), nil)
	}
	if job.Status.terminal() {
		return apperrors.NewValidationError(fmt.Sprintf("replication job %s already %s", jobID, job.Status), nil)
	}

	if cancel, ok := r.cancels[jobID]; ok {
		cancel()
		return nil
	}

	now := r.clk.Now().UTC()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	r.stats.Cancelled++
	r.persist(job)
	r.logger.LogJobTransition("replication", jobID, string(StatusQueued), string(StatusCancelled))
	return nil
}

// GetJob returns a copy of one job record.
func (r *Replicator) GetJob(jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("replication job %s not found", jobID), nil)
	}
	return job.clone(), nil
}

// ListJobs returns copies of all jobs, newest first.
func (r *Replicator) ListJobs() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.After(jobs[j].EnqueuedAt) })
	return jobs
}

// AwaitJob polls until the job reaches a terminal status or ctx expires.
func (r *Replicator) AwaitJob(ctx context.Context, jobID string) (*Job, error) {
	for {
		job, err := r.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.NewTimeoutError("timed out waiting for replication job", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// CleanupOldReplicas deletes replicas older than the retention window from
// every target region and reports how many were removed.
func (r *Replicator) CleanupOldReplicas(ctx context.Context) (int, error) {
	cutoff := r.clk.Now().UTC().Add(-r.config.ReplicaRetention)
	removed := 0
	for _, region := range r.config.TargetRegions {
		target := r.targets[region]
		objects, err := target.List(ctx, r.config.KeyPrefix)
		if err != nil {
			return removed, apperrors.Wrap(apperrors.KindServer, fmt.Sprintf("failed to list replicas in region %s", region), err)
		}
		for _, obj := range objects {
			if !obj.ModifiedAt.Before(cutoff) {
				continue
			}
			if err := target.Delete(ctx, obj.Key); err != nil {
				return removed, err
			}
			removed++
			r.logger.WithFields(map[string]interface{}{
				"region": region,
				"key":    obj.Key,
			}).Debug("Expired replica removed")
		}
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Info("Replica cleanup finished")
	}
	return removed, nil
}

// Stats returns a snapshot of replicator counters.
func (r *Replicator) Stats() Stats {
	r.mu.RLock()
	stats := r.stats
	stats.QueueDepth = len(r.queue)
	r.mu.RUnlock()
	for _, breaker := range r.breakers {
		if breaker.State() == gobreaker.StateOpen {
			stats.OpenBreakers++
		}
	}
	return stats
}

// work is the single worker loop. Jobs are dequeued serially; the fan-out
// happens inside runJob.
func (r *Replicator) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case jobID := <-r.queue:
			r.runJob(jobID)
		}
	}
}

// runJob copies one job's artifact to all target regions concurrently and
// joins before deciding the outcome.
func (r *Replicator) runJob(jobID string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != StatusQueued {
		r.mu.Unlock()
		return
	}
	now := r.clk.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	jobCtx, jobCancel := context.WithCancel(r.baseCtx)
	r.cancels[jobID] = jobCancel
	regions := append([]string(nil), job.TargetRegions...)
	r.mu.Unlock()
	defer jobCancel()

	r.logger.LogJobTransition("replication", jobID, string(StatusQueued), string(StatusRunning))

	var wg sync.WaitGroup
	for _, region := range regions {
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			r.copyRegion(jobCtx, job, region)
		}(region)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)

	finished := r.clk.Now().UTC()
	job.CompletedAt = &finished
	job.Progress = 100

	// Cancellation of the job or shutdown of the replicator both end the
	// job as cancelled, never as a failure.
	cancelled := jobCtx.Err() != nil
	var firstErr *apperrors.Recorded
	var transferred int64
	for _, region := range regions {
		result := job.Regions[region]
		transferred += result.BytesCopied
		if result.Error != nil && firstErr == nil {
			firstErr = result.Error
		}
	}
	job.Transferred = transferred

	switch {
	case cancelled:
		job.Status = StatusCancelled
		r.stats.Cancelled++
	case firstErr != nil:
		// One failed region fails the whole job; there is no partial success.
		job.Status = StatusFailed
		job.Error = firstErr
		r.stats.Failed++
		r.stats.LastFailure = finished
		if r.notifier != nil {
			r.notifier.Publish(context.Background(), EventReplicationFailed, map[string]interface{}{
				"job_id":    jobID,
				"backup_id": job.BackupID,
				"error":     firstErr.String(),
			})
		}
	default:
		job.Status = StatusCompleted
		r.stats.Completed++
		r.stats.BytesReplicated += transferred
		r.stats.LastSuccess = finished
	}

	r.persist(job)
	r.logger.LogJobTransition("replication", jobID, string(StatusRunning), string(job.Status))
}

// copyRegion copies the artifact into one region through that region's
// circuit breaker and verifies the stored size.
func (r *Replicator) copyRegion(ctx context.Context, job *Job, region string) {
	r.mu.Lock()
	result := job.Regions[region]
	result.Status = StatusRunning
	key := job.StorageKey
	replicaKey := job.ReplicaKey
	wantSize := job.Size
	backupID := job.BackupID
	r.mu.Unlock()

	start := r.clk.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()

	copied, err := r.executeCopy(attemptCtx, region, key, replicaKey, wantSize, backupID)
	duration := r.clk.Now().Sub(start)
	r.logger.LogReplicationResult(job.ID, region, copied, duration, err)

	r.mu.Lock()
	result.Duration = duration
	result.BytesCopied = copied
	if err != nil {
		result.Status = StatusFailed
		result.Error = apperrors.Record(err, apperrors.KindServer, r.clk.Now().UTC())
	} else {
		result.Status = StatusCompleted
	}
	r.mu.Unlock()
}

// executeCopy performs retrieve, store, and size verification for one region.
func (r *Replicator) executeCopy(ctx context.Context, region, key, replicaKey string, wantSize int64, backupID string) (int64, error) {
	breaker := r.breakers[region]
	copied, err := breaker.Execute(func() (interface{}, error) {
		data, err := r.source.Retrieve(ctx, key)
		if err != nil {
			return int64(0), apperrors.Classify(err, apperrors.KindServer)
		}

		target := r.targets[region]
		if _, err := target.Store(ctx, replicaKey, data, map[string]string{
			"backup-id":     backupID,
			"source-region": r.config.SourceRegion,
		}); err != nil {
			return int64(0), apperrors.Classify(err, apperrors.KindServer)
		}

		info, err := target.Stat(ctx, replicaKey)
		if err != nil {
			return int64(0), apperrors.Classify(err, apperrors.KindServer)
		}
		if info.Size != wantSize {
			return int64(0), apperrors.NewIntegrityError(
				fmt.Sprintf("replica size %d does not match source size %d in region %s", info.Size, wantSize, region), nil).
				WithCode(apperrors.CodeSizeMismatch).
				WithContext("region", region)
		}
		return info.Size, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return 0, apperrors.NewServerError(fmt.Sprintf("circuit breaker for region %s is open", region), err).
			WithCode(apperrors.CodeBreakerOpen)
	}
	if err != nil {
		return 0, err
	}
	return copied.(int64), nil
}

// persist writes a terminal job record; failures are logged only, the
// in-memory record stays authoritative.
func (r *Replicator) persist(job *Job) {
	if err := r.store.Save(stateReplicationJobs, job.ID, job); err != nil {
		r.logger.WithField("job_id", job.ID).Warnf("Failed to persist replication job: %v", err)
	}
}
