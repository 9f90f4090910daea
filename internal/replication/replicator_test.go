package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/logging"
	"drguard/internal/state"
	"drguard/internal/storage"
)

type testReplicator struct {
	replicator *Replicator
	source     *storage.MemoryProvider
	targets    map[string]*storage.MemoryProvider
}

func newTestReplicator(t *testing.T, regions ...string) *testReplicator {
	t.Helper()
	if len(regions) == 0 {
		regions = []string{"eu-west-1"}
	}

	source := storage.NewMemoryProvider()
	targets := make(map[string]*storage.MemoryProvider, len(regions))
	providers := make(map[string]storage.Provider, len(regions))
	for _, region := range regions {
		mem := storage.NewMemoryProvider()
		targets[region] = mem
		providers[region] = mem
	}

	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	r, err := NewReplicator(Config{
		Enabled:       true,
		SourceRegion:  "us-east-1",
		TargetRegions: regions,
	}, Deps{
		Source:  source,
		Targets: providers,
		Store:   store,
		Logger:  logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})

	return &testReplicator{replicator: r, source: source, targets: targets}
}

func (tr *testReplicator) seedBackup(t *testing.T, backupID string, payload []byte) *backup.Metadata {
	t.Helper()
	key := "backups/" + backupID
	_, err := tr.source.Store(context.Background(), key, payload, nil)
	require.NoError(t, err)
	return &backup.Metadata{
		ID:         backupID,
		StorageKey: key,
		StoredSize: int64(len(payload)),
	}
}

func awaitJob(t *testing.T, r *Replicator, jobID string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := r.AwaitJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestReplicator_CopiesToAllRegions(t *testing.T) {
	tr := newTestReplicator(t, "eu-west-1", "ap-south-1")
	meta := tr.seedBackup(t, "backup_1", []byte("artifact-bytes"))

	jobID, err := tr.replicator.StartReplication("backup_1", meta)
	require.NoError(t, err)

	job := awaitJob(t, tr.replicator, jobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, int64(2*len("artifact-bytes")), job.Transferred)

	for region, mem := range tr.targets {
		data, err := mem.Retrieve(context.Background(), "replicas/backup_1")
		require.NoError(t, err, "region %s", region)
		assert.Equal(t, []byte("artifact-bytes"), data)
	}

	stats := tr.replicator.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
}

func TestReplicator_OneRegionFailureFailsWholeJob(t *testing.T) {
	tr := newTestReplicator(t, "eu-west-1", "ap-south-1")
	meta := tr.seedBackup(t, "backup_1", []byte("artifact-bytes"))

	tr.targets["ap-south-1"].FailStore = apperrors.NewServerError("region unreachable", nil)

	jobID, err := tr.replicator.StartReplication("backup_1", meta)
	require.NoError(t, err)

	job := awaitJob(t, tr.replicator, jobID)
	assert.Equal(t, StatusFailed, job.Status, "no partial success: one region down fails the job")
	require.NotNil(t, job.Error)

	assert.Equal(t, StatusCompleted, job.Regions["eu-west-1"].Status)
	assert.Equal(t, StatusFailed, job.Regions["ap-south-1"].Status)

	stats := tr.replicator.Stats()
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}

func TestReplicator_SizeMismatchIsIntegrityFailure(t *testing.T) {
	tr := newTestReplicator(t, "eu-west-1")
	meta := tr.seedBackup(t, "backup_1", []byte("artifact-bytes"))
	// Claim a different source size than what will land in the region.
	meta.StoredSize = 9999

	jobID, err := tr.replicator.StartReplication("backup_1", meta)
	require.NoError(t, err)

	job := awaitJob(t, tr.replicator, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, apperrors.KindIntegrity, job.Error.Kind)
	assert.Equal(t, apperrors.CodeSizeMismatch, job.Error.Code)
}

func TestReplicator_CancelQueuedJob(t *testing.T) {
	tr := newTestReplicator(t, "eu-west-1")
	meta := tr.seedBackup(t, "backup_1", []byte("x"))

	// Stop the worker so the job stays queued.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.replicator.Stop(ctx))
	tr.replicator.mu.Lock()
	tr.replicator.started = true
	tr.replicator.mu.Unlock()

	jobID, err := tr.replicator.StartReplication("backup_1", meta)
	require.NoError(t, err)

	require.NoError(t, tr.replicator.CancelReplication(jobID))
	job, err := tr.replicator.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)

	// Cancelling a terminal job is rejected.
	assert.Error(t, tr.replicator.CancelReplication(jobID))
}

// gatedProvider signals when a copy is in flight and then blocks until the
// copy's context ends.
type gatedProvider struct {
	*storage.MemoryProvider
	entered chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-ctx.Done()
	return "", ctx.Err()
}

func TestReplicator_StopCancelsInFlightJob(t *testing.T) {
	source := storage.NewMemoryProvider()
	gate := &gatedProvider{MemoryProvider: storage.NewMemoryProvider(), entered: make(chan struct{})}
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	r, err := NewReplicator(Config{
		Enabled:       true,
		SourceRegion:  "us-east-1",
		TargetRegions: []string{"eu-west-1"},
	}, Deps{
		Source:  source,
		Targets: map[string]storage.Provider{"eu-west-1": gate},
		Store:   store,
		Logger:  logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	key := "backups/backup_1"
	payload := []byte("artifact-bytes")
	_, err = source.Store(context.Background(), key, payload, nil)
	require.NoError(t, err)

	jobID, err := r.StartReplication("backup_1", &backup.Metadata{
		ID:         "backup_1",
		StorageKey: key,
		StoredSize: int64(len(payload)),
	})
	require.NoError(t, err)

	<-gate.entered
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	job, err := r.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Failed)
}

func TestReplicator_QueueFull(t *testing.T) {
	source := storage.NewMemoryProvider()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r, err := NewReplicator(Config{
		Enabled:       true,
		TargetRegions: []string{"eu-west-1"},
		QueueSize:     1,
	}, Deps{
		Source:  source,
		Targets: map[string]storage.Provider{"eu-west-1": storage.NewMemoryProvider()},
		Store:   store,
		Logger:  logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	// Mark started without launching the worker so the queue backs up.
	r.mu.Lock()
	r.started = true
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()
	defer r.cancel()

	meta := &backup.Metadata{ID: "b", StorageKey: "k", StoredSize: 1}
	_, err = r.StartReplication("b1", meta)
	require.NoError(t, err)

	_, err = r.StartReplication("b2", meta)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeQueueFull, appErr.Code)
}

func TestReplicator_CleanupOldReplicas(t *testing.T) {
	tr := newTestReplicator(t, "eu-west-1")
	mem := tr.targets["eu-west-1"]

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	mem.SetClock(func() time.Time { return old })
	_, err := mem.Store(context.Background(), "replicas/ancient", []byte("x"), nil)
	require.NoError(t, err)

	mem.SetClock(time.Now)
	_, err = mem.Store(context.Background(), "replicas/fresh", []byte("x"), nil)
	require.NoError(t, err)

	removed, err := tr.replicator.CleanupOldReplicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = mem.Retrieve(context.Background(), "replicas/ancient")
	assert.True(t, storage.IsNotFound(err))
	_, err = mem.Retrieve(context.Background(), "replicas/fresh")
	assert.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Enabled: true}
	assert.Error(t, cfg.Validate(), "enabled replication requires target regions")

	cfg.TargetRegions = []string{"eu-west-1", "eu-west-1"}
	assert.Error(t, cfg.Validate(), "duplicate regions rejected")

	cfg.TargetRegions = []string{"eu-west-1", "ap-south-1"}
	assert.NoError(t, cfg.Validate())
}
