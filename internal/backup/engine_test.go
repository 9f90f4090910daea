package backup

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/apperrors"
	"drguard/internal/logging"
	"drguard/internal/state"
	"drguard/internal/storage"
)

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (n *recordingNotifier) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
	n.data = append(n.data, data)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	copy(out, n.events)
	return out
}

type engineFixture struct {
	engine   *Engine
	provider *storage.MemoryProvider
	source   *FakeSource
	notifier *recordingNotifier
	store    state.Store
}

func newEngineFixture(t *testing.T, config EngineConfig) *engineFixture {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &engineFixture{
		provider: storage.NewMemoryProvider(),
		source:   NewFakeSource(),
		notifier: &recordingNotifier{},
		store:    store,
	}
	f.engine, err = NewEngine(config, EngineDeps{
		Provider: f.provider,
		Store:    store,
		Source:   f.source,
		Notifier: f.notifier,
		Logger:   logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Stop(ctx)
	})
	return f
}

func runBackup(t *testing.T, engine *Engine, kind Kind, options Options) *Job {
	t.Helper()
	jobID, err := engine.CreateBackup(context.Background(), kind, options)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := engine.AwaitJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestEngine_FullBackupRoundTrip(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	job := runBackup(t, f.engine, KindFull, Options{Tier: TierDaily})

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotEmpty(t, job.MetadataID)

	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, KindFull, meta.Kind)
	assert.Equal(t, TierDaily, meta.Tier)
	assert.NotEmpty(t, meta.Checksum)
	assert.Equal(t, []string{"users"}, meta.Tables)
	assert.Equal(t, 1, meta.FileCount)
	assert.Greater(t, meta.StoredSize, int64(0))

	// The artifact decodes back into the exported payloads.
	artifact, err := f.engine.LoadArtifact(context.Background(), meta.ID)
	require.NoError(t, err)
	require.NotNil(t, artifact.Schema)
	require.NotNil(t, artifact.Data)
	require.NotNil(t, artifact.Files)
	require.NotNil(t, artifact.Config)
	assert.Equal(t, 2, artifact.Data.RowCount())

	assert.Contains(t, f.notifier.Events(), EventBackupCompleted)
}

func TestEngine_KindSelectsPayloadSections(t *testing.T) {
	tests := []struct {
		kind       Kind
		wantSchema bool
		wantData   bool
		wantFiles  bool
		wantConfig bool
	}{
		{KindSchema, true, false, false, false},
		{KindData, false, true, false, false},
		{KindFiles, false, false, true, false},
		{KindConfiguration, false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newEngineFixture(t, EngineConfig{})
			job := runBackup(t, f.engine, tt.kind, Options{})
			require.Equal(t, JobCompleted, job.Status)

			artifact, err := f.engine.LoadArtifact(context.Background(), job.MetadataID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSchema, artifact.Schema != nil)
			assert.Equal(t, tt.wantData, artifact.Data != nil)
			assert.Equal(t, tt.wantFiles, artifact.Files != nil)
			assert.Equal(t, tt.wantConfig, artifact.Config != nil)
		})
	}
}

func TestEngine_IncrementalReferencesBase(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	base := runBackup(t, f.engine, KindFull, Options{})
	require.Equal(t, JobCompleted, base.Status)

	incremental := runBackup(t, f.engine, KindIncremental, Options{})
	require.Equal(t, JobCompleted, incremental.Status)

	meta, err := f.engine.GetMetadata(incremental.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, base.MetadataID, meta.BaseBackupID)
}

func TestEngine_ExportFailureFailsJobAndNotifies(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	f.source.FailData = apperrors.NewServerError("source unavailable", nil)

	job := runBackup(t, f.engine, KindFull, Options{})

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, f.notifier.Events(), EventBackupFailed)

	stats := f.engine.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Completed)
}

func TestEngine_UnavailableStorageFailsJob(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	f.provider.FailHealth = apperrors.NewNetworkError("unreachable", nil)

	job := runBackup(t, f.engine, KindFull, Options{})

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, apperrors.CodeStorageUnavailable, job.Error.Code)
}

func TestEngine_EncryptedBackupRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	f := newEngineFixture(t, EngineConfig{
		Encryption: EncryptionConfig{
			Enabled:      true,
			KeyRetriever: func() ([]byte, error) { return key, nil },
		},
	})

	job := runBackup(t, f.engine, KindFull, Options{})
	require.Equal(t, JobCompleted, job.Status)

	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)
	assert.True(t, meta.Encrypted)

	artifact, err := f.engine.LoadArtifact(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.Data.RowCount())
}

func TestEngine_CompressedBackupRoundTrip(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		Compression: CompressionConfig{Enabled: true, Algorithm: CompressionGzip},
	})

	job := runBackup(t, f.engine, KindFull, Options{})
	require.Equal(t, JobCompleted, job.Status)

	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, meta.Compression)

	artifact, err := f.engine.LoadArtifact(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.Data.RowCount())
}

func TestEngine_CompressionThresholdSkipsSmallPayloads(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		Compression: CompressionConfig{Enabled: true, Algorithm: CompressionGzip, Threshold: 1 << 30},
	})

	job := runBackup(t, f.engine, KindFull, Options{})
	require.Equal(t, JobCompleted, job.Status)

	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, meta.Compression)
}

func TestCompressionConfig_DefaultThresholdCompressesEverything(t *testing.T) {
	cfg := CompressionConfig{Enabled: true}
	cfg.SetDefaults()
	assert.Zero(t, cfg.Threshold)
	assert.Equal(t, CompressionZstd, cfg.Algorithm)
}

func TestEngine_VerifyDetectsTamperedArtifact(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	job := runBackup(t, f.engine, KindFull, Options{})
	require.Equal(t, JobCompleted, job.Status)

	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyBackup(context.Background(), meta.ID))

	// Flip the stored bytes behind the engine's back.
	_, err = f.provider.Store(context.Background(), meta.StorageKey, []byte("tampered"), nil)
	require.NoError(t, err)

	err = f.engine.VerifyBackup(context.Background(), meta.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindIntegrity, apperrors.KindOf(err))

	_, err = f.engine.LoadArtifact(context.Background(), meta.ID)
	require.Error(t, err)
}

func TestEngine_DeleteBackupRemovesArtifactAndCatalogEntry(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	job := runBackup(t, f.engine, KindFull, Options{})
	meta, err := f.engine.GetMetadata(job.MetadataID)
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteBackup(context.Background(), meta.ID))

	_, err = f.engine.GetMetadata(meta.ID)
	assert.Error(t, err)
	_, err = f.provider.Retrieve(context.Background(), meta.StorageKey)
	assert.Error(t, err)
}

func TestEngine_RetentionKeepsNewestNDaily(t *testing.T) {
	const keep = 3
	f := newEngineFixture(t, EngineConfig{
		Retention: RetentionConfig{KeepDaily: keep},
	})

	// N+1 successful daily backups; retention runs after each one. The
	// pause keeps creation timestamps strictly ordered at millisecond
	// resolution.
	var ids []string
	for i := 0; i < keep+1; i++ {
		job := runBackup(t, f.engine, KindFull, Options{Tier: TierDaily})
		require.Equal(t, JobCompleted, job.Status)
		ids = append(ids, job.MetadataID)
		time.Sleep(2 * time.Millisecond)
	}

	backups := f.engine.ListBackups()
	require.Len(t, backups, keep, "exactly N daily backups survive")

	surviving := make(map[string]bool, len(backups))
	for _, meta := range backups {
		assert.Equal(t, TierDaily, meta.Tier)
		surviving[meta.ID] = true
	}
	assert.False(t, surviving[ids[0]], "the oldest backup was pruned")
	for _, id := range ids[1:] {
		assert.True(t, surviving[id], id)
	}

	// The pruned artifact is gone from storage too.
	objects, err := f.provider.List(context.Background(), "backups/")
	require.NoError(t, err)
	assert.Len(t, objects, keep)
}

func TestEngine_CatalogSurvivesRestart(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	job := runBackup(t, f.engine, KindFull, Options{Tier: TierWeekly})
	require.Equal(t, JobCompleted, job.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Stop(ctx))

	reborn, err := NewEngine(EngineConfig{}, EngineDeps{
		Provider: f.provider,
		Store:    f.store,
		Source:   f.source,
		Logger:   logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, reborn.Start(context.Background()))
	defer reborn.Stop(context.Background())

	backups := reborn.ListBackups()
	require.Len(t, backups, 1)
	assert.Equal(t, job.MetadataID, backups[0].ID)

	artifact, err := reborn.LoadArtifact(context.Background(), job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.Data.RowCount())
}

func TestEngine_RejectsInvalidRequests(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	_, err := f.engine.CreateBackup(context.Background(), "bogus", Options{})
	assert.Error(t, err)

	_, err = f.engine.CreateBackup(context.Background(), KindFull, Options{Tier: "hourly"})
	assert.Error(t, err)
}

func TestEngine_StatsTrackOutcomes(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	runBackup(t, f.engine, KindFull, Options{})
	f.source.FailSchema = fmt.Errorf("boom")
	runBackup(t, f.engine, KindSchema, Options{})

	stats := f.engine.Stats()
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 50, stats.SuccessRate(), 0.001)
}
