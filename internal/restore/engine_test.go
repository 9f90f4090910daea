package restore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/dbport"
	"drguard/internal/logging"
	"drguard/internal/state"
)

// fakeBackups serves one canned artifact and its metadata.
type fakeBackups struct {
	artifact    *backup.Artifact
	metadata    *backup.Metadata
	loadErr     error
	verifyErr   error
	loadCalls   int
	metaMissing bool
}

func (f *fakeBackups) LoadArtifact(ctx context.Context, backupID string) (*backup.Artifact, error) {
	f.loadCalls++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.artifact, nil
}

func (f *fakeBackups) GetMetadata(backupID string) (*backup.Metadata, error) {
	if f.metaMissing {
		return nil, apperrors.NewValidationError(fmt.Sprintf("backup %s not found", backupID), nil)
	}
	if f.metadata != nil {
		return f.metadata, nil
	}
	return &backup.Metadata{ID: backupID}, nil
}

func (f *fakeBackups) VerifyBackup(ctx context.Context, backupID string) error {
	return f.verifyErr
}

func restoreArtifact() *backup.Artifact {
	return &backup.Artifact{
		Version:   1,
		BackupID:  "backup_1",
		Kind:      backup.KindFull,
		CreatedAt: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		Schema: &backup.SchemaPayload{
			Tables:     []string{"users", "orders"},
			Statements: []string{"CREATE TABLE users (id INT)", "CREATE TABLE orders (id INT)"},
		},
		Data: &backup.DataPayload{
			Tables: []backup.TableData{
				{
					Name:    "users",
					Columns: []string{"id", "created_at"},
					Rows: [][]interface{}{
						{int64(1), "2024-02-01T00:00:00Z"},
						{int64(2), "2024-02-15T00:00:00Z"},
						{int64(3), "2024-02-28T00:00:00Z"},
					},
				},
				{
					Name:    "orders",
					Columns: []string{"id"},
					Rows:    [][]interface{}{{int64(10)}, {int64(11)}},
				},
			},
		},
		Files: &backup.FilesPayload{
			Files: []backup.FileEntry{
				{Path: "conf/app.yaml", Content: []byte("a: 1"), Size: 4},
			},
		},
		Config: &backup.ConfigPayload{
			Settings:   map[string]string{"region": "eu-west-1"},
			CapturedAt: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		},
	}
}

func newTestEngine(t *testing.T, backups BackupAccess, commander dbport.Commander, sink Sink) *Engine {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	engine, err := NewEngine(Config{}, Deps{
		Backups:   backups,
		Commander: commander,
		Sink:      sink,
		Store:     store,
		Logger:    logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})
	return engine
}

func runRestore(t *testing.T, engine *Engine, backupID string, options Options) *Job {
	t.Helper()
	jobID, err := engine.StartRestore(context.Background(), backupID, options)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := engine.AwaitJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestEngine_CompleteRestore(t *testing.T) {
	commander := dbport.NewFake()
	sink := NewFakeSink()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, sink)

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete, Verify: true})

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.RestoredTables)
	assert.Equal(t, 5, job.RestoredRecords)
	assert.Equal(t, 1, job.RestoredFiles)

	assert.Len(t, commander.RowsIn("", "users"), 3)
	assert.Len(t, commander.RowsIn("", "orders"), 2)
	assert.Contains(t, sink.Files(), "conf/app.yaml")
	assert.Equal(t, "eu-west-1", sink.Settings()["region"])

	require.NotNil(t, job.Verification)
	assert.Equal(t, CheckPassed, job.Verification.Verdict)
	assert.Zero(t, job.Verification.Failed)

	stats := engine.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.InDelta(t, 100, stats.SuccessRate(), 0.001)
}

func TestEngine_TestRestoreNeverMutatesTarget(t *testing.T) {
	commander := dbport.NewFake()
	sink := NewFakeSink()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, sink)

	first := runRestore(t, engine, "backup_1", Options{Kind: KindTest})
	second := runRestore(t, engine, "backup_1", Options{Kind: KindTest})

	assert.Equal(t, JobCompleted, first.Status)
	assert.Equal(t, JobCompleted, second.Status)

	// Nothing on the target moved.
	assert.Empty(t, commander.CallsTo("ApplySchema"))
	assert.Empty(t, commander.CallsTo("InsertRows"))
	assert.Empty(t, commander.CallsTo("ClearTable"))
	assert.Empty(t, commander.CallsTo("CreateEnvironment"))
	assert.Empty(t, sink.Files())
	assert.Empty(t, sink.Settings())

	// Running it twice produces the same verification result.
	require.NotNil(t, first.Verification)
	require.NotNil(t, second.Verification)
	assert.Equal(t, first.Verification, second.Verification)
	assert.Equal(t, first.RestoredRecords, second.RestoredRecords)
	assert.Equal(t, 2, first.RestoredTables)
	assert.Equal(t, 5, first.RestoredRecords)
}

func TestEngine_TestRestoreReportsBrokenChecksum(t *testing.T) {
	commander := dbport.NewFake()
	backups := &fakeBackups{
		artifact:  restoreArtifact(),
		verifyErr: apperrors.NewIntegrityError("checksum mismatch", nil),
	}
	engine := newTestEngine(t, backups, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindTest})

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Verification)
	assert.Equal(t, CheckFailed, job.Verification.Verdict)
	require.NotNil(t, job.Error)
	assert.Equal(t, apperrors.KindRestore, job.Error.Kind)
}

func TestEngine_PartialRestoresOnlyNamedTables(t *testing.T) {
	commander := dbport.NewFake()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindPartial, Tables: []string{"orders"}})

	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 1, job.RestoredTables)
	assert.Equal(t, 2, job.RestoredRecords)
	assert.Empty(t, commander.RowsIn("", "users"))
	assert.Len(t, commander.RowsIn("", "orders"), 2)

	// Schema statements for unrequested tables are skipped too.
	for _, stmt := range commander.SchemaOf("") {
		assert.NotContains(t, stmt, "users")
	}
}

func TestEngine_PointInTimeFiltersNewerRows(t *testing.T) {
	commander := dbport.NewFake()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	cutoff := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	job := runRestore(t, engine, "backup_1", Options{
		Kind:        KindPointInTime,
		PointInTime: &cutoff,
	})

	assert.Equal(t, JobCompleted, job.Status)
	// The 2024-02-28 user row is newer than the cutoff and dropped. Rows
	// without a timestamp column survive.
	assert.Len(t, commander.RowsIn("", "users"), 2)
	assert.Len(t, commander.RowsIn("", "orders"), 2)
}

func TestEngine_CloneRestoresIntoFreshEnvironment(t *testing.T) {
	commander := dbport.NewFake()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindClone, CloneTarget: "staging_copy"})

	assert.Equal(t, JobCompleted, job.Status)
	assert.True(t, commander.HasEnvironment("staging_copy"))
	assert.Len(t, commander.RowsIn("staging_copy", "users"), 3)
	assert.Empty(t, commander.RowsIn("", "users"), "the default environment is untouched")
}

func TestEngine_OverwriteClearsBeforeInsert(t *testing.T) {
	commander := dbport.NewFake()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	// Pre-populate the target with stale rows.
	_, err := commander.InsertRows(context.Background(), "", "users", []string{"id"}, [][]interface{}{{int64(99)}})
	require.NoError(t, err)

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete, OverwriteExisting: true, Verify: true})

	assert.Equal(t, JobCompleted, job.Status)
	assert.Len(t, commander.RowsIn("", "users"), 3, "stale rows are cleared first")
	require.Len(t, commander.CallsTo("ClearTable"), 2)
	assert.Equal(t, CheckPassed, job.Verification.Verdict)
}

func TestEngine_BatchedInserts(t *testing.T) {
	commander := dbport.NewFake()
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete, BatchSize: 2})

	assert.Equal(t, JobCompleted, job.Status)
	// users has 3 rows: two batches. orders has 2 rows: one batch.
	require.Len(t, commander.CallsTo("InsertRows"), 3)
	assert.Equal(t, 5, job.RestoredRecords)
}

func TestEngine_FailureIsRecordedOnce(t *testing.T) {
	commander := dbport.NewFake()
	commander.FailInsert = apperrors.NewServerError("disk full", nil)
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete})

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, apperrors.KindRestore, job.Error.Kind)
	assert.False(t, job.Error.Recoverable)

	stats := engine.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Completed)
}

func TestEngine_VerificationFailureFailsJob(t *testing.T) {
	commander := dbport.NewFake()
	commander.FailPing = apperrors.NewNetworkError("connection lost", nil)
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, commander, NewFakeSink())

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete, Verify: true})

	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Verification)
	assert.Equal(t, CheckFailed, job.Verification.Verdict)

	var categories []string
	for _, check := range job.Verification.Checks {
		if check.Status == CheckFailed {
			categories = append(categories, check.Category)
		}
	}
	assert.Contains(t, categories, CheckConnection)
}

func TestEngine_RejectsUnknownBackup(t *testing.T) {
	engine := newTestEngine(t, &fakeBackups{metaMissing: true}, dbport.NewFake(), NewFakeSink())

	_, err := engine.StartRestore(context.Background(), "backup_missing", Options{Kind: KindComplete})
	assert.Error(t, err)
}

func TestEngine_RejectsInvalidOptions(t *testing.T) {
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, dbport.NewFake(), NewFakeSink())

	_, err := engine.StartRestore(context.Background(), "backup_1", Options{Kind: "bogus"})
	assert.Error(t, err)

	_, err = engine.StartRestore(context.Background(), "backup_1", Options{Kind: KindPartial})
	assert.Error(t, err, "partial restore without tables is rejected")

	_, err = engine.StartRestore(context.Background(), "backup_1", Options{Kind: KindPointInTime})
	assert.Error(t, err, "point-in-time restore without a timestamp is rejected")

	_, err = engine.StartRestore(context.Background(), "backup_1", Options{Kind: KindClone})
	assert.Error(t, err, "clone restore without a target is rejected")
}

func TestEngine_ListJobsNewestFirst(t *testing.T) {
	engine := newTestEngine(t, &fakeBackups{artifact: restoreArtifact()}, dbport.NewFake(), NewFakeSink())

	first := runRestore(t, engine, "backup_1", Options{Kind: KindTest})
	second := runRestore(t, engine, "backup_1", Options{Kind: KindTest})

	jobs := engine.ListJobs()
	require.Len(t, jobs, 2)
	ids := []string{jobs[0].ID, jobs[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestEngine_JobTimeoutBoundsTheRun(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	engine, err := NewEngine(Config{JobTimeout: time.Minute}, Deps{
		Backups:   &fakeBackups{artifact: restoreArtifact()},
		Commander: dbport.NewFake(),
		Sink:      NewFakeSink(),
		Store:     store,
		Logger:    logging.NewDefaultLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	job := runRestore(t, engine, "backup_1", Options{Kind: KindComplete})
	assert.Equal(t, JobCompleted, job.Status)
}
