package recovery

import (
	"context"
	"fmt"
	"math"
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

const stateRecoveryTests = "recovery_tests"

// EventRecoveryTestFailed is published when a test fails.
const EventRecoveryTestFailed = "recovery_test_failed"

// ArtifactLoader is the slice of the backup engine the tester needs.
type ArtifactLoader interface {
	LoadArtifact(ctx context.Context, backupID string) (*backup.Artifact, error)
}

// Deps carries the collaborators a tester is built from.
type Deps struct {
	Loader    ArtifactLoader
	Commander dbport.Commander
	Store     state.Store
	Notifier  backup.Notifier
	Logger    *logging.Logger
	Clock     clock.Clock
}

// Tester restores backups into scratch environments and scores the result.
type Tester struct {
	config    Config
	loader    ArtifactLoader
	commander dbport.Commander
	store     state.Store
	notifier  backup.Notifier
	logger    *logging.Logger
	clk       clock.Clock

	mu      sync.RWMutex
	tests   map[string]*Test
	history []*Test
	done    map[string]chan struct{}
	stats   Stats
	started bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTester builds a tester from its dependencies.
func NewTester(config Config, deps Deps) (*Tester, error) {
	config.SetDefaults()
	if deps.Loader == nil {
		return nil, apperrors.NewValidationError("recovery tester requires an artifact loader", nil)
	}
	if deps.Commander == nil {
		return nil, apperrors.NewValidationError("recovery tester requires a database commander", nil)
	}
	if deps.Store == nil {
		return nil, apperrors.NewValidationError("recovery tester requires a state store", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &Tester{
		config:    config,
		loader:    deps.Loader,
		commander: deps.Commander,
		store:     deps.Store,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		clk:       deps.Clock,
		tests:     make(map[string]*Test),
		done:      make(map[string]chan struct{}),
	}, nil
}

// Start loads archived tests and accepts new ones.
func (t *Tester) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	ids, err := t.store.List(stateRecoveryTests)
	if err != nil {
		return apperrors.Wrap(apperrors.KindServer, "failed to list recovery test history", err)
	}
	for _, id := range ids {
		var test Test
		if err := t.store.Load(stateRecoveryTests, id, &test); err != nil {
			t.logger.WithField("test_id", id).Warnf("Skipping unreadable recovery test: %v", err)
			continue
		}
		t.history = append(t.history, &test)
	}
	sort.Slice(t.history, func(i, j int) bool { return t.history[i].StartedAt.Before(t.history[j].StartedAt) })
	t.trimHistoryLocked()

	t.baseCtx, t.cancel = context.WithCancel(context.Background())
	t.started = true
	t.logger.WithField("history", len(t.history)).Info("Recovery tester started")
	return nil
}

// Stop cancels running tests and waits for cleanup, bounded by ctx.
func (t *Tester) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	t.cancel()
	t.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		t.logger.Info("Recovery tester stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("recovery tester did not stop in time", ctx.Err())
	}
}

// StartRecoveryTest validates the request and runs the test asynchronously.
func (t *Tester) StartRecoveryTest(ctx context.Context, backupID string, options Options) (string, error) {
	if options.Kind == "" {
		options.Kind = TestFull
	}
	if !options.Kind.IsValid() {
		return "", apperrors.NewValidationError(fmt.Sprintf("unsupported recovery test kind: %s", options.Kind), nil)
	}
	if options.Kind == TestPartial && len(options.Tables) == 0 {
		return "", apperrors.NewValidationError("partial recovery test needs at least one table", nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return "", apperrors.NewValidationError("recovery tester is not started", nil)
	}

	now := t.clk.Now().UTC()
	testID := ident.New(ident.KindRecoveryTest, now)
	test := &Test{
		ID:          testID,
		BackupID:    backupID,
		Kind:        options.Kind,
		Status:      TestPending,
		Environment: t.config.EnvironmentPrefix + strings.TrimPrefix(testID, ident.KindRecoveryTest+"_"),
		StartedAt:   now,
	}
	t.tests[testID] = test
	t.done[testID] = make(chan struct{})
	t.stats.TotalTests++

	t.wg.Add(1)
	go t.run(testID, options)

	t.logger.LogJobTransition("recovery-test", testID, "", string(TestPending))
	return testID, nil
}

// GetTest returns a copy of one test record.
func (t *Tester) GetTest(testID string) (*Test, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if test, ok := t.tests[testID]; ok {
		return test.clone(), nil
	}
	for _, test := range t.history {
		if test.ID == testID {
			return test.clone(), nil
		}
	}
	return nil, apperrors.NewValidationError(fmt.Sprintf("recovery test %s not found", testID), nil)
}

// AwaitTest blocks until the test finishes or ctx expires.
func (t *Tester) AwaitTest(ctx context.Context, testID string) (*Test, error) {
	t.mu.RLock()
	done, ok := t.done[testID]
	t.mu.RUnlock()
	if !ok {
		return t.GetTest(testID)
	}
	select {
	case <-done:
		return t.GetTest(testID)
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError("timed out waiting for recovery test", ctx.Err())
	}
}

// History returns archived tests, newest first, bounded by limit (zero means
// all).
func (t *Tester) History(limit int) []*Test {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Test, 0, len(t.history))
	for i := len(t.history) - 1; i >= 0; i-- {
		out = append(out, t.history[i].clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of tester counters.
func (t *Tester) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// run drives one test through the pipeline, archives it, and publishes a
// failure event when it did not pass.
func (t *Tester) run(testID string, options Options) {
	defer t.wg.Done()

	t.mu.Lock()
	test := t.tests[testID]
	done := t.done[testID]
	test.Status = TestRunning
	ctx := t.baseCtx
	t.mu.Unlock()
	defer close(done)

	t.logger.LogJobTransition("recovery-test", testID, string(TestPending), string(TestRunning))

	err := t.execute(ctx, test, options)

	t.mu.Lock()
	now := t.clk.Now().UTC()
	test.CompletedAt = &now
	test.TotalTime = now.Sub(test.StartedAt)
	if err != nil {
		test.Status = TestFailed
		test.Error = apperrors.Record(err, apperrors.KindRestore, now)
		test.Issues = append(test.Issues, Issue{
			Severity:       SeverityCritical,
			Category:       CategoryRestore,
			Description:    fmt.Sprintf("recovery test aborted: %v", err),
			Recommendation: "inspect the backup artifact and the test database connectivity",
		})
	} else {
		t.applyThresholds(test)
	}
	if test.Status != TestFailed {
		test.Status = TestPassed
	}

	if test.Status == TestPassed {
		t.stats.Passed++
	} else {
		t.stats.Failed++
	}
	t.stats.LastScore = test.IntegrityScore
	t.stats.LastRun = now

	t.archiveLocked(test)
	status := test.Status
	score := test.IntegrityScore
	backupID := test.BackupID
	t.mu.Unlock()

	t.logger.LogJobTransition("recovery-test", testID, string(TestRunning), string(status))

	if status == TestFailed && t.notifier != nil {
		t.notifier.Publish(context.Background(), EventRecoveryTestFailed, map[string]interface{}{
			"test_id":         testID,
			"backup_id":       backupID,
			"integrity_score": score,
		})
	}
}

// execute walks the test pipeline. The scratch environment is always cleaned
// up, whatever happened before.
func (t *Tester) execute(ctx context.Context, test *Test, options Options) error {
	t.mu.RLock()
	env := test.Environment
	backupID := test.BackupID
	t.mu.RUnlock()

	if err := t.commander.CreateEnvironment(ctx, env); err != nil {
		return apperrors.Wrap(apperrors.KindRestore, "failed to prepare test environment", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := t.commander.DropEnvironment(cleanupCtx, env); err != nil {
			t.logger.WithField("environment", env).Warnf("Failed to clean up test environment: %v", err)
		}
	}()

	artifact, err := t.loader.LoadArtifact(ctx, backupID)
	if err != nil {
		return err
	}

	restoreStart := t.clk.Now()
	tables, records, err := t.restoreSubset(ctx, env, artifact, options)
	restoreTime := t.clk.Now().Sub(restoreStart)
	t.mu.Lock()
	test.RestoreTime = restoreTime
	test.RestoredTables = tables
	test.RestoredRecords = records
	t.mu.Unlock()
	if err != nil {
		return err
	}

	validationStart := t.clk.Now()
	results := t.runValidations(ctx, env, options.CustomQueries)
	validationTime := t.clk.Now().Sub(validationStart)

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	score := 100
	if len(results) > 0 {
		score = int(math.Round(float64(passed) / float64(len(results)) * 100))
	}

	t.mu.Lock()
	test.ValidationTime = validationTime
	test.Validations = results
	test.IntegrityScore = score
	t.mu.Unlock()
	return nil
}

// restoreSubset applies the slice of the artifact the test kind asks for and
// reports restored table and record counts.
func (t *Tester) restoreSubset(ctx context.Context, env string, artifact *backup.Artifact, options Options) (int, int, error) {
	restoreSchema := options.Kind == TestFull || options.Kind == TestPartial || options.Kind == TestSchemaOnly
	restoreData := options.Kind == TestFull || options.Kind == TestPartial || options.Kind == TestDataOnly

	wanted := make(map[string]bool, len(options.Tables))
	for _, table := range options.Tables {
		wanted[table] = true
	}
	include := func(table string) bool {
		return len(wanted) == 0 || wanted[table]
	}

	tables := 0
	records := 0

	if restoreSchema {
		if artifact.Schema == nil {
			return 0, 0, apperrors.NewRestoreError("backup has no schema payload to test", nil)
		}
		statements := artifact.Schema.Statements
		if options.Kind == TestPartial {
			statements = filterStatements(statements, wanted)
		}
		if err := t.commander.ApplySchema(ctx, env, statements); err != nil {
			return 0, 0, apperrors.Wrap(apperrors.KindRestore, "failed to restore schema into test environment", err)
		}
	}

	if restoreData {
		if artifact.Data == nil {
			return tables, 0, apperrors.NewRestoreError("backup has no data payload to test", nil)
		}
		for _, table := range artifact.Data.Tables {
			if !include(table.Name) {
				continue
			}
			inserted, err := t.commander.InsertRows(ctx, env, table.Name, table.Columns, table.Rows)
			if err != nil {
				return tables, records, apperrors.Wrap(apperrors.KindRestore,
					fmt.Sprintf("failed to restore table %s into test environment", table.Name), err)
			}
			tables++
			records += int(inserted)
		}
	} else if artifact.Schema != nil {
		tables = len(artifact.Schema.Tables)
	}

	return tables, records, nil
}

// runValidations executes the configured query set plus per-call custom
// queries, recording pass/fail and timing per query.
func (t *Tester) runValidations(ctx context.Context, env string, custom []string) []ValidationResult {
	queries := append(append([]string(nil), t.config.ValidationQueries...), custom...)
	results := make([]ValidationResult, 0, len(queries))
	for _, query := range queries {
		start := t.clk.Now()
		res, err := t.commander.Query(ctx, env, query)
		result := ValidationResult{
			Query:    query,
			Duration: t.clk.Now().Sub(start),
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Passed = true
			result.RowCount = res.RowCount
		}
		results = append(results, result)
	}
	return results
}

// applyThresholds appends classified issues for every breached threshold and
// fails the test when the integrity score is below the minimum. Caller holds
// the lock.
func (t *Tester) applyThresholds(test *Test) {
	th := t.config.Thresholds
	if test.IntegrityScore < th.MinIntegrityScore {
		test.Status = TestFailed
		test.Issues = append(test.Issues, Issue{
			Severity: SeverityCritical,
			Category: CategoryIntegrity,
			Description: fmt.Sprintf("integrity score %d is below the minimum %d",
				test.IntegrityScore, th.MinIntegrityScore),
			Recommendation: "verify the backup artifact and re-run the failing validation queries",
		})
	}
	if th.MaxRestoreTime > 0 && test.RestoreTime > th.MaxRestoreTime {
		test.Issues = append(test.Issues, Issue{
			Severity: SeverityMedium,
			Category: CategoryPerformance,
			Description: fmt.Sprintf("restore took %s, budget is %s",
				test.RestoreTime, th.MaxRestoreTime),
			Recommendation: "review backup size and restore batch settings",
		})
	}
	if th.MaxValidationTime > 0 && test.ValidationTime > th.MaxValidationTime {
		test.Issues = append(test.Issues, Issue{
			Severity: SeverityLow,
			Category: CategoryPerformance,
			Description: fmt.Sprintf("validation took %s, budget is %s",
				test.ValidationTime, th.MaxValidationTime),
			Recommendation: "trim or index the validation query set",
		})
	}
}

// archiveLocked moves a finished test into history and persists it. Caller
// holds the lock.
func (t *Tester) archiveLocked(test *Test) {
	delete(t.tests, test.ID)
	t.history = append(t.history, test)
	t.trimHistoryLocked()
	if err := t.store.Save(stateRecoveryTests, test.ID, test); err != nil {
		t.logger.WithField("test_id", test.ID).Warnf("Failed to persist recovery test: %v", err)
	}
}

func (t *Tester) trimHistoryLocked() {
	if t.config.HistoryLimit > 0 && len(t.history) > t.config.HistoryLimit {
		overflow := len(t.history) - t.config.HistoryLimit
		t.history = append([]*Test(nil), t.history[overflow:]...)
	}
}

// filterStatements keeps DDL statements that mention one of the wanted
// tables.
func filterStatements(statements []string, wanted map[string]bool) []string {
	if len(wanted) == 0 {
		return statements
	}
	out := make([]string, 0, len(statements))
	for _, stmt := range statements {
		lower := strings.ToLower(stmt)
		matched := false
		for table := range wanted {
			if strings.Contains(lower, strings.ToLower(table)) {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, stmt)
		}
	}
	return out
}
