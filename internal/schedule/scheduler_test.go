package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/backup"
	"drguard/internal/logging"
	"drguard/internal/state"
)

type backupCall struct {
	Kind    backup.Kind
	Options backup.Options
}

type fakeBackups struct {
	mu    sync.Mutex
	calls []backupCall
	fail  error
}

func (f *fakeBackups) CreateBackup(ctx context.Context, kind backup.Kind, options backup.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.calls = append(f.calls, backupCall{Kind: kind, Options: options})
	return "bkjob_test", nil
}

func (f *fakeBackups) Calls() []backupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backupCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestScheduler(t *testing.T, clk *testclock.Clock) (*Scheduler, *fakeBackups) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	backups := &fakeBackups{}
	s, err := NewScheduler(clk, store, backups, nil, logging.NewDefaultLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, backups
}

func TestScheduler_DailyFireAdvancesSchedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	s, backups := newTestScheduler(t, clk)

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), sc.NextRun)
	assert.Equal(t, backup.TierDaily, sc.Tier)

	require.NoError(t, clk.WaitAdvance(16*time.Hour, time.Second, 1))

	require.Eventually(t, func() bool {
		return len(backups.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls := backups.Calls()
	assert.Equal(t, backup.KindFull, calls[0].Kind)
	assert.Equal(t, sc.ID, calls[0].Options.TriggeredBy)
	assert.Equal(t, backup.TierDaily, calls[0].Options.Tier)

	require.Eventually(t, func() bool {
		got, err := s.GetSchedule(sc.ID)
		return err == nil && got.LastRun != nil &&
			got.NextRun.Equal(time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC))
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), *got.LastRun)
}

func TestScheduler_FailedFireStillReschedules(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	s, backups := newTestScheduler(t, clk)
	backups.fail = assert.AnError

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)

	require.NoError(t, clk.WaitAdvance(16*time.Hour, time.Second, 1))

	require.Eventually(t, func() bool {
		return s.Stats().Failures == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC), got.NextRun)

	// The schedule re-armed despite the failure.
	require.NoError(t, clk.WaitAdvance(24*time.Hour, time.Second, 1))
	require.Eventually(t, func() bool {
		return s.Stats().Failures == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DisableCancelsPendingTimer(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	s, backups := newTestScheduler(t, clk)

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)

	toggled, err := s.ToggleSchedule(sc.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	clk.Advance(48 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, backups.Calls())
}

func TestScheduler_TriggerImmediateBackup(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	s, backups := newTestScheduler(t, clk)

	sc, err := s.CreateSchedule(Schedule{
		Name:      "weekly",
		Frequency: FrequencyWeekly,
		TimeOfDay: "04:00",
		Weekday:   time.Sunday,
		Kind:      backup.KindSchema,
		Enabled:   false,
	})
	require.NoError(t, err)
	before := sc.NextRun

	jobID, err := s.TriggerImmediateBackup(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "bkjob_test", jobID)

	calls := backups.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, backup.KindSchema, calls[0].Kind)

	got, err := s.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, before, got.NextRun, "immediate backup must not move the schedule")
}

func TestScheduler_UpdateReplacesDefinition(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	s, _ := newTestScheduler(t, clk)

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)

	updated, err := s.UpdateSchedule(sc.ID, Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "23:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, sc.ID, updated.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), updated.NextRun)
}

func TestScheduler_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	backups := &fakeBackups{}

	s, err := NewScheduler(clk, store, backups, nil, logging.NewDefaultLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
		Enabled:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	// A fresh scheduler over the same store sees the schedule and recomputes
	// a next run that slipped into the past while it was down.
	laterClk := testclock.NewClock(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))
	s2, err := NewScheduler(laterClk, store, backups, nil, logging.NewDefaultLogger())
	require.NoError(t, err)
	require.NoError(t, s2.Start(context.Background()))
	defer s2.Stop(context.Background())

	got, err := s2.GetSchedule(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 6, 2, 0, 0, 0, time.UTC), got.NextRun)
}

func TestScheduler_DeleteRemovesSchedule(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	s, _ := newTestScheduler(t, clk)

	sc, err := s.CreateSchedule(Schedule{
		Name:      "nightly",
		Frequency: FrequencyDaily,
		TimeOfDay: "02:00",
		Kind:      backup.KindFull,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSchedule(sc.ID))
	_, err = s.GetSchedule(sc.ID)
	assert.Error(t, err)
	assert.Empty(t, s.ListSchedules())
}
