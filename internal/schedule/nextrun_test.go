package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/backup"
)

func TestNextRun_Daily(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		time string
		want time.Time
	}{
		{
			name: "time already passed rolls to tomorrow",
			now:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			time: "02:00",
			want: time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "time still ahead fires today",
			now:  time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
			time: "02:00",
			want: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at fire time rolls forward",
			now:  time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
			time: "02:00",
			want: time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &Schedule{Frequency: FrequencyDaily, TimeOfDay: tt.time}
			got, err := NextRun(sc, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now), "next run must be strictly in the future")
		})
	}
}

func TestNextRun_Weekly(t *testing.T) {
	// 2024-01-01 is a Monday.
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	sc := &Schedule{Frequency: FrequencyWeekly, TimeOfDay: "03:00", Weekday: time.Friday}
	got, err := NextRun(sc, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC), got)

	// Same weekday but the time already passed wraps a full week.
	sc = &Schedule{Frequency: FrequencyWeekly, TimeOfDay: "03:00", Weekday: time.Monday}
	got, err = NextRun(sc, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 3, 0, 0, 0, time.UTC), got)
}

func TestNextRun_Monthly(t *testing.T) {
	sc := &Schedule{Frequency: FrequencyMonthly, TimeOfDay: "01:30", DayOfMonth: 15}

	got, err := NextRun(sc, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 1, 30, 0, 0, time.UTC), got)

	// Day already passed this month.
	got, err = NextRun(sc, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 15, 1, 30, 0, 0, time.UTC), got)
}

func TestNextRun_MonthlyClampsShortMonths(t *testing.T) {
	sc := &Schedule{Frequency: FrequencyMonthly, TimeOfDay: "00:00", DayOfMonth: 31}

	got, err := NextRun(sc, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestNextRun_CustomInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	sc := &Schedule{Frequency: FrequencyCustom, IntervalHours: 6}
	got, err := NextRun(sc, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(6*time.Hour), got)

	// A stale last run rolls forward past now instead of firing immediately.
	last := now.Add(-20 * time.Hour)
	sc.LastRun = &last
	got, err = NextRun(sc, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(4*time.Hour), got)
	assert.True(t, got.After(now))
}

func TestNextRun_CustomCron(t *testing.T) {
	sc := &Schedule{Frequency: FrequencyCustom, CronExpression: "30 2 * * *"}

	got, err := NextRun(sc, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 30, 0, 0, time.UTC), got)

	got, err = NextRun(sc, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 30, 0, 0, time.UTC), got)
}

func TestNextRun_Timezone(t *testing.T) {
	sc := &Schedule{Frequency: FrequencyDaily, TimeOfDay: "02:00", Timezone: "America/New_York"}

	// 02:00 in New York on Jan 2 is 07:00 UTC.
	now := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	got, err := NextRun(sc, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC), got)
}

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sc      Schedule
		wantErr bool
	}{
		{
			name: "valid daily",
			sc:   Schedule{Name: "nightly", Frequency: FrequencyDaily, TimeOfDay: "02:00", Kind: backup.KindFull},
		},
		{
			name:    "missing name",
			sc:      Schedule{Frequency: FrequencyDaily, TimeOfDay: "02:00", Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "bad time of day",
			sc:      Schedule{Name: "x", Frequency: FrequencyDaily, TimeOfDay: "25:00", Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "custom without interval or cron",
			sc:      Schedule{Name: "x", Frequency: FrequencyCustom, Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "custom with both interval and cron",
			sc:      Schedule{Name: "x", Frequency: FrequencyCustom, IntervalHours: 4, CronExpression: "0 * * * *", Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "bad cron expression",
			sc:      Schedule{Name: "x", Frequency: FrequencyCustom, CronExpression: "not a cron", Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "monthly day out of range",
			sc:      Schedule{Name: "x", Frequency: FrequencyMonthly, TimeOfDay: "02:00", DayOfMonth: 32, Kind: backup.KindFull},
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			sc:      Schedule{Name: "x", Frequency: FrequencyDaily, TimeOfDay: "02:00", Timezone: "Mars/Olympus", Kind: backup.KindFull},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
