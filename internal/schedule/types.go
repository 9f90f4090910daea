// Package schedule computes recurring backup run times and fires the backup
// engine when they arrive. Each enabled schedule owns one timer on an
// injected clock, so tests drive time without real delays.
package schedule

import (
	"fmt"
	"time"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
)

// Frequency selects the recurrence rule of a schedule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	// FrequencyCustom uses either IntervalHours or CronExpression.
	FrequencyCustom Frequency = "custom"
)

// IsValid checks if the frequency is supported.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	default:
		return false
	}
}

// Schedule is one recurring backup definition. NextRun and LastRun are
// maintained by the scheduler; everything else is user input.
type Schedule struct {
	ID          string `yaml:"-" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Frequency Frequency `yaml:"frequency" json:"frequency"`
	// TimeOfDay is HH:MM in the schedule's timezone. Used by daily, weekly,
	// and monthly schedules.
	TimeOfDay string `yaml:"time_of_day" json:"time_of_day"`
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// Weekday applies to weekly schedules.
	Weekday time.Weekday `yaml:"weekday,omitempty" json:"weekday,omitempty"`
	// DayOfMonth applies to monthly schedules; clamped to the month's length.
	DayOfMonth int `yaml:"day_of_month,omitempty" json:"day_of_month,omitempty"`
	// IntervalHours applies to custom schedules without a cron expression.
	IntervalHours int `yaml:"interval_hours,omitempty" json:"interval_hours,omitempty"`
	// CronExpression is a five-field expression
	// (minute hour day-of-month month day-of-week) for custom schedules.
	CronExpression string `yaml:"cron_expression,omitempty" json:"cron_expression,omitempty"`

	Kind   backup.Kind `yaml:"kind" json:"kind"`
	Tier   backup.Tier `yaml:"tier" json:"tier"`
	Tables []string    `yaml:"tables,omitempty" json:"tables,omitempty"`
	Tags   []string    `yaml:"tags,omitempty" json:"tags,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`
	Notify  bool `yaml:"notify" json:"notify"`

	NextRun   time.Time  `yaml:"-" json:"next_run"`
	LastRun   *time.Time `yaml:"-" json:"last_run,omitempty"`
	CreatedAt time.Time  `yaml:"-" json:"created_at"`
	UpdatedAt time.Time  `yaml:"-" json:"updated_at"`
}

// clone returns a copy safe to hand to callers.
func (s *Schedule) clone() *Schedule {
	out := *s
	if s.LastRun != nil {
		t := *s.LastRun
		out.LastRun = &t
	}
	out.Tables = append([]string(nil), s.Tables...)
	out.Tags = append([]string(nil), s.Tags...)
	return &out
}

// Validate checks the definition for internal consistency.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return apperrors.NewValidationError("schedule name is required", nil)
	}
	if !s.Frequency.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported schedule frequency: %s", s.Frequency), nil)
	}
	if !s.Kind.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported backup kind: %s", s.Kind), nil)
	}
	if s.Tier != "" && !s.Tier.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported retention tier: %s", s.Tier), nil)
	}

	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
		if s.Frequency == FrequencyWeekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
			return apperrors.NewValidationError("weekly schedule weekday is out of range", nil)
		}
		if s.Frequency == FrequencyMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
			return apperrors.NewValidationError("monthly schedule day-of-month must be 1-31", nil)
		}
	case FrequencyCustom:
		if s.IntervalHours <= 0 && s.CronExpression == "" {
			return apperrors.NewValidationError("custom schedule needs an interval or a cron expression", nil)
		}
		if s.IntervalHours > 0 && s.CronExpression != "" {
			return apperrors.NewValidationError("custom schedule cannot have both an interval and a cron expression", nil)
		}
		if s.CronExpression != "" {
			if _, err := parseCron(s.CronExpression); err != nil {
				return err
			}
		}
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return apperrors.NewValidationError(fmt.Sprintf("unknown timezone: %s", s.Timezone), err)
		}
	}
	return nil
}

// location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
