package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"

	"drguard/internal/apperrors"
)

// NextRun computes the next fire time strictly after now. A time-of-day that
// already passed rolls forward to the next matching slot, so a recomputed
// schedule can never fire in the past.
func NextRun(s *Schedule, now time.Time) (time.Time, error) {
	loc := s.location()
	local := now.In(loc)

	switch s.Frequency {
	case FrequencyDaily:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.UTC(), nil

	case FrequencyWeekly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		offset := (int(s.Weekday) - int(candidate.Weekday()) + 7) % 7
		candidate = candidate.AddDate(0, 0, offset)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate.UTC(), nil

	case FrequencyMonthly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		candidate := monthlyAt(local.Year(), local.Month(), s.DayOfMonth, hour, minute, loc)
		if !candidate.After(now) {
			next := local.AddDate(0, 1, -local.Day()+1) // first of next month
			candidate = monthlyAt(next.Year(), next.Month(), s.DayOfMonth, hour, minute, loc)
		}
		return candidate.UTC(), nil

	case FrequencyCustom:
		if s.CronExpression != "" {
			expr, err := parseCron(s.CronExpression)
			if err != nil {
				return time.Time{}, err
			}
			return expr.Next(local).UTC(), nil
		}
		interval := time.Duration(s.IntervalHours) * time.Hour
		base := now
		if s.LastRun != nil {
			base = *s.LastRun
		}
		candidate := base.Add(interval)
		for !candidate.After(now) {
			candidate = candidate.Add(interval)
		}
		return candidate.UTC(), nil

	default:
		return time.Time{}, apperrors.NewValidationError(fmt.Sprintf("unsupported schedule frequency: %s", s.Frequency), nil)
	}
}

// monthlyAt builds the fire time for a month, clamping the configured
// day-of-month to the month's actual length (31st in February fires on the
// last day).
func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// parseTimeOfDay parses HH:MM.
func parseTimeOfDay(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, apperrors.NewValidationError(fmt.Sprintf("time of day %q is not HH:MM", s), nil)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, apperrors.NewValidationError(fmt.Sprintf("time of day %q has an invalid hour", s), nil)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, apperrors.NewValidationError(fmt.Sprintf("time of day %q has an invalid minute", s), nil)
	}
	return hour, minute, nil
}

// parseCron parses a five-field cron expression
// (minute hour day-of-month month day-of-week).
func parseCron(expr string) (cron.Schedule, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return parsed, nil
}
