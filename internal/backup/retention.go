package backup

import (
	"fmt"
	"sort"
	"time"
)

// RetentionConfig bounds how many backups survive per tier and overall.
// A zero count leaves that tier unbounded; zero MaxAge and MaxTotalSize
// disable those limits.
type RetentionConfig struct {
	KeepDaily    int           `yaml:"keep_daily" json:"keep_daily"`
	KeepWeekly   int           `yaml:"keep_weekly" json:"keep_weekly"`
	KeepMonthly  int           `yaml:"keep_monthly" json:"keep_monthly"`
	KeepYearly   int           `yaml:"keep_yearly" json:"keep_yearly"`
	MaxAge       time.Duration `yaml:"max_age" json:"max_age"`
	MaxTotalSize int64         `yaml:"max_total_size" json:"max_total_size"`
}

// keepFor returns the configured count limit for a tier, or zero when the
// tier is unbounded.
func (c RetentionConfig) keepFor(tier Tier) int {
	switch tier {
	case TierDaily:
		return c.KeepDaily
	case TierWeekly:
		return c.KeepWeekly
	case TierMonthly:
		return c.KeepMonthly
	case TierYearly:
		return c.KeepYearly
	default:
		return 0
	}
}

// RetentionPlan splits a catalog into backups to keep and to delete.
type RetentionPlan struct {
	Keep    []*Metadata       `json:"keep"`
	Delete  []*Metadata       `json:"delete"`
	Reasons map[string]string `json:"reasons"`
}

// PlanRetention decides which backups to prune. Rules, in order: per-tier
// count limits keep the newest N of each tier; MaxAge drops anything older;
// MaxTotalSize drops oldest-first until stored bytes fit. The newest backup
// overall is never deleted, and neither is the base of a kept incremental
// or differential backup.
func PlanRetention(backups []*Metadata, config RetentionConfig, now time.Time) *RetentionPlan {
	plan := &RetentionPlan{Reasons: make(map[string]string)}
	if len(backups) == 0 {
		return plan
	}

	sorted := make([]*Metadata, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	newest := sorted[0]

	doomed := make(map[string]string)

	// Per-tier count limits, newest first.
	tierCounts := make(map[Tier]int)
	for _, b := range sorted {
		limit := config.keepFor(b.Tier)
		if limit <= 0 {
			continue
		}
		tierCounts[b.Tier]++
		if tierCounts[b.Tier] > limit {
			doomed[b.ID] = fmt.Sprintf("%s tier keeps %d", b.Tier, limit)
		}
	}

	// Age limit.
	if config.MaxAge > 0 {
		cutoff := now.Add(-config.MaxAge)
		for _, b := range sorted {
			if b.CreatedAt.Before(cutoff) {
				doomed[b.ID] = fmt.Sprintf("older than %s", config.MaxAge)
			}
		}
	}

	// Size budget over what remains, oldest dropped first.
	if config.MaxTotalSize > 0 {
		var total int64
		for _, b := range sorted {
			if _, gone := doomed[b.ID]; gone {
				continue
			}
			total += b.StoredSize
		}
		for i := len(sorted) - 1; i >= 0 && total > config.MaxTotalSize; i-- {
			b := sorted[i]
			if _, gone := doomed[b.ID]; gone {
				continue
			}
			if b.ID == newest.ID {
				break
			}
			doomed[b.ID] = "total size budget exceeded"
			total -= b.StoredSize
		}
	}

	// The newest backup always survives.
	delete(doomed, newest.ID)

	// Rescue bases still referenced by kept incremental or differential
	// backups so restore chains stay intact.
	for changed := true; changed; {
		changed = false
		for _, b := range sorted {
			if _, gone := doomed[b.ID]; gone {
				continue
			}
			if b.BaseBackupID == "" {
				continue
			}
			if _, baseGone := doomed[b.BaseBackupID]; baseGone {
				delete(doomed, b.BaseBackupID)
				changed = true
			}
		}
	}

	for _, b := range sorted {
		if reason, gone := doomed[b.ID]; gone {
			plan.Delete = append(plan.Delete, b)
			plan.Reasons[b.ID] = reason
		} else {
			plan.Keep = append(plan.Keep, b)
		}
	}
	return plan
}
