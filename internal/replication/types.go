// Package replication copies completed backup artifacts into secondary
// regions. Jobs are drained serially by one worker; within a job every
// target region is copied concurrently and verified by size. A job succeeds
// only when all regions succeed.
package replication

import (
	"fmt"
	"time"

	"drguard/internal/apperrors"
)

// Status tracks a replication job through its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether the status accepts no further transitions.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RegionResult is the outcome of one per-region copy.
type RegionResult struct {
	Region      string              `json:"region"`
	Status      Status              `json:"status"`
	BytesCopied int64               `json:"bytes_copied"`
	Duration    time.Duration       `json:"duration"`
	Error       *apperrors.Recorded `json:"error,omitempty"`
}

// Job is the record of one replication request. Regions holds the per-region
// outcomes; the job-level status is completed only when every region
// completed.
type Job struct {
	ID            string                   `json:"id"`
	BackupID      string                   `json:"backup_id"`
	StorageKey    string                   `json:"storage_key"`
	ReplicaKey    string                   `json:"replica_key"`
	SourceRegion  string                   `json:"source_region"`
	TargetRegions []string                 `json:"target_regions"`
	Status        Status                   `json:"status"`
	Progress      int                      `json:"progress"`
	Size          int64                    `json:"size"`
	Transferred   int64                    `json:"transferred"`
	Regions       map[string]*RegionResult `json:"regions"`
	EnqueuedAt    time.Time                `json:"enqueued_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
	Error         *apperrors.Recorded      `json:"error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	out := *j
	out.TargetRegions = append([]string(nil), j.TargetRegions...)
	out.Regions = make(map[string]*RegionResult, len(j.Regions))
	for region, result := range j.Regions {
		r := *result
		out.Regions[region] = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// Config tunes the replicator.
type Config struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	SourceRegion  string   `yaml:"source_region" json:"source_region"`
	TargetRegions []string `yaml:"target_regions" json:"target_regions"`

	// KeyPrefix namespaces replica keys in the target regions.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// QueueSize bounds how many jobs may wait for the worker.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// AttemptTimeout bounds one per-region copy attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// ReplicaRetention is how long replicas survive before cleanup removes
	// them from the target regions.
	ReplicaRetention time.Duration `yaml:"replica_retention" json:"replica_retention"`

	// BreakerThreshold is how many consecutive region failures open that
	// region's circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold" json:"breaker_threshold"`

	// BreakerCooldown is how long an open breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "replicas/"
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 10 * time.Minute
	}
	if c.ReplicaRetention == 0 {
		c.ReplicaRetention = 30 * 24 * time.Hour
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = time.Minute
	}
}

// Validate checks the configuration. An enabled replicator must have at
// least one target region.
func (c *Config) Validate() error {
	if c.Enabled && len(c.TargetRegions) == 0 {
		return apperrors.NewValidationError("replication is enabled but has no target regions", nil)
	}
	seen := make(map[string]bool, len(c.TargetRegions))
	for _, region := range c.TargetRegions {
		if region == "" {
			return apperrors.NewValidationError("replication target region name is empty", nil)
		}
		if seen[region] {
			return apperrors.NewValidationError(fmt.Sprintf("duplicate replication target region: %s", region), nil)
		}
		seen[region] = true
	}
	return nil
}

// Stats is a snapshot of replicator counters.
type Stats struct {
	TotalJobs       int       `json:"total_jobs"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	QueueDepth      int       `json:"queue_depth"`
	BytesReplicated int64     `json:"bytes_replicated"`
	OpenBreakers    int       `json:"open_breakers"`
	LastSuccess     time.Time `json:"last_success"`
	LastFailure     time.Time `json:"last_failure"`
}

// SuccessRate returns the percentage of finished jobs that completed. A
// replicator with no finished jobs reports 100 so an idle system counts as
// healthy.
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed
	if finished == 0 {
		return 100
	}
	return float64(s.Completed) / float64(finished) * 100
}
