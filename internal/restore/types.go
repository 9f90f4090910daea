// Package restore executes actual restores from backup artifacts: complete,
// partial, point-in-time, dry-run test, and clone restores, with optional
// post-restore verification.
package restore

import (
	"fmt"
	"time"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
)

// Kind selects the restore semantics.
type Kind string

const (
	// KindComplete restores schema, data, files, and configuration in that
	// order, each independently toggleable.
	KindComplete Kind = "complete"
	// KindPartial restores only explicitly named tables.
	KindPartial Kind = "partial"
	// KindPointInTime filters the payload to a target timestamp before a
	// complete restore.
	KindPointInTime Kind = "point-in-time"
	// KindTest validates structure and integrity and simulates the restore
	// without mutating the target.
	KindTest Kind = "test"
	// KindClone rewrites target identifiers to a clone location before a
	// complete restore.
	KindClone Kind = "clone"
)

// IsValid checks if the restore kind is supported.
func (k Kind) IsValid() bool {
	switch k {
	case KindComplete, KindPartial, KindPointInTime, KindTest, KindClone:
		return true
	default:
		return false
	}
}

// JobStatus tracks a restore job through its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// terminal reports whether the status accepts no further transitions.
func (s JobStatus) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Options tunes one restore request.
type Options struct {
	Kind Kind `json:"kind"`

	// OverwriteExisting clears each target table before inserting.
	OverwriteExisting bool `json:"overwrite_existing"`

	// Per-part toggles for complete-style restores. All default to true via
	// SetDefaults.
	RestoreSchema        *bool `json:"restore_schema,omitempty"`
	RestoreData          *bool `json:"restore_data,omitempty"`
	RestoreFiles         *bool `json:"restore_files,omitempty"`
	RestoreConfiguration *bool `json:"restore_configuration,omitempty"`

	// Verify runs post-restore verification checks.
	Verify bool `json:"verify"`

	// PointInTime filters data rows to those at or before the instant.
	// Required for point-in-time restores.
	PointInTime *time.Time `json:"point_in_time,omitempty"`

	// Tables names the tables of a partial restore.
	Tables []string `json:"tables,omitempty"`

	// TargetEnvironment addresses the database to restore into; empty means
	// the connection's default.
	TargetEnvironment string `json:"target_environment,omitempty"`

	// CloneTarget is the environment a clone restore materializes into.
	CloneTarget string `json:"clone_target,omitempty"`

	// BatchSize bounds rows per insert batch.
	BatchSize int `json:"batch_size,omitempty"`
}

// SetDefaults fills in sane defaults for unset fields.
func (o *Options) SetDefaults() {
	yes := true
	if o.RestoreSchema == nil {
		o.RestoreSchema = &yes
	}
	if o.RestoreData == nil {
		o.RestoreData = &yes
	}
	if o.RestoreFiles == nil {
		o.RestoreFiles = &yes
	}
	if o.RestoreConfiguration == nil {
		o.RestoreConfiguration = &yes
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
}

// Validate checks the options for internal consistency.
func (o *Options) Validate() error {
	if !o.Kind.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported restore kind: %s", o.Kind), nil)
	}
	switch o.Kind {
	case KindPartial:
		if len(o.Tables) == 0 {
			return apperrors.NewValidationError("partial restore needs at least one table", nil)
		}
	case KindPointInTime:
		if o.PointInTime == nil {
			return apperrors.NewValidationError("point-in-time restore needs a target timestamp", nil)
		}
	case KindClone:
		if o.CloneTarget == "" {
			return apperrors.NewValidationError("clone restore needs a clone target", nil)
		}
	}
	return nil
}

// CheckStatus is the outcome of one verification check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
)

// Check categories run by post-restore verification.
const (
	CheckIntegrity  = "integrity"
	CheckData       = "data_validation"
	CheckChecksum   = "checksum_comparison"
	CheckConnection = "connection_test"
)

// VerificationCheck is one verification finding.
type VerificationCheck struct {
	Category string      `json:"category"`
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Detail   string      `json:"detail,omitempty"`
}

// VerificationResult aggregates the verification checks. Passed is true only
// when zero checks failed.
type VerificationResult struct {
	Checks   []VerificationCheck `json:"checks"`
	Passed   int                 `json:"passed"`
	Failed   int                 `json:"failed"`
	Warnings int                 `json:"warnings"`
	Verdict  CheckStatus         `json:"verdict"`
}

// record appends a check and updates the counters.
func (v *VerificationResult) record(check VerificationCheck) {
	v.Checks = append(v.Checks, check)
	switch check.Status {
	case CheckPassed:
		v.Passed++
	case CheckFailed:
		v.Failed++
	case CheckWarning:
		v.Warnings++
	}
}

// finalize computes the verdict from the counters.
func (v *VerificationResult) finalize() {
	if v.Failed == 0 {
		v.Verdict = CheckPassed
	} else {
		v.Verdict = CheckFailed
	}
}

// Job is the record of one restore request.
type Job struct {
	ID       string    `json:"id"`
	BackupID string    `json:"backup_id"`
	Options  Options   `json:"options"`
	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Progress int       `json:"progress"`

	RestoredTables  int `json:"restored_tables"`
	RestoredRecords int `json:"restored_records"`
	RestoredFiles   int `json:"restored_files"`

	Verification *VerificationResult `json:"verification,omitempty"`
	Log          []backup.LogEntry   `json:"log,omitempty"`

	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *apperrors.Recorded `json:"error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	out := *j
	out.Log = append([]backup.LogEntry(nil), j.Log...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Verification != nil {
		v := *j.Verification
		v.Checks = append([]VerificationCheck(nil), j.Verification.Checks...)
		out.Verification = &v
	}
	return &out
}

// Stats is a snapshot of restore engine counters.
type Stats struct {
	TotalJobs   int       `json:"total_jobs"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	Active      int       `json:"active"`
	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
}

// SuccessRate returns the percentage of finished jobs that completed. An
// engine with no finished jobs reports 100 so an idle system counts as
// healthy.
func (s Stats) SuccessRate() float64 {
	finished := s.Completed + s.Failed
	if finished == 0 {
		return 100
	}
	return float64(s.Completed) / float64(finished) * 100
}
