package backup

import (
	"time"

	"drguard/internal/apperrors"
)

// Kind identifies what a backup captures.
type Kind string

const (
	// KindFull captures schema, data, files, and configuration together.
	KindFull Kind = "full"
	// KindIncremental captures changes since the last successful backup.
	KindIncremental Kind = "incremental"
	// KindDifferential captures changes since the last successful full backup.
	KindDifferential Kind = "differential"
	// KindSchema captures DDL only.
	KindSchema Kind = "schema"
	// KindData captures table rows only.
	KindData Kind = "data"
	// KindFiles captures a file manifest with contents.
	KindFiles Kind = "files"
	// KindConfiguration captures a configuration snapshot.
	KindConfiguration Kind = "configuration"
)

// IsValid checks if the backup kind is supported.
func (k Kind) IsValid() bool {
	switch k {
	case KindFull, KindIncremental, KindDifferential, KindSchema, KindData, KindFiles, KindConfiguration:
		return true
	default:
		return false
	}
}

// JobStatus tracks a backup job through its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Tier buckets a backup for retention purposes.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
	TierAdhoc   Tier = "adhoc"
)

// IsValid checks if the tier is supported.
func (t Tier) IsValid() bool {
	switch t {
	case TierDaily, TierWeekly, TierMonthly, TierYearly, TierAdhoc:
		return true
	default:
		return false
	}
}

// LogEntry is one timestamped line in a job's execution log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Job is the mutable record of one backup run. Progress advances in
// discrete steps as phases complete.
type Job struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	Status      JobStatus           `json:"status"`
	Phase       string              `json:"phase"`
	Progress    int                 `json:"progress"`
	TriggeredBy string              `json:"triggered_by"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	MetadataID  string              `json:"metadata_id,omitempty"`
	Error       *apperrors.Recorded `json:"error,omitempty"`
	Log         []LogEntry          `json:"log,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (j *Job) clone() *Job {
	out := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.Log = make([]LogEntry, len(j.Log))
	copy(out.Log, j.Log)
	return &out
}

// Metadata is the immutable catalog record of one completed backup.
// StoredSize is the exact byte count persisted to storage; replication
// verifies copies against it.
type Metadata struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Tier           Tier            `json:"tier"`
	CreatedAt      time.Time       `json:"created_at"`
	TriggeredBy    string          `json:"triggered_by"`
	Size           int64           `json:"size"`
	CompressedSize int64           `json:"compressed_size"`
	StoredSize     int64           `json:"stored_size"`
	Checksum       string          `json:"checksum"`
	Compression    CompressionType `json:"compression"`
	Encrypted      bool            `json:"encrypted"`
	StorageKey     string          `json:"storage_key"`
	Location       string          `json:"location"`
	BaseBackupID   string          `json:"base_backup_id,omitempty"`
	Tables         []string        `json:"tables,omitempty"`
	FileCount      int             `json:"file_count"`
	Duration       time.Duration   `json:"duration"`
}

// Options tunes one backup run.
type Options struct {
	// Tier buckets the backup for retention. Defaults to adhoc.
	Tier Tier `json:"tier"`

	// Tables restricts data capture to the named tables. Empty means all.
	Tables []string `json:"tables,omitempty"`

	// TriggeredBy names the initiator, typically a schedule id or "manual".
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Tier != "" && !o.Tier.IsValid() {
		return apperrors.NewValidationError("unsupported retention tier: "+string(o.Tier), nil)
	}
	return nil
}

// Stats is a snapshot of engine counters. SuccessRate is a percentage over
// all finished jobs.
type Stats struct {
	TotalJobs   int       `json:"total_jobs"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	BytesStored int64     `json:"bytes_stored"`
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
