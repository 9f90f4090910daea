// Package recovery proves backups are restorable. Each test restores a
// backup into an isolated scratch environment, runs validation queries,
// scores integrity, flags threshold breaches, and always tears the
// environment down again.
package recovery

import (
	"time"

	"drguard/internal/apperrors"
)

// TestKind selects how much of the backup a test restores.
type TestKind string

const (
	TestFull       TestKind = "full"
	TestPartial    TestKind = "partial"
	TestSchemaOnly TestKind = "schema-only"
	TestDataOnly   TestKind = "data-only"
)

// IsValid checks if the test kind is supported.
func (k TestKind) IsValid() bool {
	switch k {
	case TestFull, TestPartial, TestSchemaOnly, TestDataOnly:
		return true
	default:
		return false
	}
}

// TestStatus tracks a recovery test through its lifecycle.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
)

// IssueSeverity orders classified issues.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// IssueCategory names what an issue is about.
type IssueCategory string

const (
	CategoryIntegrity   IssueCategory = "integrity"
	CategoryPerformance IssueCategory = "performance"
	CategoryRestore     IssueCategory = "restore"
	CategoryValidation  IssueCategory = "validation"
)

// Issue is one classified finding of a recovery test.
type Issue struct {
	Severity       IssueSeverity `json:"severity"`
	Category       IssueCategory `json:"category"`
	Description    string        `json:"description"`
	Recommendation string        `json:"recommendation,omitempty"`
}

// ValidationResult records one validation query's outcome and timing.
type ValidationResult struct {
	Query    string        `json:"query"`
	Passed   bool          `json:"passed"`
	RowCount int64         `json:"row_count"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Thresholds bound what a healthy recovery test looks like.
type Thresholds struct {
	// MaxRestoreTime breached appends a medium performance issue.
	MaxRestoreTime time.Duration `yaml:"max_restore_time" json:"max_restore_time"`
	// MaxValidationTime breached appends a low performance issue.
	MaxValidationTime time.Duration `yaml:"max_validation_time" json:"max_validation_time"`
	// MinIntegrityScore breached appends a critical integrity issue and
	// fails the test.
	MinIntegrityScore int `yaml:"min_integrity_score" json:"min_integrity_score"`
}

// Options tunes one recovery test invocation.
type Options struct {
	Kind TestKind `json:"kind"`
	// Tables restricts a partial test to the named tables.
	Tables []string `json:"tables,omitempty"`
	// CustomQueries run in addition to the configured validation set.
	CustomQueries []string `json:"custom_queries,omitempty"`
}

// Test is the record of one recovery test run.
type Test struct {
	ID          string     `json:"id"`
	BackupID    string     `json:"backup_id"`
	Kind        TestKind   `json:"kind"`
	Status      TestStatus `json:"status"`
	Environment string     `json:"environment"`

	RestoreTime    time.Duration `json:"restore_time"`
	ValidationTime time.Duration `json:"validation_time"`
	TotalTime      time.Duration `json:"total_time"`

	// IntegrityScore is the percentage of validation queries that passed.
	IntegrityScore int                `json:"integrity_score"`
	Validations    []ValidationResult `json:"validations,omitempty"`
	Issues         []Issue            `json:"issues,omitempty"`

	RestoredTables  int `json:"restored_tables"`
	RestoredRecords int `json:"restored_records"`

	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *apperrors.Recorded `json:"error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (t *Test) clone() *Test {
	out := *t
	out.Validations = append([]ValidationResult(nil), t.Validations...)
	out.Issues = append([]Issue(nil), t.Issues...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return &out
}

// Config tunes the recovery tester.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Frequency is how often the orchestrator schedules automatic tests.
	Frequency time.Duration `yaml:"frequency" json:"frequency"`

	// EnvironmentPrefix namespaces scratch environments so cleanup can never
	// touch a production database.
	EnvironmentPrefix string `yaml:"environment_prefix" json:"environment_prefix"`

	// ValidationQueries run against every restored environment.
	ValidationQueries []string `yaml:"validation_queries" json:"validation_queries"`

	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`

	// HistoryLimit bounds how many archived tests are kept in memory.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Frequency == 0 {
		c.Frequency = 24 * time.Hour
	}
	if c.EnvironmentPrefix == "" {
		c.EnvironmentPrefix = "drtest_"
	}
	if c.Thresholds.MaxRestoreTime == 0 {
		c.Thresholds.MaxRestoreTime = 15 * time.Minute
	}
	if c.Thresholds.MaxValidationTime == 0 {
		c.Thresholds.MaxValidationTime = 5 * time.Minute
	}
	if c.Thresholds.MinIntegrityScore == 0 {
		c.Thresholds.MinIntegrityScore = 90
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}
}

// Stats is a snapshot of tester counters.
type Stats struct {
	TotalTests int       `json:"total_tests"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	LastScore  int       `json:"last_score"`
	LastRun    time.Time `json:"last_run"`
}

// SuccessRate returns the percentage of finished tests that passed. A tester
// with no finished tests reports 100 so an idle system counts as healthy.
func (s Stats) SuccessRate() float64 {
	finished := s.Passed + s.Failed
	if finished == 0 {
		return 100
	}
	return float64(s.Passed) / float64(finished) * 100
}
