// Package orchestrator wires the backup, scheduling, replication, recovery
// testing, and restore components together, owns their lifecycle, runs the
// periodic health check loop, manages system alerts, and executes disaster
// recovery runs.
package orchestrator

import (
	"fmt"
	"time"

	"drguard/internal/apperrors"
)

// HealthState classifies one component or the system as a whole.
type HealthState string

const (
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded"
	StateCritical HealthState = "critical"
	StateOffline  HealthState = "offline"
)

// rank orders states from best to worst so the overall state is the worst
// component state.
func (s HealthState) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	case StateCritical:
		return 2
	case StateOffline:
		return 3
	default:
		return 3
	}
}

// worse returns the worse of two states.
func worse(a, b HealthState) HealthState {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is the checked state of one component.
type ComponentHealth struct {
	State     HealthState        `json:"state"`
	Message   string             `json:"message,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// SystemStatus is one full health check result.
type SystemStatus struct {
	Overall    HealthState                `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// AlertSeverity grades a system alert.
type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// severityFor maps an unhealthy component state to an alert severity.
func severityFor(state HealthState) AlertSeverity {
	switch state {
	case StateDegraded:
		return AlertMedium
	case StateCritical:
		return AlertHigh
	case StateOffline:
		return AlertCritical
	default:
		return AlertLow
	}
}

// SystemAlert is raised when a component crosses a health threshold. It
// persists until acknowledged or resolved.
type SystemAlert struct {
	ID           string        `json:"id"`
	Severity     AlertSeverity `json:"severity"`
	Component    string        `json:"component"`
	Message      string        `json:"message"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// resolved reports whether the alert has been closed.
func (a *SystemAlert) resolved() bool {
	return a.ResolvedAt != nil
}

// HealthThresholds bound the success-rate bands used by the health check.
type HealthThresholds struct {
	// HealthyRate is the minimum success rate for a healthy component.
	HealthyRate float64 `yaml:"healthy_rate" json:"healthy_rate"`

	// DegradedRate is the minimum success rate for a degraded component;
	// below it the component is critical.
	DegradedRate float64 `yaml:"degraded_rate" json:"degraded_rate"`
}

// SetDefaults fills in the standard 95/80 bands.
func (t *HealthThresholds) SetDefaults() {
	if t.HealthyRate == 0 {
		t.HealthyRate = 95
	}
	if t.DegradedRate == 0 {
		t.DegradedRate = 80
	}
}

// StepType says which subsystem a recovery step drives.
type StepType string

const (
	StepValidation StepType = "validation"
	StepDatabase   StepType = "database"
	StepFiles      StepType = "files"
	StepService    StepType = "service"
)

// RecoveryStep is one step of the disaster recovery pipeline.
type RecoveryStep struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Type      StepType      `yaml:"type" json:"type"`
	Order     int           `yaml:"order" json:"order"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	Retries   int           `yaml:"retries" json:"retries"`
	DependsOn []string      `yaml:"depends_on" json:"depends_on"`

	// Critical steps abort the run when they exhaust their retries;
	// non-critical failures are logged and the run continues.
	Critical bool `yaml:"critical" json:"critical"`
}

// Validate checks one step definition.
func (s *RecoveryStep) Validate() error {
	if s.ID == "" {
		return apperrors.NewValidationError("recovery step needs an id", nil)
	}
	switch s.Type {
	case StepValidation, StepDatabase, StepFiles, StepService:
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unsupported recovery step type: %s", s.Type), nil)
	}
	return nil
}

// DefaultRecoverySteps is the standard disaster recovery pipeline.
func DefaultRecoverySteps() []RecoveryStep {
	return []RecoveryStep{
		{ID: "validate_backup", Name: "Validate backup integrity", Type: StepValidation, Order: 1, Timeout: 5 * time.Minute, Retries: 2, Critical: true},
		{ID: "restore_database", Name: "Restore database", Type: StepDatabase, Order: 2, Timeout: 30 * time.Minute, Retries: 1, DependsOn: []string{"validate_backup"}, Critical: true},
		{ID: "restore_files", Name: "Restore files and configuration", Type: StepFiles, Order: 3, Timeout: 15 * time.Minute, Retries: 2, DependsOn: []string{"restore_database"}},
		{ID: "restart_services", Name: "Restart dependent services", Type: StepService, Order: 4, Timeout: 5 * time.Minute, Retries: 3, DependsOn: []string{"restore_database"}},
		{ID: "validate_recovery", Name: "Validate recovered system", Type: StepValidation, Order: 5, Timeout: 10 * time.Minute, Retries: 1, DependsOn: []string{"restore_database"}, Critical: true},
	}
}

// StepStatus tracks one step inside a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the outcome of one step inside a run.
type StepResult struct {
	StepID      string              `json:"step_id"`
	Name        string              `json:"name"`
	Status      StepStatus          `json:"status"`
	Attempts    int                 `json:"attempts"`
	Duration    time.Duration       `json:"duration"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *apperrors.Recorded `json:"error,omitempty"`
}

// RunStatus tracks a disaster recovery run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the record of one disaster recovery execution.
type Run struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"`
	Description     string              `json:"description"`
	AffectedSystems []string            `json:"affected_systems,omitempty"`
	BackupID        string              `json:"backup_id"`
	Status          RunStatus           `json:"status"`
	Steps           []StepResult        `json:"steps"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Error           *apperrors.Recorded `json:"error,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *Run) clone() *Run {
	out := *r
	out.AffectedSystems = append([]string(nil), r.AffectedSystems...)
	out.Steps = make([]StepResult, len(r.Steps))
	for i, step := range r.Steps {
		out.Steps[i] = step
		if step.CompletedAt != nil {
			t := *step.CompletedAt
			out.Steps[i].CompletedAt = &t
		}
		if step.Error != nil {
			e := *step.Error
			out.Steps[i].Error = &e
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// DRConfig tunes disaster recovery execution.
type DRConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// AutoFailover lets a critical health state trigger a recovery run
	// without an operator.
	AutoFailover bool `yaml:"auto_failover" json:"auto_failover"`

	// RTO and RPO are recorded objectives, surfaced in status output.
	RTO time.Duration `yaml:"rto" json:"rto"`
	RPO time.Duration `yaml:"rpo" json:"rpo"`

	// Steps override the default pipeline when non-empty.
	Steps []RecoveryStep `yaml:"steps" json:"steps"`

	// RetryDelay is the initial backoff between step attempts.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// SetDefaults fills in the default pipeline and backoff.
func (c *DRConfig) SetDefaults() {
	if len(c.Steps) == 0 {
		c.Steps = DefaultRecoverySteps()
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.RTO == 0 {
		c.RTO = 4 * time.Hour
	}
	if c.RPO == 0 {
		c.RPO = time.Hour
	}
}

// Config tunes the orchestrator.
type Config struct {
	// HealthInterval is the fixed interval of the health check loop. Zero
	// disables the loop; health checks can still be run on demand.
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval"`

	Thresholds HealthThresholds `yaml:"thresholds" json:"thresholds"`

	// AutoReplicate queues a replication after every automated backup.
	AutoReplicate bool `yaml:"auto_replicate" json:"auto_replicate"`

	// AutoVerify starts a recovery test after every automated backup.
	AutoVerify bool `yaml:"auto_verify" json:"auto_verify"`

	// TestInterval is the fixed interval of the periodic recovery test
	// loop, derived from the recovery tester's configured frequency. Zero
	// or negative disables the loop.
	TestInterval time.Duration `yaml:"-" json:"-"`

	DR DRConfig `yaml:"disaster_recovery" json:"disaster_recovery"`

	// RunHistoryLimit caps archived disaster recovery runs.
	RunHistoryLimit int `yaml:"run_history_limit" json:"run_history_limit"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = time.Minute
	}
	if c.RunHistoryLimit == 0 {
		c.RunHistoryLimit = 50
	}
	c.Thresholds.SetDefaults()
	c.DR.SetDefaults()
}
