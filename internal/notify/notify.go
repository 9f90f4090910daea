// Package notify delivers outbound events (backup success/failure, alert
// creation, recovery-test failures, disaster-recovery lifecycle) to the
// configured channels. Delivery is best effort: failures are logged and
// never propagate to the component that published the event.
package notify

import (
	"context"
	"sync"
	"time"

	"drguard/internal/logging"
)

// Event types published by the components. Channels receive the type
// verbatim in the payload.
const (
	EventBackupCompleted     = "backup_completed"
	EventBackupFailed        = "backup_failed"
	EventReplicationFailed   = "replication_failed"
	EventRecoveryTestFailed  = "recovery_test_failed"
	EventAlertCreated        = "alert_created"
	EventRecoveryRunStarted  = "recovery_run_started"
	EventRecoveryRunFinished = "recovery_run_finished"
)

// Severity orders events for the minimum-severity filter.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// eventSeverity maps event types onto severities. Unknown types default
// to low so new events are never dropped silently.
var eventSeverity = map[string]Severity{
	EventBackupCompleted:     SeverityLow,
	EventBackupFailed:        SeverityHigh,
	EventReplicationFailed:   SeverityHigh,
	EventRecoveryTestFailed:  SeverityHigh,
	EventAlertCreated:        SeverityMedium,
	EventRecoveryRunStarted:  SeverityHigh,
	EventRecoveryRunFinished: SeverityHigh,
}

// Event is the wire payload every channel receives.
type Event struct {
	Type      string                 `json:"type"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Channel delivers one event to one destination.
type Channel interface {
	Send(ctx context.Context, event Event) error
	Type() string
}

// Config selects and configures delivery channels.
type Config struct {
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	MinSeverity Severity       `yaml:"min_severity" json:"min_severity"`
	SendTimeout time.Duration  `yaml:"send_timeout" json:"send_timeout"`
	Webhook     *WebhookConfig `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Email       *EmailConfig   `yaml:"email,omitempty" json:"email,omitempty"`
	Slack       *SlackConfig   `yaml:"slack,omitempty" json:"slack,omitempty"`
	File        *FileConfig    `yaml:"file,omitempty" json:"file,omitempty"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.MinSeverity == "" {
		c.MinSeverity = SeverityLow
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Manager fans events out to every configured channel. Publish never blocks
// the caller: delivery happens on a background goroutine per event.
type Manager struct {
	config   Config
	channels []Channel
	logger   *logging.Logger
	clock    func() time.Time
	wg       sync.WaitGroup
}

// NewManager builds a manager with channels derived from the configuration.
func NewManager(config Config, logger *logging.Logger) *Manager {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	m := &Manager{config: config, logger: logger, clock: time.Now}
	if config.Webhook != nil {
		m.channels = append(m.channels, NewWebhookChannel(*config.Webhook, logger))
	}
	if config.Email != nil {
		m.channels = append(m.channels, NewEmailChannel(*config.Email, logger))
	}
	if config.Slack != nil {
		m.channels = append(m.channels, NewSlackChannel(*config.Slack, logger))
	}
	if config.File != nil {
		m.channels = append(m.channels, NewFileChannel(*config.File, logger))
	}
	return m
}

// AddChannel registers an extra channel, typically a test double.
func (m *Manager) AddChannel(ch Channel) {
	m.channels = append(m.channels, ch)
}

// SetClock overrides the timestamp source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.clock = now
}

// Publish delivers the event to all channels asynchronously. Implements the
// Notifier interface shared by the publishing components.
func (m *Manager) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if !m.config.Enabled || len(m.channels) == 0 {
		return
	}

	severity, ok := eventSeverity[eventType]
	if !ok {
		severity = SeverityLow
	}
	if !severity.AtLeast(m.config.MinSeverity) {
		return
	}

	event := Event{
		Type:      eventType,
		Severity:  severity,
		Timestamp: m.clock().UTC(),
		Data:      data,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
		defer cancel()
		for _, ch := range m.channels {
			if err := ch.Send(sendCtx, event); err != nil {
				m.logger.WithFields(map[string]interface{}{
					"channel": ch.Type(),
					"event":   eventType,
				}).Warnf("Notification delivery failed: %v", err)
			}
		}
	}()
}

// Flush waits for in-flight deliveries, used on shutdown and in tests.
func (m *Manager) Flush() {
	m.wg.Wait()
}
