package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"drguard/internal/apperrors"
	"drguard/internal/logging"
)

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method" json:"method"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
}

// WebhookChannel POSTs the event payload as JSON. Calls run through a
// circuit breaker so a dead endpoint stops consuming the send timeout of
// every subsequent event.
type WebhookChannel struct {
	config  WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
}

// NewWebhookChannel builds the webhook channel.
func NewWebhookChannel(config WebhookConfig, logger *logging.Logger) *WebhookChannel {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify-webhook",
			Timeout: 30 * time.Second,
		}),
		logger: logger,
	}
}

// Type implements Channel.
func (c *WebhookChannel) Type() string { return "webhook" }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewClientError("failed to encode notification payload", err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, c.config.Method, c.config.URL, bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.NewClientError("failed to build webhook request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range c.config.Headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, apperrors.NewNetworkError("webhook delivery failed", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("webhook returned %d", resp.StatusCode))
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewServerError("webhook circuit breaker is open", err).
			WithCode(apperrors.CodeBreakerOpen)
	}
	return err
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" json:"smtp_port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"-"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

// EmailChannel delivers events as plain-text mail via SMTP.
type EmailChannel struct {
	config EmailConfig
	logger *logging.Logger

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel builds the email channel.
func NewEmailChannel(config EmailConfig, logger *logging.Logger) *EmailChannel {
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	return &EmailChannel{config: config, logger: logger, send: smtp.SendMail}
}

// Type implements Channel.
func (c *EmailChannel) Type() string { return "email" }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, event Event) error {
	if len(c.config.To) == 0 {
		return apperrors.NewValidationError("email channel has no recipients", nil)
	}

	subject := fmt.Sprintf("[drguard] %s (%s)", strings.ReplaceAll(event.Type, "_", " "), event.Severity)
	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	fmt.Fprintf(&body, "Date: %s\r\n", event.Timestamp.Format(time.RFC1123Z))
	body.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&body, "Event: %s\nSeverity: %s\nTime: %s\n\n", event.Type, event.Severity, event.Timestamp.Format(time.RFC3339))
	for k, v := range event.Data {
		fmt.Fprintf(&body, "%s: %v\n", k, v)
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)
	if err := c.send(addr, auth, c.config.From, c.config.To, body.Bytes()); err != nil {
		return apperrors.NewNetworkError("smtp delivery failed", err)
	}
	return nil
}

// SlackConfig configures the Slack-compatible webhook channel.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	Channel    string `yaml:"channel" json:"channel"`
	Username   string `yaml:"username" json:"username"`
}

// SlackChannel posts a formatted message to a Slack-compatible webhook.
type SlackChannel struct {
	config SlackConfig
	client *http.Client
	logger *logging.Logger
}

// NewSlackChannel builds the Slack channel.
func NewSlackChannel(config SlackConfig, logger *logging.Logger) *SlackChannel {
	if config.Username == "" {
		config.Username = "drguard"
	}
	return &SlackChannel{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Type implements Channel.
func (c *SlackChannel) Type() string { return "slack" }

var slackColors = map[Severity]string{
	SeverityLow:      "good",
	SeverityMedium:   "warning",
	SeverityHigh:     "danger",
	SeverityCritical: "danger",
}

// Send implements Channel.
func (c *SlackChannel) Send(ctx context.Context, event Event) error {
	fields := make([]map[string]interface{}, 0, len(event.Data))
	for k, v := range event.Data {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}
	payload := map[string]interface{}{
		"channel":  c.config.Channel,
		"username": c.config.Username,
		"attachments": []map[string]interface{}{{
			"color":  slackColors[event.Severity],
			"title":  strings.ReplaceAll(event.Type, "_", " "),
			"ts":     event.Timestamp.Unix(),
			"fields": fields,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewClientError("failed to encode slack payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewClientError("failed to build slack request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewNetworkError("slack delivery failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("slack webhook returned %d", resp.StatusCode))
	}
	return nil
}

// FileConfig configures the audit-trail channel.
type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

// FileChannel appends events as JSON lines, one per event. It serves as a
// local audit trail that works with no network at all.
type FileChannel struct {
	config FileConfig
	logger *logging.Logger
}

// NewFileChannel builds the file channel.
func NewFileChannel(config FileConfig, logger *logging.Logger) *FileChannel {
	return &FileChannel{config: config, logger: logger}
}

// Type implements Channel.
func (c *FileChannel) Type() string { return "file" }

// Send implements Channel.
func (c *FileChannel) Send(ctx context.Context, event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewClientError("failed to encode event", err)
	}

	f, err := os.OpenFile(c.config.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return apperrors.NewClientError("failed to open notification file", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperrors.NewClientError("failed to append notification", err)
	}
	return nil
}
