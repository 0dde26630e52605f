package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/logging"
)

// Notification describes the outcome of one archive creation
type Notification struct {
	TenantID  int64     `json:"tenant_id"`
	Archive   string    `json:"archive"`
	SizeBytes int64     `json:"size_bytes"`
	Success   bool      `json:"success"`
	Failures  []string  `json:"failures,omitempty"`
	Uploaded  bool      `json:"uploaded"`
	Timestamp time.Time `json:"timestamp"`
}

func (n Notification) title() string {
	if !n.Success {
		return fmt.Sprintf("Backup failed for tenant %d", n.TenantID)
	}
	if len(n.Failures) > 0 {
		return fmt.Sprintf("Backup for tenant %d completed with %d failed steps", n.TenantID, len(n.Failures))
	}
	return fmt.Sprintf("Backup for tenant %d completed", n.TenantID)
}

func (n Notification) color() string {
	switch {
	case !n.Success:
		return "danger"
	case len(n.Failures) > 0:
		return "warning"
	default:
		return "good"
	}
}

// NotificationChannel delivers a notification to one destination
type NotificationChannel interface {
	Send(ctx context.Context, n Notification) error
	GetType() string
}

// NotificationManager fans a notification out to every configured channel
type NotificationManager struct {
	logger   *logging.Logger
	channels []NotificationChannel
}

// NewNotificationManager builds channels from configuration. A manager with
// no channels is valid and sends nothing.
func NewNotificationManager(cfg config.NotificationsConfig, logger *logging.Logger) *NotificationManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	nm := &NotificationManager{logger: logger}
	if cfg.WebhookURL != "" {
		nm.channels = append(nm.channels, NewWebhookChannel(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.SlackWebhookURL != "" {
		nm.channels = append(nm.channels, NewSlackChannel(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.Timeout))
	}
	return nm
}

// AddChannel registers an additional channel
func (nm *NotificationManager) AddChannel(ch NotificationChannel) {
	nm.channels = append(nm.channels, ch)
}

// Enabled reports whether any channel is configured
func (nm *NotificationManager) Enabled() bool {
	return nm != nil && len(nm.channels) > 0
}

// Send delivers n through every channel. Channel failures are logged and
// joined into the returned error; one failing channel does not stop others.
func (nm *NotificationManager) Send(ctx context.Context, n Notification) error {
	if !nm.Enabled() {
		return nil
	}

	var failed []string
	for _, ch := range nm.channels {
		if err := ch.Send(ctx, n); err != nil {
			nm.logger.WithFields(map[string]interface{}{
				"channel":   ch.GetType(),
				"tenant_id": n.TenantID,
				"error":     err.Error(),
			}).Warn("Failed to send notification")
			failed = append(failed, fmt.Sprintf("%s: %v", ch.GetType(), err))
			continue
		}
		nm.logger.WithFields(map[string]interface{}{
			"channel":   ch.GetType(),
			"tenant_id": n.TenantID,
		}).Debug("Notification sent")
	}

	if len(failed) > 0 {
		return NewNetworkError(fmt.Sprintf("notification failed: %s", strings.Join(failed, "; ")), nil)
	}
	return nil
}

// WebhookChannel posts the notification as JSON
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
}

func (wc *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(struct {
		Title string `json:"title"`
		Notification
	}{Title: n.title(), Notification: n})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return postJSON(ctx, wc.client, wc.url, payload)
}

func (wc *WebhookChannel) GetType() string {
	return "webhook"
}

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	url     string
	channel string
	client  *http.Client
}

func NewSlackChannel(url, channel string, timeout time.Duration) *SlackChannel {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SlackChannel{url: url, channel: channel, client: &http.Client{Timeout: timeout}}
}

func (sc *SlackChannel) Send(ctx context.Context, n Notification) error {
	fields := []map[string]interface{}{
		{"title": "Archive", "value": n.Archive, "short": true},
		{"title": "Size", "value": formatBytes(n.SizeBytes), "short": true},
		{"title": "Uploaded", "value": fmt.Sprintf("%t", n.Uploaded), "short": true},
	}
	if len(n.Failures) > 0 {
		fields = append(fields, map[string]interface{}{
			"title": "Failed steps", "value": strings.Join(n.Failures, "\n"), "short": false,
		})
	}

	payload := map[string]interface{}{
		"text": n.title(),
		"attachments": []map[string]interface{}{
			{
				"color":  n.color(),
				"title":  n.title(),
				"ts":     n.Timestamp.Unix(),
				"fields": fields,
			},
		},
	}
	if sc.channel != "" {
		payload["channel"] = sc.channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return postJSON(ctx, sc.client, sc.url, body)
}

func (sc *SlackChannel) GetType() string {
	return "slack"
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned error status: %d", resp.StatusCode)
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
