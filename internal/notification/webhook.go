package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookChannel delivers alerts to a generic HTTP endpoint as JSON.
type WebhookChannel struct {
	url     string
	headers map[string]string
	secret  string
	retry   retryPolicy
	client  *http.Client
	logger  *slog.Logger
}

// WebhookConfig contains configuration for a webhook channel.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Secret  string
	Timeout time.Duration
	Retry   retryPolicy
}

// NewWebhookChannel creates a new webhook notification channel.
func NewWebhookChannel(cfg WebhookConfig, logger *slog.Logger) *WebhookChannel {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &WebhookChannel{
		url:     cfg.URL,
		headers: cfg.Headers,
		secret:  cfg.Secret,
		retry:   cfg.Retry,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("channel", "webhook"),
	}
}

// Type returns the channel type.
func (c *WebhookChannel) Type() ChannelType {
	return ChannelTypeWebhook
}

// Validate validates the webhook configuration.
func (c *WebhookChannel) Validate() error {
	if c.url == "" {
		return fmt.Errorf("webhook URL is required")
	}
	return nil
}

// WebhookPayload is the JSON document sent to webhook endpoints.
type WebhookPayload struct {
	Event     string `json:"event"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Target    string `json:"target,omitempty"`
	Failures  int    `json:"failures,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Send posts the notification, retrying transient failures. Client
// errors other than 429 are not retried.
func (c *WebhookChannel) Send(ctx context.Context, notification *Notification) error {
	payload := formatWebhookPayload(notification)

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return c.retry.do(ctx, c.logger, func() error {
		return c.post(ctx, jsonPayload, notification)
	})
}

// post performs one delivery attempt. The request is rebuilt per
// attempt so retries carry a fresh body and timestamp.
func (c *WebhookChannel) post(ctx context.Context, jsonPayload []byte, notification *Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonPayload))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create webhook request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "NetPulse/1.0")

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	if c.secret != "" {
		signature := c.signPayload(jsonPayload)
		req.Header.Set("X-NetPulse-Signature", signature)
		req.Header.Set("X-NetPulse-Signature-256", "sha256="+signature)
	}

	req.Header.Set("X-NetPulse-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("webhook notification sent",
			"status", resp.StatusCode,
			"event", notification.Event,
		)
		return nil
	}

	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &permanentError{err}
	}
	return err
}

// signPayload creates an HMAC-SHA256 signature of the payload.
func (c *WebhookChannel) signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// formatWebhookPayload maps a notification onto the wire document.
func formatWebhookPayload(notification *Notification) WebhookPayload {
	payload := WebhookPayload{
		Event:     string(notification.Event),
		ID:        notification.ID.String(),
		Timestamp: notification.CreatedAt.UTC().Format(time.RFC3339),
		Title:     notification.Title,
		Message:   notification.Message,
		AgentName: notification.AgentName,
		Protocol:  notification.Protocol,
		Target:    notification.Target,
		Failures:  notification.Failures,
		Error:     notification.Error,
	}

	if notification.AgentID != nil {
		payload.AgentID = notification.AgentID.String()
	}
	if notification.TaskID != nil {
		payload.TaskID = notification.TaskID.String()
	}

	return payload
}
