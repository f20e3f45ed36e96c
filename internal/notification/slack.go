package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SlackChannel delivers alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	retry      retryPolicy
	client     *http.Client
	logger     *slog.Logger
}

// SlackConfig contains configuration for a Slack channel.
type SlackConfig struct {
	WebhookURL string
	Retry      retryPolicy
}

// NewSlackChannel creates a new Slack notification channel.
func NewSlackChannel(cfg SlackConfig, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlackChannel{
		webhookURL: cfg.WebhookURL,
		retry:      cfg.Retry,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("channel", "slack"),
	}
}

// Type returns the channel type.
func (c *SlackChannel) Type() ChannelType {
	return ChannelTypeSlack
}

// Validate validates the Slack configuration.
func (c *SlackChannel) Validate() error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack webhook URL is required")
	}
	return nil
}

// Send posts the notification to the incoming webhook, retrying
// transient failures.
func (c *SlackChannel) Send(ctx context.Context, notification *Notification) error {
	payload := c.formatMessage(notification)

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	return c.retry.do(ctx, c.logger, func() error {
		return c.post(ctx, jsonPayload, notification)
	})
}

func (c *SlackChannel) post(ctx context.Context, jsonPayload []byte, notification *Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create slack request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("slack notification sent", "event", notification.Event)
		return nil
	}

	err = fmt.Errorf("slack returned status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("slack rate limited", "retry_after", resp.Header.Get("Retry-After"))
		return err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &permanentError{err}
	}
	return err
}

// formatMessage formats the notification as Slack blocks inside a
// colored attachment.
func (c *SlackChannel) formatMessage(notification *Notification) map[string]interface{} {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type":  "plain_text",
				"text":  notification.Title,
				"emoji": true,
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": notification.Message,
			},
		},
	}

	var fields []map[string]interface{}
	if notification.AgentName != "" {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Agent:* %s", notification.AgentName),
		})
	}
	if notification.Target != "" {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Target:* `%s`", notification.Target),
		})
	}
	if notification.Protocol != "" {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Protocol:* %s", strings.ToUpper(notification.Protocol)),
		})
	}
	if notification.Failures > 0 {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Consecutive failures:* %d", notification.Failures),
		})
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": fields,
		})
	}

	if notification.Error != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Error:*\n```%s```", truncate(notification.Error, 500)),
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "divider",
	})

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{
				"type": "mrkdwn",
				"text": "*NetPulse* network monitoring",
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Time:* <!date^%d^{date_short_pretty} at {time}|%s>",
					notification.CreatedAt.Unix(),
					notification.CreatedAt.Format(time.RFC3339)),
			},
		},
	})

	return map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  eventColor(notification.Event),
				"blocks": blocks,
			},
		},
	}
}
