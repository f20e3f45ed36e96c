package notification

import (
	"fmt"
	"strings"
)

// probeOf names the probe an alert is about, e.g. "ICMP probe of
// example.com". Falls back to the task ID when the task could not be
// resolved.
func probeOf(n *Notification) string {
	target := n.Target
	if target == "" && n.TaskID != nil {
		target = "task " + n.TaskID.String()[:8]
	}
	if n.Protocol != "" {
		return fmt.Sprintf("%s probe of %s", strings.ToUpper(n.Protocol), target)
	}
	return fmt.Sprintf("probe of %s", target)
}

// subjectOf names the alert subject for titles: the probe target, the
// agent, or the bare ID.
func subjectOf(n *Notification) string {
	if n.Target != "" {
		return n.Target
	}
	if n.AgentName != "" {
		return n.AgentName
	}
	if n.TaskID != nil {
		return n.TaskID.String()[:8]
	}
	if n.AgentID != nil {
		return n.AgentID.String()[:8]
	}
	return "unknown"
}

// agentLabel names the agent an alert involves.
func agentLabel(n *Notification) string {
	if n.AgentName != "" {
		return n.AgentName
	}
	if n.AgentID != nil {
		return n.AgentID.String()
	}
	return "unknown agent"
}

// AgentOfflineTemplate renders an agent offline alert.
func AgentOfflineTemplate(n *Notification) (title, message string) {
	title = fmt.Sprintf("Agent Offline - %s", agentLabel(n))
	message = fmt.Sprintf("Probe agent *%s* has gone offline. Its assigned probes will be moved to other agents.", agentLabel(n))
	return
}

// AgentRecoveredTemplate renders an agent recovery alert.
func AgentRecoveredTemplate(n *Notification) (title, message string) {
	title = fmt.Sprintf("Agent Recovered - %s", agentLabel(n))
	message = fmt.Sprintf("Probe agent *%s* is back online and accepting probes.", agentLabel(n))
	return
}

// TaskFailedTemplate renders a probe failure alert.
func TaskFailedTemplate(n *Notification) (title, message string) {
	title = fmt.Sprintf("Probe Failed - %s", subjectOf(n))

	var parts []string
	parts = append(parts, fmt.Sprintf("The %s failed.", probeOf(n)))

	if n.Failures > 1 {
		parts = append(parts, fmt.Sprintf("*Consecutive failures:* %d", n.Failures))
	}
	if n.AgentName != "" {
		parts = append(parts, fmt.Sprintf("*Agent:* %s", n.AgentName))
	}
	if n.Error != "" {
		parts = append(parts, "")
		parts = append(parts, fmt.Sprintf("*Error:*\n```%s```", truncate(n.Error, 500)))
	}

	message = strings.Join(parts, "\n")
	return
}

// TaskTimeoutTemplate renders a probe timeout alert.
func TaskTimeoutTemplate(n *Notification) (title, message string) {
	title = fmt.Sprintf("Probe Timeout - %s", subjectOf(n))

	var parts []string
	parts = append(parts, fmt.Sprintf("The %s timed out.", probeOf(n)))

	if n.Failures > 1 {
		parts = append(parts, fmt.Sprintf("*Consecutive failures:* %d", n.Failures))
	}
	if n.AgentName != "" {
		parts = append(parts, fmt.Sprintf("*Agent:* %s", n.AgentName))
	}

	message = strings.Join(parts, "\n")
	return
}

// TaskRecoveredTemplate renders a probe recovery alert.
func TaskRecoveredTemplate(n *Notification) (title, message string) {
	title = fmt.Sprintf("Probe Recovered - %s", subjectOf(n))

	var parts []string
	if n.Failures == 1 {
		parts = append(parts, fmt.Sprintf("The %s is succeeding again after 1 failure.", probeOf(n)))
	} else {
		parts = append(parts, fmt.Sprintf("The %s is succeeding again after %d consecutive failures.", probeOf(n), n.Failures))
	}
	if n.AgentName != "" {
		parts = append(parts, fmt.Sprintf("*Agent:* %s", n.AgentName))
	}

	message = strings.Join(parts, "\n")
	return
}

// RenderTemplate returns the title and message for a notification.
func RenderTemplate(n *Notification) (title, message string) {
	switch n.Event {
	case EventAgentOffline:
		return AgentOfflineTemplate(n)
	case EventAgentRecovered:
		return AgentRecoveredTemplate(n)
	case EventTaskFailed:
		return TaskFailedTemplate(n)
	case EventTaskTimeout:
		return TaskTimeoutTemplate(n)
	case EventTaskRecovered:
		return TaskRecoveredTemplate(n)
	default:
		return "Notification", "A notification event occurred."
	}
}

// eventColor returns the accent color for an event, shared by the Slack
// attachment bar and the email header.
func eventColor(event EventType) string {
	switch event {
	case EventAgentRecovered, EventTaskRecovered:
		return "#36a64f" // Green
	case EventAgentOffline, EventTaskFailed:
		return "#dc3545" // Red
	case EventTaskTimeout:
		return "#ffc107" // Yellow/Warning
	default:
		return "#6c757d" // Gray
	}
}

// Email HTML template
const emailHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Helvetica, Arial, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background-color: #ffffff; }
        .header { background-color: {{.StatusColor}}; color: #ffffff; padding: 20px; text-align: center; }
        .header h1 { margin: 0; font-size: 24px; font-weight: 600; }
        .content { padding: 20px; }
        .message { color: #333333; line-height: 1.6; margin-bottom: 20px; white-space: pre-line; }
        .details { background-color: #f8f9fa; border-radius: 8px; padding: 15px; margin-bottom: 20px; }
        .details-row { display: flex; justify-content: space-between; padding: 8px 0; border-bottom: 1px solid #e9ecef; }
        .details-row:last-child { border-bottom: none; }
        .details-label { color: #6c757d; font-weight: 500; }
        .details-value { color: #333333; font-weight: 600; }
        .error-box { background-color: #fff3f3; border: 1px solid #ffcccc; border-radius: 4px; padding: 12px; margin-top: 15px; }
        .error-box pre { margin: 0; white-space: pre-wrap; word-wrap: break-word; font-size: 12px; color: #721c24; }
        .footer { padding: 20px; text-align: center; color: #6c757d; font-size: 12px; border-top: 1px solid #e9ecef; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.Title}}</h1>
        </div>
        <div class="content">
            <p class="message">{{.Message}}</p>

            <div class="details">
                {{if .AgentName}}
                <div class="details-row">
                    <span class="details-label">Agent</span>
                    <span class="details-value">{{.AgentName}}</span>
                </div>
                {{end}}
                {{if .Target}}
                <div class="details-row">
                    <span class="details-label">Target</span>
                    <span class="details-value">{{.Target}}</span>
                </div>
                {{end}}
                {{if .Protocol}}
                <div class="details-row">
                    <span class="details-label">Protocol</span>
                    <span class="details-value">{{.Protocol}}</span>
                </div>
                {{end}}
                {{if .Failures}}
                <div class="details-row">
                    <span class="details-label">Consecutive Failures</span>
                    <span class="details-value">{{.Failures}}</span>
                </div>
                {{end}}
            </div>

            {{if .Error}}
            <div class="error-box">
                <strong>Error Details:</strong>
                <pre>{{.Error}}</pre>
            </div>
            {{end}}
        </div>
        <div class="footer">
            <p>Sent by NetPulse Network Monitoring<br>
            {{.CreatedAt}}</p>
            <p>&copy; {{.Year}} NetPulse</p>
        </div>
    </div>
</body>
</html>`

// Email plain text template
const emailPlainTemplate = `{{.Title}}

{{.Message}}

{{if .AgentName}}Agent: {{.AgentName}}
{{end}}{{if .Target}}Target: {{.Target}}
{{end}}{{if .Protocol}}Protocol: {{.Protocol}}
{{end}}{{if .Failures}}Consecutive failures: {{.Failures}}
{{end}}{{if .Error}}
Error details:
{{.Error}}
{{end}}
---
Sent by NetPulse Network Monitoring
{{.CreatedAt}}`
