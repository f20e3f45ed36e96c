package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// EmailChannel delivers alerts over SMTP as multipart HTML/plain mail.
type EmailChannel struct {
	config    EmailConfig
	client    *smtpClient
	retry     retryPolicy
	logger    *slog.Logger
	mu        sync.Mutex
	htmlTmpl  *template.Template
	plainTmpl *template.Template
}

// EmailConfig contains configuration for an email channel.
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Recipients  []string
	UseTLS      bool
	SkipVerify  bool
	ConnTimeout time.Duration
	Retry       retryPolicy
}

// smtpClient wraps an SMTP connection that is reused across sends.
type smtpClient struct {
	conn     *smtp.Client
	host     string
	port     int
	username string
	password string
	useTLS   bool
	skipTLS  bool
	timeout  time.Duration
	mu       sync.Mutex
}

// NewEmailChannel creates a new email notification channel.
func NewEmailChannel(cfg EmailConfig, logger *slog.Logger) (*EmailChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	htmlTmpl, err := template.New("email_html").Parse(emailHTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML template: %w", err)
	}

	plainTmpl, err := template.New("email_plain").Parse(emailPlainTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plain template: %w", err)
	}

	return &EmailChannel{
		config: cfg,
		client: &smtpClient{
			host:     cfg.SMTPHost,
			port:     cfg.SMTPPort,
			username: cfg.Username,
			password: cfg.Password,
			useTLS:   cfg.UseTLS,
			skipTLS:  cfg.SkipVerify,
			timeout:  cfg.ConnTimeout,
		},
		retry:     cfg.Retry,
		logger:    logger.With("channel", "email"),
		htmlTmpl:  htmlTmpl,
		plainTmpl: plainTmpl,
	}, nil
}

// Type returns the channel type.
func (c *EmailChannel) Type() ChannelType {
	return ChannelTypeEmail
}

// Validate validates the email configuration.
func (c *EmailChannel) Validate() error {
	if c.config.SMTPHost == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.config.SMTPPort <= 0 {
		return fmt.Errorf("SMTP port is required")
	}
	if c.config.FromAddress == "" {
		return fmt.Errorf("from address is required")
	}
	if len(c.config.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	return nil
}

// Send delivers the notification by mail. Sends are serialized per
// channel; the SMTP connection is single-stream.
func (c *EmailChannel) Send(ctx context.Context, notification *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	subject := c.formatSubject(notification)
	htmlBody, err := c.formatHTML(notification)
	if err != nil {
		return fmt.Errorf("failed to format HTML body: %w", err)
	}
	plainBody, err := c.formatPlain(notification)
	if err != nil {
		return fmt.Errorf("failed to format plain body: %w", err)
	}

	msg := c.buildMessage(subject, htmlBody, plainBody)

	return c.retry.do(ctx, c.logger, func() error {
		if err := c.sendMail(msg); err != nil {
			// A failed exchange leaves the connection in an unknown
			// state; reconnect on the next attempt.
			c.client.close()
			return err
		}
		c.logger.Debug("email notification sent",
			"event", notification.Event,
			"recipients", len(c.config.Recipients),
		)
		return nil
	})
}

// sendMail runs one SMTP exchange over the pooled connection.
func (c *EmailChannel) sendMail(msg []byte) error {
	client, err := c.client.getConnection()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	if err := client.Mail(c.config.FromAddress); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	for _, rcpt := range c.config.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to create data writer: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return nil
}

// getConnection returns the live connection or dials a new one.
func (s *smtpClient) getConnection() (*smtp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Noop(); err == nil {
			return s.conn, nil
		}
		s.conn.Close()
		s.conn = nil
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: s.timeout}

	var conn net.Conn
	var err error

	if s.useTLS {
		tlsConfig := &tls.Config{
			ServerName:         s.host,
			InsecureSkipVerify: s.skipTLS,
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	// STARTTLS when not connected over direct TLS.
	if !s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{
				ServerName:         s.host,
				InsecureSkipVerify: s.skipTLS,
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	s.conn = client
	return client, nil
}

// close closes the SMTP connection.
func (s *smtpClient) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Quit()
		s.conn = nil
	}
}

// formatSubject creates the email subject line.
func (c *EmailChannel) formatSubject(notification *Notification) string {
	return fmt.Sprintf("%s %s", subjectPrefix(notification.Event), notification.Title)
}

func subjectPrefix(event EventType) string {
	switch event {
	case EventAgentOffline:
		return "[DOWN]"
	case EventAgentRecovered:
		return "[UP]"
	case EventTaskFailed:
		return "[FAIL]"
	case EventTaskTimeout:
		return "[TIMEOUT]"
	case EventTaskRecovered:
		return "[RECOVERED]"
	default:
		return "[INFO]"
	}
}

// emailTemplateData contains data for email templates.
type emailTemplateData struct {
	Title       string
	Message     string
	AgentName   string
	Protocol    string
	Target      string
	Failures    int
	Error       string
	StatusColor string
	CreatedAt   string
	Year        int
}

// formatHTML renders the notification as an HTML email body.
func (c *EmailChannel) formatHTML(notification *Notification) (string, error) {
	var buf bytes.Buffer
	if err := c.htmlTmpl.Execute(&buf, c.templateData(notification)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatPlain renders the notification as plain text.
func (c *EmailChannel) formatPlain(notification *Notification) (string, error) {
	var buf bytes.Buffer
	if err := c.plainTmpl.Execute(&buf, c.templateData(notification)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *EmailChannel) templateData(notification *Notification) emailTemplateData {
	return emailTemplateData{
		Title:       notification.Title,
		Message:     notification.Message,
		AgentName:   notification.AgentName,
		Protocol:    strings.ToUpper(notification.Protocol),
		Target:      notification.Target,
		Failures:    notification.Failures,
		Error:       notification.Error,
		StatusColor: eventColor(notification.Event),
		CreatedAt:   notification.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		Year:        time.Now().Year(),
	}
}

// buildMessage builds the complete MIME message.
func (c *EmailChannel) buildMessage(subject, htmlBody, plainBody string) []byte {
	var msg bytes.Buffer

	boundary := "----=_NetPulseBoundary_" + fmt.Sprintf("%d", time.Now().UnixNano())

	from := c.config.FromAddress
	if c.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", c.config.FromName, c.config.FromAddress)
	}

	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(c.config.Recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(plainBody)
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return msg.Bytes()
}

// Close shuts down the pooled SMTP connection.
func (c *EmailChannel) Close() error {
	c.client.close()
	return nil
}
