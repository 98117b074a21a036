package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// EmailNotifier delivers fire and clear notifications over SMTP.
type EmailNotifier struct {
	logger *zap.Logger
	config EmailConfig
}

// NewEmailNotifier creates a new SMTP-backed notifier.
func NewEmailNotifier(logger *zap.Logger, config EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		logger: logger.Named("email"),
		config: config,
	}
}

// Send delivers a fire notification email.
func (e *EmailNotifier) Send(ctx context.Context, nctx *Context) error {
	subject := fmt.Sprintf("[ALERT] %s triggered", nctx.Alert.Name)
	body := fmt.Sprintf("Trigger `%s` fired against series `%s` at %s with value %g (threshold %g).",
		nctx.Trigger.Name,
		nctx.SeriesIdentity,
		time.UnixMilli(nctx.TriggerFiredTime).UTC().Format(time.RFC3339),
		nctx.TriggerValue,
		nctx.Trigger.Threshold)
	return e.send(subject, body)
}

// SendClear delivers a clear notification email.
func (e *EmailNotifier) SendClear(ctx context.Context, nctx *Context) error {
	subject := fmt.Sprintf("[CLEARED] %s", nctx.Alert.Name)
	body := fmt.Sprintf("Trigger `%s` is no longer violated for series `%s`.",
		nctx.Trigger.Name, nctx.SeriesIdentity)
	return e.send(subject, body)
}

func (e *EmailNotifier) send(subject, body string) error {
	if len(e.config.Recipients) == 0 {
		return fmt.Errorf("no recipients configured for email notifications")
	}

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		e.config.From,
		strings.Join(e.config.Recipients, ", "),
		subject,
		body)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := smtp.SendMail(addr, auth, e.config.From, e.config.Recipients, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("Email notification sent",
		zap.String("subject", subject),
		zap.Int("recipients", len(e.config.Recipients)))
	return nil
}
