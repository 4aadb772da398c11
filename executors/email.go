package executors

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers email over SMTP with PLAIN auth when a username is set.
type SMTPSender struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	if config.Port == 0 {
		config.Port = 587
	}
	return &SMTPSender{config: config, send: smtp.SendMail}
}

func (s *SMTPSender) SendEmail(ctx context.Context, tenantID, to string, msg EmailMessage) error {
	cc := msg.Cc()
	for _, h := range append([]string{to, msg.Subject, msg.ReplyTo()}, cc...) {
		if strings.ContainsAny(h, "\r\n") {
			return fmt.Errorf("email headers must not contain line breaks")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	body := buildMessage(s.config.From, to, tenantID, msg)

	// smtp.SendMail has no context support; run it aside so a deadline
	// still releases the caller.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.send(addr, auth, s.config.From, append([]string{to}, cc...), body)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp delivery to %s failed: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, tenantID string, msg EmailMessage) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	if cc := msg.Cc(); len(cc) > 0 {
		b.WriteString("Cc: " + strings.Join(cc, ", ") + "\r\n")
	}
	if replyTo := msg.ReplyTo(); replyTo != "" {
		b.WriteString("Reply-To: " + replyTo + "\r\n")
	}
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString(HeaderTenantID + ": " + tenantID + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// LogEmailSender only logs messages. It is used when SMTP is not configured.
type LogEmailSender struct {
	logger *slog.Logger
}

func NewLogEmailSender(logger *slog.Logger) *LogEmailSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendEmail(ctx context.Context, tenantID, to string, msg EmailMessage) error {
	s.logger.InfoContext(ctx, "Email (not delivered, no SMTP configured)",
		slog.String("tenant_id", tenantID),
		slog.String("to", to),
		slog.String("subject", msg.Subject),
		slog.Any("extra", msg.Extra))
	return nil
}
