// Package mailer defines the outbound email contract and its SMTP
// implementation. Email is always a fire-and-forget side effect: services
// call Send from a goroutine after the primary write commits, and a delivery
// failure is logged, never propagated to the request.
//
// Template rendering is deliberately minimal (subject + plain-text body per
// template name); rich HTML templates are owned by the external mail
// pipeline.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strings"
	"time"

	"github.com/fablenest/fablenest/internal/config"
)

// Template names accepted by Send. Services pass these constants, never raw
// strings, so a typo is a compile error.
const (
	TemplateWelcome           = "welcome"
	TemplateConfirmEmail      = "confirm-email"
	TemplatePasswordReset     = "password-reset"
	TemplateUnusualSignIn     = "unusual-sign-in"
	TemplateVerificationToken = "verification-token"
)

// Data carries template variables. Only the fields a template uses need to
// be set.
type Data struct {
	Name  string
	Token string
}

// Mailer is the outbound email contract consumed by the auth service.
type Mailer interface {
	// Send renders the named template with data and delivers it to the
	// address. Safe to call from a goroutine; implementations must not
	// panic on delivery failure.
	Send(ctx context.Context, to, template string, data Data) error
}

// New returns the SMTP mailer when a host is configured, otherwise a
// logging no-op so development environments work without a mail server.
func New(cfg config.MailConfig) Mailer {
	if cfg.Host == "" {
		return &logMailer{}
	}
	return &smtpMailer{cfg: cfg}
}

// --- SMTP implementation ---

type smtpMailer struct {
	cfg config.MailConfig
}

func (m *smtpMailer) Send(ctx context.Context, to, template string, data Data) error {
	subject, body, err := render(template, data)
	if err != nil {
		return err
	}

	from := mail.Address{Name: "Fablenest", Address: m.cfg.From}

	// Build RFC 2822 message.
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if m.cfg.StartTLS {
		return m.sendStartTLS(addr, from.Address, to, msg.String())
	}
	return m.sendPlain(addr, from.Address, to, msg.String())
}

// sendStartTLS sends email using STARTTLS (port 587 typical).
func (m *smtpMailer) sendStartTLS(addr, from, to, msg string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starting TLS: %w", err)
	}

	if m.cfg.Username != "" {
		auth := gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// sendPlain sends email without encryption (local relays only).
func (m *smtpMailer) sendPlain(addr, from, to, msg string) error {
	var auth gosmtp.Auth
	if m.cfg.Username != "" {
		auth = gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := gosmtp.SendMail(addr, auth, from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// render maps a template name to its subject and plain-text body.
func render(template string, data Data) (subject, body string, err error) {
	name := data.Name
	if name == "" {
		name = "there"
	}

	switch template {
	case TemplateWelcome:
		return "Welcome to Fablenest!",
			fmt.Sprintf("Hi %s,\n\nYour account is ready. Happy reading!\n", name), nil
	case TemplateConfirmEmail:
		return "Confirm your email",
			fmt.Sprintf("Hi %s,\n\nYour confirmation code is %s. It expires in 20 minutes.\n", name, data.Token), nil
	case TemplatePasswordReset:
		return "Reset your password",
			fmt.Sprintf("Hi %s,\n\nYour password reset code is %s. It expires in 20 minutes.\nIf you didn't request this, you can ignore this email.\n", name, data.Token), nil
	case TemplateUnusualSignIn:
		return "New sign-in location detected",
			fmt.Sprintf("Hi %s,\n\nWe noticed a sign-in from a new device or location. Your verification code is %s.\nIf this wasn't you, reset your password immediately.\n", name, data.Token), nil
	case TemplateVerificationToken:
		return "Your verification code",
			fmt.Sprintf("Hi %s,\n\nYour verification code is %s. It expires in 20 minutes.\n", name, data.Token), nil
	default:
		return "", "", fmt.Errorf("unknown mail template %q", template)
	}
}

// --- Development no-op ---

// logMailer logs instead of delivering. Used when no SMTP host is set.
type logMailer struct{}

func (l *logMailer) Send(_ context.Context, to, template string, data Data) error {
	slog.Info("mail suppressed (no SMTP host configured)",
		slog.String("to", to),
		slog.String("template", template),
		slog.Bool("has_token", data.Token != ""),
	)
	return nil
}
