// Package email sends fallback notifications via SMTP.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender delivers plain-text mail through a relay.
type Sender struct {
	cfg    config.SMTPConfig
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewSender creates a sender; auth is only used when a username is set.
func NewSender(cfg config.SMTPConfig) *Sender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Sender{
		cfg:    cfg,
		server: cfg.Host + ":" + cfg.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if a relay and sender address are set.
func (s *Sender) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.From != ""
}

// Send mails msg to a single address.
func (s *Sender) Send(ctx context.Context, to string, msg domain.FallbackMessage) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient %q", to)
	}
	if err := s.send(s.server, s.auth, s.cfg.From, []string{to}, s.compose(to, msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Sender) compose(to string, msg domain.FallbackMessage) []byte {
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}
	subject := strings.NewReplacer("\r", " ", "\n", " ").Replace(msg.Subject)

	body := msg.Text
	if msg.URL != "" {
		body += "\r\n\r\n" + msg.URL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
