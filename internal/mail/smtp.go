// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail delivers reset messages over SMTP and renders them from
// localized templates.
package mail

import (
	"context"
	"time"

	gomail "github.com/wneessen/go-mail"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
)

// TLS modes.
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

// Config describes the SMTP relay.
type Config struct {
	Host     string
	Port     int
	TLS      string
	From     string
	Username string
	Password string
	Timeout  time.Duration
}

// Sender sends built messages. *gomail.Client implements it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPMailer implements auth.Mailer.
type SMTPMailer struct {
	from   string
	sender Sender
}

// NewSMTPMailer builds a go-mail client for cfg.
func NewSMTPMailer(cfg Config) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("host and from are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []gomail.Option{gomail.WithTimeout(cfg.Timeout)}
	if cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	switch cfg.TLS {
	case TLSStartTLS, "":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	case TLSImplicit:
		opts = append(opts, gomail.WithSSL())
	case TLSNone:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("tls", cfg.TLS).Errorf("unknown tls mode")
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("host", cfg.Host).Wrap(err)
	}
	return NewMailer(cfg.From, client), nil
}

// NewMailer creates an SMTPMailer that hands messages to sender.
func NewMailer(from string, sender Sender) *SMTPMailer {
	return &SMTPMailer{from: from, sender: sender}
}

// Build converts msg to a go-mail message.
func (m *SMTPMailer) Build(msg auth.Message) (*gomail.Msg, error) {
	out := gomail.NewMsg()
	if err := out.From(m.from); err != nil {
		return nil, oops.Code("MAIL_BUILD_FAILED").With("from", m.from).Wrap(err)
	}
	if err := out.To(msg.To); err != nil {
		return nil, oops.Code("MAIL_BUILD_FAILED").With("to", msg.To).Wrap(err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		out.AddAlternativeString(gomail.TypeTextHTML, msg.HTMLBody)
	}
	return out, nil
}

// Send delivers msg.
func (m *SMTPMailer) Send(ctx context.Context, msg auth.Message) error {
	out, err := m.Build(msg)
	if err != nil {
		return err
	}
	if err := m.sender.DialAndSendWithContext(ctx, out); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("to", msg.To).Wrap(err)
	}
	return nil
}

var _ auth.Mailer = (*SMTPMailer)(nil)
