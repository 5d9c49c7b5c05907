// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package authtest provides test doubles for the auth package's ports.
package authtest

import (
	"context"
	"strings"
	"sync"

	"github.com/holomush/authgate/internal/auth"
)

// RecordingMailer records every message. Err, when set, is returned instead.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []auth.Message
	Err  error
}

// Send records msg.
func (m *RecordingMailer) Send(_ context.Context, msg auth.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *RecordingMailer) Sent() []auth.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.Message(nil), m.sent...)
}

// Last returns the most recent message and whether there was one.
func (m *RecordingMailer) Last() (auth.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return auth.Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// PlainRenderer renders reset mail as the bare link.
type PlainRenderer struct{}

// RenderReset returns a message whose text body is data.Link.
func (PlainRenderer) RenderReset(lang, to string, data auth.ResetMail) (auth.Message, error) {
	return auth.Message{
		To:       to,
		Subject:  "reset " + string(data.Kind) + " [" + lang + "]",
		TextBody: data.Link,
	}, nil
}

// StubDirectory accepts the logins in Accounts with their password.
// Err, when set, is returned for every bind.
type StubDirectory struct {
	mu       sync.Mutex
	Accounts map[string]StubAccount
	Err      error
	binds    int
}

// StubAccount is one directory account.
type StubAccount struct {
	Password string
	Email    string
}

// Authenticate implements auth.DirectoryClient.
func (d *StubDirectory) Authenticate(_ context.Context, login, password string) (*auth.DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binds++
	if d.Err != nil {
		return nil, d.Err
	}
	acct, ok := d.Accounts[strings.ToLower(login)]
	if !ok || acct.Password != password {
		return nil, auth.ErrDirectoryInvalidCredentials
	}
	return &auth.DirectoryEntry{Login: login, Email: acct.Email}, nil
}

// Binds returns how many binds were attempted.
func (d *StubDirectory) Binds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binds
}

var (
	_ auth.Mailer          = (*RecordingMailer)(nil)
	_ auth.MessageRenderer = PlainRenderer{}
	_ auth.DirectoryClient = (*StubDirectory)(nil)
)
