// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Option configures a service.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SessionStore owns the session lifecycle. Tokens handed to it are the
// plaintext cookie values; only their hashes reach the repository.
type SessionStore struct {
	repo SessionRepository
	now  func() time.Time
}

// NewSessionStore creates a SessionStore backed by repo.
func NewSessionStore(repo SessionRepository, opts ...Option) (*SessionStore, error) {
	if repo == nil {
		return nil, oops.Code("SESSION_STORE_INVALID").Errorf("session repository is required")
	}
	o := applyOptions(opts)
	return &SessionStore{repo: repo, now: o.now}, nil
}

// Lookup returns the session for token, or an error wrapping ErrNotFound.
// It has no side effects.
func (s *SessionStore) Lookup(ctx context.Context, token string) (*Session, error) {
	if !ValidTokenFormat(token) {
		return nil, oops.Code("SESSION_NOT_FOUND").With("reason", "malformed token").Wrap(ErrNotFound)
	}
	session, err := s.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		return nil, oops.With("operation", "lookup session").Wrap(err)
	}
	return session, nil
}

// CreateOnFirstAuth creates a password-verified session for userID bound to
// remoteIP. Returns an error wrapping ErrConflict if token already has a session.
func (s *SessionStore) CreateOnFirstAuth(ctx context.Context, userID ulid.ULID, token, remoteIP string) (*Session, error) {
	if !ValidTokenFormat(token) {
		return nil, oops.Code("SESSION_INVALID_TOKEN").Errorf("session token is malformed")
	}
	session, err := NewSession(userID, HashSessionToken(token), remoteIP, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, oops.With("operation", "create session").With("user_id", userID.String()).Wrap(err)
	}
	return session, nil
}

// Refresh records activity on the session.
func (s *SessionStore) Refresh(ctx context.Context, id ulid.ULID) error {
	if err := s.repo.UpdateLastSeen(ctx, id, s.now()); err != nil {
		return oops.With("operation", "refresh session").With("session_id", id.String()).Wrap(err)
	}
	return nil
}

// MarkPasswordVerified sets the password flag. The flag is never cleared.
func (s *SessionStore) MarkPasswordVerified(ctx context.Context, id ulid.ULID) error {
	if err := s.repo.MarkPasswordVerified(ctx, id, s.now()); err != nil {
		return oops.With("operation", "mark password verified").With("session_id", id.String()).Wrap(err)
	}
	return nil
}

// MarkOTPVerified sets the OTP flag. The flag is never cleared.
func (s *SessionStore) MarkOTPVerified(ctx context.Context, id ulid.ULID) error {
	if err := s.repo.MarkOTPVerified(ctx, id, s.now()); err != nil {
		return oops.With("operation", "mark otp verified").With("session_id", id.String()).Wrap(err)
	}
	return nil
}

// Delete removes a session by ID.
func (s *SessionStore) Delete(ctx context.Context, id ulid.ULID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return oops.With("operation", "delete session").With("session_id", id.String()).Wrap(err)
	}
	return nil
}

// DeleteByToken removes the session carried by token.
func (s *SessionStore) DeleteByToken(ctx context.Context, token string) error {
	if !ValidTokenFormat(token) {
		return oops.Code("SESSION_NOT_FOUND").With("reason", "malformed token").Wrap(ErrNotFound)
	}
	if err := s.repo.DeleteByTokenHash(ctx, HashSessionToken(token)); err != nil {
		return oops.With("operation", "delete session by token").Wrap(err)
	}
	return nil
}

// CollectGarbage deletes sessions idle for longer than lifetime and returns
// how many were removed. A session last seen exactly lifetime ago survives.
func (s *SessionStore) CollectGarbage(ctx context.Context, lifetime time.Duration) (int64, error) {
	if lifetime <= 0 {
		return 0, oops.Code("SESSION_GC_INVALID").With("lifetime", lifetime.String()).Errorf("lifetime must be positive")
	}
	n, err := s.repo.DeleteIdleBefore(ctx, s.now().Add(-lifetime))
	if err != nil {
		return 0, oops.With("operation", "collect garbage").Wrap(err)
	}
	return n, nil
}
