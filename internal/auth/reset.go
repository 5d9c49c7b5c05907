// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ResetTokenBytes is the entropy of a reset secret: 32 bytes = 64 hex chars.
const ResetTokenBytes = 32

// ConsumeResult is the outcome of presenting a reset secret.
type ConsumeResult int

// Consume results. A secret that never existed, was superseded, was already
// used or outlived its TTL is reported as expired.
const (
	ConsumeExpired ConsumeResult = iota
	ConsumeOK
)

func (r ConsumeResult) String() string {
	if r == ConsumeOK {
		return "ok"
	}
	return "expired"
}

// GenerateResetToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the user; the hash is stored in the database.
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	token = hex.EncodeToString(tokenBytes)
	return token, HashResetToken(token), nil
}

// HashResetToken computes the SHA256 hash of a reset token.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ResetTokenService issues and consumes single-use reset secrets.
type ResetTokenService struct {
	users    UserRepository
	mailer   Mailer
	renderer MessageRenderer
	linkBase string
	ttl      time.Duration
	now      func() time.Time
}

// NewResetTokenService creates a ResetTokenService. Links in emails point at
// publicURL; a ttl of zero disables time-based expiry.
func NewResetTokenService(users UserRepository, mailer Mailer, renderer MessageRenderer, publicURL string, ttl time.Duration, opts ...Option) (*ResetTokenService, error) {
	if users == nil || mailer == nil || renderer == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("users, mailer and renderer are required")
	}
	if _, err := url.Parse(publicURL); err != nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").With("public_url", publicURL).Wrap(err)
	}
	if ttl < 0 {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("ttl must not be negative")
	}
	o := applyOptions(opts)
	return &ResetTokenService{
		users:    users,
		mailer:   mailer,
		renderer: renderer,
		linkBase: publicURL,
		ttl:      ttl,
		now:      o.now,
	}, nil
}

// Link builds the URL emailed for a secret.
func (s *ResetTokenService) Link(kind ResetKind, token string) string {
	u, err := url.Parse(s.linkBase)
	if err != nil {
		// Validated in the constructor.
		return s.linkBase
	}
	q := u.Query()
	q.Set("reset", string(kind))
	q.Set("secret", token)
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// Issue replaces the user's reset secret with a new one and emails it.
// Concurrent issues for one user leave only the last secret valid.
// A delivery failure is returned; the stored secret stays valid until replaced.
func (s *ResetTokenService) Issue(ctx context.Context, user *User, kind ResetKind, lang string) (string, error) {
	if !kind.Valid() {
		return "", oops.Code("RESET_INVALID_KIND").With("kind", string(kind)).Errorf("unknown reset kind")
	}
	to := user.EmailAddress()
	if to == "" {
		return "", oops.Code("RESET_NO_EMAIL").With("user_id", user.ID.String()).Errorf("user has no email address")
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return "", err
	}

	if err := s.users.SetResetSecret(ctx, user.ID, hash, kind, s.now()); err != nil {
		return "", oops.With("operation", "store reset secret").With("user_id", user.ID.String()).Wrap(err)
	}

	msg, err := s.renderer.RenderReset(lang, to, ResetMail{
		Login: user.Login,
		Kind:  kind,
		Link:  s.Link(kind, token),
	})
	if err != nil {
		return "", oops.With("operation", "render reset mail").With("lang", lang).Wrap(err)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return "", oops.With("operation", "send reset mail").With("user_id", user.ID.String()).Wrap(err)
	}
	return token, nil
}

// Consume atomically claims the presented secret and, on success, runs apply
// for the owning user. A secret is claimed at most once; apply runs after the
// claim, so a failing apply requires a new reset request.
func (s *ResetTokenService) Consume(
	ctx context.Context,
	kind ResetKind,
	presented string,
	apply func(ctx context.Context, userID ulid.ULID) error,
) (ConsumeResult, error) {
	if presented == "" || !kind.Valid() {
		return ConsumeExpired, nil
	}

	var issuedAfter time.Time
	if s.ttl > 0 {
		issuedAfter = s.now().Add(-s.ttl)
	}

	userID, err := s.users.ClaimResetSecret(ctx, HashResetToken(presented), kind, issuedAfter)
	if errors.Is(err, ErrNotFound) {
		return ConsumeExpired, nil
	}
	if err != nil {
		return ConsumeExpired, oops.With("operation", "claim reset secret").With("kind", string(kind)).Wrap(err)
	}

	if err := apply(ctx, userID); err != nil {
		return ConsumeExpired, oops.With("operation", "apply reset").With("user_id", userID.String()).Wrap(err)
	}
	return ConsumeOK, nil
}
