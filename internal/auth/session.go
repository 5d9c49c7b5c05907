// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionTokenBytes is the entropy of a session token: 32 bytes = 64 hex chars.
const SessionTokenBytes = 32

// Session is a browsing context bound to the client IP it was created from.
// Only the SHA-256 of the cookie token is stored.
type Session struct {
	ID               ulid.ULID
	TokenHash        string
	UserID           ulid.ULID
	RemoteIP         string
	CreatedAt        time.Time
	LastSeenAt       time.Time
	PasswordVerified bool
	OTPVerified      bool
}

// NewSession creates a validated Session for a successful password check.
func NewSession(userID ulid.ULID, tokenHash, remoteIP string, now time.Time) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if remoteIP == "" {
		return nil, oops.Code("SESSION_INVALID_IP").Errorf("remote IP cannot be empty")
	}

	return &Session{
		ID:               ulid.Make(),
		TokenHash:        tokenHash,
		UserID:           userID,
		RemoteIP:         remoteIP,
		CreatedAt:        now,
		LastSeenAt:       now,
		PasswordVerified: true,
	}, nil
}

// FullyAuthenticated reports whether the session may reach the backend.
func (s *Session) FullyAuthenticated(otpEnabled bool) bool {
	return s.PasswordVerified && (s.OTPVerified || !otpEnabled)
}

// BoundTo reports whether the session was created from remoteIP.
func (s *Session) BoundTo(remoteIP string) bool {
	return remoteIP != "" && s.RemoteIP == remoteIP
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored in the database.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ValidTokenFormat reports whether token looks like a token minted by
// GenerateSessionToken. Malformed tokens never reach storage.
func ValidTokenFormat(token string) bool {
	if len(token) != SessionTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session. Returns ErrConflict if a session with the
	// same token hash exists.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// UpdateLastSeen sets LastSeenAt.
	UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error

	// MarkPasswordVerified sets PasswordVerified and LastSeenAt.
	MarkPasswordVerified(ctx context.Context, id ulid.ULID, at time.Time) error

	// MarkOTPVerified sets OTPVerified and LastSeenAt.
	MarkOTPVerified(ctx context.Context, id ulid.ULID, at time.Time) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByTokenHash removes the session with the given token hash.
	DeleteByTokenHash(ctx context.Context, tokenHash string) error

	// DeleteIdleBefore removes sessions whose LastSeenAt is strictly before
	// cutoff and returns the number removed.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
