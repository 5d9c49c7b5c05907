// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxLoginLength bounds the login accepted from clients and directories.
const MaxLoginLength = 256

// ResetKind names what an emailed reset secret authorizes.
type ResetKind string

// Reset kinds.
const (
	ResetPassword ResetKind = "password"
	ResetOTP      ResetKind = "otp"
)

// Valid reports whether k is a known reset kind.
func (k ResetKind) Valid() bool {
	return k == ResetPassword || k == ResetOTP
}

// User is a local identity. Directory accounts get a shadow User with no
// password hash on first successful bind.
type User struct {
	ID              ulid.ULID
	Login           string
	PasswordHash    *string // nil when never set locally
	Email           *string
	OTPSecret       *string // base32
	OTPConfirmed    bool
	ResetSecretHash *string // SHA-256 hex of the single valid reset secret
	ResetKind       *ResetKind
	ResetIssuedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasLocalPassword reports whether the user can log in without the directory.
func (u *User) HasLocalPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// EmailAddress returns the user's email or "".
func (u *User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// NormalizeLogin trims surrounding space and lowercases a login.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// NewUser creates a validated User. An empty email is stored as nil.
func NewUser(login, email string) (*User, error) {
	login = NormalizeLogin(login)
	if login == "" {
		return nil, oops.Code("USER_INVALID_LOGIN").Errorf("login cannot be empty")
	}
	if utf8.RuneCountInString(login) > MaxLoginLength {
		return nil, oops.Code("USER_INVALID_LOGIN").
			With("max", MaxLoginLength).
			Errorf("login must be at most %d characters", MaxLoginLength)
	}

	u := &User{
		ID:        ulid.Make(),
		Login:     login,
		CreatedAt: time.Now(),
	}
	u.UpdatedAt = u.CreatedAt
	if email = strings.TrimSpace(email); email != "" {
		u.Email = &email
	}
	return u, nil
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user. Returns ErrConflict if the login is taken.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByLogin retrieves a user by login (case-insensitive).
	GetByLogin(ctx context.Context, login string) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdateEmail replaces the user's email address.
	UpdateEmail(ctx context.Context, id ulid.ULID, email string) error

	// UpdatePassword stores a new password hash and clears any outstanding
	// reset secret in the same write.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// RehashPassword replaces the hash of an unchanged password. Reset
	// secrets are left alone.
	RehashPassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// UpdateOTPSecret stores a new OTP secret, clearing OTPConfirmed only
	// when clearConfirmed is set.
	UpdateOTPSecret(ctx context.Context, id ulid.ULID, secret string, clearConfirmed bool) error

	// ConfirmOTP marks OTP setup as completed.
	ConfirmOTP(ctx context.Context, id ulid.ULID) error

	// SetResetSecret replaces the user's reset secret. The last writer wins.
	SetResetSecret(ctx context.Context, id ulid.ULID, secretHash string, kind ResetKind, issuedAt time.Time) error

	// ClaimResetSecret atomically clears the reset secret matching
	// secretHash and kind, provided it was issued after issuedAfter, and
	// returns the owning user ID. Returns ErrNotFound if nothing matched.
	ClaimResetSecret(ctx context.Context, secretHash string, kind ResetKind, issuedAfter time.Time) (ulid.ULID, error)
}
