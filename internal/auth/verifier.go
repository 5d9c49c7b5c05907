// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// dummyPassword is hashed once at construction; unknown logins are verified
// against it so their response time matches known ones.
//
//nolint:gosec // G101: not a credential
const dummyPassword = "authgate-timing-equalizer"

// CredentialVerifier checks passwords, one-time codes and directory binds.
type CredentialVerifier struct {
	users     UserRepository
	hasher    *PooledHasher
	directory DirectoryClient
	issuer    string
	dummyHash string
	now       func() time.Time
}

// NewCredentialVerifier creates a CredentialVerifier. directory may be nil
// when the directory fallback is disabled.
func NewCredentialVerifier(users UserRepository, hasher *PooledHasher, directory DirectoryClient, otpIssuer string, opts ...Option) (*CredentialVerifier, error) {
	if users == nil {
		return nil, oops.Code("VERIFIER_INVALID").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("VERIFIER_INVALID").Errorf("hasher is required")
	}
	dummy, err := hasher.Hash(context.Background(), dummyPassword)
	if err != nil {
		return nil, oops.Code("VERIFIER_INVALID").With("operation", "hash dummy password").Wrap(err)
	}
	o := applyOptions(opts)
	return &CredentialVerifier{
		users:     users,
		hasher:    hasher,
		directory: directory,
		issuer:    otpIssuer,
		dummyHash: dummy,
		now:       o.now,
	}, nil
}

// DirectoryEnabled reports whether a directory fallback is configured.
func (v *CredentialVerifier) DirectoryEnabled() bool {
	return v.directory != nil
}

// CheckPassword verifies plaintext against the local hash for login.
//
// The returned user is nil when the login is unknown. A user without a local
// hash yields (user, false, nil) so callers can fall back to the directory.
// Legacy or outdated hashes are upgraded after a successful check.
func (v *CredentialVerifier) CheckPassword(ctx context.Context, login, plaintext string) (*User, bool, error) {
	user, err := v.users.GetByLogin(ctx, NormalizeLogin(login))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, oops.Code("AUTH_CHECK_FAILED").With("operation", "get user by login").Wrap(err)
	}

	if user == nil || !user.HasLocalPassword() || plaintext == "" {
		// Burn the same time as a real comparison.
		if _, verr := v.hasher.Verify(ctx, plaintext, v.dummyHash); verr != nil && ctx.Err() != nil {
			return nil, false, verr
		}
		return user, false, nil
	}

	ok, err := v.hasher.Verify(ctx, plaintext, *user.PasswordHash)
	if err != nil {
		return nil, false, oops.With("operation", "verify password").With("user_id", user.ID.String()).Wrap(err)
	}
	if !ok {
		return user, false, nil
	}

	if v.hasher.NeedsUpgrade(*user.PasswordHash) {
		if newHash, herr := v.hasher.Hash(ctx, plaintext); herr == nil {
			// Best effort: the login succeeds regardless.
			if uerr := v.users.RehashPassword(ctx, user.ID, newHash); uerr == nil {
				user.PasswordHash = &newHash
			}
		}
	}
	return user, true, nil
}

// SetPassword stores a new hash for plaintext. Any outstanding reset secret
// is invalidated by the same write.
func (v *CredentialVerifier) SetPassword(ctx context.Context, userID ulid.ULID, plaintext string) error {
	hash, err := v.hasher.Hash(ctx, plaintext)
	if err != nil {
		return oops.With("operation", "hash password").With("user_id", userID.String()).Wrap(err)
	}
	if err := v.users.UpdatePassword(ctx, userID, hash); err != nil {
		return oops.With("operation", "store password").With("user_id", userID.String()).Wrap(err)
	}
	return nil
}

// CheckOTP reports whether code is the user's TOTP for the current step.
// Users without a secret never match.
func (v *CredentialVerifier) CheckOTP(ctx context.Context, userID ulid.ULID, code string) (bool, error) {
	user, err := v.users.GetByID(ctx, userID)
	if err != nil {
		return false, oops.Code("OTP_CHECK_FAILED").With("user_id", userID.String()).Wrap(err)
	}
	if user.OTPSecret == nil || code == "" {
		return false, nil
	}
	ok, err := MatchOTP(*user.OTPSecret, code, v.now())
	if err != nil {
		return false, oops.With("user_id", userID.String()).Wrap(err)
	}
	return ok, nil
}

// IssueOTPSecret generates and stores a new secret. OTPConfirmed is cleared
// only when clearConfirmed is set, as on a reset.
func (v *CredentialVerifier) IssueOTPSecret(ctx context.Context, userID ulid.ULID, clearConfirmed bool) (string, error) {
	secret, err := GenerateOTPSecret()
	if err != nil {
		return "", err
	}
	if err := v.users.UpdateOTPSecret(ctx, userID, secret, clearConfirmed); err != nil {
		return "", oops.With("operation", "store otp secret").With("user_id", userID.String()).Wrap(err)
	}
	return secret, nil
}

// ConfirmOTP records that the user completed OTP enrollment.
func (v *CredentialVerifier) ConfirmOTP(ctx context.Context, userID ulid.ULID) error {
	if err := v.users.ConfirmOTP(ctx, userID); err != nil {
		return oops.With("operation", "confirm otp").With("user_id", userID.String()).Wrap(err)
	}
	return nil
}

// OTPProvisioning returns enrollment data for the user's current secret.
func (v *CredentialVerifier) OTPProvisioning(user *User) (*OTPProvisioning, error) {
	if user.OTPSecret == nil {
		return nil, oops.Code("OTP_NO_SECRET").With("user_id", user.ID.String()).Errorf("user has no otp secret")
	}
	return NewOTPProvisioning(v.issuer, user.Login, *user.OTPSecret)
}

// AuthenticateDirectory binds against the directory. Rejected credentials
// return (nil, false, nil); any other directory failure is an error. On
// success the local shadow user is created or its email refreshed.
func (v *CredentialVerifier) AuthenticateDirectory(ctx context.Context, login, plaintext string) (*User, bool, error) {
	if v.directory == nil {
		return nil, false, oops.Code("DIRECTORY_DISABLED").Errorf("directory fallback is not configured")
	}
	login = NormalizeLogin(login)
	if login == "" || plaintext == "" {
		// An empty password would be an unauthenticated bind.
		return nil, false, nil
	}

	entry, err := v.directory.Authenticate(ctx, login, plaintext)
	if errors.Is(err, ErrDirectoryInvalidCredentials) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, oops.With("operation", "directory bind").With("login", login).Wrap(err)
	}

	user, err := v.users.GetByLogin(ctx, login)
	switch {
	case errors.Is(err, ErrNotFound):
		return v.createShadowUser(ctx, login, entry.Email)
	case err != nil:
		return nil, false, oops.Code("AUTH_CHECK_FAILED").With("operation", "get shadow user").Wrap(err)
	}

	if entry.Email != "" && entry.Email != user.EmailAddress() {
		if err := v.users.UpdateEmail(ctx, user.ID, entry.Email); err != nil {
			return nil, false, oops.With("operation", "refresh shadow user email").Wrap(err)
		}
		email := entry.Email
		user.Email = &email
	}
	return user, true, nil
}

func (v *CredentialVerifier) createShadowUser(ctx context.Context, login, email string) (*User, bool, error) {
	user, err := NewUser(login, email)
	if err != nil {
		return nil, false, err
	}
	err = v.users.Create(ctx, user)
	if errors.Is(err, ErrConflict) {
		// A concurrent bind created it first.
		existing, gerr := v.users.GetByLogin(ctx, login)
		if gerr != nil {
			return nil, false, oops.With("operation", "get shadow user").Wrap(gerr)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, oops.With("operation", "create shadow user").Wrap(err)
	}
	return user, true, nil
}
