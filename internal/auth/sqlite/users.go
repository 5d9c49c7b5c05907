// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
)

const userColumns = `id, login, password_hash, email, otp_secret, otp_confirmed,
	reset_secret_hash, reset_kind, reset_issued_at, created_at, updated_at`

// UserRepository implements auth.UserRepository on SQLite.
type UserRepository struct {
	db *sql.DB
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	var kind sql.NullString
	if user.ResetKind != nil {
		kind = sql.NullString{String: string(*user.ResetKind), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID.String(),
		auth.NormalizeLogin(user.Login),
		nullString(user.PasswordHash),
		nullString(user.Email),
		nullString(user.OTPSecret),
		user.OTPConfirmed,
		nullString(user.ResetSecretHash),
		kind,
		nullMicros(user.ResetIssuedAt),
		toMicros(user.CreatedAt),
		toMicros(user.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return oops.Code("USER_CONFLICT").With("login", user.Login).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").With("login", user.Login).Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String())
	return r.get(row, "id", id.String())
}

// GetByLogin retrieves a user by login.
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (*auth.User, error) {
	login = auth.NormalizeLogin(login)
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE login = ?`, login)
	return r.get(row, "login", login)
}

// GetByEmail retrieves a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE lower(email) = lower(?)
		ORDER BY created_at LIMIT 1`, email)
	return r.get(row, "email", email)
}

func (r *UserRepository) get(row *sql.Row, key, value string) (*auth.User, error) {
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_FAILED").With(key, value).Wrap(err)
	}
	return user, nil
}

// UpdateEmail replaces the user's email address.
func (r *UserRepository) UpdateEmail(ctx context.Context, id ulid.ULID, email string) error {
	return r.update(ctx, "USER_UPDATE_EMAIL_FAILED", id,
		`UPDATE users SET email = ?, updated_at = ? WHERE id = ?`,
		email, toMicros(time.Now()), id.String())
}

// UpdatePassword stores a new hash and drops any reset secret.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.update(ctx, "USER_UPDATE_PASSWORD_FAILED", id, `
		UPDATE users
		SET password_hash = ?, reset_secret_hash = NULL, reset_kind = NULL, reset_issued_at = NULL, updated_at = ?
		WHERE id = ?`,
		passwordHash, toMicros(time.Now()), id.String())
}

// RehashPassword replaces the hash only.
func (r *UserRepository) RehashPassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.update(ctx, "USER_REHASH_PASSWORD_FAILED", id,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, toMicros(time.Now()), id.String())
}

// UpdateOTPSecret stores a new OTP secret.
func (r *UserRepository) UpdateOTPSecret(ctx context.Context, id ulid.ULID, secret string, clearConfirmed bool) error {
	return r.update(ctx, "USER_UPDATE_OTP_FAILED", id, `
		UPDATE users
		SET otp_secret = ?, otp_confirmed = CASE WHEN ? THEN 0 ELSE otp_confirmed END, updated_at = ?
		WHERE id = ?`,
		secret, clearConfirmed, toMicros(time.Now()), id.String())
}

// ConfirmOTP marks OTP setup as completed.
func (r *UserRepository) ConfirmOTP(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, "USER_CONFIRM_OTP_FAILED", id,
		`UPDATE users SET otp_confirmed = 1, updated_at = ? WHERE id = ?`,
		toMicros(time.Now()), id.String())
}

// SetResetSecret replaces the user's reset secret.
func (r *UserRepository) SetResetSecret(ctx context.Context, id ulid.ULID, secretHash string, kind auth.ResetKind, issuedAt time.Time) error {
	return r.update(ctx, "USER_SET_RESET_FAILED", id, `
		UPDATE users
		SET reset_secret_hash = ?, reset_kind = ?, reset_issued_at = ?, updated_at = ?
		WHERE id = ?`,
		secretHash, string(kind), toMicros(issuedAt), toMicros(time.Now()), id.String())
}

// ClaimResetSecret clears a matching reset secret in one statement so that
// concurrent claims see at most one winner.
func (r *UserRepository) ClaimResetSecret(ctx context.Context, secretHash string, kind auth.ResetKind, issuedAfter time.Time) (ulid.ULID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET reset_secret_hash = NULL, reset_kind = NULL, reset_issued_at = NULL, updated_at = ?
		WHERE reset_secret_hash = ? AND reset_kind = ? AND reset_issued_at > ?
		RETURNING id`,
		toMicros(time.Now()), secretHash, string(kind), toMicros(issuedAfter),
	).Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return ulid.ULID{}, oops.Code("RESET_NOT_FOUND").With("kind", string(kind)).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CLAIM_FAILED").With("kind", string(kind)).Wrap(err)
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CLAIM_FAILED").With("id", idStr).Wrap(err)
	}
	return id, nil
}

func (r *UserRepository) update(ctx context.Context, code string, id ulid.ULID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	if n == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		idStr            string
		user             auth.User
		passwordHash     sql.NullString
		email            sql.NullString
		otpSecret        sql.NullString
		resetHash        sql.NullString
		kind             sql.NullString
		resetIssued      sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&idStr, &user.Login, &passwordHash, &email, &otpSecret, &user.OTPConfirmed,
		&resetHash, &kind, &resetIssued, &created, &updated); err != nil {
		return nil, err
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("id", idStr).Wrap(err)
	}
	user.ID = id
	user.PasswordHash = stringPtr(passwordHash)
	user.Email = stringPtr(email)
	user.OTPSecret = stringPtr(otpSecret)
	user.ResetSecretHash = stringPtr(resetHash)
	if kind.Valid {
		k := auth.ResetKind(kind.String)
		user.ResetKind = &k
	}
	if resetIssued.Valid {
		t := fromMicros(resetIssued.Int64)
		user.ResetIssuedAt = &t
	}
	user.CreatedAt = fromMicros(created)
	user.UpdatedAt = fromMicros(updated)
	return &user, nil
}

var _ auth.UserRepository = (*UserRepository)(nil)
