// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/store"
)

const userColumns = `id, login, password_hash, email, otp_secret, otp_confirmed,
	reset_secret_hash, reset_kind, reset_issued_at, created_at, updated_at`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	pool store.Querier
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool store.Querier) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	var kind *string
	if user.ResetKind != nil {
		k := string(*user.ResetKind)
		kind = &k
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		user.ID.String(),
		auth.NormalizeLogin(user.Login),
		user.PasswordHash,
		user.Email,
		user.OTPSecret,
		user.OTPConfirmed,
		user.ResetSecretHash,
		kind,
		user.ResetIssuedAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("USER_CONFLICT").With("login", user.Login).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("login", user.Login).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	return get(row, "id", id.String())
}

// GetByLogin retrieves a user by login.
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (*auth.User, error) {
	login = auth.NormalizeLogin(login)
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, login)
	return get(row, "login", login)
}

// GetByEmail retrieves a user by email, ignoring case. The oldest account
// wins when several share an address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE lower(email) = lower($1)
		ORDER BY created_at
		LIMIT 1
	`, email)
	return get(row, "email", email)
}

func get(row pgx.Row, key, value string) (*auth.User, error) {
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_FAILED").
			With("operation", "get user by "+key).
			With(key, value).
			Wrap(err)
	}
	return user, nil
}

// UpdateEmail replaces the user's email address.
func (r *UserRepository) UpdateEmail(ctx context.Context, id ulid.ULID, email string) error {
	return r.exec(ctx, "USER_UPDATE_EMAIL_FAILED", id, `
		UPDATE users SET email = $2, updated_at = now() WHERE id = $1
	`, id.String(), email)
}

// UpdatePassword stores a new hash and drops any reset secret.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.exec(ctx, "USER_UPDATE_PASSWORD_FAILED", id, `
		UPDATE users
		SET password_hash = $2,
		    reset_secret_hash = NULL, reset_kind = NULL, reset_issued_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id.String(), passwordHash)
}

// RehashPassword replaces the hash only.
func (r *UserRepository) RehashPassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.exec(ctx, "USER_REHASH_PASSWORD_FAILED", id, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id.String(), passwordHash)
}

// UpdateOTPSecret stores a new OTP secret.
func (r *UserRepository) UpdateOTPSecret(ctx context.Context, id ulid.ULID, secret string, clearConfirmed bool) error {
	return r.exec(ctx, "USER_UPDATE_OTP_FAILED", id, `
		UPDATE users
		SET otp_secret = $2,
		    otp_confirmed = CASE WHEN $3 THEN FALSE ELSE otp_confirmed END,
		    updated_at = now()
		WHERE id = $1
	`, id.String(), secret, clearConfirmed)
}

// ConfirmOTP marks OTP setup as completed.
func (r *UserRepository) ConfirmOTP(ctx context.Context, id ulid.ULID) error {
	return r.exec(ctx, "USER_CONFIRM_OTP_FAILED", id, `
		UPDATE users SET otp_confirmed = TRUE, updated_at = now() WHERE id = $1
	`, id.String())
}

// SetResetSecret replaces the user's reset secret.
func (r *UserRepository) SetResetSecret(ctx context.Context, id ulid.ULID, secretHash string, kind auth.ResetKind, issuedAt time.Time) error {
	return r.exec(ctx, "USER_SET_RESET_FAILED", id, `
		UPDATE users
		SET reset_secret_hash = $2, reset_kind = $3, reset_issued_at = $4, updated_at = now()
		WHERE id = $1
	`, id.String(), secretHash, string(kind), issuedAt)
}

// ClaimResetSecret clears a matching reset secret in a single UPDATE; of
// several concurrent claims only one gets a row back.
func (r *UserRepository) ClaimResetSecret(ctx context.Context, secretHash string, kind auth.ResetKind, issuedAfter time.Time) (ulid.ULID, error) {
	var idStr string
	err := r.pool.QueryRow(ctx, `
		UPDATE users
		SET reset_secret_hash = NULL, reset_kind = NULL, reset_issued_at = NULL, updated_at = now()
		WHERE reset_secret_hash = $1 AND reset_kind = $2 AND reset_issued_at > $3
		RETURNING id
	`, secretHash, string(kind), issuedAfter).Scan(&idStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("RESET_NOT_FOUND").With("kind", string(kind)).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CLAIM_FAILED").
			With("operation", "claim reset secret").
			With("kind", string(kind)).
			Wrap(err)
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return ulid.ULID{}, oops.Code("RESET_CLAIM_FAILED").With("id", idStr).Wrap(err)
	}
	return id, nil
}

func (r *UserRepository) exec(ctx context.Context, code string, id ulid.ULID, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		user  auth.User
		idStr string
		kind  *string
	)
	if err := row.Scan(
		&idStr,
		&user.Login,
		&user.PasswordHash,
		&user.Email,
		&user.OTPSecret,
		&user.OTPConfirmed,
		&user.ResetSecretHash,
		&kind,
		&user.ResetIssuedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("id", idStr).Wrap(err)
	}
	user.ID = id
	if kind != nil {
		k := auth.ResetKind(*kind)
		user.ResetKind = &k
	}
	return &user, nil
}

var _ auth.UserRepository = (*UserRepository)(nil)
