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

const sessionColumns = `id, token_hash, user_id, remote_ip, password_verified, otp_verified, created_at, last_seen_at`

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool store.Querier
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool store.Querier) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		session.ID.String(),
		session.TokenHash,
		session.UserID.String(),
		session.RemoteIP,
		session.PasswordVerified,
		session.OTPVerified,
		session.CreatedAt,
		session.LastSeenAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("SESSION_CONFLICT").With("user_id", session.UserID.String()).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, tokenHash)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	return session, nil
}

// UpdateLastSeen sets last_seen_at.
func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", id,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id.String(), lastSeen)
}

// MarkPasswordVerified sets password_verified.
func (r *SessionRepository) MarkPasswordVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", id,
		`UPDATE sessions SET password_verified = TRUE, last_seen_at = $2 WHERE id = $1`, id.String(), at)
}

// MarkOTPVerified sets otp_verified.
func (r *SessionRepository) MarkOTPVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", id,
		`UPDATE sessions SET otp_verified = TRUE, last_seen_at = $2 WHERE id = $1`, id.String(), at)
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	return r.exec(ctx, "SESSION_DELETE_FAILED", id, `DELETE FROM sessions WHERE id = $1`, id.String())
}

// DeleteByTokenHash removes the session with the given token hash.
func (r *SessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return oops.Code("SESSION_DELETE_FAILED").With("operation", "delete session by token hash").Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteIdleBefore removes sessions last seen strictly before cutoff.
func (r *SessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, oops.Code("SESSION_GC_FAILED").
			With("operation", "delete idle sessions").
			With("cutoff", cutoff).
			Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) exec(ctx context.Context, code string, id ulid.ULID, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return oops.Code(code).With("session_id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("session_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		s                auth.Session
		idStr, userIDStr string
	)
	if err := row.Scan(
		&idStr,
		&s.TokenHash,
		&userIDStr,
		&s.RemoteIP,
		&s.PasswordVerified,
		&s.OTPVerified,
		&s.CreatedAt,
		&s.LastSeenAt,
	); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("id", idStr).Wrap(err)
	}
	if s.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.With("user_id", userIDStr).Wrap(err)
	}
	return &s, nil
}

var _ auth.SessionRepository = (*SessionRepository)(nil)
