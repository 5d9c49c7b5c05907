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

const sessionColumns = `id, token_hash, user_id, remote_ip, password_verified, otp_verified, created_at, last_seen_at`

// SessionRepository implements auth.SessionRepository on SQLite.
type SessionRepository struct {
	db *sql.DB
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID.String(),
		session.TokenHash,
		session.UserID.String(),
		session.RemoteIP,
		session.PasswordVerified,
		session.OTPVerified,
		toMicros(session.CreatedAt),
		toMicros(session.LastSeenAt),
	)
	if isUniqueViolation(err) {
		return oops.Code("SESSION_CONFLICT").With("user_id", session.UserID.String()).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").With("user_id", session.UserID.String()).Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").Wrap(err)
	}
	return session, nil
}

// UpdateLastSeen sets last_seen_at.
func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", `UPDATE sessions SET last_seen_at = ? WHERE id = ?`,
		id, toMicros(lastSeen), id.String())
}

// MarkPasswordVerified sets password_verified.
func (r *SessionRepository) MarkPasswordVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", `UPDATE sessions SET password_verified = 1, last_seen_at = ? WHERE id = ?`,
		id, toMicros(at), id.String())
}

// MarkOTPVerified sets otp_verified.
func (r *SessionRepository) MarkOTPVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return r.exec(ctx, "SESSION_UPDATE_FAILED", `UPDATE sessions SET otp_verified = 1, last_seen_at = ? WHERE id = ?`,
		id, toMicros(at), id.String())
}

// Delete removes a session by ID.
func (r *SessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	return r.exec(ctx, "SESSION_DELETE_FAILED", `DELETE FROM sessions WHERE id = ?`, id, id.String())
}

// DeleteByTokenHash removes the session with the given token hash.
func (r *SessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return oops.Code("SESSION_DELETE_FAILED").Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteIdleBefore removes sessions last seen strictly before cutoff.
func (r *SessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, toMicros(cutoff))
	if err != nil {
		return 0, oops.Code("SESSION_GC_FAILED").With("cutoff", cutoff).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, oops.Code("SESSION_GC_FAILED").Wrap(err)
	}
	return n, nil
}

func (r *SessionRepository) exec(ctx context.Context, code, query string, id ulid.ULID, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return oops.Code(code).With("session_id", id.String()).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return oops.Code(code).With("session_id", id.String()).Wrap(err)
	}
	if n == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("session_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func scanSession(row *sql.Row) (*auth.Session, error) {
	var (
		s                 auth.Session
		idStr, userIDStr  string
		created, lastSeen int64
	)
	if err := row.Scan(&idStr, &s.TokenHash, &userIDStr, &s.RemoteIP,
		&s.PasswordVerified, &s.OTPVerified, &created, &lastSeen); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.With("id", idStr).Wrap(err)
	}
	if s.UserID, err = ulid.Parse(userIDStr); err != nil {
		return nil, oops.With("user_id", userIDStr).Wrap(err)
	}
	s.CreatedAt = fromMicros(created)
	s.LastSeenAt = fromMicros(lastSeen)
	return &s, nil
}

var _ auth.SessionRepository = (*SessionRepository)(nil)
