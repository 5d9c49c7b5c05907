// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sqlite implements the auth repositories on an embedded SQLite
// database. It serves single-node deployments and tests; the schema is
// created on open.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver" // registers "sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"  // bundled SQLite build
	"github.com/samber/oops"
)

//go:embed schema.sql
var schema string

const driverName = "sqlite3"

// Store owns the database handle shared by the repositories.
type Store struct {
	db       *sql.DB
	users    *UserRepository
	sessions *SessionRepository
}

// Open opens dsn (a path, file: URI or ":memory:") and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, oops.Code("SQLITE_OPEN_FAILED").Errorf("dsn is required")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, oops.Code("SQLITE_OPEN_FAILED").With("dsn", dsn).Wrap(err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" a
	// single database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, oops.Code("SQLITE_OPEN_FAILED").With("pragma", stmt).Wrap(err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, oops.Code("SQLITE_SCHEMA_FAILED").Wrap(err)
	}

	return &Store{
		db:       db,
		users:    &UserRepository{db: db},
		sessions: &SessionRepository{db: db},
	}, nil
}

// Users returns the user repository.
func (s *Store) Users() *UserRepository { return s.users }

// Sessions returns the session repository.
func (s *Store) Sessions() *SessionRepository { return s.sessions }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return oops.Code("SQLITE_PING_FAILED").Wrap(err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

// Times are stored as Unix microseconds, the precision PostgreSQL keeps.
func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
