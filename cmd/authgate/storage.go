// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/auth/postgres"
	"github.com/holomush/authgate/internal/auth/sqlite"
	"github.com/holomush/authgate/internal/config"
	"github.com/holomush/authgate/internal/store"
	"github.com/holomush/authgate/internal/xdg"
)

// Storage is an opened persistence backend.
type Storage struct {
	Users    auth.UserRepository
	Sessions auth.SessionRepository
	Ping     func(ctx context.Context) error
	Close    func()
}

// openStorage opens the configured backend. PostgreSQL schemas are migrated
// to the latest version before the repositories are handed out.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if isSQLitePath(cfg.DSN) {
			if err := xdg.EnsureDir(filepath.Dir(cfg.DSN)); err != nil {
				return nil, err
			}
		}
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, oops.Code("DB_CONNECT_FAILED").With("driver", cfg.Driver).Wrap(err)
		}
		return &Storage{
			Users:    st.Users(),
			Sessions: st.Sessions(),
			Ping:     st.Ping,
			Close: func() {
				if err := st.Close(); err != nil {
					logger.Warn("failed to close sqlite store", "error", err)
				}
			},
		}, nil

	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.DSN, store.ConnectOptions{
			Retries: cfg.ConnectRetries,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		if err := migrateUp(cfg.DSN); err != nil {
			pool.Close()
			return nil, err
		}
		return &Storage{
			Users:    postgres.NewUserRepository(pool),
			Sessions: postgres.NewSessionRepository(pool),
			Ping:     pool.Ping,
			Close:    pool.Close,
		}, nil

	default:
		return nil, oops.Code("CONFIG_INVALID").With("driver", cfg.Driver).Errorf("unknown storage driver")
	}
}

func migrateUp(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").Wrap(err)
	}
	return nil
}

// isSQLitePath reports whether dsn names a plain database file.
func isSQLitePath(dsn string) bool {
	return dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}
