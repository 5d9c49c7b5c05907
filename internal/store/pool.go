// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store manages the PostgreSQL connection pool and schema migrations.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Querier is the subset of *pgxpool.Pool the repositories use. pgxmock's
// pool satisfies it as well.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// ConnectOptions tunes Connect.
type ConnectOptions struct {
	// Retries is how many extra attempts follow a failed first ping.
	Retries uint64
	// BaseDelay is the first backoff interval; later ones grow exponentially.
	BaseDelay time.Duration
	Logger    *slog.Logger
}

// Connect opens a pool for dsn and waits for the database to answer,
// retrying with exponential backoff.
func Connect(ctx context.Context, dsn string, opts ConnectOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").Wrap(err)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("host", cfg.ConnConfig.Host).Wrap(err)
	}

	backoff := retry.WithMaxRetries(opts.Retries, retry.NewExponential(opts.BaseDelay))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if perr := pool.Ping(ctx); perr != nil {
			logger.WarnContext(ctx, "database not ready",
				"attempt", attempt,
				"host", cfg.ConnConfig.Host,
				"error", perr)
			return retry.RetryableError(perr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("host", cfg.ConnConfig.Host).
			With("attempts", attempt).
			Wrap(err)
	}
	return pool, nil
}
