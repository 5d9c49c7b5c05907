// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/config"
	"github.com/holomush/authgate/internal/observability"
	"github.com/holomush/authgate/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StorageOpener opens the user and session repositories.
	// Default: openStorage
	StorageOpener func(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Storage, error)

	// MailerFactory creates the outbound mailer.
	// Default: mail.NewSMTPMailer
	MailerFactory func(cfg config.EmailConfig) (auth.Mailer, error)

	// DirectoryFactory creates the directory client. Only called when the
	// directory is enabled.
	// Default: directory.New
	DirectoryFactory func(cfg config.LDAPConfig) (auth.DirectoryClient, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// ListenerFactory creates the public listener.
	// Default: net.Listen
	ListenerFactory func(network, address string) (net.Listener, error)

	// LogWriter receives log output. Default: os.Stderr
	LogWriter io.Writer

	// Started, when set, receives the public listen address once serving.
	Started chan<- string
}

// MigrateDeps contains injectable dependencies for the migrate command.
type MigrateDeps struct {
	// MigratorFactory creates a PostgreSQL migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// SQLiteOpener applies the embedded SQLite schema.
	// Default: sqlite.Open followed by Close
	SQLiteOpener func(ctx context.Context, dsn string) error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}
