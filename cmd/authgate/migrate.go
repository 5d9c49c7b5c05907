// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authgate/internal/auth/sqlite"
	"github.com/holomush/authgate/internal/config"
	"github.com/holomush/authgate/internal/store"
	"github.com/holomush/authgate/internal/xdg"
)

// NewMigrateCmd creates the migrate subcommand and its children.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmdWithDeps(nil)
}

func newMigrateCmdWithDeps(deps *MigrateDeps) *cobra.Command {
	if deps == nil {
		deps = &MigrateDeps{}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if deps.SQLiteOpener == nil {
		deps.SQLiteOpener = func(ctx context.Context, dsn string) error {
			if isSQLitePath(dsn) {
				if err := xdg.EnsureDir(filepath.Dir(dsn)); err != nil {
					return err
				}
			}
			st, err := sqlite.Open(ctx, dsn)
			if err != nil {
				return err
			}
			return st.Close()
		}
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply, roll back or inspect schema migrations. SQLite databases carry an
embedded schema that is applied by "migrate up" and on every start.`,
	}
	d := config.Default()
	cmd.PersistentFlags().String("storage-driver", d.Storage.Driver, "storage driver (postgres or sqlite)")
	cmd.PersistentFlags().String("database-url", "", "database connection string (default: DATABASE_URL)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := migrateConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Driver == config.DriverSQLite {
				if err := deps.SQLiteOpener(cmd.Context(), cfg.DSN); err != nil {
					return oops.Code("MIGRATION_FAILED").Wrap(err)
				}
				cmd.Println("SQLite schema is up to date")
				return nil
			}
			if cfg.Driver != config.DriverPostgres {
				return oops.Code("MIGRATE_UNSUPPORTED").With("driver", cfg.Driver).Errorf("unknown storage driver")
			}
			return withMigrator(cmd, cfg, deps, func(m Migrator) error {
				cmd.Println("Running migrations...")
				if err := m.Up(); err != nil {
					return err
				}
				cmd.Println("Migrations completed successfully")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (all of them without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig(cmd)
			if err != nil {
				return err
			}
			return withMigrator(cmd, cfg, deps, func(m Migrator) error {
				if len(args) == 0 {
					if err := m.Down(); err != nil {
						return err
					}
					cmd.Println("All migrations rolled back")
					return nil
				}
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return oops.Code("INVALID_ARGUMENT").With("steps", args[0]).Errorf("steps must be a positive integer")
				}
				if err := m.Steps(-n); err != nil {
					return err
				}
				cmd.Printf("Rolled back %d migration(s)\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := postgresConfig(cmd)
			if err != nil {
				return err
			}
			return withMigrator(cmd, cfg, deps, func(m Migrator) error {
				st, err := m.Status()
				if err != nil {
					return err
				}
				if st.Version == 0 {
					cmd.Println("Version: none")
				} else {
					cmd.Printf("Version: %d (%s)\n", st.Version, st.Name)
				}
				if st.Dirty {
					cmd.Println("State: dirty, run \"migrate force\" after fixing the schema")
				}
				cmd.Printf("Applied: %d\n", len(st.Applied))
				cmd.Printf("Pending: %d\n", len(st.Pending))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return oops.Code("INVALID_ARGUMENT").With("version", args[0]).Errorf("version must be a non-negative integer")
			}
			cfg, err := postgresConfig(cmd)
			if err != nil {
				return err
			}
			return withMigrator(cmd, cfg, deps, func(m Migrator) error {
				if err := m.Force(v); err != nil {
					return err
				}
				cmd.Printf("Forced version %d\n", v)
				return nil
			})
		},
	})

	return cmd
}

func migrateConfig(cmd *cobra.Command) (config.StorageConfig, error) {
	path, err := configPath()
	if err != nil {
		return config.StorageConfig{}, err
	}
	cfg, err := config.Parse(path, cmd.Flags())
	if err != nil {
		return config.StorageConfig{}, err
	}
	if cfg.Storage.DSN == "" {
		return config.StorageConfig{}, oops.Code("CONFIG_INVALID").Errorf("storage.dsn, --database-url or DATABASE_URL is required")
	}
	return cfg.Storage, nil
}

func postgresConfig(cmd *cobra.Command) (config.StorageConfig, error) {
	cfg, err := migrateConfig(cmd)
	if err != nil {
		return cfg, err
	}
	if cfg.Driver != config.DriverPostgres {
		return cfg, oops.Code("MIGRATE_UNSUPPORTED").With("driver", cfg.Driver).Errorf("only postgres schemas are versioned")
	}
	return cfg, nil
}

func withMigrator(cmd *cobra.Command, cfg config.StorageConfig, deps *MigrateDeps, fn func(Migrator) error) error {
	migrator, err := deps.MigratorFactory(cfg.DSN)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("Warning: failed to close migrator:", closeErr)
		}
	}()
	if err := fn(migrator); err != nil {
		return oops.Code("MIGRATION_FAILED").Wrap(err)
	}
	return nil
}
