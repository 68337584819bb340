package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/db"
)

func printMigrateUsage(out io.Writer) {
	fmt.Fprint(out, `Database Schema Migration Management

Run while the ruled daemon is stopped. A Postgres advisory lock keeps two
migrations from running at once. The sqlite driver creates its schema when the
store opens and needs no migrations.

Usage:
  ruled-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Revert migrations (--limit N, or --all)
  version   Show the current migration version and dirty state
  force     Force the schema to a version after a failed migration

Examples:
  ruled-admin migrate up
  ruled-admin migrate down --limit 2
  ruled-admin migrate force 1
`)
}

func handleMigrateCommand(ctx context.Context, args []string, out io.Writer) error {
	sub, rest, err := subcommand(args, out, printMigrateUsage)
	if err != nil {
		return err
	}

	fs := newFlagSet("migrate "+sub, out, "Usage: ruled-admin migrate "+sub+" [--config config.toml]\n")
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 1, "Number of migrations to revert (down)")
	all := fs.Bool("all", false, "Revert all migrations (down)")

	positional := 0
	if sub == "force" {
		positional = 1
	}
	switch sub {
	case "up", "down", "version", "force":
	default:
		return unknownSubcommand(out, "migrate", sub, printMigrateUsage)
	}
	if err := parse(fs, rest, positional); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "sqlite" {
		fmt.Fprintln(out, "The sqlite driver applies its schema on open; nothing to migrate.")
		return nil
	}

	m, sqlDB, err := openMigrator(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if sub != "version" {
		if err := db.AcquireMigrationLock(ctx, sqlDB); err != nil {
			return err
		}
		defer db.ReleaseMigrationLock(context.Background(), sqlDB)
	}

	switch sub {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		fmt.Fprintln(out, "Migrations applied.")
	case "down":
		if *all {
			err = m.Down()
		} else {
			if *limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			err = m.Steps(-*limit)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("revert migrations: %w", err)
		}
		fmt.Fprintln(out, "Migrations reverted.")
	case "force":
		if fs.NArg() != 1 {
			return fmt.Errorf("force requires a version argument")
		}
		v, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", fs.Arg(0), err)
		}
		if err := m.Force(v); err != nil {
			return fmt.Errorf("force version %d: %w", v, err)
		}
	}
	return showVersion(m, out)
}

func openMigrator(ctx context.Context, cfg config.DatabaseConfig) (*migrate.Migrate, *sql.DB, error) {
	if cfg.Write == nil {
		return nil, nil, fmt.Errorf("database.write is not configured")
	}
	return db.NewMigrator(ctx, cfg.Write.ConnString())
}

func showVersion(m *migrate.Migrate, out io.Writer) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "No migrations applied.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	fmt.Fprintf(out, "Version: %d, dirty: %t\n", v, dirty)
	if dirty {
		fmt.Fprintln(out, "The schema is dirty. Fix the failed migration, then run 'ruled-admin migrate force <version>'.")
	}
	return nil
}
