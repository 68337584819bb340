package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// NewMigrator opens a database/sql handle on connString and returns a
// migrate instance reading the embedded migrations. The caller closes the
// returned *sql.DB.
func NewMigrator(ctx context.Context, connString string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// MigrateUp applies pending migrations while holding the advisory lock.
func MigrateUp(ctx context.Context, connString string) error {
	m, sqlDB, err := NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := AcquireMigrationLock(ctx, sqlDB); err != nil {
		return err
	}
	defer ReleaseMigrationLock(context.Background(), sqlDB)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// AcquireMigrationLock takes the session-level advisory lock that keeps two
// migrators from running at once.
func AcquireMigrationLock(ctx context.Context, sqlDB *sql.DB) error {
	var lockAcquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.RuledAdvisoryLockID).Scan(&lockAcquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock, is another migration running?")
	}
	logger.Info("Migrate: acquired exclusive database lock")
	return nil
}

func ReleaseMigrationLock(ctx context.Context, sqlDB *sql.DB) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.RuledAdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("Migrate: failed to release advisory lock", "error", err)
	case !unlocked:
		logger.Warn("Migrate: advisory lock was not held at release")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("Migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
