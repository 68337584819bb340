// Package sqlitedb is the embedded storage collaborator. It implements
// db.Store on a single SQLite file through the pure-Go modernc driver, for
// single-node deployments and for tests.
//
// Writes are serialized: the pool holds one connection and every
// transaction starts with BEGIN IMMEDIATE. A TxFunc must therefore only use
// the Tx it is given; calling back into the Store from inside it blocks.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ db.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := upgradeSchema(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to upgrade schema: %w", err)
	}

	logger.Info("Database: sqlite store opened", "path", path)
	return &Store{db: sqlDB}, nil
}

// upgradeSchema adds columns introduced after a database file was created.
func upgradeSchema(ctx context.Context, sqlDB *sql.DB) error {
	var n int
	err := sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('auto_reply_log') WHERE name = 'request_key'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = sqlDB.ExecContext(ctx, `ALTER TABLE auto_reply_log ADD COLUMN request_key TEXT NOT NULL DEFAULT ''`)
	}
	return err
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		logger.Warn("Database: failed to close sqlite store", "error", err)
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in one IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn db.TxFunc) error {
	start := time.Now()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, classifyError(err))
	}

	t := &tx{q: sqlTx}
	if err := fn(ctx, t); err != nil {
		_ = sqlTx.Rollback()
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())
		return classifyError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, classifyError(err))
	}
	metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())

	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", consts.ErrConcurrentModification, err)
		case sqlite3.SQLITE_CONSTRAINT:
			if sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
				return fmt.Errorf("%w: %w", consts.ErrDBUniqueViolation, err)
			}
		}
	}
	return err
}

func notFound(err error, sentinel error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
	}
	return classifyError(err)
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}
