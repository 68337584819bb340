package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/ruled/consts"
)

// Postgres SQLSTATE codes the store reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// classifyError maps driver errors onto the consts taxonomy. Errors that
// already carry a sentinel pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %w", consts.ErrConcurrentModification, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", consts.ErrDBUniqueViolation, pgErr.ConstraintName)
		}
	}
	return err
}

// notFound converts pgx.ErrNoRows into the given not-found sentinel.
func notFound(err error, sentinel error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
	}
	return classifyError(err)
}
