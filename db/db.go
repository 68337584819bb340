// Package db is the Postgres storage collaborator. Database implements Store
// on top of pgx connection pools; every atomic step is one transaction that
// locks the user and message rows it touches and checks row versions.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations and atomic steps
	ReadPool  *pgxpool.Pool // Read-only queries

	queryTimeout time.Duration
	writeTimeout time.Duration
}

var _ Store = (*Database)(nil)

// NewDatabaseFromConfig connects the write pool and, when configured, a
// separate read pool. With AutoMigrate set, pending migrations are applied
// before the pools are handed out.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	if dbConfig.AutoMigrate {
		if err := MigrateUp(ctx, dbConfig.Write.ConnString()); err != nil {
			return nil, err
		}
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.LogQueries, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.LogQueries, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read configuration, using write pool for reads")
		readPool = writePool
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}
	writeTimeout, err := dbConfig.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	return &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		queryTimeout: queryTimeout,
		writeTimeout: writeTimeout,
	}, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// Pick one host; the rest are fallbacks an operator can rotate in.
	selected := *endpoint
	selected.Hosts = []string{endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]}
	connString := selected.ConnString()

	logger.Info("Database: connecting", "pool", poolType, "host", selected.Hosts[0], "name", endpoint.Name, "user", endpoint.User)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}

	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "pool", poolType,
		"max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)
	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// StartPoolMetrics periodically exports pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	record := func(role string, pool *pgxpool.Pool) {
		stats := pool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues(role).Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues(role).Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues(role).Set(float64(stats.AcquiredConns()))
	}
	if db.WritePool != nil {
		record("write", db.WritePool)
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		record("read", db.ReadPool)
	}
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

func (db *Database) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	if !errors.Is(err, pgx.ErrTxClosed) {
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	}
	return err
}

// WithTx runs fn inside one transaction bounded by the write timeout.
func (db *Database) WithTx(ctx context.Context, fn TxFunc) error {
	if db.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, db.writeTimeout)
		defer cancel()
	}

	tx, err := db.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	ptx := &pgTx{tx: tx}
	if err := fn(ctx, ptx); err != nil {
		return classifyError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, classifyError(err))
	}
	for _, hook := range ptx.hooks {
		hook()
	}
	return nil
}

func (db *Database) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// timedQueryRow wraps QueryRow with duration metrics.
func (db *Database) timedQueryRow(ctx context.Context, operation, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.ReadPool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "read").Inc()
	return row
}

func (db *Database) timedQuery(ctx context.Context, operation, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.ReadPool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "read").Inc()
	return rows, err
}

// timedExec runs a write statement on the write pool and returns the number
// of affected rows.
func (db *Database) timedExec(ctx context.Context, operation, sql string, args ...any) (int64, error) {
	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure", "write").Inc()
		return 0, classifyError(err)
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	return tag.RowsAffected(), nil
}

// writeQueryRow runs a statement with RETURNING on the write pool.
func (db *Database) writeQueryRow(ctx context.Context, operation, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.WritePool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "write").Inc()
	return row
}

type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("Database: query", "sql", strings.Join(strings.Fields(data.SQL), " "), "args", len(data.Args))
	return ctx
}

func (t *queryTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		logger.Debug("Database: query failed", "error", data.Err)
	}
}
