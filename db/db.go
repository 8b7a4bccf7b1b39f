// Package db implements the durable store for drafts, inbound messages, and
// the correspondence log on PostgreSQL.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/pkg/metrics"
)

//go:embed schema.sql
var schema string

// Database wraps a pgx connection pool and applies the embedded schema at
// startup.
type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// New connects to Postgres using the given configuration, verifies the
// connection, and applies the schema.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)

	logger.Info("connecting to database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	d := &Database{Pool: pool, queryTimeout: queryTimeout}

	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return d, nil
}

func (d *Database) migrate(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, schema)
	return err
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// StartPoolMetrics periodically publishes connection pool gauges until ctx is
// cancelled.
func (d *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := d.Pool.Stat()
				metrics.DBPoolTotal.Set(float64(stats.TotalConns()))
				metrics.DBPoolAcquired.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// withTimeout derives the per-query deadline from ctx.
func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.queryTimeout)
}

// timedExec runs a write statement with the query timeout and records metrics
// under the given operation label.
func (d *Database) timedExec(ctx context.Context, operation, sql string, args ...any) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := d.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
		return err
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return nil
}

// timedQueryRow runs a single-row query with the query timeout. The caller
// must invoke cancel after scanning.
func (d *Database) timedQueryRow(ctx context.Context, operation, sql string, args ...any) (pgx.Row, context.CancelFunc) {
	ctx, cancel := d.withTimeout(ctx)

	start := time.Now()
	row := d.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row, cancel
}

// queryTracer logs every statement at debug level.
type queryTracer struct{}

type traceQueryKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("query start", "sql", data.SQL, "args", data.Args)
	return context.WithValue(ctx, traceQueryKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(traceQueryKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debug("query end", "error", data.Err, "elapsed", elapsed)
		return
	}
	logger.Debug("query end", "command", data.CommandTag.String(), "elapsed", elapsed)
}
