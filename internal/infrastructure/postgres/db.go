package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing for the gateway's write pattern: every stage transition of
// every in-flight transfer persists the session record, so connections are
// held briefly but acquired often.
const (
	poolMaxConns        = 16
	poolMinConns        = 2
	poolConnMaxLifetime = 30 * time.Minute
	poolConnMaxIdleTime = 5 * time.Minute
	poolHealthCheck     = time.Minute
)

// NewPool creates a pgx connection pool and verifies it before handing it
// out; a gateway that cannot reach its session store must not start.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = poolMaxConns
	config.MinConns = poolMinConns
	config.MaxConnLifetime = poolConnMaxLifetime
	config.MaxConnIdleTime = poolConnMaxIdleTime
	config.HealthCheckPeriod = poolHealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
