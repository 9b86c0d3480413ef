// Package postgres stores room event logs in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/P0W3R97/dnd-tabletop/internal/config"
)

// ErrSchemaMissing is returned by CheckSchema when the room_events table has
// not been created.
var ErrSchemaMissing = errors.New("room_events table missing; run cmd/migrate")

// applicationName identifies coordinator sessions in pg_stat_activity.
const applicationName = "tabletopd"

// Pool owns the connection pool shared by the event log repository.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to PostgreSQL and verifies the connection.
//
// Precondition: cfg must pass config validation.
// Postcondition: Returns a pinged Pool or a non-nil error with no pool left open.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}
	return &Pool{pool: pool}, nil
}

// CheckSchema reports ErrSchemaMissing when migrations have not been applied.
func (p *Pool) CheckSchema(ctx context.Context) error {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT to_regclass('room_events') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if !exists {
		return ErrSchemaMissing
	}
	return nil
}

// Health pings the database, giving up after timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Stats returns the number of acquired and idle connections.
func (p *Pool) Stats() (acquired, idle int32) {
	s := p.pool.Stat()
	return s.AcquiredConns(), s.IdleConns()
}

// Close releases every connection. The pool is unusable afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pool for the repository.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
