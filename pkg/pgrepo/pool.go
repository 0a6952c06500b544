// Package pgrepo holds the Postgres-backed repositories: articles, feeds,
// content-file metadata, pipeline trace events, and the advisory-lock helper
// the vector-index writer uses to serialise re-embedding.
package pgrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects a pgxpool to dsn. Callers run migrations separately via
// pkg/migrations before traffic is accepted.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgrepo: ping: %w", err)
	}
	return pool, nil
}

// AdvisoryLock acquires a session-scoped Postgres advisory lock keyed by the
// hash of key, blocking until it is free, and returns a release function.
// Used to serialise re-embedding writes per (source_type, source_id) (§3
// invariant v) without a dedicated lock table.
func AdvisoryLock(ctx context.Context, pool *pgxpool.Pool, key string) (release func(context.Context), err error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: acquire conn for lock: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgrepo: advisory lock %q: %w", key, err)
	}
	return func(releaseCtx context.Context) {
		_, _ = conn.Exec(releaseCtx, "SELECT pg_advisory_unlock(hashtext($1))", key)
		conn.Release()
	}, nil
}
