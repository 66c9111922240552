package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/lychee-technology/hyperform"
)

// responseCachePool is the subset of pgxpool.Pool used by the cache, so tests
// can substitute pgxmock.
type responseCachePool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgresResponseCache shares cached responses between processes through a
// single key/value table.
type postgresResponseCache struct {
	pool  responseCachePool
	table string
}

// NewPostgresResponseCache stores responses in table. The pool is owned by
// the caller.
func NewPostgresResponseCache(pool responseCachePool, table string) hyperform.ResponseCache {
	return &postgresResponseCache{pool: pool, table: pq.QuoteIdentifier(table)}
}

// EnsureResponseCacheTable creates the cache table when it does not exist.
func EnsureResponseCacheTable(ctx context.Context, pool responseCachePool, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	cache_key  TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, pq.QuoteIdentifier(table))
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create response cache table %s: %w", table, err)
	}
	return nil
}

func (c *postgresResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := c.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = $1", c.table), key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return payload, true, nil
}

func (c *postgresResponseCache) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (cache_key, payload, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (cache_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, c.table),
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (c *postgresResponseCache) Clear(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", c.table)); err != nil {
		return fmt.Errorf("failed to clear cache table: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (c *postgresResponseCache) Close() error {
	return nil
}
