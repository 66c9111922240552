package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lib/pq"
	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// DuckDBClient wraps a database/sql DB opened with the DuckDB driver.
type DuckDBClient struct {
	DB  *sql.DB
	cfg hyperform.DuckDBConfig
}

// NewDuckDBClient opens the database file named in cfg, or an in-memory
// database when the path is empty.
func NewDuckDBClient(cfg hyperform.DuckDBConfig) (*DuckDBClient, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	zap.S().Infow("duckdb opened", "path", dsn)

	return &DuckDBClient{DB: db, cfg: cfg}, nil
}

// Close closes the underlying DuckDB DB.
func (c *DuckDBClient) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// HealthCheck runs a trivial query.
func (c *DuckDBClient) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return fmt.Errorf("duckdb client not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var v int
	if err := c.DB.QueryRowContext(ctx, "SELECT 1;").Scan(&v); err != nil {
		return fmt.Errorf("duckdb health query failed: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("unexpected duckdb health result: %d", v)
	}
	return nil
}

// duckDBResponseCache keeps responses in an embedded DuckDB table so long
// sessions survive restarts.
type duckDBResponseCache struct {
	client *DuckDBClient
	table  string
}

// NewDuckDBResponseCache creates the cache table if needed. Closing the cache
// closes the client.
func NewDuckDBResponseCache(ctx context.Context, client *DuckDBClient) (hyperform.ResponseCache, error) {
	table := client.cfg.TableName
	if table == "" {
		table = "hyperform_response_cache"
	}
	c := &duckDBResponseCache{client: client, table: pq.QuoteIdentifier(table)}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (cache_key VARCHAR PRIMARY KEY, payload BLOB NOT NULL, updated_at TIMESTAMP NOT NULL)", c.table)
	if _, err := client.DB.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create duckdb cache table: %w", err)
	}
	return c, nil
}

func (c *duckDBResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := c.client.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = ?", c.table), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("duckdb cache read: %w", err)
	}
	return payload, true, nil
}

func (c *duckDBResponseCache) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.client.DB.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (cache_key, payload, updated_at) VALUES (?, ?, ?)", c.table),
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("duckdb cache write: %w", err)
	}
	return nil
}

func (c *duckDBResponseCache) Clear(ctx context.Context) error {
	if _, err := c.client.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", c.table)); err != nil {
		return fmt.Errorf("duckdb cache clear: %w", err)
	}
	return nil
}

func (c *duckDBResponseCache) Close() error {
	return c.client.Close()
}
