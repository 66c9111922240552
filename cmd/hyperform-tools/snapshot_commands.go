package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/lychee-technology/hyperform"
	"github.com/lychee-technology/hyperform/factory"
	"github.com/lychee-technology/hyperform/internal"
	"go.uber.org/zap"
)

func runExportSnapshot(args []string) error {
	flags := newFlagSet("export-snapshot", "-base-url <url> [options]")
	opts := clientOptions{}
	opts.register(flags)
	maxResources := flags.Int("max-resources", getenvDefaultInt("SNAPSHOT_MAX_RESOURCES", 1000), "stop after this many resources (0 for no limit)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.baseURL == "" {
		return fmt.Errorf("-base-url is required")
	}
	// exports always crawl the live server
	opts.transport = "http"

	cfg := opts.config()
	cfg.Snapshot.MaxResources = *maxResources

	ctx := context.Background()
	client, err := factory.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	manifest, err := client.Export(ctx)
	if err != nil {
		return err
	}
	zap.S().Infow("export finished", "exportId", manifest.ExportID, "resources", len(manifest.Resources),
		"failed", len(manifest.Failed), "truncated", manifest.Truncated)
	fmt.Printf("Snapshot %s written: %d resources, %d failed\n", manifest.ExportID, len(manifest.Resources), len(manifest.Failed))
	return nil
}

type initCacheDBOptions struct {
	backend   string
	pg        hyperform.PostgresConfig
	duckDB    hyperform.DuckDBConfig
	checkOnly bool
}

func runInitCacheDB(args []string) error {
	flags := newFlagSet("init-cache-db", "[options]")

	opts := initCacheDBOptions{pg: hyperform.DefaultConfig().Cache.Postgres}
	flags.StringVar(&opts.backend, "backend", getenvDefault("HYPERFORM_CACHE", hyperform.CacheBackendPostgres), "postgres or duckdb")
	flags.StringVar(&opts.pg.Host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.pg.Port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.pg.Database, "db-name", getenvDefault("DB_NAME", "hyperform"), "database name")
	flags.StringVar(&opts.pg.Username, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.pg.Password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.pg.SSLMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.StringVar(&opts.pg.DSQLEndpoint, "dsql-endpoint", getenvDefault("DSQL_ENDPOINT", ""), "Aurora DSQL endpoint; authenticates with an IAM token")
	flags.StringVar(&opts.pg.AWSRegion, "aws-region", getenvDefault("AWS_REGION", ""), "AWS region for DSQL")
	flags.StringVar(&opts.pg.TableName, "table", getenvDefault("CACHE_TABLE", "hyperform_response_cache"), "cache table name")
	flags.StringVar(&opts.duckDB.Path, "duckdb-path", getenvDefault("DUCKDB_PATH", "hyperform-cache.duckdb"), "DuckDB database file")
	flags.BoolVar(&opts.checkOnly, "check", false, "only check connectivity")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	opts.duckDB.TableName = opts.pg.TableName
	return initCacheDB(context.Background(), opts)
}

func initCacheDB(ctx context.Context, opts initCacheDBOptions) error {
	switch opts.backend {
	case hyperform.CacheBackendDuckDB:
		client, err := internal.NewDuckDBClient(opts.duckDB)
		if err != nil {
			return err
		}
		if opts.checkOnly {
			defer client.Close()
			return client.HealthCheck(ctx)
		}
		cache, err := internal.NewDuckDBResponseCache(ctx, client)
		if err != nil {
			client.Close()
			return err
		}
		defer cache.Close()
	case hyperform.CacheBackendPostgres:
		if opts.checkOnly && opts.pg.DSQLEndpoint == "" {
			return internal.PostgresHealthCheck(ctx, internal.PostgresDSN(opts.pg, ""), opts.pg.Timeout)
		}
		pool, err := internal.NewPostgresPool(ctx, opts.pg)
		if err != nil {
			return err
		}
		defer pool.Close()
		if opts.checkOnly {
			return nil
		}
		if err := internal.EnsureResponseCacheTable(ctx, pool, opts.pg.TableName); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", opts.backend)
	}
	fmt.Println("Cache database initialized successfully.")
	return nil
}
