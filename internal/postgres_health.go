package internal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// ValidatePostgresConfig performs basic sanity checks on the cache database settings.
func ValidatePostgresConfig(cfg hyperform.PostgresConfig) error {
	if cfg.Host == "" && cfg.DSQLEndpoint == "" {
		return fmt.Errorf("cache.postgres.host is required")
	}
	if cfg.DSQLEndpoint == "" && (cfg.Port <= 0 || cfg.Port > 65535) {
		return fmt.Errorf("cache.postgres.port must be a valid TCP port")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("cache.postgres.maxConnections must be greater than 0")
	}
	return nil
}

// PostgresDSN renders cfg as a connection URL. password overrides
// cfg.Password when non-empty.
func PostgresDSN(cfg hyperform.PostgresConfig, password string) string {
	if password == "" {
		password = cfg.Password
	}
	host, port := cfg.Host, cfg.Port
	if cfg.DSQLEndpoint != "" {
		host, port = cfg.DSQLEndpoint, 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	if cfg.DSQLEndpoint != "" {
		sslMode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, password),
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// dsqlAuthToken generates an IAM connect token for an Aurora DSQL endpoint.
func dsqlAuthToken(ctx context.Context, cfg hyperform.PostgresConfig) (string, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, config.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	return auth.GenerateDbConnectAuthToken(ctx, cfg.DSQLEndpoint, awsCfg.Region, awsCfg.Credentials)
}

// NewPostgresPool opens and pings a pool for the shared response cache. With
// a DSQL endpoint every new connection authenticates with a fresh IAM token.
func NewPostgresPool(ctx context.Context, cfg hyperform.PostgresConfig) (*pgxpool.Pool, error) {
	if err := ValidatePostgresConfig(cfg); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(PostgresDSN(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	if cfg.Timeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.Timeout
	}
	if cfg.DSQLEndpoint != "" {
		poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
			token, err := dsqlAuthToken(ctx, cfg)
			if err != nil {
				zap.S().Warnw("failed to generate IAM auth token; falling back to configured password", "error", err)
				return nil
			}
			cc.Password = token
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PostgresHealthCheck attempts to connect and ping a Postgres instance using a DSN.
// timeout may be 0 to use a sensible default (5s).
func PostgresHealthCheck(ctx context.Context, dsn string, timeout time.Duration) error {
	if dsn == "" {
		return fmt.Errorf("empty dsn")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres simple query failed: %w", err)
	}
	return nil
}
