package hyperform

import (
	"time"
)

// Config consolidates client settings
type Config struct {
	API            APIConfig            `json:"api"`
	Cache          CacheConfig          `json:"cache"`
	Snapshot       SnapshotConfig       `json:"snapshot"`
	Schema         SchemaConfig         `json:"schema"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Logging        LoggingConfig        `json:"logging"`
}

// APIConfig describes the hypermedia server
type APIConfig struct {
	// BaseURL is the hypermedia root. Relative hrefs and schema refs resolve
	// against it.
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers,omitempty"`
	// Transport selects where responses come from: "http" or "snapshot".
	Transport string `json:"transport"`
}

// Cache backends
const (
	CacheBackendMemory   = "memory"
	CacheBackendPostgres = "postgres"
	CacheBackendDuckDB   = "duckdb"
)

// CacheConfig selects the GET response cache backend
type CacheConfig struct {
	Backend  string         `json:"backend"`
	Postgres PostgresConfig `json:"postgres"`
	DuckDB   DuckDBConfig   `json:"duckdb"`
}

// PostgresConfig contains database connection settings for the shared cache
type PostgresConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Database       string        `json:"database"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	SSLMode        string        `json:"sslMode"`
	MaxConnections int           `json:"maxConnections"`
	Timeout        time.Duration `json:"timeout"`
	TableName      string        `json:"tableName"`

	// When DSQLEndpoint is set the password is replaced by an IAM auth token.
	DSQLEndpoint string `json:"dsqlEndpoint,omitempty"`
	AWSRegion    string `json:"awsRegion,omitempty"`
}

// DuckDBConfig contains settings for the embedded on-disk cache
type DuckDBConfig struct {
	// Path of the database file; empty means in-memory.
	Path      string `json:"path"`
	TableName string `json:"tableName"`
}

// Snapshot store kinds
const (
	SnapshotStoreFile = "file"
	SnapshotStoreS3   = "s3"
)

// SnapshotConfig configures offline snapshots of an API
type SnapshotConfig struct {
	Store     string `json:"store"`
	Directory string `json:"directory"`
	S3Bucket  string `json:"s3Bucket"`
	S3Prefix  string `json:"s3Prefix"`
	AWSRegion string `json:"awsRegion"`
	// S3Endpoint overrides the service endpoint (minio, localstack).
	S3Endpoint     string `json:"s3Endpoint,omitempty"`
	S3UsePathStyle bool   `json:"s3UsePathStyle"`
	MaxResources   int    `json:"maxResources"`
}

// SchemaConfig tunes schema resolution and normalization
type SchemaConfig struct {
	MaxNormalizationDepth int  `json:"maxNormalizationDepth"`
	ResolveConcurrency    int  `json:"resolveConcurrency"`
	ValidateBeforeSubmit  bool `json:"validateBeforeSubmit"`
}

// CircuitBreakerConfig guards the transport against a failing server
type CircuitBreakerConfig struct {
	Enabled      bool          `json:"enabled"`
	Threshold    int           `json:"threshold"`
	Window       time.Duration `json:"window"`
	OpenDuration time.Duration `json:"openDuration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Transport: "http",
		},
		Cache: CacheConfig{
			Backend: CacheBackendMemory,
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				SSLMode:        "disable",
				MaxConnections: 10,
				Timeout:        30 * time.Second,
				TableName:      "hyperform_response_cache",
			},
			DuckDB: DuckDBConfig{
				TableName: "hyperform_response_cache",
			},
		},
		Snapshot: SnapshotConfig{
			Store:        SnapshotStoreFile,
			Directory:    "snapshot",
			MaxResources: 1000,
		},
		Schema: SchemaConfig{
			MaxNormalizationDepth: 20,
			ResolveConcurrency:    8,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      false,
			Threshold:    5,
			Window:       30 * time.Second,
			OpenDuration: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.API.Transport {
	case "http":
		if c.API.BaseURL == "" {
			return &ConfigError{Field: "api.baseUrl", Message: "is required for the http transport"}
		}
	case "snapshot":
	default:
		return &ConfigError{Field: "api.transport", Message: "must be http or snapshot"}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendDuckDB:
	case CacheBackendPostgres:
		if c.Cache.Postgres.MaxConnections <= 0 {
			return &ConfigError{Field: "cache.postgres.maxConnections", Message: "must be greater than 0"}
		}
		if c.Cache.Postgres.TableName == "" {
			return &ConfigError{Field: "cache.postgres.tableName", Message: "is required"}
		}
	default:
		return &ConfigError{Field: "cache.backend", Message: "must be memory, postgres or duckdb"}
	}

	switch c.Snapshot.Store {
	case SnapshotStoreFile, SnapshotStoreS3:
	default:
		return &ConfigError{Field: "snapshot.store", Message: "must be file or s3"}
	}
	if c.Snapshot.Store == SnapshotStoreS3 && c.Snapshot.S3Bucket == "" {
		if c.API.Transport == "snapshot" {
			return &ConfigError{Field: "snapshot.s3Bucket", Message: "is required for the s3 store"}
		}
	}

	if c.Schema.MaxNormalizationDepth <= 0 {
		return &ConfigError{Field: "schema.maxNormalizationDepth", Message: "must be greater than 0"}
	}
	if c.Schema.ResolveConcurrency <= 0 {
		return &ConfigError{Field: "schema.resolveConcurrency", Message: "must be greater than 0"}
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.Threshold <= 0 {
		return &ConfigError{Field: "circuitBreaker.threshold", Message: "must be greater than 0"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
