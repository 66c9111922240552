package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lychee-technology/hyperform"
	"github.com/lychee-technology/hyperform/internal"
	"go.uber.org/zap"
)

// SnapshotManifest describes one snapshot export.
type SnapshotManifest = internal.SnapshotManifest

// Client bundles the API service and the schema service built from one
// configuration.
//
// Usage:
//
//	cfg := hyperform.DefaultConfig()
//	cfg.API.BaseURL = "https://api.example.com/"
//	client, err := factory.NewClient(ctx, cfg)
//	if err != nil {
//	    // handle error
//	}
//	defer client.Close()
//
//	schema, err := client.Schemas.GetNormalizedSchema(ctx, link.Schema)
type Client struct {
	Api     hyperform.ApiService
	Schemas hyperform.SchemaService

	cfg     *hyperform.Config
	closers []func() error
}

// NewClient wires transport, response cache and schema service as selected
// by cfg.
func NewClient(ctx context.Context, cfg *hyperform.Config) (*Client, error) {
	if cfg == nil {
		cfg = hyperform.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg}
	transport, baseURL, err := c.newTransport(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	cache, err := c.newCache(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.wire(baseURL, transport, cache); err != nil {
		c.Close()
		return nil, err
	}
	zap.S().Infow("hyperform client ready", "baseUrl", baseURL,
		"transport", cfg.API.Transport, "cache", cfg.Cache.Backend)
	return c, nil
}

// NewClientWithTransport wires a client around a caller-supplied transport
// and cache. A nil cache selects the in-memory cache.
func NewClientWithTransport(cfg *hyperform.Config, transport hyperform.Transport, cache hyperform.ResponseCache) (*Client, error) {
	if cfg == nil {
		cfg = hyperform.DefaultConfig()
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	c := &Client{cfg: cfg}
	if err := c.wire(cfg.API.BaseURL, transport, cache); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) wire(baseURL string, transport hyperform.Transport, cache hyperform.ResponseCache) error {
	if c.cfg.CircuitBreaker.Enabled {
		transport = internal.NewBreakerTransport(transport, c.cfg.CircuitBreaker)
	}
	if cache != nil {
		c.closers = append(c.closers, cache.Close)
	}
	api, err := internal.NewApiService(baseURL, transport, cache)
	if err != nil {
		return err
	}
	c.Api = api
	c.Schemas = internal.NewSchemaService(api, c.cfg.Schema)
	return nil
}

func (c *Client) newTransport(ctx context.Context) (hyperform.Transport, string, error) {
	if c.cfg.API.Transport != "snapshot" {
		return internal.NewHTTPTransport(&http.Client{}, c.cfg.API.Headers), c.cfg.API.BaseURL, nil
	}

	var store hyperform.SnapshotStore
	switch c.cfg.Snapshot.Store {
	case hyperform.SnapshotStoreS3:
		client, err := internal.NewS3Client(ctx, c.cfg.Snapshot)
		if err != nil {
			return nil, "", err
		}
		store = internal.NewS3SnapshotStore(client, c.cfg.Snapshot.S3Bucket, c.cfg.Snapshot.S3Prefix)
	default:
		store = internal.NewFileSnapshotStore(c.cfg.Snapshot.Directory)
	}

	baseURL := c.cfg.API.BaseURL
	if baseURL == "" {
		manifest, err := loadManifest(ctx, store)
		if err != nil {
			return nil, "", err
		}
		baseURL = manifest.BaseURL
	}
	return internal.NewSnapshotTransport(store), baseURL, nil
}

func loadManifest(ctx context.Context, store hyperform.SnapshotStore) (*SnapshotManifest, error) {
	data, ok, err := store.Load(ctx, internal.ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot manifest: %w", err)
	}
	if !ok {
		return nil, errors.New("snapshot has no manifest; set api.baseUrl")
	}
	var manifest SnapshotManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot manifest: %w", err)
	}
	return &manifest, nil
}

func (c *Client) newCache(ctx context.Context) (hyperform.ResponseCache, error) {
	switch c.cfg.Cache.Backend {
	case hyperform.CacheBackendPostgres:
		pgCfg := c.cfg.Cache.Postgres
		pool, err := internal.NewPostgresPool(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error {
			pool.Close()
			return nil
		})
		if err := internal.EnsureResponseCacheTable(ctx, pool, pgCfg.TableName); err != nil {
			return nil, err
		}
		return internal.NewPostgresResponseCache(pool, pgCfg.TableName), nil
	case hyperform.CacheBackendDuckDB:
		client, err := internal.NewDuckDBClient(c.cfg.Cache.DuckDB)
		if err != nil {
			return nil, err
		}
		cache, err := internal.NewDuckDBResponseCache(ctx, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return cache, nil
	default:
		return internal.NewMemoryResponseCache(), nil
	}
}

// Submit sends data through link. With schema.validateBeforeSubmit set and a
// schema on the link, data is validated first and nothing is sent when it
// does not conform.
func (c *Client) Submit(ctx context.Context, link hyperform.ApiLink, data any) (*hyperform.RawResponse, error) {
	if c.cfg.Schema.ValidateBeforeSubmit && link.Schema != "" && data != nil {
		ref, err := hyperform.ResolveRef(c.Api.BaseURL(), link.Schema)
		if err != nil {
			return nil, hyperform.NewSchemaFetchError(link.Schema, err)
		}
		if err := c.Schemas.Validate(ctx, ref, data); err != nil {
			return nil, err
		}
	}
	return c.Api.SubmitByApiLink(ctx, link, data)
}

// Export writes a snapshot of the API to the configured snapshot store.
func (c *Client) Export(ctx context.Context) (*SnapshotManifest, error) {
	var writer hyperform.SnapshotWriter
	switch c.cfg.Snapshot.Store {
	case hyperform.SnapshotStoreS3:
		if err := internal.ValidateSnapshotS3Config(c.cfg.Snapshot); err != nil {
			return nil, err
		}
		if err := internal.S3HealthCheck(ctx, c.cfg.Snapshot, 0); err != nil {
			zap.S().Warnw("s3 endpoint health check failed", "endpoint", c.cfg.Snapshot.S3Endpoint, "error", err)
		}
		client, err := internal.NewS3Client(ctx, c.cfg.Snapshot)
		if err != nil {
			return nil, err
		}
		writer = internal.NewS3SnapshotWriter(internal.NewS3Uploader(client), c.cfg.Snapshot.S3Bucket, c.cfg.Snapshot.S3Prefix)
	default:
		writer = internal.NewFileSnapshotWriter(c.cfg.Snapshot.Directory)
	}
	return internal.NewSnapshotExporter(c.Api, writer).Export(ctx, c.cfg.Snapshot.MaxResources)
}

// Close releases the cache and any database pool, in reverse order of
// creation.
func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
