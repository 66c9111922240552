package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lychee-technology/hyperform"
	"github.com/lychee-technology/hyperform/factory"
)

// clientOptions are the connection flags shared by every command that talks
// to an API.
type clientOptions struct {
	baseURL       string
	transport     string
	snapshotStore string
	snapshotDir   string
	s3Bucket      string
	s3Prefix      string
	s3Endpoint    string
	awsRegion     string
	cacheBackend  string
	duckDBPath    string
	breaker       bool
}

func (o *clientOptions) register(flags *flag.FlagSet) {
	flags.StringVar(&o.baseURL, "base-url", getenvDefault("HYPERFORM_BASE_URL", ""), "hypermedia root URL")
	flags.StringVar(&o.transport, "transport", getenvDefault("HYPERFORM_TRANSPORT", "http"), "http or snapshot")
	flags.StringVar(&o.snapshotStore, "snapshot-store", getenvDefault("SNAPSHOT_STORE", hyperform.SnapshotStoreFile), "file or s3")
	flags.StringVar(&o.snapshotDir, "snapshot-dir", getenvDefault("SNAPSHOT_DIR", "snapshot"), "snapshot directory for the file store")
	flags.StringVar(&o.s3Bucket, "s3-bucket", getenvDefault("SNAPSHOT_S3_BUCKET", ""), "snapshot bucket for the s3 store")
	flags.StringVar(&o.s3Prefix, "s3-prefix", getenvDefault("SNAPSHOT_S3_PREFIX", ""), "object key prefix inside the bucket")
	flags.StringVar(&o.s3Endpoint, "s3-endpoint", getenvDefault("SNAPSHOT_S3_ENDPOINT", ""), "custom S3 endpoint (minio, localstack)")
	flags.StringVar(&o.awsRegion, "aws-region", getenvDefault("AWS_REGION", ""), "AWS region")
	flags.StringVar(&o.cacheBackend, "cache", getenvDefault("HYPERFORM_CACHE", hyperform.CacheBackendMemory), "memory or duckdb")
	flags.StringVar(&o.duckDBPath, "duckdb-path", getenvDefault("DUCKDB_PATH", ""), "DuckDB cache file (empty for in-memory)")
	flags.BoolVar(&o.breaker, "circuit-breaker", false, "fail fast after repeated server errors")
}

func (o *clientOptions) config() *hyperform.Config {
	cfg := hyperform.DefaultConfig()
	cfg.API.BaseURL = o.baseURL
	cfg.API.Transport = o.transport
	cfg.Snapshot.Store = o.snapshotStore
	cfg.Snapshot.Directory = o.snapshotDir
	cfg.Snapshot.S3Bucket = o.s3Bucket
	cfg.Snapshot.S3Prefix = o.s3Prefix
	cfg.Snapshot.S3Endpoint = o.s3Endpoint
	cfg.Snapshot.S3UsePathStyle = o.s3Endpoint != ""
	cfg.Snapshot.AWSRegion = o.awsRegion
	cfg.Cache.Backend = o.cacheBackend
	cfg.Cache.DuckDB.Path = o.duckDBPath
	cfg.CircuitBreaker.Enabled = o.breaker
	return cfg
}

func (o *clientOptions) client(ctx context.Context) (*factory.Client, error) {
	return factory.NewClient(ctx, o.config())
}

func newFlagSet(name, usage string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Printf("Usage: hyperform-tools %s %s\n", name, usage)
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}
	return flags
}

// parseKeyValues reads "a=1,b=2" into a map.
func parseKeyValues(s string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
