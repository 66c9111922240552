package e2e_harness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/lychee-technology/hyperform"
	"github.com/lychee-technology/hyperform/internal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	s3AccessKey = "minio"
	s3SecretKey = "minio"
	pgPassword  = "password"
)

// TestHarness owns the backends of the cache and snapshot round trips.
// Close releases everything that was started.
type TestHarness struct {
	Postgres   hyperform.PostgresConfig
	S3Endpoint string
	Duck       *internal.DuckDBClient

	containers []testcontainers.Container
}

// runContainer starts image, waits for the strategy and returns the host
// and mapped port of port.
func (h *TestHarness) runContainer(ctx context.Context, image, port string, env map[string]string, ready wait.Strategy) (string, int, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port + "/tcp"},
			Env:          env,
			WaitingFor:   ready,
		},
		Started: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("run %s: %w", image, err)
	}
	h.containers = append(h.containers, c)

	host, err := c.Host(ctx)
	if err != nil {
		return "", 0, err
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return "", 0, fmt.Errorf("%s port %q: %w", image, mapped.Port(), err)
	}
	return host, n, nil
}

// StartPostgres runs Postgres and fills h.Postgres once it answers queries.
func (h *TestHarness) StartPostgres(ctx context.Context) error {
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(60 * time.Second)
	host, port, err := h.runContainer(ctx, "postgres:16", "5432",
		map[string]string{"POSTGRES_PASSWORD": pgPassword}, ready)
	if err != nil {
		return err
	}

	cfg := hyperform.DefaultConfig().Cache.Postgres
	cfg.Host, cfg.Port = host, port
	cfg.Database, cfg.Username, cfg.Password = "postgres", "postgres", pgPassword
	cfg.SSLMode = "disable"
	if err := internal.PostgresHealthCheck(ctx, internal.PostgresDSN(cfg, ""), 10*time.Second); err != nil {
		return err
	}
	h.Postgres = cfg
	return nil
}

// StartS3 runs an S3 compatible store and records its endpoint.
func (h *TestHarness) StartS3(ctx context.Context) error {
	env := map[string]string{"RUSTFS_ACCESS_KEY": s3AccessKey, "RUSTFS_SECRET_KEY": s3SecretKey}
	host, port, err := h.runContainer(ctx, "rustfs/rustfs:latest", "9000", env,
		wait.ForListeningPort("9000/tcp").WithStartupTimeout(60*time.Second))
	if err != nil {
		return err
	}
	h.S3Endpoint = "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}

// OpenDuckDB opens the embedded database behind the DuckDB response cache.
func (h *TestHarness) OpenDuckDB(cfg hyperform.DuckDBConfig) error {
	c, err := internal.NewDuckDBClient(cfg)
	if err != nil {
		return err
	}
	h.Duck = c
	return nil
}

// Close terminates the containers and the DuckDB client.
func (h *TestHarness) Close(ctx context.Context) error {
	var errs []error
	if h.Duck != nil {
		errs = append(errs, h.Duck.Close())
		h.Duck = nil
	}
	for _, c := range h.containers {
		errs = append(errs, c.Terminate(ctx))
	}
	h.containers = nil
	return errors.Join(errs...)
}
