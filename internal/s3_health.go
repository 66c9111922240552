package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lychee-technology/hyperform"
)

// ValidateSnapshotS3Config performs basic sanity checks on S3 snapshot settings.
func ValidateSnapshotS3Config(cfg hyperform.SnapshotConfig) error {
	if cfg.Store != hyperform.SnapshotStoreS3 {
		return nil
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("snapshot.s3Bucket is required for the s3 store")
	}
	return nil
}

// S3HealthCheck attempts a best-effort HTTP ping against a custom S3 endpoint.
// It only proves the endpoint is reachable; AWS itself usually answers 403.
func S3HealthCheck(ctx context.Context, cfg hyperform.SnapshotConfig, timeout time.Duration) error {
	if cfg.Store != hyperform.SnapshotStoreS3 || cfg.S3Endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, cfg.S3Endpoint, nil)
	if err != nil {
		return fmt.Errorf("s3 health request build failed: %w", err)
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("s3 health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("s3 endpoint reachable but returned auth error: %d", resp.StatusCode)
	}
	return fmt.Errorf("s3 endpoint returned unexpected status: %d", resp.StatusCode)
}
