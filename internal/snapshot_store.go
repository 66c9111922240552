package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/hyperform"
)

// ManifestKey names the export manifest inside a snapshot.
const ManifestKey = "manifest.json"

// SnapshotKey maps a resource URL to its object key inside a snapshot.
// Scheme and host are dropped so a snapshot can be served under any base.
func SnapshotKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "resources/" + url.PathEscape(rawURL) + ".json"
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		p = "index"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		s = url.PathEscape(s)
		if s == "." || s == ".." || s == "" {
			s = strings.Repeat("%2E", len(s)) + "_"
		}
		segs[i] = s
	}
	name := strings.Join(segs, "/")
	if u.RawQuery != "" {
		name += "@" + url.QueryEscape(u.Query().Encode())
	}
	return "resources/" + name + ".json"
}

// fileSnapshotStore serves and receives snapshot objects in a directory tree.
type fileSnapshotStore struct {
	dir string
}

// NewFileSnapshotStore reads snapshot objects below dir.
func NewFileSnapshotStore(dir string) hyperform.SnapshotStore {
	return &fileSnapshotStore{dir: dir}
}

// NewFileSnapshotWriter writes snapshot objects below dir.
func NewFileSnapshotWriter(dir string) hyperform.SnapshotWriter {
	return &fileSnapshotStore{dir: dir}
}

func (s *fileSnapshotStore) pathFor(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean("/"+key)))
}

func (s *fileSnapshotStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot object %s: %w", key, err)
	}
	return data, true, nil
}

func (s *fileSnapshotStore) Write(_ context.Context, key string, data []byte) error {
	p := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot object %s: %w", key, err)
	}
	return nil
}

// s3GetObjectAPI is the part of *s3.Client the store reads with.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Uploader is the part of *manager.Uploader the writer uses.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3SnapshotStore struct {
	client s3GetObjectAPI
	bucket string
	prefix string
}

// NewS3SnapshotStore reads snapshot objects from bucket under prefix.
func NewS3SnapshotStore(client s3GetObjectAPI, bucket, prefix string) hyperform.SnapshotStore {
	return &s3SnapshotStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *s3SnapshotStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *s3SnapshotStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, true, nil
}

type s3SnapshotWriter struct {
	uploader s3Uploader
	bucket   string
	prefix   string
}

// NewS3SnapshotWriter uploads snapshot objects to bucket under prefix.
func NewS3SnapshotWriter(uploader s3Uploader, bucket, prefix string) hyperform.SnapshotWriter {
	return &s3SnapshotWriter{uploader: uploader, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (w *s3SnapshotWriter) Write(ctx context.Context, key string, data []byte) error {
	objectKey := key
	if w.prefix != "" {
		objectKey = w.prefix + "/" + key
	}
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(hyperform.ContentTypeJSON),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", objectKey, err)
	}
	return nil
}

// NewS3Client builds an S3 client from the snapshot settings. Static
// credentials are taken from the environment when present.
func NewS3Client(ctx context.Context, cfg hyperform.SnapshotConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN"))))
	}
	if cfg.S3Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(cfg.S3Endpoint))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

// NewS3Uploader wraps client in a multipart-capable uploader.
func NewS3Uploader(client *s3.Client) s3Uploader {
	return manager.NewUploader(client)
}
