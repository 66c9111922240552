package e2e_harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/hyperform"
)

// EnsureBucket creates bucket on the S3 endpoint unless it already exists.
func EnsureBucket(ctx context.Context, endpoint, accessKey, secretKey, bucket string) error {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithBaseEndpoint(endpoint),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// fixtureRoutes is a small hypermedia API: a root with one collection, an
// embedded member, a keyed link and a submission schema.
var fixtureRoutes = map[string]struct {
	contentType string
	body        string
}{
	"/": {hyperform.ContentTypeJSON, `{
		"data": {"self": {"href": "/", "rel": ["self"], "resourceType": "root"}},
		"links": [{"href": "/projects", "rel": ["api", "projects"], "resourceType": "projects"}],
		"keyedLinks": [
			{"href": "/projects/{project}", "rel": ["self"], "resourceType": "project", "key": ["project"]}
		]
	}`},
	"/projects": {hyperform.ContentTypeJSON, `{
		"data": {"self": {"href": "/projects", "rel": ["self"], "resourceType": "projects"}},
		"links": [{"href": "/projects", "rel": ["create", "post"], "resourceType": "project", "schema": "/schemas/project"}],
		"embedded": [
			{"data": {"self": {"href": "/projects/apollo", "rel": ["self"], "resourceType": "project", "resourceKey": {"project": "apollo"}}, "name": "apollo"}}
		]
	}`},
	"/schemas/project": {hyperform.ContentTypeSchemaJSON, `{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 1}},
		"required": ["name"]
	}`},
}

// NewFixtureServer serves the fixture API. Only GET is allowed.
func NewFixtureServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := fixtureRoutes[r.URL.Path]
		if !ok || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", route.contentType)
		_, _ = w.Write([]byte(route.body))
	}))
}
