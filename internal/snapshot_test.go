package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKey(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://api.test/", "resources/index.json"},
		{"https://api.test", "resources/index.json"},
		{"https://api.test/namespaces/core", "resources/namespaces/core.json"},
		{"http://other:8080/namespaces/core/", "resources/namespaces/core.json"},
		{"https://api.test/namespaces?size=10&page=2", "resources/namespaces@page%3D2%26size%3D10.json"},
		{"https://api.test/a%20b", "resources/a%20b.json"},
		{"https://api.test/a/../b", "resources/a/%2E%2E_/b.json"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SnapshotKey(tc.url), tc.url)
	}
}

func TestFileSnapshotStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := NewFileSnapshotWriter(dir)
	s := NewFileSnapshotStore(dir)

	_, ok, err := s.Load(ctx, "resources/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Write(ctx, "resources/a/b.json", []byte(`{}`)))
	data, ok, err := s.Load(ctx, "resources/a/b.json")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{}`, string(data))

	// keys never escape the snapshot directory
	require.NoError(t, w.Write(ctx, "../../escape.json", []byte(`{}`)))
	_, err = os.Stat(filepath.Join(dir, "escape.json"))
	assert.NoError(t, err)
}

type fakeS3 struct {
	objects  map[string]string
	uploaded map[string]*s3.PutObjectInput
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.uploaded[aws.ToString(in.Key)] = in
	b, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(b)
	return &manager.UploadOutput{}, nil
}

func TestS3SnapshotStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{}, uploaded: map[string]*s3.PutObjectInput{}}

	w := NewS3SnapshotWriter(fake, "snapshots", "/exports/one/")
	require.NoError(t, w.Write(ctx, ManifestKey, []byte(`{"exportId":"x"}`)))
	require.Contains(t, fake.uploaded, "exports/one/manifest.json")
	assert.Equal(t, hyperform.ContentTypeJSON, aws.ToString(fake.uploaded["exports/one/manifest.json"].ContentType))

	s := NewS3SnapshotStore(fake, "snapshots", "exports/one")
	data, ok, err := s.Load(ctx, ManifestKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"exportId":"x"}`, string(data))

	_, ok, err = s.Load(ctx, "resources/nothing.json")
	require.NoError(t, err, "a missing object is a miss, not an error")
	assert.False(t, ok)
}

type failingS3 struct{}

func (failingS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
}

func TestS3SnapshotStore_OtherErrors(t *testing.T) {
	_, _, err := NewS3SnapshotStore(failingS3{}, "b", "").Load(context.Background(), "k")
	require.Error(t, err)
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AccessDenied", apiErr.ErrorCode())
}

func TestExportAndServeSnapshot(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	dir := t.TempDir()

	manifest, err := NewSnapshotExporter(api.newService(t), NewFileSnapshotWriter(dir)).Export(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		api.url("/"),
		api.url("/namespaces"),
		api.url("/schemas/namespace"),
		api.url("/users"),
	}, manifest.Resources)
	assert.Contains(t, manifest.Failed, api.url("/admin"))
	assert.Contains(t, manifest.Failed, api.url("/users/me"))
	assert.Len(t, manifest.KeyedLinks, 4)
	assert.False(t, manifest.Truncated)
	assert.Zero(t, api.hitCount("POST /namespaces"), "submit links are never followed")

	raw, err := os.ReadFile(filepath.Join(dir, ManifestKey))
	require.NoError(t, err)
	var onDisk SnapshotManifest
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, manifest.ExportID, onDisk.ExportID)

	// the snapshot is served under a different base
	offline, err := NewApiService("https://offline.test/", NewSnapshotTransport(NewFileSnapshotStore(dir)), nil)
	require.NoError(t, err)

	root, err := offline.Root(ctx)
	require.NoError(t, err)
	_, ok := root.FindLink("namespaces")
	assert.True(t, ok)

	core, err := offline.GetByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces/core"}, true)
	require.NoError(t, err, "embedded resources are exported under their self href")
	self, ok := hyperform.SelfLink(core)
	require.True(t, ok)
	assert.Equal(t, "/namespaces/core", self.Href)

	_, err = offline.GetByApiLink(ctx, hyperform.ApiLink{Href: "/admin"}, true)
	assert.Equal(t, http.StatusNotFound, hyperform.StatusCode(err))

	_, err = offline.SubmitByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces", Rel: []string{"post"}}, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusMethodNotAllowed, hyperform.StatusCode(err))
}

func TestExport_MaxResources(t *testing.T) {
	api := newFakeAPI(t)
	manifest, err := NewSnapshotExporter(api.newService(t), NewFileSnapshotWriter(t.TempDir())).Export(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, manifest.Resources, 2)
	assert.True(t, manifest.Truncated)
}
