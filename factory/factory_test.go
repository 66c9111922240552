package factory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootBody = `{
		"data": {"self": {"href": "/", "rel": ["self"], "resourceType": "root"}},
		"links": [{"href": "/people", "rel": ["api", "people"], "resourceType": "people"}]
	}`
	peopleBody = `{
		"data": {"self": {"href": "/people", "rel": ["self"], "resourceType": "people"}},
		"links": [{"href": "/people", "rel": ["post"], "resourceType": "person", "schema": "/schemas/person"}]
	}`
	personSchema = `{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 2}},
		"required": ["name"]
	}`
)

type testServer struct {
	*httptest.Server
	mu    sync.Mutex
	posts int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /":
			w.Header().Set("Content-Type", hyperform.ContentTypeJSON)
			_, _ = io.WriteString(w, rootBody)
		case "GET /people":
			w.Header().Set("Content-Type", hyperform.ContentTypeJSON)
			_, _ = io.WriteString(w, peopleBody)
		case "GET /schemas/person":
			w.Header().Set("Content-Type", hyperform.ContentTypeSchemaJSON)
			_, _ = io.WriteString(w, personSchema)
		case "POST /people":
			s.mu.Lock()
			s.posts++
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

func testConfig(s *testServer) *hyperform.Config {
	cfg := hyperform.DefaultConfig()
	cfg.API.BaseURL = s.URL + "/"
	return cfg
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := hyperform.DefaultConfig()
	_, err := NewClient(context.Background(), cfg)
	require.Error(t, err)
	var cfgErr *hyperform.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewClient_HTTPWithDuckDBCache(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	cfg := testConfig(server)
	cfg.Cache.Backend = hyperform.CacheBackendDuckDB
	cfg.CircuitBreaker.Enabled = true

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	link, err := client.Api.SearchResolveRels(ctx, "people")
	require.NoError(t, err)
	assert.Equal(t, "/people", link.Href)
}

func TestSubmit_ValidatesBeforeSending(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	cfg := testConfig(server)
	cfg.Schema.ValidateBeforeSubmit = true

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	people, err := client.Api.GetByApiLink(ctx, hyperform.ApiLink{Href: "/people"}, false)
	require.NoError(t, err)
	create, ok := people.FindLink("post")
	require.True(t, ok)

	_, err = client.Submit(ctx, create, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrValidationFailed))
	assert.Zero(t, server.postCount())

	resp, err := client.Submit(ctx, create, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.Nil(t, resp, "204 yields no response")
	assert.Equal(t, 1, server.postCount())
}

func TestSubmit_WithoutValidation(t *testing.T) {
	server := newTestServer(t)
	_, err := NewClientWithTransport(testConfig(server), nil, nil)
	require.Error(t, err, "a transport is required")

	client, err := NewClient(context.Background(), testConfig(server))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Submit(context.Background(),
		hyperform.ApiLink{Href: "/people", Rel: []string{"post"}, Schema: "/schemas/person"},
		map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.postCount())
}

func TestExportThenServeFromSnapshot(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	dir := t.TempDir()

	cfg := testConfig(server)
	cfg.Snapshot.Directory = dir
	online, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer online.Close()

	manifest, err := online.Export(ctx)
	require.NoError(t, err)
	assert.Contains(t, manifest.Resources, server.URL+"/schemas/person")

	offlineCfg := hyperform.DefaultConfig()
	offlineCfg.API.Transport = "snapshot"
	offlineCfg.Snapshot.Directory = dir
	offline, err := NewClient(ctx, offlineCfg)
	require.NoError(t, err)
	defer offline.Close()

	assert.Equal(t, server.URL+"/", offline.Api.BaseURL(), "base url comes from the manifest")
	server.Close()

	schema, err := offline.Schemas.GetNormalizedSchema(ctx, "/schemas/person")
	require.NoError(t, err)
	assert.Equal(t, hyperform.TypeObject, schema.MainType())
}

func TestNewClient_SnapshotWithoutManifest(t *testing.T) {
	cfg := hyperform.DefaultConfig()
	cfg.API.Transport = "snapshot"
	cfg.Snapshot.Directory = t.TempDir()
	_, err := NewClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "manifest")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(hyperform.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(hyperform.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
