package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/require"
)

// fakeRoute is one canned response of the fake hypermedia server. When gate
// is set the handler waits for it to close or for the client to go away.
type fakeRoute struct {
	status      int
	contentType string
	body        string
	gate        chan struct{}
}

type fakeAPI struct {
	server *httptest.Server

	mu     sync.Mutex
	routes map[string]fakeRoute
	hits   map[string]int
	bodies map[string][]byte
}

const (
	rootEnvelope = `{
		"data": {"self": {"href": "/", "rel": ["self"], "resourceType": "root"}},
		"links": [
			{"href": "/namespaces", "rel": ["api", "namespaces"], "resourceType": "ont-namespaces"},
			{"href": "/admin", "rel": ["api"], "resourceType": "admin"}
		],
		"keyedLinks": [
			{"href": "/namespaces", "rel": ["self"], "resourceType": "ont-namespaces", "key": []},
			{"href": "/namespaces/{namespace}", "rel": ["self"], "resourceType": "ont-namespace", "key": ["namespace"], "schema": "/schemas/namespace"},
			{"href": "/namespaces/{namespace}/types", "rel": ["self"], "resourceType": "ont-types", "key": ["namespace"]},
			{"href": "/namespaces/{namespace}/types/{type}", "rel": ["self"], "resourceType": "ont-type", "key": ["namespace", "type"], "queryKey": ["version"]}
		]
	}`

	namespacesEnvelope = `{
		"data": {"self": {"href": "/namespaces", "rel": ["self"], "resourceType": "ont-namespaces"}},
		"links": [
			{"href": "/namespaces", "rel": ["create", "post"], "resourceType": "ont-namespace", "schema": "/schemas/namespace"},
			{"href": "/users", "rel": ["api", "users"], "resourceType": "users"}
		],
		"embedded": [
			{
				"data": {"self": {"href": "/namespaces/core", "rel": ["self"], "resourceType": "ont-namespace", "resourceKey": {"namespace": "core"}}, "name": "core"},
				"links": [{"href": "/namespaces/core/types", "rel": ["types"], "resourceType": "ont-types"}]
			}
		]
	}`

	coreEnvelope = `{
		"data": {"self": {"href": "/namespaces/core", "rel": ["self"], "resourceType": "ont-namespace", "resourceKey": {"namespace": "core"}}, "name": "core"},
		"links": [{"href": "/namespaces/core/types", "rel": ["types"], "resourceType": "ont-types"}]
	}`

	usersEnvelope = `{
		"data": {"self": {"href": "/users", "rel": ["self"], "resourceType": "users"}},
		"links": [{"href": "/users/me", "rel": ["me"], "resourceType": "user"}]
	}`

	createdEnvelope = `{
		"data": {"self": {"href": "/namespaces/fresh", "rel": ["self"], "resourceType": "ont-namespace", "resourceKey": {"namespace": "fresh"}}, "name": "fresh"},
		"links": []
	}`

	namespaceSchemaEnvelope = `{
		"data": {
			"self": {"href": "/schemas/namespace", "rel": ["self"], "resourceType": "schema"},
			"schema": {
				"type": "object",
				"properties": {
					"name": {"$ref": "common#/definitions/name"},
					"description": {"type": "string"}
				},
				"required": ["name"]
			}
		},
		"links": []
	}`

	commonSchema = `{
		"definitions": {
			"name": {"type": "string", "minLength": 1, "pattern": "^[a-z]+$"}
		}
	}`
)

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		routes: map[string]fakeRoute{
			"GET /":                  {body: rootEnvelope},
			"GET /namespaces":        {body: namespacesEnvelope},
			"GET /namespaces/core":   {body: coreEnvelope},
			"GET /users":             {body: usersEnvelope},
			"GET /admin":             {status: http.StatusInternalServerError, body: `{"error":"boom"}`},
			"POST /namespaces":       {status: http.StatusCreated, body: createdEnvelope},
			"GET /schemas/namespace": {body: namespaceSchemaEnvelope},
			"GET /schemas/common":    {contentType: hyperform.ContentTypeSchemaJSON, body: commonSchema},
		},
		hits:   make(map[string]int),
		bodies: make(map[string][]byte),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.hits[key]++
	if len(body) > 0 {
		f.bodies[key] = body
	}
	route, ok := f.routes[key]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if route.gate != nil {
		select {
		case <-route.gate:
		case <-r.Context().Done():
			return
		}
	}
	status := route.status
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	contentType := route.contentType
	if contentType == "" {
		contentType = hyperform.ContentTypeJSON + "; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, route.body)
}

func (f *fakeAPI) baseURL() string {
	return f.server.URL + "/"
}

func (f *fakeAPI) url(path string) string {
	return f.server.URL + path
}

func (f *fakeAPI) setRoute(key string, route fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[key] = route
}

func (f *fakeAPI) hitCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeAPI) lastBody(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeAPI) newService(t *testing.T) *apiService {
	t.Helper()
	svc, err := NewApiService(f.baseURL(), NewHTTPTransport(f.server.Client(), nil), nil)
	require.NoError(t, err)
	return svc.(*apiService)
}

// staticTransport serves fixed responses by absolute URL without a network.
type staticTransport struct {
	mu        sync.Mutex
	responses map[string]*hyperform.TransportResponse
	calls     map[string]int
}

func newStaticTransport() *staticTransport {
	return &staticTransport{
		responses: make(map[string]*hyperform.TransportResponse),
		calls:     make(map[string]int),
	}
}

func (s *staticTransport) add(url, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[url] = &hyperform.TransportResponse{
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        []byte(strings.TrimSpace(body)),
	}
}

func (s *staticTransport) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func (s *staticTransport) Do(ctx context.Context, req *hyperform.TransportRequest) (*hyperform.TransportResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.URL]++
	resp, ok := s.responses[req.URL]
	if !ok {
		return &hyperform.TransportResponse{StatusCode: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	return resp, nil
}
