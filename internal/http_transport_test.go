package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Headers(t *testing.T) {
	type seen struct {
		method string
		header http.Header
		body   []byte
	}
	requests := make(chan seen, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- seen{r.Method, r.Header.Clone(), body}
		w.Header().Set("Content-Type", hyperform.ContentTypeSchemaJSON)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"type":"string"}`)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), map[string]string{"Authorization": "Bearer t0k"})
	header := http.Header{}
	header.Set("Content-Type", hyperform.ContentTypeJSON)
	resp, err := tr.Do(context.Background(), &hyperform.TransportRequest{
		Method: http.MethodPut,
		URL:    server.URL + "/things/1",
		Header: header,
		Body:   []byte(`{"a":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, hyperform.ContentTypeSchemaJSON, resp.ContentType)
	assert.JSONEq(t, `{"type":"string"}`, string(resp.Body))

	got := <-requests
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "Bearer t0k", got.header.Get("Authorization"))
	assert.Equal(t, acceptHeader, got.header.Get("Accept"))
	assert.Equal(t, hyperform.ContentTypeJSON, got.header.Get("Content-Type"))
	_, err = uuid.Parse(got.header.Get("X-Request-Id"))
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.body))
}

func TestHTTPTransport_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPTransport(nil, nil).Do(context.Background(), &hyperform.TransportRequest{Method: http.MethodGet, URL: url})
	assert.Error(t, err)
}

func TestTelemetry_FetchAndCacheEvents(t *testing.T) {
	type event struct {
		name   string
		labels map[string]string
	}
	var events []event
	RegisterTelemetryEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
		events = append(events, event{name, labels})
	})
	t.Cleanup(func() { RegisterTelemetryEmitter(nil) })

	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()
	link := hyperform.ApiLink{Href: "/users"}
	_, err := svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, event{"hyperform_cache_lookup", map[string]string{"result": "miss"}}, events[0])
	assert.Equal(t, "hyperform_fetch_latency_ms", events[1].name)
	assert.Equal(t, map[string]string{"method": "GET", "status": "200"}, events[1].labels)
	assert.Equal(t, event{"hyperform_cache_lookup", map[string]string{"result": "hit"}}, events[2])
}
