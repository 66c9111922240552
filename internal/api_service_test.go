package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetByApiLink_CachesResponses(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()
	link := hyperform.ApiLink{Href: "/namespaces", Rel: []string{"namespaces"}}

	first, err := svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	second, err := svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)

	assert.Equal(t, 1, api.hitCount("GET /namespaces"))
	assert.Equal(t, first.Links, second.Links)
	assert.Equal(t, hyperform.ContentTypeJSON, second.ContentType)

	_, err = svc.GetByApiLink(ctx, link, true)
	require.NoError(t, err)
	assert.Equal(t, 2, api.hitCount("GET /namespaces"), "ignoreCache must reach the server")
}

func TestGetByApiLink_SeedsCacheFromEmbedded(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()

	_, err := svc.GetByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces"}, false)
	require.NoError(t, err)

	core, err := svc.GetByApiLink(ctx, hyperform.ApiLink{Href: api.url("/namespaces/core")}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, api.hitCount("GET /namespaces/core"))

	typed, err := hyperform.DecodeData[struct {
		Name string `json:"name"`
	}](core)
	require.NoError(t, err)
	assert.Equal(t, "core", typed.Data.Name)
}

func TestGetByApiLink_DiscardsCacheEntryForOtherResource(t *testing.T) {
	api := newFakeAPI(t)
	cache := NewMemoryResponseCache()
	svc, err := NewApiService(api.baseURL(), NewHTTPTransport(api.server.Client(), nil), cache)
	require.NoError(t, err)
	ctx := context.Background()

	foreign := &hyperform.RawResponse{
		Data:        json.RawMessage(`{"self": {"href": "/namespaces/other", "rel": ["self"], "resourceType": "ont-namespace"}}`),
		ContentType: hyperform.ContentTypeJSON,
	}
	entry, err := encodeCachedResponse(foreign)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "GET "+api.url("/namespaces/core"), entry))

	resp, err := svc.GetByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces/core"}, false)
	require.NoError(t, err)
	self, ok := hyperform.SelfLink(resp)
	require.True(t, ok)
	assert.Equal(t, "/namespaces/core", self.Href)
	assert.Equal(t, 1, api.hitCount("GET /namespaces/core"))
}

func TestGetByApiLink_NoContentAndFailures(t *testing.T) {
	api := newFakeAPI(t)
	api.setRoute("GET /empty", fakeRoute{status: http.StatusNoContent})
	svc := api.newService(t)
	ctx := context.Background()

	resp, err := svc.GetByApiLink(ctx, hyperform.ApiLink{Href: "/empty"}, false)
	assert.NoError(t, err)
	assert.Nil(t, resp)

	_, err = svc.GetByApiLink(ctx, hyperform.ApiLink{Href: "/missing"}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrRequestFailed))
	assert.Equal(t, http.StatusNotFound, hyperform.StatusCode(err))

	_, err = svc.GetByApiLink(ctx, hyperform.ApiLink{Href: "/admin"}, false)
	assert.Equal(t, http.StatusInternalServerError, hyperform.StatusCode(err))
}

func TestGetByApiLink_HarvestsKeyedLinks(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)

	_, err := svc.Root(context.Background())
	require.NoError(t, err)

	links := svc.KeyedLinks()
	require.Len(t, links, 4)
	assert.Equal(t, "ont-namespaces", links[0].ResourceType, "shortest key first")
}

func TestSubmitByApiLink(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()
	create := hyperform.ApiLink{Href: "/namespaces", Rel: []string{"create", "post"}, ResourceType: "ont-namespace"}

	resp, err := svc.SubmitByApiLink(ctx, create, map[string]any{"name": "fresh"})
	require.NoError(t, err)
	self, ok := hyperform.SelfLink(resp)
	require.True(t, ok)
	assert.Equal(t, "/namespaces/fresh", self.Href)
	assert.JSONEq(t, `{"name":"fresh"}`, string(api.lastBody("POST /namespaces")))

	_, err = svc.SubmitByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces", Rel: []string{"self"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrInvalidSubmitLink))
}

func TestSubmitByApiLink_Cancelled(t *testing.T) {
	api := newFakeAPI(t)
	gate := make(chan struct{})
	defer close(gate)
	api.setRoute("PUT /namespaces/core", fakeRoute{body: coreEnvelope, gate: gate})
	svc := api.newService(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.SubmitByApiLink(ctx, hyperform.ApiLink{Href: "/namespaces/core", Rel: []string{"update", "put"}},
			map[string]any{"name": "core"})
		done <- err
	}()

	require.Eventually(t, func() bool { return api.hitCount("PUT /namespaces/core") == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, hyperform.IsCancelled(err))
		assert.False(t, errors.Is(err, hyperform.ErrRequestFailed))
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancellation")
	}
}

func TestRoot_SharedAcrossConcurrentCallers(t *testing.T) {
	api := newFakeAPI(t)
	gate := make(chan struct{})
	api.setRoute("GET /", fakeRoute{body: rootEnvelope, gate: gate})
	svc := api.newService(t)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*hyperform.RawResponse, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Root(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return api.hitCount("GET /") == 1 }, 2*time.Second, 10*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, api.hitCount("GET /"))

	again, err := svc.Root(context.Background())
	require.NoError(t, err)
	assert.Same(t, results[0], again)
	assert.Equal(t, 1, api.hitCount("GET /"))
}

func TestRoot_FailureIsNotMemoized(t *testing.T) {
	api := newFakeAPI(t)
	api.setRoute("GET /", fakeRoute{status: http.StatusServiceUnavailable})
	svc := api.newService(t)

	_, err := svc.Root(context.Background())
	require.Error(t, err)

	api.setRoute("GET /", fakeRoute{body: rootEnvelope})
	root, err := svc.Root(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, root)
}

func TestRoot_InFlightFetchDoesNotOutliveClear(t *testing.T) {
	api := newFakeAPI(t)
	gate := make(chan struct{})
	api.setRoute("GET /", fakeRoute{body: rootEnvelope, gate: gate})
	svc := api.newService(t)
	ctx := context.Background()

	type result struct {
		root *hyperform.RawResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		root, err := svc.Root(ctx)
		done <- result{root, err}
	}()
	require.Eventually(t, func() bool { return api.hitCount("GET /") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.ClearCaches(ctx, false))
	api.setRoute("GET /", fakeRoute{body: rootEnvelope})
	close(gate)

	stale := <-done
	require.NoError(t, stale.err)
	require.NotNil(t, stale.root, "the caller that started the fetch still gets its answer")

	fresh, err := svc.Root(ctx)
	require.NoError(t, err)
	assert.NotSame(t, stale.root, fresh)
	assert.Equal(t, 2, api.hitCount("GET /"), "the root is fetched again after clearing")

	again, err := svc.Root(ctx)
	require.NoError(t, err)
	assert.Same(t, fresh, again)
	assert.Equal(t, 2, api.hitCount("GET /"))
}

func TestClearCaches(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()
	link := hyperform.ApiLink{Href: "/namespaces/core"}

	_, err := svc.Root(ctx)
	require.NoError(t, err)
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)

	require.NoError(t, svc.ClearCaches(ctx, false))
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	assert.Equal(t, 3, api.hitCount("GET /namespaces/core"), "closed cache serves nothing")
	assert.Len(t, svc.KeyedLinks(), 4, "keyed links survive clearing")

	svc.ReopenCache()
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	_, err = svc.GetByApiLink(ctx, link, false)
	require.NoError(t, err)
	assert.Equal(t, 4, api.hitCount("GET /namespaces/core"))

	_, err = svc.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, api.hitCount("GET /"), "root is fetched again after clearing")
}

func TestSearchResolveRels(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	ctx := context.Background()

	link, err := svc.SearchResolveRels(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, "/users/me", link.Href)
	assert.Equal(t, 1, api.hitCount("GET /admin"), "failing api links are skipped")

	_, err = svc.SearchResolveRels(ctx, "nowhere")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrRelNotFound))
}

func TestResolveApiLinkKey(t *testing.T) {
	api := newFakeAPI(t)
	svc := api.newService(t)
	_, err := svc.Root(context.Background())
	require.NoError(t, err)

	link, err := svc.ResolveApiLinkKey(map[string]string{"namespace": "core"}, "ont-namespace", nil)
	require.NoError(t, err)
	assert.Equal(t, api.url("/namespaces/core"), link.Href)
	assert.Equal(t, "/schemas/namespace", link.Schema)

	_, err = svc.ResolveApiLinkKey(map[string]string{"type": "person"}, "ont-type", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrUnresolvableKey))
}
