package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// cachedResponse is the value stored in a ResponseCache.
type cachedResponse struct {
	ContentType string          `json:"contentType"`
	Response    json.RawMessage `json:"response"`
}

type apiService struct {
	baseURL   string
	base      *url.URL
	transport hyperform.Transport
	keyed     *keyedLinkRegistry

	cacheMu      sync.RWMutex
	cache        hyperform.ResponseCache
	cacheEnabled bool

	rootGroup singleflight.Group
	rootMu    sync.Mutex
	root      *hyperform.RawResponse
	// rootGen is bumped by ClearCaches; a fetch started under an older
	// generation does not publish its root.
	rootGen uint64
}

// NewApiService creates the API access layer. A nil cache selects an
// in-memory cache.
func NewApiService(baseURL string, transport hyperform.Transport, cache hyperform.ResponseCache) (hyperform.ApiService, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if cache == nil {
		cache = NewMemoryResponseCache()
	}
	return &apiService{
		baseURL:      baseURL,
		base:         base,
		transport:    transport,
		keyed:        newKeyedLinkRegistry(),
		cache:        cache,
		cacheEnabled: true,
	}, nil
}

func (s *apiService) BaseURL() string {
	return s.baseURL
}

// absolute resolves href against the base URL.
func (s *apiService) absolute(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return s.base.ResolveReference(u).String()
}

func (s *apiService) rootLink() hyperform.ApiLink {
	return hyperform.ApiLink{Href: s.baseURL, Rel: []string{hyperform.RelSelf}}
}

func (s *apiService) Root(ctx context.Context) (*hyperform.RawResponse, error) {
	s.rootMu.Lock()
	if s.root != nil {
		root := s.root
		s.rootMu.Unlock()
		return root, nil
	}
	gen := s.rootGen
	s.rootMu.Unlock()

	// the shared fetch must not die with whichever caller started it
	ch := s.rootGroup.DoChan(fmt.Sprintf("root/%d", gen), func() (any, error) {
		resp, err := s.GetByApiLink(context.WithoutCancel(ctx), s.rootLink(), false)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, hyperform.NewRequestError(http.MethodGet, s.baseURL, http.StatusNoContent,
				errors.New("hypermedia root has no content"))
		}
		s.rootMu.Lock()
		if s.rootGen == gen {
			s.root = resp
		} else {
			zap.S().Debugw("dropping root fetched before cache clear", "href", s.baseURL)
		}
		s.rootMu.Unlock()
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return nil, hyperform.NewCancelledError(http.MethodGet, s.baseURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*hyperform.RawResponse), nil
	}
}

func (s *apiService) GetByApiLink(ctx context.Context, link hyperform.ApiLink, ignoreCache bool) (*hyperform.RawResponse, error) {
	href := s.absolute(link.Href)
	cacheKey := http.MethodGet + " " + href

	if !ignoreCache {
		if resp, ok := s.lookupCache(ctx, cacheKey, href); ok {
			s.harvest(resp)
			return resp, nil
		}
	}

	resp, err := s.do(ctx, http.MethodGet, href, nil)
	if err != nil || resp == nil {
		return nil, err
	}
	s.harvest(resp)
	s.store(ctx, cacheKey, resp)
	if resp.ContentType != hyperform.ContentTypeSchemaJSON {
		s.storeEmbedded(ctx, resp.Embedded)
	}
	return resp, nil
}

func (s *apiService) SubmitByApiLink(ctx context.Context, link hyperform.ApiLink, data any) (*hyperform.RawResponse, error) {
	method, err := link.SubmitMethod()
	if err != nil {
		return nil, err
	}
	var body []byte
	if data != nil {
		body, err = json.Marshal(data)
		if err != nil {
			return nil, hyperform.NewInternalError("failed to encode request body", err).WithHref(link.Href)
		}
	}
	resp, err := s.do(ctx, method, s.absolute(link.Href), body)
	if err != nil || resp == nil {
		return nil, err
	}
	s.harvest(resp)
	return resp, nil
}

// do performs one request and decodes the response. A 204 yields nil.
func (s *apiService) do(ctx context.Context, method, href string, body []byte) (*hyperform.RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, hyperform.NewCancelledError(method, href, err)
	}
	req := &hyperform.TransportRequest{Method: method, URL: href, Body: body, Header: http.Header{}}
	if body != nil {
		req.Header.Set("Content-Type", hyperform.ContentTypeJSON)
	}

	start := time.Now()
	tr, err := s.transport.Do(ctx, req)
	if err != nil {
		EmitFetchLatency(ctx, method, "error", time.Since(start).Milliseconds())
		if ctx.Err() != nil {
			return nil, hyperform.NewCancelledError(method, href, ctx.Err())
		}
		var he *hyperform.HyperformError
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, hyperform.NewRequestError(method, href, 0, err)
	}
	EmitFetchLatency(ctx, method, strconv.Itoa(tr.StatusCode), time.Since(start).Milliseconds())
	zap.S().Debugw("api request", "method", method, "href", href, "status", tr.StatusCode,
		"duration", time.Since(start))

	if tr.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if tr.StatusCode < 200 || tr.StatusCode > 299 {
		return nil, hyperform.NewRequestError(method, href, tr.StatusCode, nil).
			WithDetail("body", truncate(string(tr.Body), 512))
	}
	resp, err := decodeResponse(tr.ContentType, tr.Body)
	if err != nil {
		return nil, hyperform.NewRequestError(method, href, tr.StatusCode, err)
	}
	return resp, nil
}

// decodeResponse unwraps a resource envelope. Bare schema documents are
// wrapped without unwrapping.
func decodeResponse(contentType string, body []byte) (*hyperform.RawResponse, error) {
	mediaType := hyperform.ContentTypeJSON
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}
	if mediaType == hyperform.ContentTypeSchemaJSON {
		return &hyperform.RawResponse{
			Data:        append(json.RawMessage(nil), body...),
			ContentType: mediaType,
		}, nil
	}
	var resp hyperform.RawResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	resp.ContentType = mediaType
	return &resp, nil
}

func (s *apiService) lookupCache(ctx context.Context, cacheKey, href string) (*hyperform.RawResponse, bool) {
	s.cacheMu.RLock()
	cache, enabled := s.cache, s.cacheEnabled
	s.cacheMu.RUnlock()
	if !enabled {
		return nil, false
	}

	raw, ok, err := cache.Get(ctx, cacheKey)
	if err != nil {
		zap.S().Warnw("response cache read failed", "key", cacheKey, "error", err)
		EmitCacheLookup(ctx, "error")
		return nil, false
	}
	if !ok {
		EmitCacheLookup(ctx, "miss")
		return nil, false
	}
	var entry cachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		zap.S().Warnw("discarding undecodable cache entry", "key", cacheKey, "error", err)
		EmitCacheLookup(ctx, "error")
		return nil, false
	}
	resp, err := decodeResponse(entry.ContentType, entry.Response)
	if err != nil {
		EmitCacheLookup(ctx, "error")
		return nil, false
	}
	if self, ok := hyperform.SelfLink(resp); ok && s.absolute(self.Href) != href {
		zap.S().Debugw("cached response belongs to another resource", "key", cacheKey, "self", self.Href)
		EmitCacheLookup(ctx, "stale")
		return nil, false
	}
	EmitCacheLookup(ctx, "hit")
	zap.S().Debugw("response cache hit", "key", cacheKey)
	return resp, true
}

func (s *apiService) store(ctx context.Context, cacheKey string, resp *hyperform.RawResponse) {
	s.cacheMu.RLock()
	cache, enabled := s.cache, s.cacheEnabled
	s.cacheMu.RUnlock()
	if !enabled {
		return
	}

	b, err := encodeCachedResponse(resp)
	if err != nil {
		zap.S().Warnw("failed to encode response for cache", "key", cacheKey, "error", err)
		return
	}
	if err := cache.Put(ctx, cacheKey, b); err != nil {
		zap.S().Warnw("response cache write failed", "key", cacheKey, "error", err)
	}
}

// encodeCachedResponse is the inverse of decodeResponse.
func encodeCachedResponse(resp *hyperform.RawResponse) ([]byte, error) {
	var payload json.RawMessage
	if resp.ContentType == hyperform.ContentTypeSchemaJSON {
		payload = resp.Data
	} else {
		b, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	return json.Marshal(cachedResponse{ContentType: resp.ContentType, Response: payload})
}

// storeEmbedded seeds the cache with embedded responses under their own
// self href.
func (s *apiService) storeEmbedded(ctx context.Context, embedded []hyperform.RawResponse) {
	for i := range embedded {
		e := &embedded[i]
		if self, ok := hyperform.SelfLink(e); ok {
			if e.ContentType == "" {
				e.ContentType = hyperform.ContentTypeJSON
			}
			s.store(ctx, http.MethodGet+" "+s.absolute(self.Href), e)
		}
		s.storeEmbedded(ctx, e.Embedded)
	}
}

// harvest registers the keyed links of resp and of its embedded responses.
func (s *apiService) harvest(resp *hyperform.RawResponse) {
	if resp == nil {
		return
	}
	if n := s.keyed.register(resp.KeyedLinks...); n > 0 {
		zap.S().Debugw("registered keyed links", "count", n)
	}
	for i := range resp.Embedded {
		s.harvest(&resp.Embedded[i])
	}
}

func (s *apiService) SearchResolveRels(ctx context.Context, rel string) (hyperform.ApiLink, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return hyperform.ApiLink{}, err
	}
	visited := map[string]bool{s.absolute(s.baseURL): true}
	queue := []*hyperform.RawResponse{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if l, ok := cur.FindLink(rel); ok {
			return l, nil
		}
		for _, l := range cur.Links {
			if !l.HasRel(hyperform.RelAPI) {
				continue
			}
			href := s.absolute(l.Href)
			if visited[href] {
				continue
			}
			visited[href] = true
			next, err := s.GetByApiLink(ctx, l, false)
			if err != nil {
				if hyperform.IsCancelled(err) {
					return hyperform.ApiLink{}, err
				}
				zap.S().Warnw("skipping unreachable api link", "href", href, "error", err)
				continue
			}
			if next != nil {
				queue = append(queue, next)
			}
		}
	}
	return hyperform.ApiLink{}, hyperform.NewRelNotFoundError(rel)
}

func (s *apiService) ResolveApiLinkKey(key map[string]string, resourceType string, query url.Values) (hyperform.ApiLink, error) {
	vars := make([]string, 0, len(key))
	for name := range pathKey(key) {
		vars = append(vars, name)
	}
	tmpl, ok := s.keyed.lookup(resourceType, vars)
	if !ok {
		return hyperform.ApiLink{}, hyperform.NewUnresolvableKeyError(resourceType, key)
	}
	link, err := tmpl.Instantiate(key, query)
	if err != nil {
		return hyperform.ApiLink{}, err
	}
	link.Href = s.absolute(link.Href)
	return link, nil
}

func (s *apiService) ClearCaches(ctx context.Context, reopen bool) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheEnabled = reopen

	s.rootMu.Lock()
	s.root = nil
	s.rootGen++
	s.rootMu.Unlock()

	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear response cache: %w", err)
	}
	zap.S().Infow("response cache cleared", "reopen", reopen)
	return nil
}

func (s *apiService) ReopenCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheEnabled = true
}

func (s *apiService) RegisterKeyedLinks(links ...hyperform.KeyedApiLink) {
	s.keyed.register(links...)
}

func (s *apiService) KeyedLinks() []hyperform.KeyedApiLink {
	return s.keyed.all()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
