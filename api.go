package hyperform

import (
	"context"
	"net/http"
	"net/url"
)

// ApiService is the single point of contact with the hypermedia server. It
// owns the GET response cache and the registry of keyed links seen so far.
type ApiService interface {
	// BaseURL is the hypermedia root URL.
	BaseURL() string
	// Root returns the hypermedia root. It is fetched once; concurrent callers
	// share one request.
	Root(ctx context.Context) (*RawResponse, error)
	// GetByApiLink fetches link.Href, consulting the cache unless ignoreCache.
	// A 204 response yields a nil response and nil error.
	GetByApiLink(ctx context.Context, link ApiLink, ignoreCache bool) (*RawResponse, error)
	// SubmitByApiLink sends data with the method named by link.Rel. Cancelling
	// ctx aborts the request; the error then satisfies IsCancelled.
	SubmitByApiLink(ctx context.Context, link ApiLink, data any) (*RawResponse, error)
	// BuildClientURL encodes a fully keyed link as a client path.
	BuildClientURL(link ApiLink, extraKey map[string]string) (string, error)
	// ResolveClientURL decodes a client path into an API link.
	ResolveClientURL(ctx context.Context, clientPath string, query url.Values) (ApiLink, error)
	// SearchResolveRels searches breadth first from the root through "api"
	// links for a link carrying rel.
	SearchResolveRels(ctx context.Context, rel string) (ApiLink, error)
	// ResolveApiLinkKey instantiates the keyed link registered for exactly
	// the variables of key.
	ResolveApiLinkKey(key map[string]string, resourceType string, query url.Values) (ApiLink, error)
	// ClearCaches drops cached responses. With reopen false the cache stays
	// disabled until ReopenCache. Keyed links are kept.
	ClearCaches(ctx context.Context, reopen bool) error
	ReopenCache()
	RegisterKeyedLinks(links ...KeyedApiLink)
	KeyedLinks() []KeyedApiLink
}

// GetAs fetches link and decodes the payload into T.
func GetAs[T any](ctx context.Context, api ApiService, link ApiLink, ignoreCache bool) (*ApiResponse[T], error) {
	raw, err := api.GetByApiLink(ctx, link, ignoreCache)
	if err != nil || raw == nil {
		return nil, err
	}
	return DecodeData[T](raw)
}

// TransportRequest is one HTTP exchange as seen by a Transport.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TransportResponse carries the parts of an HTTP response the client uses.
type TransportResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Transport performs requests for the API service.
type Transport interface {
	Do(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// ResponseCache stores encoded GET responses by cache key.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Clear(ctx context.Context) error
	Close() error
}

// SnapshotStore serves a previously exported API offline.
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
}

// SnapshotWriter receives exported resources.
type SnapshotWriter interface {
	Write(ctx context.Context, key string, data []byte) error
}
