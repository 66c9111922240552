package hyperform

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Well-known relation tags.
const (
	RelSelf       = "self"
	RelUp         = "up"
	RelCollection = "collection"
	RelCreate     = "create"
	RelUpdate     = "update"
	RelDelete     = "delete"
	RelAPI        = "api"
)

// Content types negotiated with the server.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeSchemaJSON = "application/schema+json"
)

// QueryKeyPrefix marks resource key variables that travel in the query string.
const QueryKeyPrefix = "?"

var submitMethods = []string{"post", "put", "patch", "delete"}

// ApiLink is a hypermedia link as advertised by the server.
type ApiLink struct {
	Href         string            `json:"href"`
	Rel          []string          `json:"rel"`
	ResourceType string            `json:"resourceType"`
	ResourceKey  map[string]string `json:"resourceKey,omitempty"`
	Schema       string            `json:"schema,omitempty"`
	Doc          string            `json:"doc,omitempty"`
	Title        string            `json:"title,omitempty"`
}

// HasRel reports whether the link carries the given relation tag.
func (l ApiLink) HasRel(rel string) bool {
	for _, r := range l.Rel {
		if r == rel {
			return true
		}
	}
	return false
}

// HasAnyRel reports whether the link carries at least one of rels.
func (l ApiLink) HasAnyRel(rels ...string) bool {
	for _, rel := range rels {
		if l.HasRel(rel) {
			return true
		}
	}
	return false
}

// MatchesKey reports whether every entry of partial is present in the link's
// resource key with the same value.
func (l ApiLink) MatchesKey(partial map[string]string) bool {
	for k, v := range partial {
		if got, ok := l.ResourceKey[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// SameResource reports whether both links point at the same resource instance.
func (l ApiLink) SameResource(other ApiLink) bool {
	if l.ResourceType != other.ResourceType || len(l.ResourceKey) != len(other.ResourceKey) {
		return false
	}
	return l.MatchesKey(other.ResourceKey)
}

// SubmitMethod derives the HTTP method of a submit link from its relation
// tags. Exactly one of post, put, patch or delete must be present.
func (l ApiLink) SubmitMethod() (string, error) {
	method := ""
	for _, m := range submitMethods {
		if !l.HasRel(m) {
			continue
		}
		if method != "" {
			return "", NewInvalidSubmitLinkError(l, fmt.Sprintf("ambiguous submit relations %q and %q", method, m))
		}
		method = m
	}
	if method == "" {
		return "", NewInvalidSubmitLinkError(l, "link has no post, put, patch or delete relation")
	}
	return strings.ToUpper(method), nil
}

// PathKey returns the resource key entries that are not query variables.
func (l ApiLink) PathKey() map[string]string {
	out := make(map[string]string, len(l.ResourceKey))
	for k, v := range l.ResourceKey {
		if !strings.HasPrefix(k, QueryKeyPrefix) {
			out[k] = v
		}
	}
	return out
}

// WithHref returns a copy of the link pointing at href.
func (l ApiLink) WithHref(href string) ApiLink {
	c := l.clone()
	c.Href = href
	return c
}

// WithResourceKey returns a copy of the link with key merged into its
// resource key.
func (l ApiLink) WithResourceKey(key map[string]string) ApiLink {
	c := l.clone()
	if c.ResourceKey == nil && len(key) > 0 {
		c.ResourceKey = make(map[string]string, len(key))
	}
	for k, v := range key {
		c.ResourceKey[k] = v
	}
	return c
}

// WithQuery returns a copy of the link with query merged into its href.
func (l ApiLink) WithQuery(query url.Values) (ApiLink, error) {
	if len(query) == 0 {
		return l.clone(), nil
	}
	u, err := url.Parse(l.Href)
	if err != nil {
		return ApiLink{}, fmt.Errorf("parse href %q: %w", l.Href, err)
	}
	q := u.Query()
	for k, vs := range query {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return l.WithHref(u.String()), nil
}

func (l ApiLink) clone() ApiLink {
	c := l
	c.Rel = append([]string(nil), l.Rel...)
	if l.ResourceKey != nil {
		c.ResourceKey = make(map[string]string, len(l.ResourceKey))
		for k, v := range l.ResourceKey {
			c.ResourceKey[k] = v
		}
	}
	return c
}

// KeyedApiLink is a link template: Href contains {variable} placeholders for
// every name listed in Key.
type KeyedApiLink struct {
	Href         string   `json:"href"`
	Rel          []string `json:"rel"`
	ResourceType string   `json:"resourceType"`
	Key          []string `json:"key"`
	QueryKey     []string `json:"queryKey,omitempty"`
	Schema       string   `json:"schema,omitempty"`
	Doc          string   `json:"doc,omitempty"`
}

// KeyedLinkRegistryKey builds the registry key for a resource type and a set
// of key variable names.
func KeyedLinkRegistryKey(resourceType string, keyVars []string) string {
	sorted := append([]string(nil), keyVars...)
	sort.Strings(sorted)
	return resourceType + "/" + strings.Join(sorted, "/")
}

// RegistryKey returns the key under which the template is registered.
func (k KeyedApiLink) RegistryKey() string {
	return KeyedLinkRegistryKey(k.ResourceType, k.Key)
}

// HasKeyVar reports whether name is one of the template's path variables.
func (k KeyedApiLink) HasKeyVar(name string) bool {
	for _, v := range k.Key {
		if v == name {
			return true
		}
	}
	return false
}

// HasQueryVar reports whether name is one of the template's query variables.
func (k KeyedApiLink) HasQueryVar(name string) bool {
	for _, v := range k.QueryKey {
		if v == name {
			return true
		}
	}
	return false
}

// Instantiate fills the template with key. Every variable in Key must be
// supplied. Query values whose names are listed in QueryKey become part of the
// resource key (prefixed with QueryKeyPrefix); all query values are appended
// to the href.
func (k KeyedApiLink) Instantiate(key map[string]string, query url.Values) (ApiLink, error) {
	href := k.Href
	q := url.Values{}
	for name, vs := range query {
		q[name] = append([]string(nil), vs...)
	}
	resourceKey := make(map[string]string, len(k.Key)+len(k.QueryKey))
	for _, name := range k.Key {
		value, ok := key[name]
		if !ok {
			return ApiLink{}, NewUnresolvableKeyError(k.ResourceType, key).
				WithDetail("missing", name)
		}
		href = strings.ReplaceAll(href, "{"+name+"}", url.PathEscape(value))
		resourceKey[name] = value
	}
	for name, value := range key {
		if strings.HasPrefix(name, QueryKeyPrefix) {
			q.Set(strings.TrimPrefix(name, QueryKeyPrefix), value)
		}
	}
	for _, name := range k.QueryKey {
		if v := q.Get(name); v != "" {
			resourceKey[QueryKeyPrefix+name] = v
		}
	}
	link := ApiLink{
		Href:         href,
		Rel:          append([]string(nil), k.Rel...),
		ResourceType: k.ResourceType,
		ResourceKey:  resourceKey,
		Schema:       k.Schema,
		Doc:          k.Doc,
	}
	if len(resourceKey) == 0 {
		link.ResourceKey = nil
	}
	return link.WithQuery(q)
}

// ApiResponse is the resource envelope returned by the server.
type ApiResponse[T any] struct {
	Data       T                              `json:"data"`
	Links      []ApiLink                      `json:"links"`
	Embedded   []ApiResponse[json.RawMessage] `json:"embedded,omitempty"`
	KeyedLinks []KeyedApiLink                 `json:"keyedLinks,omitempty"`
	Key        map[string]string              `json:"key,omitempty"`

	// ContentType is the negotiated content type; it never travels on the wire.
	ContentType string `json:"-"`
}

// RawResponse is an envelope whose payload has not been decoded yet.
type RawResponse = ApiResponse[json.RawMessage]

// SelfLink decodes data.self of a raw envelope, returning false when the
// payload carries none.
func SelfLink(r *RawResponse) (ApiLink, bool) {
	if r == nil || len(r.Data) == 0 {
		return ApiLink{}, false
	}
	var probe struct {
		Self *ApiLink `json:"self"`
	}
	if err := json.Unmarshal(r.Data, &probe); err != nil || probe.Self == nil {
		return ApiLink{}, false
	}
	return *probe.Self, true
}

// FindLink returns the first sibling link carrying rel.
func (r *ApiResponse[T]) FindLink(rel string) (ApiLink, bool) {
	if r == nil {
		return ApiLink{}, false
	}
	for _, l := range r.Links {
		if l.HasRel(rel) {
			return l, true
		}
	}
	return ApiLink{}, false
}

// DecodeData decodes the payload of a raw envelope into T.
func DecodeData[T any](r *RawResponse) (*ApiResponse[T], error) {
	if r == nil {
		return nil, nil
	}
	out := &ApiResponse[T]{
		Links:       r.Links,
		Embedded:    r.Embedded,
		KeyedLinks:  r.KeyedLinks,
		Key:         r.Key,
		ContentType: r.ContentType,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &out.Data); err != nil {
			return nil, fmt.Errorf("decode response data: %w", err)
		}
	}
	return out, nil
}
