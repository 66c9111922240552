package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultResolveConcurrency bounds concurrent sibling resolution per schema.
const DefaultResolveConcurrency = 8

// schemaService keeps at most one apiSchema per document URL for its
// lifetime.
type schemaService struct {
	api           hyperform.ApiService
	concurrency   int
	normalizeOpts normalizeOptions

	// resolveMu serializes resolution entry points across all documents.
	resolveMu sync.Mutex

	mu    sync.RWMutex
	docs  map[string]*apiSchema
	group singleflight.Group
}

// NewSchemaService creates the schema document cache on top of api.
func NewSchemaService(api hyperform.ApiService, cfg hyperform.SchemaConfig) hyperform.SchemaService {
	return newSchemaService(api, cfg)
}

func newSchemaService(api hyperform.ApiService, cfg hyperform.SchemaConfig) *schemaService {
	concurrency := cfg.ResolveConcurrency
	if concurrency <= 0 {
		concurrency = DefaultResolveConcurrency
	}
	depth := cfg.MaxNormalizationDepth
	if depth <= 0 {
		depth = DefaultMaxNormalizationDepth
	}
	return &schemaService{
		api:           api,
		concurrency:   concurrency,
		normalizeOpts: normalizeOptions{maxDepth: depth},
		docs:          make(map[string]*apiSchema),
	}
}

func (s *schemaService) GetSchema(ctx context.Context, ref string) (hyperform.ApiSchema, error) {
	docURL, err := s.documentURL(ref)
	if err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, docURL)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *schemaService) GetNormalizedSchema(ctx context.Context, ref string) (hyperform.NormalizedApiSchema, error) {
	doc, err := s.GetSchema(ctx, ref)
	if err != nil {
		return nil, err
	}
	_, fragment := hyperform.SplitRef(ref)
	return doc.GetNormalizedApiSchema(ctx, fragment)
}

// documentURL strips the fragment and resolves the rest against the API base.
func (s *schemaService) documentURL(ref string) (string, error) {
	doc, _ := hyperform.SplitRef(ref)
	abs, err := hyperform.ResolveRef(s.api.BaseURL(), doc)
	if err != nil {
		return "", hyperform.NewSchemaFetchError(ref, err)
	}
	return abs, nil
}

// load returns the cached document or fetches it. Concurrent loads of one
// URL share a fetch; when fetches still race, the first committed document
// wins and later results are dropped.
func (s *schemaService) load(ctx context.Context, docURL string) (*apiSchema, error) {
	s.mu.RLock()
	doc, ok := s.docs[docURL]
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}

	ch := s.group.DoChan(docURL, func() (any, error) {
		root, err := s.fetch(context.WithoutCancel(ctx), docURL)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.docs[docURL]; ok {
			return existing, nil
		}
		doc := newApiSchema(docURL, root, s)
		s.docs[docURL] = doc
		zap.S().Debugw("schema document cached", "url", docURL)
		return doc, nil
	})
	select {
	case <-ctx.Done():
		return nil, hyperform.NewCancelledError("GET", docURL, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*apiSchema), nil
	}
}

// fetch downloads a schema document, bypassing the response cache. Envelopes
// carry the schema under data.schema; schema+json bodies are the schema.
func (s *schemaService) fetch(ctx context.Context, docURL string) (*hyperform.Object, error) {
	link := hyperform.ApiLink{Href: docURL, Rel: []string{hyperform.RelSelf}}
	resp, err := s.api.GetByApiLink(ctx, link, true)
	if err != nil {
		return nil, hyperform.NewSchemaFetchError(docURL, err)
	}
	if resp == nil {
		return nil, hyperform.NewSchemaFetchError(docURL, fmt.Errorf("schema document has no content"))
	}
	data, err := hyperform.DecodeJSON(resp.Data)
	if err != nil {
		return nil, hyperform.NewSchemaFetchError(docURL, fmt.Errorf("decode schema document: %w", err))
	}
	obj, ok := data.(*hyperform.Object)
	if !ok {
		return nil, hyperform.NewSchemaFetchError(docURL, fmt.Errorf("schema document is %T, not an object", data))
	}
	if resp.ContentType == hyperform.ContentTypeSchemaJSON {
		return obj, nil
	}
	schema, ok := obj.GetObject("schema")
	if !ok {
		return nil, hyperform.NewSchemaFetchError(docURL, fmt.Errorf("envelope data has no schema object"))
	}
	return schema, nil
}

// Validate checks instance against the schema at ref. Documents referenced
// from the schema are loaded through this cache.
func (s *schemaService) Validate(ctx context.Context, ref string, instance any) error {
	docURL, err := s.documentURL(ref)
	if err != nil {
		return err
	}
	doc, err := s.load(ctx, docURL)
	if err != nil {
		return err
	}

	opts := &jsonschema.ResolveOptions{
		BaseURI: docURL,
		Loader: func(uri *url.URL) (*jsonschema.Schema, error) {
			target := *uri
			target.Fragment = ""
			other, err := s.load(ctx, target.String())
			if err != nil {
				return nil, err
			}
			return toJSONSchema(other.Document())
		},
	}
	var root *jsonschema.Schema
	if _, fragment := hyperform.SplitRef(ref); canonicalFragment(fragment) != "#" {
		// the document itself is then reached through the loader
		root = &jsonschema.Schema{Ref: docURL + canonicalFragment(fragment)}
		opts.BaseURI = ""
	} else if root, err = toJSONSchema(doc.Document()); err != nil {
		return hyperform.NewValidationError(ref, err)
	}

	resolved, err := root.Resolve(opts)
	if err != nil {
		return hyperform.NewValidationError(ref, fmt.Errorf("resolve schema: %w", err))
	}

	value, err := toInstance(instance)
	if err != nil {
		return hyperform.NewValidationError(ref, err)
	}
	if err := resolved.Validate(value); err != nil {
		return hyperform.NewValidationError(ref, err)
	}
	return nil
}

func toJSONSchema(doc *hyperform.Object) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
	}
	return &schema, nil
}

// toInstance converts instance to the generic form the validator walks.
func toInstance(instance any) (any, error) {
	var raw []byte
	switch v := instance.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode instance: %w", err)
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return out, nil
}
