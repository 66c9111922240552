package internal

import (
	"context"
	"strconv"
	"sync"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// apiSchema is one schema document. Resolved schemas are memoized by
// fragment; a memo entry is inserted before its content is resolved, so a
// self-referential schema finds its own entry and shares its body.
type apiSchema struct {
	url     string
	doc     *hyperform.Object
	service *schemaService

	mu         sync.Mutex
	resolved   map[string]*hyperform.ResolvedSchema
	normalized map[string]hyperform.NormalizedApiSchema
}

func newApiSchema(url string, doc *hyperform.Object, service *schemaService) *apiSchema {
	return &apiSchema{
		url:        url,
		doc:        doc,
		service:    service,
		resolved:   make(map[string]*hyperform.ResolvedSchema),
		normalized: make(map[string]hyperform.NormalizedApiSchema),
	}
}

func (a *apiSchema) URL() string {
	return a.url
}

func (a *apiSchema) Document() *hyperform.Object {
	return a.doc
}

// ResolveSchema resolves ref. Callers are serialized per schema service, so
// nobody observes a body that another call is still filling. A failed call
// withdraws every memo entry it inserted, in this document and in any other.
func (a *apiSchema) ResolveSchema(ctx context.Context, ref string) (*hyperform.ResolvedSchema, error) {
	a.service.resolveMu.Lock()
	defer a.service.resolveMu.Unlock()

	inserted := &memoLog{}
	r, err := a.resolveRef(ctx, inserted, ref)
	if err != nil {
		if n := inserted.rollback(); n > 0 {
			zap.S().Debugw("withdrew partial schema resolution", "document", a.url, "ref", ref, "entries", n)
		}
		return nil, err
	}
	return r, nil
}

// memoLog records the memo entries one resolution inserts.
type memoLog struct {
	mu      sync.Mutex
	entries []memoEntry
}

type memoEntry struct {
	doc    *apiSchema
	key    string
	schema *hyperform.ResolvedSchema
}

func (l *memoLog) record(doc *apiSchema, key string, schema *hyperform.ResolvedSchema) {
	l.mu.Lock()
	l.entries = append(l.entries, memoEntry{doc: doc, key: key, schema: schema})
	l.mu.Unlock()
}

// rollback deletes the recorded entries and returns how many it removed.
func (l *memoLog) rollback() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, e := range l.entries {
		e.doc.mu.Lock()
		if e.doc.resolved[e.key] == e.schema {
			delete(e.doc.resolved, e.key)
			removed++
		}
		e.doc.mu.Unlock()
	}
	l.entries = nil
	return removed
}

func (a *apiSchema) GetNormalizedApiSchema(ctx context.Context, ref string) (hyperform.NormalizedApiSchema, error) {
	a.mu.Lock()
	n, ok := a.normalized[ref]
	a.mu.Unlock()
	if ok {
		return n, nil
	}

	resolved, err := a.ResolveSchema(ctx, ref)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.normalized[ref]; ok {
		return n, nil
	}
	n = newNormalizedApiSchema(resolved, a.service.normalizeOpts)
	a.normalized[ref] = n
	return n, nil
}

// resolveRef resolves a reference relative to this document, delegating to
// the owning document for cross-document references.
func (a *apiSchema) resolveRef(ctx context.Context, inserted *memoLog, ref string) (*hyperform.ResolvedSchema, error) {
	doc, fragment := hyperform.SplitRef(ref)
	if doc != "" {
		target, err := hyperform.ResolveRef(a.url, doc)
		if err != nil {
			return nil, hyperform.NewSchemaFetchError(ref, err)
		}
		if target != a.url {
			other, err := a.service.load(ctx, target)
			if err != nil {
				return nil, err
			}
			return other.resolveFragment(ctx, inserted, fragment)
		}
	}
	return a.resolveFragment(ctx, inserted, fragment)
}

func (a *apiSchema) resolveFragment(ctx context.Context, inserted *memoLog, fragment string) (*hyperform.ResolvedSchema, error) {
	key := canonicalFragment(fragment)

	a.mu.Lock()
	if r, ok := a.resolved[key]; ok {
		a.mu.Unlock()
		return r, nil
	}
	raw, found := lookupPointer(a.doc, key[1:])
	if !found {
		a.mu.Unlock()
		zap.S().Debugw("dangling schema reference", "document", a.url, "fragment", key)
		return nil, nil
	}
	r := &hyperform.ResolvedSchema{
		OriginRef: hyperform.JoinRef(a.url, key),
		Origin:    a,
		Body:      &hyperform.SchemaBody{},
	}
	a.resolved[key] = r
	a.mu.Unlock()
	inserted.record(a, key, r)

	if err := a.fill(ctx, inserted, r.Body, raw, key[1:]); err != nil {
		return nil, err
	}
	return r, nil
}

// resolveChild resolves a schema nested at pointer. A bare $ref shares the
// target's body but keeps the nesting site as its origin.
func (a *apiSchema) resolveChild(ctx context.Context, inserted *memoLog, raw any, pointer string) (*hyperform.ResolvedSchema, error) {
	origin := hyperform.JoinRef(a.url, "#"+pointer)
	if obj, ok := raw.(*hyperform.Object); ok && isBareRef(obj) {
		ref, _ := obj.GetString("$ref")
		target, err := a.resolveRef(ctx, inserted, ref)
		if err != nil || target == nil {
			return nil, err
		}
		return &hyperform.ResolvedSchema{OriginRef: origin, Origin: a, Body: target.Body}, nil
	}
	r := &hyperform.ResolvedSchema{OriginRef: origin, Origin: a, Body: &hyperform.SchemaBody{}}
	if err := a.fill(ctx, inserted, r.Body, raw, pointer); err != nil {
		return nil, err
	}
	return r, nil
}

// isBareRef reports whether obj is a $ref with nothing but annotations
// beside it.
func isBareRef(obj *hyperform.Object) bool {
	if _, ok := obj.GetString("$ref"); !ok {
		return false
	}
	for _, k := range obj.Keys() {
		switch k {
		case "$ref", "$comment", "definitions", "$defs":
		default:
			return false
		}
	}
	return true
}

// fill resolves raw into body. Nested schemas are resolved concurrently and
// joined before fill returns. A $ref with sibling keywords becomes the first
// allOf entry.
func (a *apiSchema) fill(ctx context.Context, inserted *memoLog, body *hyperform.SchemaBody, raw any, pointer string) error {
	var obj *hyperform.Object
	switch v := raw.(type) {
	case bool:
		b := v
		body.Boolean = &b
		return nil
	case *hyperform.Object:
		obj = v
	default:
		body.Keywords = hyperform.NewObject()
		return nil
	}
	body.Keywords = hyperform.NewObject()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.service.concurrency)
	spawn := func(dst **hyperform.ResolvedSchema, raw any, ptr string) {
		g.Go(func() error {
			r, err := a.resolveChild(gctx, inserted, raw, ptr)
			if err != nil {
				return err
			}
			*dst = r
			return nil
		})
	}
	spawnList := func(arr []any, ptr string) []*hyperform.ResolvedSchema {
		dst := make([]*hyperform.ResolvedSchema, len(arr))
		for i, item := range arr {
			spawn(&dst[i], item, ptr+"/"+strconv.Itoa(i))
		}
		return dst
	}
	spawnMap := func(props *hyperform.Object, ptr string) ([]string, []*hyperform.ResolvedSchema) {
		names := props.Keys()
		dst := make([]*hyperform.ResolvedSchema, len(names))
		for i, name := range names {
			v, _ := props.Get(name)
			spawn(&dst[i], v, ptr+"/"+escapePointerToken(name))
		}
		return names, dst
	}

	var refTarget *hyperform.ResolvedSchema
	var propValues, patternValues []*hyperform.ResolvedSchema

	for _, key := range obj.Keys() {
		val, _ := obj.Get(key)
		ptr := pointer + "/" + escapePointerToken(key)
		switch key {
		case "$ref":
			ref, ok := val.(string)
			if !ok {
				continue
			}
			g.Go(func() error {
				t, err := a.resolveRef(gctx, inserted, ref)
				refTarget = t
				return err
			})
		case "allOf", "anyOf", "oneOf":
			arr, ok := val.([]any)
			if !ok {
				continue
			}
			list := spawnList(arr, ptr)
			switch key {
			case "allOf":
				body.AllOf = list
			case "anyOf":
				body.AnyOf = list
			default:
				body.OneOf = list
			}
		case "not":
			spawn(&body.Not, val, ptr)
		case "if":
			spawn(&body.If, val, ptr)
		case "then":
			spawn(&body.Then, val, ptr)
		case "else":
			spawn(&body.Else, val, ptr)
		case "properties":
			if props, ok := val.(*hyperform.Object); ok {
				body.PropertyNames, propValues = spawnMap(props, ptr)
			}
		case "patternProperties":
			if props, ok := val.(*hyperform.Object); ok {
				body.PatternNames, patternValues = spawnMap(props, ptr)
			}
		case "additionalProperties":
			spawn(&body.AdditionalProperties, val, ptr)
		case "items":
			if arr, ok := val.([]any); ok {
				body.TupleItems = spawnList(arr, ptr)
			} else {
				spawn(&body.Items, val, ptr)
			}
		case "contains":
			spawn(&body.Contains, val, ptr)
		case "additionalItems":
			spawn(&body.AdditionalItems, val, ptr)
		case "definitions", "$defs":
			// resolved on demand through references
		default:
			body.Keywords.Set(key, val)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(body.PropertyNames) > 0 {
		body.Properties = make(map[string]*hyperform.ResolvedSchema, len(body.PropertyNames))
		for i, name := range body.PropertyNames {
			body.Properties[name] = propValues[i]
		}
	}
	if len(body.PatternNames) > 0 {
		body.PatternProperties = make(map[string]*hyperform.ResolvedSchema, len(body.PatternNames))
		for i, name := range body.PatternNames {
			body.PatternProperties[name] = patternValues[i]
		}
	}
	if refTarget != nil {
		body.AllOf = append([]*hyperform.ResolvedSchema{refTarget}, body.AllOf...)
	}
	return nil
}
