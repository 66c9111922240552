package internal

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/lychee-technology/hyperform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIBase = "https://api.test/"

// newTestSchemaService serves docs, keyed by path below testAPIBase, as bare
// schema documents.
func newTestSchemaService(t *testing.T, docs map[string]string) (*schemaService, *staticTransport) {
	t.Helper()
	tr := newStaticTransport()
	for path, body := range docs {
		tr.add(testAPIBase+path, hyperform.ContentTypeSchemaJSON, body)
	}
	api, err := NewApiService(testAPIBase, tr, nil)
	require.NoError(t, err)
	return newSchemaService(api, hyperform.SchemaConfig{}), tr
}

const treeSchema = `{
	"$ref": "#/definitions/node",
	"definitions": {
		"node": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"children": {"type": "array", "items": {"$ref": "#/definitions/node"}}
			}
		}
	}
}`

func TestResolveSchema_SelfReference(t *testing.T) {
	svc, _ := newTestSchemaService(t, map[string]string{"schemas/tree": treeSchema})
	ctx := context.Background()

	doc, err := svc.GetSchema(ctx, "schemas/tree")
	require.NoError(t, err)

	node, err := doc.ResolveSchema(ctx, "#/definitions/node")
	require.NoError(t, err)
	require.NotNil(t, node)

	children := node.Body.Properties["children"]
	require.NotNil(t, children)
	items := children.Body.Items
	require.NotNil(t, items)

	assert.Same(t, node.Body, items.Body, "the cycle closes on the shared body")
	assert.Equal(t, testAPIBase+"schemas/tree#/definitions/node/properties/children/items", items.OriginRef)
	assert.Equal(t, testAPIBase+"schemas/tree#/definitions/node", node.OriginRef)

	again, err := doc.ResolveSchema(ctx, "#/definitions/node/")
	require.NoError(t, err)
	assert.Same(t, node, again, "fragments are memoized in canonical form")

	root, err := doc.ResolveSchema(ctx, "")
	require.NoError(t, err)
	require.Len(t, root.Body.AllOf, 1)
	assert.Same(t, node.Body, root.Body.AllOf[0].Body)
}

func TestResolveSchema_SelfReferenceNormalizes(t *testing.T) {
	svc, _ := newTestSchemaService(t, map[string]string{"schemas/tree": treeSchema})
	ctx := context.Background()

	root, err := svc.GetNormalizedSchema(ctx, "schemas/tree")
	require.NoError(t, err)
	assert.Equal(t, hyperform.TypeObject, root.MainType())

	level := root
	for depth := 0; depth < 5; depth++ {
		norm, err := level.Normalized()
		require.NoError(t, err)
		children := norm.Properties["children"]
		require.NotNil(t, children)
		childNorm, err := children.Normalized()
		require.NoError(t, err)
		assert.Equal(t, hyperform.TypeArray, childNorm.MainType)
		level = childNorm.Items
		require.NotNil(t, level)
		assert.Equal(t, hyperform.TypeObject, level.MainType())
	}
}

func TestResolveSchema_DanglingReference(t *testing.T) {
	svc, _ := newTestSchemaService(t, map[string]string{
		"schemas/broken": `{"type": "object", "properties": {"x": {"$ref": "#/definitions/missing"}}}`,
	})
	ctx := context.Background()

	doc, err := svc.GetSchema(ctx, "schemas/broken")
	require.NoError(t, err)

	missing, err := doc.ResolveSchema(ctx, "#/definitions/missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	root, err := doc.GetNormalizedApiSchema(ctx, "")
	require.NoError(t, err)
	norm, err := root.Normalized()
	require.NoError(t, err)
	x := norm.Properties["x"]
	require.NotNil(t, x, "a dangling property schema is permissive, not absent")
	xNorm, err := x.Normalized()
	require.NoError(t, err)
	assert.True(t, xNorm.Type.Unconstrained())
}

func TestResolveSchema_CrossDocument(t *testing.T) {
	svc, tr := newTestSchemaService(t, map[string]string{
		"schemas/person": `{
			"type": "object",
			"properties": {
				"name": {"$ref": "common#/definitions/name"},
				"nick": {"$ref": "common#/definitions/name", "title": "Nickname"}
			}
		}`,
		"schemas/common": `{"definitions": {"name": {"type": "string", "minLength": 1, "title": "Name"}}}`,
	})
	ctx := context.Background()

	person, err := svc.GetNormalizedSchema(ctx, "schemas/person")
	require.NoError(t, err)
	norm, err := person.Normalized()
	require.NoError(t, err)

	name, err := norm.Properties["name"].Normalized()
	require.NoError(t, err)
	assert.Equal(t, hyperform.TypeString, name.MainType)
	require.NotNil(t, name.MinLength)
	assert.Equal(t, 1, *name.MinLength)
	assert.Equal(t, "Name", name.Title)

	nick, err := norm.Properties["nick"].Normalized()
	require.NoError(t, err)
	assert.Equal(t, "Nickname", nick.Title, "siblings of $ref override the target")
	assert.Equal(t, hyperform.TypeString, nick.MainType)

	common, err := svc.GetSchema(ctx, testAPIBase+"schemas/common#/definitions/name")
	require.NoError(t, err)
	assert.Equal(t, testAPIBase+"schemas/common", common.URL())
	assert.Equal(t, 1, tr.callCount(testAPIBase+"schemas/common"))
}

func TestResolveSchema_CrossDocumentFetchFailure(t *testing.T) {
	svc, _ := newTestSchemaService(t, map[string]string{
		"schemas/orphan": `{"properties": {"x": {"$ref": "gone#/definitions/x"}}}`,
	})
	ctx := context.Background()

	doc, err := svc.GetSchema(ctx, "schemas/orphan")
	require.NoError(t, err)
	_, err = doc.ResolveSchema(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrSchemaFetchFailed))
}

// failFirstTransport answers the first request for url with 503 and
// forwards everything else.
type failFirstTransport struct {
	*staticTransport
	url    string
	failed atomic.Bool
}

func (f *failFirstTransport) Do(ctx context.Context, req *hyperform.TransportRequest) (*hyperform.TransportResponse, error) {
	if req.URL == f.url && f.failed.CompareAndSwap(false, true) {
		return &hyperform.TransportResponse{StatusCode: http.StatusServiceUnavailable, Body: []byte("unavailable")}, nil
	}
	return f.staticTransport.Do(ctx, req)
}

func TestResolveSchema_FailedResolutionLeavesNoStaleEntries(t *testing.T) {
	static := newStaticTransport()
	static.add(testAPIBase+"schemas/cyclic", hyperform.ContentTypeSchemaJSON, `{
		"properties": {
			"a": {"$ref": "#/definitions/A"},
			"b": {"$ref": "gone"}
		},
		"definitions": {
			"A": {"properties": {"back": {"$ref": "#"}}}
		}
	}`)
	static.add(testAPIBase+"schemas/gone", hyperform.ContentTypeSchemaJSON, `{"type": "string"}`)
	tr := &failFirstTransport{staticTransport: static, url: testAPIBase + "schemas/gone"}
	api, err := NewApiService(testAPIBase, tr, nil)
	require.NoError(t, err)
	svc := newSchemaService(api, hyperform.SchemaConfig{})
	ctx := context.Background()

	doc, err := svc.GetSchema(ctx, "schemas/cyclic")
	require.NoError(t, err)

	_, err = doc.ResolveSchema(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hyperform.ErrSchemaFetchFailed))

	root, err := doc.ResolveSchema(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, []string{"a", "b"}, root.Body.PropertyNames)

	a := root.Body.Properties["a"]
	require.NotNil(t, a)
	back := a.Body.Properties["back"]
	require.NotNil(t, back)
	assert.Same(t, root.Body, back.Body, "the cycle closes on the body of the successful resolution")
	assert.Len(t, back.Body.Properties, 2)
	require.NotNil(t, back.Body.Properties["b"])
	typ, _ := back.Body.Properties["b"].Body.Keywords.GetString("type")
	assert.Equal(t, "string", typ)

	viaDefinition, err := doc.ResolveSchema(ctx, "#/definitions/A")
	require.NoError(t, err)
	assert.Same(t, a.Body, viaDefinition.Body)
}

func TestResolveSchema_Combinators(t *testing.T) {
	svc, _ := newTestSchemaService(t, map[string]string{
		"schemas/combo": `{
			"anyOf": [{"type": "string"}, {"type": "number"}],
			"not": {"const": 0},
			"if": {"type": "number"}, "then": {"minimum": 1},
			"items": [{"type": "string"}, {"type": "integer"}],
			"additionalItems": false,
			"contains": {"const": "x"},
			"patternProperties": {"^x-": {"type": "string"}},
			"x-custom": {"nested": true}
		}`,
	})
	ctx := context.Background()

	doc, err := svc.GetSchema(ctx, "schemas/combo")
	require.NoError(t, err)
	r, err := doc.ResolveSchema(ctx, "#")
	require.NoError(t, err)

	b := r.Body
	assert.Len(t, b.AnyOf, 2)
	assert.NotNil(t, b.Not)
	assert.NotNil(t, b.If)
	assert.NotNil(t, b.Then)
	assert.Nil(t, b.Else)
	assert.Len(t, b.TupleItems, 2)
	assert.Nil(t, b.Items)
	assert.True(t, b.AdditionalItems.IsFalse())
	assert.NotNil(t, b.Contains)
	assert.Equal(t, []string{"^x-"}, b.PatternNames)

	v, ok := r.Keyword("x-custom")
	require.True(t, ok)
	_, isObject := v.(*hyperform.Object)
	assert.True(t, isObject)
}
