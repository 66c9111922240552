package hyperform

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// JSONType is a JSON Schema primitive type name.
type JSONType string

const (
	TypeObject  JSONType = "object"
	TypeArray   JSONType = "array"
	TypeString  JSONType = "string"
	TypeNumber  JSONType = "number"
	TypeInteger JSONType = "integer"
	TypeBoolean JSONType = "boolean"
	TypeNull    JSONType = "null"
)

// typePriority is the order used to pick a schema's main type.
var typePriority = []JSONType{TypeObject, TypeArray, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeNull}

// TypeSet is the set of types a schema admits, kept in priority order.
// A nil set is unconstrained; an empty non-nil set admits nothing.
type TypeSet []JSONType

// ParseTypeSet decodes the value of a "type" keyword: a string or an array of
// strings.
func ParseTypeSet(v any) (TypeSet, error) {
	var names []string
	switch t := v.(type) {
	case string:
		names = []string{t}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("type entry %v is not a string", item)
			}
			names = append(names, s)
		}
	case []string:
		names = t
	default:
		return nil, fmt.Errorf("type must be a string or an array, got %T", v)
	}
	seen := make(map[JSONType]bool, len(names))
	for _, n := range names {
		jt := JSONType(n)
		if !jt.Valid() {
			return nil, fmt.Errorf("unknown type %q", n)
		}
		seen[jt] = true
	}
	out := make(TypeSet, 0, len(seen))
	for _, jt := range typePriority {
		if seen[jt] {
			out = append(out, jt)
		}
	}
	return out, nil
}

// Valid reports whether t is one of the seven JSON Schema types.
func (t JSONType) Valid() bool {
	for _, p := range typePriority {
		if p == t {
			return true
		}
	}
	return false
}

// Unconstrained reports whether the set places no restriction on type.
func (s TypeSet) Unconstrained() bool {
	return s == nil
}

// Has reports whether the set admits t. An integer is also a number, so a set
// containing number admits integer.
func (s TypeSet) Has(t JSONType) bool {
	if s == nil {
		return true
	}
	for _, v := range s {
		if v == t || (t == TypeInteger && v == TypeNumber) {
			return true
		}
	}
	return false
}

// Intersect returns the types admitted by both sets.
func (s TypeSet) Intersect(other TypeSet) TypeSet {
	if s == nil {
		return append(TypeSet(nil), other...)
	}
	if other == nil {
		return append(TypeSet(nil), s...)
	}
	out := make(TypeSet, 0, len(s))
	for _, t := range typePriority {
		if t == TypeInteger && containsType(out, TypeNumber) {
			continue
		}
		if s.Has(t) && other.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// MainType returns the highest-priority member, or "" for an empty set. An
// unconstrained set has no main type either.
func (s TypeSet) MainType() JSONType {
	for _, t := range typePriority {
		if containsType(s, t) {
			return t
		}
	}
	return ""
}

func (s TypeSet) String() string {
	if s == nil {
		return "any"
	}
	parts := make([]string, len(s))
	for i, t := range s {
		parts[i] = string(t)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func containsType(s TypeSet, t JSONType) bool {
	for _, v := range s {
		if v == t {
			return true
		}
	}
	return false
}

// ResolvedSchema is a schema with every $ref substituted. Schemas reached
// through different refs to the same target share one Body, so cyclic
// schemas are finite graphs.
type ResolvedSchema struct {
	// OriginRef is the reference used to reach this schema.
	OriginRef string
	// Origin is the document the schema was resolved in. It is only context.
	Origin ApiSchema
	Body   *SchemaBody
}

// SchemaBody holds the content of a resolved schema.
type SchemaBody struct {
	// Boolean is set for the boolean schemas true and false.
	Boolean *bool
	// Keywords holds every keyword that is not itself a schema.
	Keywords *Object

	AllOf []*ResolvedSchema
	AnyOf []*ResolvedSchema
	OneOf []*ResolvedSchema
	Not   *ResolvedSchema
	If    *ResolvedSchema
	Then  *ResolvedSchema
	Else  *ResolvedSchema

	PropertyNames        []string
	Properties           map[string]*ResolvedSchema
	PatternNames         []string
	PatternProperties    map[string]*ResolvedSchema
	AdditionalProperties *ResolvedSchema

	Items           *ResolvedSchema
	TupleItems      []*ResolvedSchema
	Contains        *ResolvedSchema
	AdditionalItems *ResolvedSchema
}

// IsFalse reports whether the schema is the boolean schema false.
func (r *ResolvedSchema) IsFalse() bool {
	return r != nil && r.Body != nil && r.Body.Boolean != nil && !*r.Body.Boolean
}

// Keyword returns a non-schema keyword value.
func (r *ResolvedSchema) Keyword(name string) (any, bool) {
	if r == nil || r.Body == nil {
		return nil, false
	}
	return r.Body.Keywords.Get(name)
}

// Bound is a numeric limit that may be exclusive.
type Bound struct {
	Value     float64 `json:"value"`
	Exclusive bool    `json:"exclusive,omitempty"`
}

// PropertyRestriction limits property names to Names or to names matching one
// of Patterns. It comes from a schema with additionalProperties false.
type PropertyRestriction struct {
	Names    []string `json:"names"`
	Patterns []string `json:"patterns,omitempty"`
}

// NormalizedSchema is the canonical form of a schema and all of its allOf
// bases. Consumers must not mutate it.
type NormalizedSchema struct {
	Type     TypeSet  `json:"type"`
	MainType JSONType `json:"mainType,omitempty"`

	Enum     []any `json:"enum,omitempty"`
	Const    any   `json:"const,omitempty"`
	HasConst bool  `json:"-"`

	Minimum    *Bound    `json:"minimum,omitempty"`
	Maximum    *Bound    `json:"maximum,omitempty"`
	MultipleOf []float64 `json:"multipleOf,omitempty"`

	MinLength       *int     `json:"minLength,omitempty"`
	MaxLength       *int     `json:"maxLength,omitempty"`
	Pattern         []string `json:"pattern,omitempty"`
	Format          string   `json:"format,omitempty"`
	ContentMedia    string   `json:"contentMediaType,omitempty"`
	ContentEncoding string   `json:"contentEncoding,omitempty"`

	MinItems    *int `json:"minItems,omitempty"`
	MaxItems    *int `json:"maxItems,omitempty"`
	UniqueItems bool `json:"uniqueItems,omitempty"`

	MinProperties    *int               `json:"minProperties,omitempty"`
	MaxProperties    *int               `json:"maxProperties,omitempty"`
	Required         []string           `json:"required,omitempty"`
	PropertyOrder    map[string]float64 `json:"propertyOrder,omitempty"`
	HiddenProperties []string           `json:"hiddenProperties,omitempty"`

	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Default       any    `json:"default,omitempty"`
	HasDefault    bool   `json:"-"`
	Comment       string `json:"$comment,omitempty"`
	CustomType    string `json:"customType,omitempty"`
	ReferenceType string `json:"referenceType,omitempty"`
	ReferenceKey  any    `json:"referenceKey,omitempty"`
	SingleLine    bool   `json:"singleLine,omitempty"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
	WriteOnly     bool   `json:"writeOnly,omitempty"`
	// Extra holds unrecognized keywords, last write wins.
	Extra map[string]any `json:"extra,omitempty"`

	PropertyNames        []string                       `json:"-"`
	Properties           map[string]NormalizedApiSchema `json:"-"`
	PatternNames         []string                       `json:"-"`
	PatternProperties    map[string]NormalizedApiSchema `json:"-"`
	AdditionalProperties NormalizedApiSchema            `json:"-"`
	// NoAdditionalProperties is set when some contributing schema declared
	// additionalProperties false.
	NoAdditionalProperties bool                  `json:"-"`
	PropertyRestrictions   []PropertyRestriction `json:"-"`

	Items             NormalizedApiSchema   `json:"-"`
	TupleItems        []NormalizedApiSchema `json:"-"`
	Contains          NormalizedApiSchema   `json:"-"`
	AdditionalItems   NormalizedApiSchema   `json:"-"`
	NoAdditionalItems bool                  `json:"-"`

	// AnyOf and OneOf hold one group per contributing schema; every group
	// must be satisfied.
	AnyOf [][]NormalizedApiSchema `json:"-"`
	OneOf [][]NormalizedApiSchema `json:"-"`
	// Not lists schemas an instance must fail.
	Not          []NormalizedApiSchema `json:"-"`
	Conditionals []Conditional         `json:"-"`
}

// Conditional is one if/then/else triple. Then and Else may be nil.
type Conditional struct {
	If   NormalizedApiSchema
	Then NormalizedApiSchema
	Else NormalizedApiSchema
}

// IsRequired reports whether name is listed in required.
func (n *NormalizedSchema) IsRequired(name string) bool {
	for _, r := range n.Required {
		if r == name {
			return true
		}
	}
	return false
}

// IsHidden reports whether name is listed in hiddenProperties.
func (n *NormalizedSchema) IsHidden(name string) bool {
	for _, h := range n.HiddenProperties {
		if h == name {
			return true
		}
	}
	return false
}

// PropertyDescription describes one property of an object schema as it should
// be rendered.
type PropertyDescription struct {
	PropertyName         string              `json:"propertyName"`
	PropertySchema       NormalizedApiSchema `json:"-"`
	IsPatternProperty    bool                `json:"isPatternProperty"`
	IsAdditionalProperty bool                `json:"isAdditionalProperty"`
	// Pattern is the matching patternProperties key for pattern properties.
	Pattern  string  `json:"pattern,omitempty"`
	SortKey  float64 `json:"sortKey"`
	Required bool    `json:"required"`
}

// Default sort keys: declared properties render before pattern matches, which
// render before additional properties.
const (
	SortKeyProperty           = 10
	SortKeyPatternProperty    = 1000
	SortKeyAdditionalProperty = 100000
)

// PropertyListOptions filters GetPropertyList. A non-empty AllowList replaces
// BlockList entirely.
type PropertyListOptions struct {
	IncludeHidden bool
	AllowList     []string
	BlockList     []string
}

// ApiSchema is one schema document and the memo of schemas resolved in it.
type ApiSchema interface {
	// URL is the document URL without fragment.
	URL() string
	// Document is the raw JSON Schema root.
	Document() *Object
	// ResolveSchema resolves ref, which is empty for the document root, a
	// local fragment ("#/definitions/x") or a reference into another document.
	// A dangling local reference yields nil without error.
	ResolveSchema(ctx context.Context, ref string) (*ResolvedSchema, error)
	// GetNormalizedApiSchema wraps the schema at ref for normalization.
	GetNormalizedApiSchema(ctx context.Context, ref string) (NormalizedApiSchema, error)
}

// NormalizedApiSchema lazily normalizes one resolved schema.
type NormalizedApiSchema interface {
	Resolved() *ResolvedSchema
	// Normalized computes the canonical schema once. When the schema is
	// contradictory the degraded schema is returned together with the error.
	Normalized() (*NormalizedSchema, error)
	MainType() JSONType
	// GetPropertyList lists the properties to render for an object schema.
	// instanceKeys are the keys present on a concrete instance, if any.
	GetPropertyList(instanceKeys []string, opts PropertyListOptions) ([]PropertyDescription, error)
}

// SchemaService caches one ApiSchema per document URL.
type SchemaService interface {
	GetSchema(ctx context.Context, ref string) (ApiSchema, error)
	GetNormalizedSchema(ctx context.Context, ref string) (NormalizedApiSchema, error)
	// Validate checks instance against the schema at ref.
	Validate(ctx context.Context, ref string, instance any) error
}

// SplitRef separates a reference into document URL and fragment. The fragment
// keeps its leading '#'.
func SplitRef(ref string) (doc, fragment string) {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		return ref[:i], ref[i:]
	}
	return ref, ""
}

// JoinRef is the inverse of SplitRef.
func JoinRef(doc, fragment string) string {
	if fragment == "" || fragment == "#" {
		return doc
	}
	if !strings.HasPrefix(fragment, "#") {
		fragment = "#" + fragment
	}
	return doc + fragment
}

// ResolveRef resolves a document reference against base.
func ResolveRef(base, ref string) (string, error) {
	if base == "" {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse ref %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
