package internal

import (
	"fmt"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// normalizer folds a schema and its allOf bases into one NormalizedSchema.
// Bases are applied first, in declaration order, then the schema's own
// keywords, so scalar annotations of the schema override those of its bases.
type normalizer struct {
	ref  string
	opts normalizeOptions
	out  *hyperform.NormalizedSchema
	err  error

	types    hyperform.TypeSet
	hasEnum  bool
	warnedAt bool

	props        map[string][]*hyperform.ResolvedSchema
	patterns     map[string][]*hyperform.ResolvedSchema
	additional   []*hyperform.ResolvedSchema
	items        []*hyperform.ResolvedSchema
	tuple        [][]*hyperform.ResolvedSchema
	contains     []*hyperform.ResolvedSchema
	additionalIt []*hyperform.ResolvedSchema
	anyOf        [][]*hyperform.ResolvedSchema
	oneOf        [][]*hyperform.ResolvedSchema
	not          []*hyperform.ResolvedSchema
	conditionals [][3]*hyperform.ResolvedSchema
}

// normalize never returns a nil schema. On error the returned schema is the
// degraded form: whatever merged before the contradiction, with an empty
// type set.
func normalize(resolved *hyperform.ResolvedSchema, opts normalizeOptions) (*hyperform.NormalizedSchema, error) {
	n := &normalizer{
		ref:      originOf(resolved),
		opts:     opts,
		out:      &hyperform.NormalizedSchema{},
		props:    make(map[string][]*hyperform.ResolvedSchema),
		patterns: make(map[string][]*hyperform.ResolvedSchema),
	}
	n.walk(resolved, 0)
	if n.err == nil {
		n.finish()
	}
	n.consolidate()
	if n.err != nil {
		n.out.Type = hyperform.TypeSet{}
		n.out.MainType = ""
		return n.out, n.err
	}
	return n.out, nil
}

func (n *normalizer) fail(err error) {
	if n.err == nil {
		n.err = err
	}
}

func (n *normalizer) walk(s *hyperform.ResolvedSchema, depth int) {
	if n.err != nil || s == nil || s.Body == nil {
		return
	}
	if depth > n.opts.maxDepth {
		if !n.warnedAt {
			n.warnedAt = true
			zap.S().Warnw("schema inheritance too deep, ignoring further bases",
				"ref", n.ref, "at", s.OriginRef, "maxDepth", n.opts.maxDepth)
		}
		return
	}
	b := s.Body
	if b.Boolean != nil {
		if !*b.Boolean {
			n.types = hyperform.TypeSet{}
		}
		return
	}
	for _, base := range b.AllOf {
		n.walk(base, depth+1)
		if n.err != nil {
			return
		}
	}
	n.mergeKeywords(s)
	if n.err != nil {
		return
	}
	n.collect(s)
}

func (n *normalizer) mergeKeywords(s *hyperform.ResolvedSchema) {
	kw := s.Body.Keywords
	out := n.out
	for _, key := range kw.Keys() {
		val, _ := kw.Get(key)
		switch key {
		case "type":
			n.mergeType(val)
		case "enum":
			arr, ok := val.([]any)
			if !ok {
				n.fail(hyperform.NewSchemaNormalizationError(n.ref, "enum must be an array"))
				return
			}
			n.mergeEnum(arr)
		case "const":
			n.mergeConst(val)
		case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum":
			// handled together below
		case "multipleOf":
			if f, ok := val.(float64); ok && f > 0 && !containsFloat(out.MultipleOf, f) {
				out.MultipleOf = append(out.MultipleOf, f)
			}
		case "pattern":
			if p, ok := val.(string); ok && !containsString(out.Pattern, p) {
				out.Pattern = append(out.Pattern, p)
			}
		case "minLength":
			mergeMinInt(&out.MinLength, val)
		case "maxLength":
			mergeMaxInt(&out.MaxLength, val)
		case "minItems":
			mergeMinInt(&out.MinItems, val)
		case "maxItems":
			mergeMaxInt(&out.MaxItems, val)
		case "minProperties":
			mergeMinInt(&out.MinProperties, val)
		case "maxProperties":
			mergeMaxInt(&out.MaxProperties, val)
		case "format":
			n.mergeExact(key, &out.Format, val)
		case "contentMediaType":
			n.mergeExact(key, &out.ContentMedia, val)
		case "contentEncoding":
			n.mergeExact(key, &out.ContentEncoding, val)
		case "required":
			for _, name := range kw.GetStrings(key) {
				if !containsString(out.Required, name) {
					out.Required = append(out.Required, name)
				}
			}
		case "propertyOrder":
			n.mergePropertyOrder(val)
		case "hiddenProperties":
			for _, name := range kw.GetStrings(key) {
				if !containsString(out.HiddenProperties, name) {
					out.HiddenProperties = append(out.HiddenProperties, name)
				}
			}
		case "uniqueItems":
			if b, ok := val.(bool); ok && b {
				out.UniqueItems = true
			}
		case "title":
			out.Title, _ = val.(string)
		case "description":
			out.Description, _ = val.(string)
		case "$comment":
			out.Comment, _ = val.(string)
		case "default":
			out.Default = val
			out.HasDefault = true
		case "customType":
			out.CustomType, _ = val.(string)
		case "referenceType":
			out.ReferenceType, _ = val.(string)
		case "referenceKey":
			out.ReferenceKey = val
		case "singleLine":
			out.SingleLine, _ = val.(bool)
		case "readOnly":
			out.ReadOnly, _ = val.(bool)
		case "writeOnly":
			out.WriteOnly, _ = val.(bool)
		case "$schema", "$id", "id":
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[key] = val
		}
		if n.err != nil {
			return
		}
	}
	n.mergeNumericBounds(kw)
}

func (n *normalizer) mergeType(val any) {
	incoming, err := hyperform.ParseTypeSet(val)
	if err != nil {
		n.fail(hyperform.NewSchemaNormalizationError(n.ref, err.Error()))
		return
	}
	if n.types != nil && len(n.types) == 0 {
		// already unsatisfiable through a false schema
		return
	}
	merged := n.types.Intersect(incoming)
	if len(merged) == 0 && len(incoming) > 0 {
		n.fail(hyperform.NewSchemaNormalizationError(n.ref,
			fmt.Sprintf("type %s is incompatible with %s", incoming, n.types)))
		return
	}
	n.types = merged
}

func (n *normalizer) mergeEnum(values []any) {
	out := n.out
	if out.HasConst {
		if !containsJSON(values, out.Const) {
			n.fail(hyperform.NewIncompatibleEnumError(n.ref, out.Const, values))
		}
		return
	}
	if n.hasEnum {
		for _, v := range values {
			if !containsJSON(out.Enum, v) {
				n.fail(hyperform.NewIncompatibleEnumError(n.ref, out.Enum, values))
				return
			}
		}
	}
	out.Enum = append([]any(nil), values...)
	n.hasEnum = true
}

func (n *normalizer) mergeConst(v any) {
	out := n.out
	if out.HasConst && !hyperform.JSONEqual(out.Const, v) {
		n.fail(hyperform.NewIncompatibleEnumError(n.ref, out.Const, v))
		return
	}
	if n.hasEnum && !containsJSON(out.Enum, v) {
		n.fail(hyperform.NewIncompatibleEnumError(n.ref, out.Enum, v))
		return
	}
	out.Const = v
	out.HasConst = true
	out.Enum = []any{v}
	n.hasEnum = true
}

// mergeNumericBounds applies one schema's numeric limits. exclusiveMinimum
// and exclusiveMaximum may be numbers or, in draft-04 form, booleans
// qualifying minimum and maximum.
func (n *normalizer) mergeNumericBounds(kw *hyperform.Object) {
	lo, hasMin := kw.GetNumber("minimum")
	hi, hasMax := kw.GetNumber("maximum")
	exMinFlag, _ := kw.GetBool("exclusiveMinimum")
	exMaxFlag, _ := kw.GetBool("exclusiveMaximum")

	if hasMin {
		n.out.Minimum = tighterLower(n.out.Minimum, hyperform.Bound{Value: lo, Exclusive: exMinFlag})
	}
	if v, ok := kw.GetNumber("exclusiveMinimum"); ok {
		n.out.Minimum = tighterLower(n.out.Minimum, hyperform.Bound{Value: v, Exclusive: true})
	}
	if hasMax {
		n.out.Maximum = tighterUpper(n.out.Maximum, hyperform.Bound{Value: hi, Exclusive: exMaxFlag})
	}
	if v, ok := kw.GetNumber("exclusiveMaximum"); ok {
		n.out.Maximum = tighterUpper(n.out.Maximum, hyperform.Bound{Value: v, Exclusive: true})
	}
}

// tighterLower keeps the larger lower bound. On an exact tie the inclusive
// form is kept.
func tighterLower(cur *hyperform.Bound, b hyperform.Bound) *hyperform.Bound {
	switch {
	case cur == nil || b.Value > cur.Value:
		return &b
	case b.Value == cur.Value && !b.Exclusive:
		return &hyperform.Bound{Value: b.Value}
	}
	return cur
}

// tighterUpper keeps the smaller upper bound. On an exact tie the inclusive
// form is kept.
func tighterUpper(cur *hyperform.Bound, b hyperform.Bound) *hyperform.Bound {
	switch {
	case cur == nil || b.Value < cur.Value:
		return &b
	case b.Value == cur.Value && !b.Exclusive:
		return &hyperform.Bound{Value: b.Value}
	}
	return cur
}

func mergeMinInt(dst **int, val any) {
	f, ok := val.(float64)
	if !ok {
		return
	}
	v := int(f)
	if *dst == nil || v > **dst {
		*dst = &v
	}
}

func mergeMaxInt(dst **int, val any) {
	f, ok := val.(float64)
	if !ok {
		return
	}
	v := int(f)
	if *dst == nil || v < **dst {
		*dst = &v
	}
}

func (n *normalizer) mergeExact(keyword string, dst *string, val any) {
	s, ok := val.(string)
	if !ok {
		return
	}
	if *dst != "" && *dst != s {
		n.fail(hyperform.NewIncompatibleStringConstraintError(n.ref, keyword, *dst, s))
		return
	}
	*dst = s
}

// mergePropertyOrder accepts a name to sort key map or, as a shorthand, an
// array of names ranked by position.
func (n *normalizer) mergePropertyOrder(val any) {
	if n.out.PropertyOrder == nil {
		n.out.PropertyOrder = make(map[string]float64)
	}
	switch v := val.(type) {
	case *hyperform.Object:
		for _, name := range v.Keys() {
			if f, ok := v.GetNumber(name); ok {
				n.out.PropertyOrder[name] = f
			}
		}
	case []any:
		for i, item := range v {
			if name, ok := item.(string); ok {
				n.out.PropertyOrder[name] = float64(i + 1)
			}
		}
	}
}

// collect records the sub-schemas of s for consolidation.
func (n *normalizer) collect(s *hyperform.ResolvedSchema) {
	b := s.Body
	for _, name := range b.PropertyNames {
		n.props[name] = append(n.props[name], b.Properties[name])
		if len(n.props[name]) == 1 {
			n.out.PropertyNames = append(n.out.PropertyNames, name)
		}
	}
	for _, p := range b.PatternNames {
		n.patterns[p] = append(n.patterns[p], b.PatternProperties[p])
		if len(n.patterns[p]) == 1 {
			n.out.PatternNames = append(n.out.PatternNames, p)
		}
	}
	if b.AdditionalProperties.IsFalse() {
		n.out.NoAdditionalProperties = true
		n.out.PropertyRestrictions = append(n.out.PropertyRestrictions, hyperform.PropertyRestriction{
			Names:    append([]string{}, b.PropertyNames...),
			Patterns: append([]string(nil), b.PatternNames...),
		})
	} else if b.AdditionalProperties != nil {
		n.additional = append(n.additional, b.AdditionalProperties)
	}

	if b.Items != nil {
		n.items = append(n.items, b.Items)
	}
	for i, item := range b.TupleItems {
		for len(n.tuple) <= i {
			n.tuple = append(n.tuple, nil)
		}
		n.tuple[i] = append(n.tuple[i], item)
	}
	if b.Contains != nil {
		n.contains = append(n.contains, b.Contains)
	}
	if b.AdditionalItems.IsFalse() {
		n.out.NoAdditionalItems = true
	} else if b.AdditionalItems != nil {
		n.additionalIt = append(n.additionalIt, b.AdditionalItems)
	}

	if len(b.AnyOf) > 0 {
		n.anyOf = append(n.anyOf, b.AnyOf)
	}
	if len(b.OneOf) > 0 {
		n.oneOf = append(n.oneOf, b.OneOf)
	}
	if b.Not != nil {
		n.not = append(n.not, b.Not)
	}
	if b.If != nil {
		n.conditionals = append(n.conditionals, [3]*hyperform.ResolvedSchema{b.If, b.Then, b.Else})
	}
}

// finish derives the values that depend on the whole fold.
func (n *normalizer) finish() {
	out := n.out
	out.Type = n.types
	out.MainType = n.types.MainType()

	if len(n.types) == 1 && n.types[0] == hyperform.TypeNull && !out.HasConst {
		n.mergeConst(nil)
		if n.err != nil {
			return
		}
	}
	if n.hasEnum && len(out.Enum) == 1 && !out.HasConst {
		out.Const = out.Enum[0]
		out.HasConst = true
	}

	for _, name := range out.Required {
		for _, r := range out.PropertyRestrictions {
			if !restrictionAllows(r, name) {
				n.fail(hyperform.NewUnsatisfiableSchemaError(n.ref,
					fmt.Sprintf("required property %q is excluded by additionalProperties false", name)).
					WithDetail("property", name))
				return
			}
		}
	}
}

// consolidate wraps the collected sub-schemas. Where several contributing
// schemas constrain the same slot the child is a synthetic allOf of them.
func (n *normalizer) consolidate() {
	out := n.out
	if len(out.PropertyNames) > 0 {
		out.Properties = make(map[string]hyperform.NormalizedApiSchema, len(out.PropertyNames))
		for _, name := range out.PropertyNames {
			out.Properties[name] = n.wrap("/properties/"+escapePointerToken(name), n.props[name])
		}
	}
	if len(out.PatternNames) > 0 {
		out.PatternProperties = make(map[string]hyperform.NormalizedApiSchema, len(out.PatternNames))
		for _, p := range out.PatternNames {
			out.PatternProperties[p] = n.wrap("/patternProperties/"+escapePointerToken(p), n.patterns[p])
		}
	}
	if len(n.additional) > 0 {
		out.AdditionalProperties = n.wrap("/additionalProperties", n.additional)
	}
	if len(n.items) > 0 {
		out.Items = n.wrap("/items", n.items)
	}
	for i, parts := range n.tuple {
		out.TupleItems = append(out.TupleItems, n.wrap(fmt.Sprintf("/items/%d", i), parts))
	}
	if len(n.contains) > 0 {
		out.Contains = n.wrap("/contains", n.contains)
	}
	if len(n.additionalIt) > 0 {
		out.AdditionalItems = n.wrap("/additionalItems", n.additionalIt)
	}
	for _, group := range n.anyOf {
		out.AnyOf = append(out.AnyOf, n.wrapEach(group))
	}
	for _, group := range n.oneOf {
		out.OneOf = append(out.OneOf, n.wrapEach(group))
	}
	out.Not = n.wrapEach(n.not)
	for _, c := range n.conditionals {
		cond := hyperform.Conditional{If: newNormalizedApiSchema(c[0], n.opts)}
		if c[1] != nil {
			cond.Then = newNormalizedApiSchema(c[1], n.opts)
		}
		if c[2] != nil {
			cond.Else = newNormalizedApiSchema(c[2], n.opts)
		}
		out.Conditionals = append(out.Conditionals, cond)
	}
}

func (n *normalizer) wrapEach(parts []*hyperform.ResolvedSchema) []hyperform.NormalizedApiSchema {
	if len(parts) == 0 {
		return nil
	}
	out := make([]hyperform.NormalizedApiSchema, len(parts))
	for i, p := range parts {
		out[i] = newNormalizedApiSchema(p, n.opts)
	}
	return out
}

// wrap builds the child for one slot. Dangling parts are permissive and
// dropped.
func (n *normalizer) wrap(suffix string, parts []*hyperform.ResolvedSchema) hyperform.NormalizedApiSchema {
	var live []*hyperform.ResolvedSchema
	for _, p := range parts {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return newNormalizedApiSchema(nil, n.opts)
	case 1:
		return newNormalizedApiSchema(live[0], n.opts)
	}
	doc, fragment := hyperform.SplitRef(n.ref)
	synthetic := &hyperform.ResolvedSchema{
		OriginRef: hyperform.JoinRef(doc, canonicalFragment(fragment)+suffix),
		Origin:    live[0].Origin,
		Body: &hyperform.SchemaBody{
			Keywords: hyperform.NewObject(),
			AllOf:    live,
		},
	}
	return newNormalizedApiSchema(synthetic, n.opts)
}

func containsJSON(values []any, v any) bool {
	for _, x := range values {
		if hyperform.JSONEqual(x, v) {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func containsFloat(values []float64, f float64) bool {
	for _, v := range values {
		if v == f {
			return true
		}
	}
	return false
}
