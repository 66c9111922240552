package internal

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// DefaultMaxNormalizationDepth bounds how deep allOf chains are followed.
const DefaultMaxNormalizationDepth = 20

type normalizeOptions struct {
	maxDepth int
}

// normalizedApiSchema computes the normalized form of one resolved schema on
// first use. A nil resolved schema is the permissive schema {}.
type normalizedApiSchema struct {
	resolved *hyperform.ResolvedSchema
	opts     normalizeOptions

	once   sync.Once
	result *hyperform.NormalizedSchema
	err    error
}

func newNormalizedApiSchema(resolved *hyperform.ResolvedSchema, opts normalizeOptions) *normalizedApiSchema {
	if opts.maxDepth <= 0 {
		opts.maxDepth = DefaultMaxNormalizationDepth
	}
	return &normalizedApiSchema{resolved: resolved, opts: opts}
}

// NewNormalizedApiSchema wraps a resolved schema for normalization.
func NewNormalizedApiSchema(resolved *hyperform.ResolvedSchema, maxDepth int) hyperform.NormalizedApiSchema {
	return newNormalizedApiSchema(resolved, normalizeOptions{maxDepth: maxDepth})
}

func (n *normalizedApiSchema) Resolved() *hyperform.ResolvedSchema {
	return n.resolved
}

func (n *normalizedApiSchema) Normalized() (*hyperform.NormalizedSchema, error) {
	n.once.Do(func() {
		n.result, n.err = normalize(n.resolved, n.opts)
		if n.err != nil {
			code := hyperform.ErrCodeSchemaNormalizationFailed
			var he *hyperform.HyperformError
			if errors.As(n.err, &he) {
				code = he.Code
			}
			zap.S().Errorw("contradictory schema", "ref", originOf(n.resolved), "code", code, "error", n.err)
			EmitNormalizationFailure(context.Background(), code)
		}
	})
	return n.result, n.err
}

func (n *normalizedApiSchema) MainType() hyperform.JSONType {
	norm, _ := n.Normalized()
	return norm.MainType
}

func (n *normalizedApiSchema) GetPropertyList(instanceKeys []string, opts hyperform.PropertyListOptions) ([]hyperform.PropertyDescription, error) {
	norm, err := n.Normalized()
	if err != nil {
		return nil, err
	}
	if !norm.Type.Has(hyperform.TypeObject) {
		return nil, hyperform.NewNotAnObjectSchemaError(originOf(n.resolved))
	}

	allow := toSet(opts.AllowList)
	block := toSet(opts.BlockList)
	emit := func(name string) bool {
		if !opts.IncludeHidden && norm.IsHidden(name) {
			return false
		}
		if len(allow) > 0 {
			if !allow[name] {
				return false
			}
		} else if block[name] {
			return false
		}
		for _, r := range norm.PropertyRestrictions {
			if !restrictionAllows(r, name) {
				return false
			}
		}
		return true
	}
	sortKey := func(name string, def float64) float64 {
		if v, ok := norm.PropertyOrder[name]; ok {
			return v
		}
		return def
	}

	var out []hyperform.PropertyDescription
	declared := make(map[string]bool, len(norm.PropertyNames))
	for _, name := range norm.PropertyNames {
		declared[name] = true
		if !emit(name) {
			continue
		}
		out = append(out, hyperform.PropertyDescription{
			PropertyName:   name,
			PropertySchema: norm.Properties[name],
			SortKey:        sortKey(name, hyperform.SortKeyProperty),
			Required:       norm.IsRequired(name),
		})
	}

	for _, key := range instanceKeys {
		if declared[key] {
			continue
		}
		declared[key] = true
		desc := hyperform.PropertyDescription{PropertyName: key, Required: norm.IsRequired(key)}
		if pattern, ok := matchPattern(norm.PatternNames, key); ok {
			desc.IsPatternProperty = true
			desc.Pattern = pattern
			desc.PropertySchema = norm.PatternProperties[pattern]
			desc.SortKey = sortKey(key, hyperform.SortKeyPatternProperty)
		} else {
			if norm.NoAdditionalProperties {
				continue
			}
			desc.IsAdditionalProperty = true
			desc.PropertySchema = norm.AdditionalProperties
			if desc.PropertySchema == nil {
				desc.PropertySchema = newNormalizedApiSchema(nil, n.opts)
			}
			desc.SortKey = sortKey(key, hyperform.SortKeyAdditionalProperty)
		}
		if emit(key) {
			out = append(out, desc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out, nil
}

func originOf(r *hyperform.ResolvedSchema) string {
	if r == nil {
		return ""
	}
	return r.OriginRef
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

var patternCache sync.Map // string -> *regexp.Regexp, nil when invalid

func compilePattern(pattern string) *regexp.Regexp {
	if v, ok := patternCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		zap.S().Warnw("ignoring schema pattern go cannot compile", "pattern", pattern, "error", err)
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

// matchPattern returns the first pattern, in declaration order, matching name.
func matchPattern(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if re := compilePattern(p); re != nil && re.MatchString(name) {
			return p, true
		}
	}
	return "", false
}

// restrictionAllows reports whether a name may appear under r. Names matching
// one of the restriction's patterns are allowed as well as listed names.
func restrictionAllows(r hyperform.PropertyRestriction, name string) bool {
	for _, n := range r.Names {
		if n == name {
			return true
		}
	}
	_, ok := matchPattern(r.Patterns, name)
	return ok
}
