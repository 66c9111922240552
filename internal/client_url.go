package internal

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/lychee-technology/hyperform"
)

// Client URLs are built from resource-type tokens and ":value" key tokens,
// e.g. "ont-namespace/:core/ont-type/:person?version=3". They never reach the
// server; the keyed link registry translates them to API links and back.

const keyTokenPrefix = ":"

// pathKey drops the query variables from a resource key.
func pathKey(key map[string]string) map[string]string {
	out := make(map[string]string, len(key))
	for k, v := range key {
		if !strings.HasPrefix(k, hyperform.QueryKeyPrefix) {
			out[k] = v
		}
	}
	return out
}

func (s *apiService) BuildClientURL(link hyperform.ApiLink, extraKey map[string]string) (string, error) {
	full := make(map[string]string, len(link.ResourceKey)+len(extraKey))
	for k, v := range link.ResourceKey {
		full[k] = v
	}
	for k, v := range extraKey {
		full[k] = v
	}
	target := pathKey(full)
	targetVars := sortedNames(target)

	final, ok := s.keyed.lookup(link.ResourceType, targetVars)
	if !ok {
		return "", hyperform.NewUnresolvableKeyError(link.ResourceType, full)
	}

	var segments []string
	known := make(map[string]bool, len(target))
	for len(known) < len(target) {
		hop, ok := s.nextHop(target, known)
		if !ok {
			break
		}
		segments = appendSegment(segments, hop, target, known)
	}
	segments = appendSegment(segments, final, target, known)
	if len(known) != len(target) {
		return "", hyperform.NewUnresolvableKeyError(link.ResourceType, full)
	}

	clientURL := strings.Join(segments, "/")
	query := url.Values{}
	for k, v := range full {
		if strings.HasPrefix(k, hyperform.QueryKeyPrefix) {
			query.Set(strings.TrimPrefix(k, hyperform.QueryKeyPrefix), v)
		}
	}
	if len(query) > 0 {
		clientURL += "?" + query.Encode()
	}
	return clientURL, nil
}

// nextHop picks the smallest registered keyed link whose key is a strict
// subset of target, covers every known variable and adds at least one more.
func (s *apiService) nextHop(target map[string]string, known map[string]bool) (hyperform.KeyedApiLink, bool) {
	for _, l := range s.keyed.all() {
		if len(l.Key) <= len(known) || len(l.Key) >= len(target) {
			continue
		}
		covered := 0
		fits := true
		for _, v := range l.Key {
			if _, ok := target[v]; !ok {
				fits = false
				break
			}
			if known[v] {
				covered++
			}
		}
		if fits && covered == len(known) {
			return l, true
		}
	}
	return hyperform.KeyedApiLink{}, false
}

func appendSegment(segments []string, l hyperform.KeyedApiLink, target map[string]string, known map[string]bool) []string {
	segments = append(segments, l.ResourceType)
	for _, v := range l.Key {
		if known[v] {
			continue
		}
		known[v] = true
		segments = append(segments, keyTokenPrefix+url.PathEscape(target[v]))
	}
	return segments
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type clientURLStep struct {
	resourceType string
	values       []string
}

func (s *apiService) ResolveClientURL(ctx context.Context, clientPath string, query url.Values) (hyperform.ApiLink, error) {
	merged := url.Values{}
	path := clientPath
	if i := strings.IndexByte(path, '?'); i >= 0 {
		inline, err := url.ParseQuery(path[i+1:])
		if err != nil {
			return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath, "invalid query string").WithCause(err)
		}
		for k, vs := range inline {
			merged[k] = vs
		}
		path = path[:i]
	}
	for k, vs := range query {
		merged[k] = append([]string(nil), vs...)
	}

	path = strings.Trim(path, "/")
	if path == "" {
		root, err := s.Root(ctx)
		if err != nil {
			return hyperform.ApiLink{}, err
		}
		self, ok := hyperform.SelfLink(root)
		if !ok {
			self = s.rootLink()
		}
		return self.WithQuery(merged)
	}

	var steps []clientURLStep
	keyTokens := 0
	for _, tok := range strings.Split(path, "/") {
		if tok == "" {
			return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath, "empty segment")
		}
		if strings.HasPrefix(tok, keyTokenPrefix) {
			if len(steps) == 0 {
				return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath, "key token before any resource type")
			}
			value, err := url.PathUnescape(strings.TrimPrefix(tok, keyTokenPrefix))
			if err != nil {
				return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath, "invalid key token").WithCause(err)
			}
			steps[len(steps)-1].values = append(steps[len(steps)-1].values, value)
			keyTokens++
			continue
		}
		steps = append(steps, clientURLStep{resourceType: tok})
	}

	if keyTokens == 0 {
		last := steps[len(steps)-1].resourceType
		if s.keyRequired(last) {
			return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath,
				"resource type "+last+" requires a key")
		}
		return s.followRels(ctx, steps, merged)
	}

	tmpl, key, ok := s.resolveSteps(steps, 0, map[string]string{}, nil)
	if !ok {
		return hyperform.ApiLink{}, hyperform.NewMalformedClientURLError(clientPath, "no keyed links match")
	}
	link, err := tmpl.Instantiate(key, merged)
	if err != nil {
		return hyperform.ApiLink{}, err
	}
	link.Href = s.absolute(link.Href)
	return link, nil
}

// keyRequired reports whether every keyed link registered for resourceType
// needs at least one key variable.
func (s *apiService) keyRequired(resourceType string) bool {
	links := s.keyed.ofType(resourceType)
	if len(links) == 0 {
		return false
	}
	for _, l := range links {
		if len(l.Key) == 0 {
			return false
		}
	}
	return true
}

// resolveSteps assigns the key tokens of steps[i:] to variables, trying every
// keyed link of the step's type whose key holds exactly the known variables
// plus one variable per new token, shortest key first. It backtracks when a
// later step cannot be matched.
func (s *apiService) resolveSteps(steps []clientURLStep, i int, known map[string]string, last *hyperform.KeyedApiLink) (hyperform.KeyedApiLink, map[string]string, bool) {
	if i == len(steps) {
		if last == nil {
			return hyperform.KeyedApiLink{}, nil, false
		}
		return *last, known, true
	}
	step := steps[i]
	want := len(known) + len(step.values)
	for _, tmpl := range s.keyed.ofType(step.resourceType) {
		if len(tmpl.Key) != want {
			continue
		}
		fresh := make([]string, 0, len(step.values))
		for _, v := range tmpl.Key {
			if _, ok := known[v]; !ok {
				fresh = append(fresh, v)
			}
		}
		if len(fresh) != len(step.values) {
			continue
		}
		next := make(map[string]string, want)
		for k, v := range known {
			next[k] = v
		}
		for j, v := range fresh {
			next[v] = step.values[j]
		}
		candidate := tmpl
		if res, key, ok := s.resolveSteps(steps, i+1, next, &candidate); ok {
			return res, key, true
		}
	}
	return hyperform.KeyedApiLink{}, nil, false
}

// followRels walks a rel chain from the root, fetching each intermediate
// resource. A token matches a link's rel, or failing that its resource type.
func (s *apiService) followRels(ctx context.Context, steps []clientURLStep, query url.Values) (hyperform.ApiLink, error) {
	cur, err := s.Root(ctx)
	if err != nil {
		return hyperform.ApiLink{}, err
	}
	for i, step := range steps {
		link, ok := matchRel(cur.Links, step.resourceType)
		if !ok {
			return hyperform.ApiLink{}, hyperform.NewRelNotFoundError(step.resourceType)
		}
		link.Href = s.absolute(link.Href)
		if i == len(steps)-1 {
			return link.WithQuery(query)
		}
		cur, err = s.GetByApiLink(ctx, link, false)
		if err != nil {
			return hyperform.ApiLink{}, err
		}
		if cur == nil {
			return hyperform.ApiLink{}, hyperform.NewRelNotFoundError(steps[i+1].resourceType).
				WithDetail("emptyResource", link.Href)
		}
	}
	return hyperform.ApiLink{}, hyperform.NewRelNotFoundError("")
}

func matchRel(links []hyperform.ApiLink, token string) (hyperform.ApiLink, bool) {
	for _, l := range links {
		if l.HasRel(token) {
			return l, true
		}
	}
	for _, l := range links {
		if l.ResourceType == token {
			return l, true
		}
	}
	return hyperform.ApiLink{}, false
}
