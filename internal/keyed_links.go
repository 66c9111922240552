package internal

import (
	"sort"
	"sync"

	"github.com/lychee-technology/hyperform"
)

// keyedLinkRegistry accumulates the keyed link templates advertised by the
// server, indexed by registry key and by resource type.
type keyedLinkRegistry struct {
	mu     sync.RWMutex
	byKey  map[string]hyperform.KeyedApiLink
	byType map[string]map[string]hyperform.KeyedApiLink
}

func newKeyedLinkRegistry() *keyedLinkRegistry {
	return &keyedLinkRegistry{
		byKey:  make(map[string]hyperform.KeyedApiLink),
		byType: make(map[string]map[string]hyperform.KeyedApiLink),
	}
}

// register adds templates; a later template replaces an earlier one with the
// same registry key. It returns the number of new keys.
func (r *keyedLinkRegistry) register(links ...hyperform.KeyedApiLink) int {
	if len(links) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, l := range links {
		key := l.RegistryKey()
		if _, ok := r.byKey[key]; !ok {
			added++
		}
		r.byKey[key] = l
		typed, ok := r.byType[l.ResourceType]
		if !ok {
			typed = make(map[string]hyperform.KeyedApiLink)
			r.byType[l.ResourceType] = typed
		}
		typed[key] = l
	}
	return added
}

func (r *keyedLinkRegistry) lookup(resourceType string, keyVars []string) (hyperform.KeyedApiLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byKey[hyperform.KeyedLinkRegistryKey(resourceType, keyVars)]
	return l, ok
}

// ofType returns the templates of one resource type, shortest key first.
func (r *keyedLinkRegistry) ofType(resourceType string) []hyperform.KeyedApiLink {
	r.mu.RLock()
	out := make([]hyperform.KeyedApiLink, 0, len(r.byType[resourceType]))
	for _, l := range r.byType[resourceType] {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sortKeyedLinks(out)
	return out
}

// all returns every template, shortest key first.
func (r *keyedLinkRegistry) all() []hyperform.KeyedApiLink {
	r.mu.RLock()
	out := make([]hyperform.KeyedApiLink, 0, len(r.byKey))
	for _, l := range r.byKey {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sortKeyedLinks(out)
	return out
}

func sortKeyedLinks(links []hyperform.KeyedApiLink) {
	sort.SliceStable(links, func(i, j int) bool {
		if len(links[i].Key) != len(links[j].Key) {
			return len(links[i].Key) < len(links[j].Key)
		}
		return links[i].RegistryKey() < links[j].RegistryKey()
	})
}
