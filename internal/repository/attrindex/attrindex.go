// Package attrindex maintains the reverse index from filterable attribute
// names to the filters whose expressions reference them. The index bounds
// re-evaluation scope: a content change only re-tests filters that reference
// one of the changed attributes.
package attrindex

import (
	"sort"
	"sync"

	"github.com/kilnworks/catalogsync/internal/domain/filter"
)

// Index is an injectable, concurrency-safe attribute index.
// Lookup cost is O(filters referencing the attribute), not O(all filters).
type Index struct {
	mu sync.RWMutex
	// byAttr maps attribute name -> filter IDs referencing it.
	byAttr map[string]map[string]struct{}
	// allAttrs holds filters whose reference set could not be resolved
	// statically; they are candidates for every attribute change.
	allAttrs map[string]struct{}
	// refs remembers each filter's extracted reference set so that edits
	// and removals replace stale entries transactionally.
	refs map[string]filter.RefSet
}

// New creates an empty attribute index.
func New() *Index {
	return &Index{
		byAttr:   make(map[string]map[string]struct{}),
		allAttrs: make(map[string]struct{}),
		refs:     make(map[string]filter.RefSet),
	}
}

// Upsert (re)indexes a filter definition's referenced-attribute set.
// Existing entries for the filter are dropped in the same critical section,
// so readers never observe a mix of old and new references.
func (x *Index) Upsert(def filter.Definition) {
	refs := def.References()

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(def.ID())
	x.refs[def.ID()] = refs

	if refs.All() {
		x.allAttrs[def.ID()] = struct{}{}
		return
	}
	for _, attr := range refs.Names() {
		set, ok := x.byAttr[attr]
		if !ok {
			set = make(map[string]struct{})
			x.byAttr[attr] = set
		}
		set[def.ID()] = struct{}{}
	}
}

// Remove deletes every entry of the filter.
func (x *Index) Remove(filterID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(filterID)
	delete(x.refs, filterID)
}

func (x *Index) removeLocked(filterID string) {
	delete(x.allAttrs, filterID)
	prev, ok := x.refs[filterID]
	if !ok {
		return
	}
	for _, attr := range prev.Names() {
		set := x.byAttr[attr]
		delete(set, filterID)
		if len(set) == 0 {
			delete(x.byAttr, attr)
		}
	}
}

// FiltersReferencing returns the sorted IDs of filters referencing the
// attribute, including fail-safe filters that reference everything.
func (x *Index) FiltersReferencing(attr string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]string, 0, len(x.byAttr[attr])+len(x.allAttrs))
	for id := range x.byAttr[attr] {
		ids = append(ids, id)
	}
	for id := range x.allAttrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Referenced returns the stored reference set of a filter and whether the
// filter is indexed. Used by the periodic self-audit.
func (x *Index) Referenced(filterID string) (filter.RefSet, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	refs, ok := x.refs[filterID]
	return refs, ok
}

// FilterIDs returns the sorted IDs of all indexed filters.
func (x *Index) FilterIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.refs))
	for id := range x.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
