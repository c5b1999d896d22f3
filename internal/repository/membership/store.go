// Package membership holds the authoritative filter-to-content edge set.
// The store is the system of record: the projected search index is derived
// from it and may lag, but never leads it.
package membership

import (
	"sort"
	"sync"

	"github.com/kilnworks/catalogsync/internal/domain/membership"
)

// Store is an injectable bidirectional membership store.
//
// Both directions are kept so that EdgesForFilter and FiltersForContent are
// O(1)-amortized lookups. Writers use ApplyDeltas, which makes one filter's
// batch of deltas visible atomically: readers never observe a filter's
// membership mid-application.
type Store struct {
	mu sync.RWMutex
	// byFilter maps filter ID -> content keys.
	byFilter map[string]map[string]struct{}
	// byContent maps content key -> filter IDs.
	byContent map[string]map[string]struct{}
}

// New creates an empty membership store.
func New() *Store {
	return &Store{
		byFilter:  make(map[string]map[string]struct{}),
		byContent: make(map[string]map[string]struct{}),
	}
}

// ApplyDeltas applies a batch of deltas under one lock acquisition.
// Application is idempotent: establishing an existing edge or removing an
// absent one is a no-op. Returns the number of deltas that changed state.
func (s *Store) ApplyDeltas(deltas []membership.Delta) int {
	if len(deltas) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, d := range deltas {
		switch d.DeltaKind() {
		case membership.Establish:
			if s.establishLocked(d.FilterID(), d.ContentKey()) {
				changed++
			}
		case membership.Remove:
			if s.removeLocked(d.FilterID(), d.ContentKey()) {
				changed++
			}
		}
	}
	return changed
}

func (s *Store) establishLocked(filterID, contentKey string) bool {
	keys, ok := s.byFilter[filterID]
	if !ok {
		keys = make(map[string]struct{})
		s.byFilter[filterID] = keys
	}
	if _, exists := keys[contentKey]; exists {
		return false
	}
	keys[contentKey] = struct{}{}

	ids, ok := s.byContent[contentKey]
	if !ok {
		ids = make(map[string]struct{})
		s.byContent[contentKey] = ids
	}
	ids[filterID] = struct{}{}
	return true
}

func (s *Store) removeLocked(filterID, contentKey string) bool {
	keys, ok := s.byFilter[filterID]
	if !ok {
		return false
	}
	if _, exists := keys[contentKey]; !exists {
		return false
	}
	delete(keys, contentKey)
	if len(keys) == 0 {
		delete(s.byFilter, filterID)
	}

	ids := s.byContent[contentKey]
	delete(ids, filterID)
	if len(ids) == 0 {
		delete(s.byContent, contentKey)
	}
	return true
}

// EdgesForFilter returns the sorted content keys currently satisfying the filter.
func (s *Store) EdgesForFilter(filterID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byFilter[filterID])
}

// FiltersForContent returns the sorted filter IDs the content currently satisfies.
func (s *Store) FiltersForContent(contentKey string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byContent[contentKey])
}

// HasEdge reports whether the (filter, content) edge exists.
func (s *Store) HasEdge(filterID, contentKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byFilter[filterID][contentKey]
	return ok
}

// RemoveFilter drops every edge of the filter and returns the content keys
// that were members. Used when a filter is deleted: no re-testing required.
func (s *Store) RemoveFilter(filterID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := sortedKeys(s.byFilter[filterID])
	for _, key := range keys {
		s.removeLocked(filterID, key)
	}
	return keys
}

// RemoveContent drops every edge of the content key and returns the filter
// IDs it belonged to. Used when a content record is deleted.
func (s *Store) RemoveContent(contentKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := sortedKeys(s.byContent[contentKey])
	for _, id := range ids {
		s.removeLocked(id, contentKey)
	}
	return ids
}

// EdgeCount returns the total number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, keys := range s.byFilter {
		n += len(keys)
	}
	return n
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
