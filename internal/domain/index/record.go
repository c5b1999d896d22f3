// Package index defines the projected, index-native representation of a
// content record. Index records are derived, never authoritative: each one is
// fully reconstructible from a content snapshot plus its current membership.
package index

import (
	"sort"

	"github.com/kilnworks/catalogsync/internal/domain/content"
)

// Record is the projection of one content record into the search index.
type Record struct {
	contentKey   string
	contentType  content.Type
	discoverable bool
	filterIDs    []string
	source       content.Record
}

// Derive builds the index record for a content snapshot and its membership.
//
// Derive is a pure function: equal inputs produce equal records. Content that
// belongs to no filter is still projected, flagged non-discoverable, so the
// index stays queryable for observability instead of silently dropping rows.
func Derive(rec content.Record, filterIDs []string) Record {
	sorted := make([]string, len(filterIDs))
	copy(sorted, filterIDs)
	sort.Strings(sorted)

	return Record{
		contentKey:   rec.Key(),
		contentType:  rec.ContentType(),
		discoverable: len(sorted) > 0,
		filterIDs:    sorted,
		source:       rec,
	}
}

// ContentKey returns the projected content key.
func (r Record) ContentKey() string { return r.contentKey }

// ContentType returns the projected content type.
func (r Record) ContentType() content.Type { return r.contentType }

// Discoverable reports whether the content belongs to at least one filter.
func (r Record) Discoverable() bool { return r.discoverable }

// FilterIDs returns the sorted membership facet, the filters the content
// currently satisfies.
func (r Record) FilterIDs() []string { return r.filterIDs }

// Source returns the content snapshot the record was derived from.
func (r Record) Source() content.Record { return r.source }
