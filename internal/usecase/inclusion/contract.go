package inclusion

import (
	"context"

	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
	"github.com/kilnworks/catalogsync/internal/domain/membership"
)

// ContentReader reads content snapshots from the collaborator-owned store.
type ContentReader interface {
	GetMulti(ctx context.Context, keys []string) ([]content.Record, error)
	AllKeys(ctx context.Context) ([]string, error)
}

// FilterRegistry reads and writes effective filter definitions.
type FilterRegistry interface {
	Get(ctx context.Context, filterID string) (filter.Definition, error)
	All(ctx context.Context) ([]filter.Definition, error)
	Put(ctx context.Context, def filter.Definition) error
	Delete(ctx context.Context, filterID string) error
	Flag(ctx context.Context, filterID, reason string) error
}

// AttrIndex narrows re-evaluation to filters referencing changed attributes.
type AttrIndex interface {
	Upsert(def filter.Definition)
	Remove(filterID string)
	FiltersReferencing(attr string) []string
}

// MembershipStore holds the authoritative filter-to-content edge set.
type MembershipStore interface {
	ApplyDeltas(deltas []membership.Delta) int
	HasEdge(filterID, contentKey string) bool
	RemoveFilter(filterID string) []string
	RemoveContent(contentKey string) []string
}

// Projector pushes membership outcomes into the search index.
type Projector interface {
	Project(ctx context.Context, contentKeys []string) error
	Remove(ctx context.Context, contentKey string) error
}
