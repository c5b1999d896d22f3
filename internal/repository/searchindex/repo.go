// Package searchindex writes projected index records to the external
// RediSearch index. The index is derived state: writes here may lag
// membership, and a failed write is a staleness condition, not a
// correctness violation.
package searchindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilnworks/catalogsync/internal/db"
	"github.com/kilnworks/catalogsync/internal/domain/index"
)

// store is the consumer interface for the index writer (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	Del(ctx context.Context, key string) error
	DelMulti(ctx context.Context, keys []string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	IndexExists(ctx context.Context, name string) (bool, error)
	SearchCount(ctx context.Context, index, query string) (int, error)
}

// AttributeField declares one filterable attribute carried in the FT schema
// so the index is facetable on it (and usable as a matching oracle).
type AttributeField struct {
	Name    string
	Numeric bool
}

// Repo implements the index writer over Redis hashes plus an FT index.
type Repo struct {
	store      store
	indexName  string
	keyPrefix  string
	attrFields []AttributeField
}

// New creates a search index repository.
func New(s store, indexName, keyPrefix string, attrFields []AttributeField) *Repo {
	if keyPrefix == "" {
		keyPrefix = "catalogsync:"
	}
	return &Repo{store: s, indexName: indexName, keyPrefix: keyPrefix, attrFields: attrFields}
}

// IndexName returns the FT index name.
func (r *Repo) IndexName() string { return r.indexName }

// EnsureIndex creates the FT index if it does not exist yet.
func (r *Repo) EnsureIndex(ctx context.Context) error {
	def := &db.IndexDefinition{
		Name:     r.indexName,
		Prefixes: []string{r.keyPrefix + "idx:"},
		Fields:   r.schemaFields(),
	}
	if err := r.store.CreateIndex(ctx, def); err != nil {
		if errors.Is(err, db.ErrIndexExists) {
			return nil
		}
		return fmt.Errorf("create index %s: %w", r.indexName, err)
	}
	return nil
}

// Upsert writes one index record. The record is cleared first: a bare HSET
// would merge into the existing hash and keep attribute fields the new
// projection no longer carries.
func (r *Repo) Upsert(ctx context.Context, rec index.Record) error {
	key := r.recordKey(rec.ContentKey())
	if err := r.store.Del(ctx, key); err != nil {
		return fmt.Errorf("clear index record %s: %w", rec.ContentKey(), err)
	}
	if err := r.store.HSet(ctx, key, buildHashFields(rec)); err != nil {
		return fmt.Errorf("upsert index record %s: %w", rec.ContentKey(), err)
	}
	return nil
}

// UpsertMulti writes a batch of index records, clearing each first so every
// record is a whole-hash replacement.
func (r *Repo) UpsertMulti(ctx context.Context, recs []index.Record) error {
	if len(recs) == 0 {
		return nil
	}
	keys := make([]string, len(recs))
	items := make([]db.HashSetItem, len(recs))
	for i, rec := range recs {
		key := r.recordKey(rec.ContentKey())
		keys[i] = key
		items[i] = db.HashSetItem{Key: key, Fields: buildHashFields(rec)}
	}
	if err := r.store.DelMulti(ctx, keys); err != nil {
		return fmt.Errorf("clear %d index records: %w", len(recs), err)
	}
	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("upsert %d index records: %w", len(recs), err)
	}
	return nil
}

// Remove deletes one index record entirely; facets are never merely cleared.
func (r *Repo) Remove(ctx context.Context, contentKey string) error {
	if err := r.store.Del(ctx, r.recordKey(contentKey)); err != nil {
		return fmt.Errorf("remove index record %s: %w", contentKey, err)
	}
	return nil
}

// ReplaceAll swaps the full record set: stale records are dropped and the
// given set written in their place. Used by full rebuilds.
func (r *Repo) ReplaceAll(ctx context.Context, recs []index.Record) error {
	keep := make(map[string]struct{}, len(recs))
	live := make([]string, len(recs))
	items := make([]db.HashSetItem, len(recs))
	for i, rec := range recs {
		key := r.recordKey(rec.ContentKey())
		keep[key] = struct{}{}
		live[i] = key
		items[i] = db.HashSetItem{Key: key, Fields: buildHashFields(rec)}
	}

	existing, err := r.store.Scan(ctx, r.keyPrefix+"idx:*")
	if err != nil {
		return fmt.Errorf("scan index records: %w", err)
	}
	var stale []string
	for _, key := range existing {
		if _, ok := keep[key]; !ok {
			stale = append(stale, key)
		}
	}

	// Clear the kept records so rebuilt hashes carry no leftover fields,
	// write the new set, then drop records that no longer exist. The index
	// is derived state; the gap between clear and write is staleness.
	if err := r.store.DelMulti(ctx, live); err != nil {
		return fmt.Errorf("clear rebuilt index records: %w", err)
	}
	if err := r.store.HSetMulti(ctx, items); err != nil {
		return fmt.Errorf("rebuild index records: %w", err)
	}
	if err := r.store.DelMulti(ctx, stale); err != nil {
		return fmt.Errorf("drop %d stale index records: %w", len(stale), err)
	}
	return nil
}

// Count returns the number of records currently in the FT index.
func (r *Repo) Count(ctx context.Context) (int, error) {
	n, err := r.store.SearchCount(ctx, r.indexName, "*")
	if err != nil {
		return 0, fmt.Errorf("count index records: %w", err)
	}
	return n, nil
}

func (r *Repo) recordKey(contentKey string) string {
	return r.keyPrefix + "idx:" + contentKey
}

func (r *Repo) schemaFields() []db.IndexField {
	fields := []db.IndexField{
		{Name: fieldContentKey, Type: db.IndexFieldTag},
		{Name: fieldContentType, Type: db.IndexFieldTag},
		{Name: fieldDiscoverable, Type: db.IndexFieldTag},
		{Name: fieldFilterIDs, Type: db.IndexFieldTag, TagSeparator: listSeparator},
	}
	for _, af := range r.attrFields {
		ft := db.IndexFieldTag
		sep := listSeparator
		if af.Numeric {
			ft = db.IndexFieldNumeric
			sep = ""
		}
		fields = append(fields, db.IndexField{Name: af.Name, Type: ft, TagSeparator: sep})
	}
	return fields
}
