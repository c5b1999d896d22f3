// Package content reads and writes normalized content record snapshots
// stored as Redis hashes. The engine treats the underlying store as the
// collaborator-owned source of content truth.
package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilnworks/catalogsync/internal/db"
	"github.com/kilnworks/catalogsync/internal/domain"
	domcontent "github.com/kilnworks/catalogsync/internal/domain/content"
)

// store is the consumer interface for content records (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Repo implements the content store reader used by evaluation and projection.
type Repo struct {
	store     store
	keyPrefix string
}

// New creates a content repository. keyPrefix namespaces all hash keys.
func New(s store, keyPrefix string) *Repo {
	if keyPrefix == "" {
		keyPrefix = "catalogsync:"
	}
	return &Repo{store: s, keyPrefix: keyPrefix}
}

// Put stores a content record snapshot. The snapshot replaces the stored
// hash wholesale: a bare HSET would merge into an existing hash and keep
// fields for attributes the new snapshot no longer carries.
func (r *Repo) Put(ctx context.Context, rec domcontent.Record) error {
	hashKey := r.contentKey(rec.Key())
	if err := r.store.Del(ctx, hashKey); err != nil {
		return fmt.Errorf("clear content %s: %w", rec.Key(), err)
	}
	if err := r.store.HSet(ctx, hashKey, buildHashFields(rec)); err != nil {
		return fmt.Errorf("store content %s: %w", rec.Key(), err)
	}
	return nil
}

// Get returns one content record snapshot.
func (r *Repo) Get(ctx context.Context, key string) (domcontent.Record, error) {
	fields, err := r.store.HGetAll(ctx, r.contentKey(key))
	if err != nil {
		return domcontent.Record{}, fmt.Errorf("load content %s: %w", key, err)
	}
	if len(fields) == 0 {
		return domcontent.Record{}, fmt.Errorf("content %s: %w", key, domain.ErrContentNotFound)
	}
	return parseHashFields(key, fields)
}

// GetMulti returns snapshots for the given keys in one round trip.
// Missing keys are skipped, not errors: a record deleted between notification
// and evaluation simply drops out of the batch.
func (r *Repo) GetMulti(ctx context.Context, keys []string) ([]domcontent.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	hashKeys := make([]string, len(keys))
	for i, k := range keys {
		hashKeys[i] = r.contentKey(k)
	}
	maps, err := r.store.HGetAllMulti(ctx, hashKeys)
	if err != nil {
		return nil, fmt.Errorf("load content batch: %w", err)
	}

	records := make([]domcontent.Record, 0, len(keys))
	for i, fields := range maps {
		if len(fields) == 0 {
			continue
		}
		rec, err := parseHashFields(keys[i], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// AllKeys returns every stored content key.
func (r *Repo) AllKeys(ctx context.Context) ([]string, error) {
	hashKeys, err := r.store.Scan(ctx, r.keyPrefix+"content:*")
	if err != nil {
		return nil, fmt.Errorf("scan content keys: %w", err)
	}
	keys := make([]string, 0, len(hashKeys))
	for _, hk := range hashKeys {
		keys = append(keys, strings.TrimPrefix(hk, r.keyPrefix+"content:"))
	}
	return keys, nil
}

// Delete removes a content record snapshot.
func (r *Repo) Delete(ctx context.Context, key string) error {
	if err := r.store.Del(ctx, r.contentKey(key)); err != nil {
		return fmt.Errorf("delete content %s: %w", key, err)
	}
	return nil
}

func (r *Repo) contentKey(key string) string {
	return r.keyPrefix + "content:" + key
}

// Compile-time check against the narrow db interface.
var _ store = (db.Store)(nil)
