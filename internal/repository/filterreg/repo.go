// Package filterreg persists filter definitions as Redis hashes. The engine
// reads effective definitions from here and records malformed-expression
// flags for operator review.
package filterreg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kilnworks/catalogsync/internal/domain"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
)

// Hash field names.
const (
	fieldVersion    = "__version"
	fieldExpression = "__expression"
	fieldMalformed  = "__malformed"
)

// store is the consumer interface for filter definitions (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Del(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Repo implements the filter registry reader/writer.
type Repo struct {
	store     store
	keyPrefix string
}

// New creates a filter registry repository.
func New(s store, keyPrefix string) *Repo {
	if keyPrefix == "" {
		keyPrefix = "catalogsync:"
	}
	return &Repo{store: s, keyPrefix: keyPrefix}
}

// Put stores one effective filter definition version.
func (r *Repo) Put(ctx context.Context, def filter.Definition) error {
	data, err := filter.EncodeExpression(def.Expression())
	if err != nil {
		return fmt.Errorf("encode filter %s: %w", def.ID(), err)
	}
	fields := map[string]string{
		fieldVersion:    strconv.Itoa(def.Version()),
		fieldExpression: string(data),
		fieldMalformed:  "",
	}
	if err := r.store.HSet(ctx, r.filterKey(def.ID()), fields); err != nil {
		return fmt.Errorf("store filter %s: %w", def.ID(), err)
	}
	return nil
}

// Get returns the current effective definition of a filter.
func (r *Repo) Get(ctx context.Context, filterID string) (filter.Definition, error) {
	fields, err := r.store.HGetAll(ctx, r.filterKey(filterID))
	if err != nil {
		return filter.Definition{}, fmt.Errorf("load filter %s: %w", filterID, err)
	}
	if len(fields) == 0 {
		return filter.Definition{}, fmt.Errorf("filter %s: %w", filterID, domain.ErrFilterNotFound)
	}
	return parseDefinition(filterID, fields)
}

// All returns every stored filter definition. Malformed entries are skipped
// so one bad filter never blocks evaluation of the rest.
func (r *Repo) All(ctx context.Context) ([]filter.Definition, error) {
	hashKeys, err := r.store.Scan(ctx, r.keyPrefix+"filter:*")
	if err != nil {
		return nil, fmt.Errorf("scan filters: %w", err)
	}
	if len(hashKeys) == 0 {
		return nil, nil
	}

	maps, err := r.store.HGetAllMulti(ctx, hashKeys)
	if err != nil {
		return nil, fmt.Errorf("load filters: %w", err)
	}

	defs := make([]filter.Definition, 0, len(maps))
	for i, fields := range maps {
		if len(fields) == 0 || fields[fieldMalformed] != "" {
			continue
		}
		id := strings.TrimPrefix(hashKeys[i], r.keyPrefix+"filter:")
		def, err := parseDefinition(id, fields)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Delete removes a filter definition.
func (r *Repo) Delete(ctx context.Context, filterID string) error {
	if err := r.store.Del(ctx, r.filterKey(filterID)); err != nil {
		return fmt.Errorf("delete filter %s: %w", filterID, err)
	}
	return nil
}

// Flag records a malformed-expression reason for operator review. A flagged
// filter stays visible in the registry but matches nothing.
func (r *Repo) Flag(ctx context.Context, filterID, reason string) error {
	fields := map[string]string{fieldMalformed: reason}
	if err := r.store.HSet(ctx, r.filterKey(filterID), fields); err != nil {
		return fmt.Errorf("flag filter %s: %w", filterID, err)
	}
	return nil
}

func parseDefinition(id string, fields map[string]string) (filter.Definition, error) {
	version, err := strconv.Atoi(fields[fieldVersion])
	if err != nil {
		return filter.Definition{}, fmt.Errorf("filter %s has invalid version %q: %w",
			id, fields[fieldVersion], domain.ErrMalformedFilter)
	}
	expr, err := filter.ParseExpression([]byte(fields[fieldExpression]))
	if err != nil {
		return filter.Definition{}, fmt.Errorf("filter %s: %w", id, err)
	}
	def, err := filter.NewDefinition(id, version, expr)
	if err != nil {
		return filter.Definition{}, fmt.Errorf("filter %s: %v: %w", id, err, domain.ErrMalformedFilter)
	}
	return def, nil
}

func (r *Repo) filterKey(id string) string {
	return r.keyPrefix + "filter:" + id
}
