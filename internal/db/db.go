// Package db defines the thin store facade the engine's repositories are
// written against. The redis subpackage implements it via rueidis; tests use
// func-field mocks of the narrow sub-interfaces.
package db

import (
	"context"
	"time"
)

// Store is the main database facade combining all sub-interfaces.
// Consumers depend on the narrow sub-interfaces, not on Store.
type Store interface {
	Pinger
	HashStore
	IndexManager
	Searcher
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HashSetItem holds a single key+fields pair for pipelined HSET.
type HashSetItem struct {
	Key    string
	Fields map[string]string
}

// HashStore provides hash-based key-value operations.
type HashStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []HashSetItem) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Del(ctx context.Context, key string) error
	DelMulti(ctx context.Context, keys []string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// IndexManager provides FT index lifecycle operations.
type IndexManager interface {
	CreateIndex(ctx context.Context, def *IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
}

// Searcher provides search operations over FT indexes.
type Searcher interface {
	Search(ctx context.Context, q *SearchQuery) (*SearchResult, error)
	SearchCount(ctx context.Context, index, query string) (int, error)
}

// IndexFieldType enumerates supported FT schema field types.
type IndexFieldType string

// FT schema field types.
const (
	IndexFieldTag     IndexFieldType = "TAG"
	IndexFieldNumeric IndexFieldType = "NUMERIC"
	IndexFieldText    IndexFieldType = "TEXT"
)

// IndexField is one field of an FT index schema.
type IndexField struct {
	Name             string
	Alias            string
	Type             IndexFieldType
	TagSeparator     string
	TagCaseSensitive bool
}

// IndexDefinition describes an FT index over hash keys with given prefixes.
type IndexDefinition struct {
	Name     string
	Prefixes []string
	Fields   []IndexField
}

// SearchQuery is a paginated FT.SEARCH request.
type SearchQuery struct {
	Index        string
	Query        string
	Offset       int
	Limit        int
	ReturnFields []string
}

// SearchEntry is one hit of a search.
type SearchEntry struct {
	Key    string
	Fields map[string]string
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}
