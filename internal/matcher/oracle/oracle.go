// Package oracle implements the matching backend that delegates predicate
// evaluation to the search engine. Filters are compiled to FT.SEARCH queries
// over an FT index built directly on the content store's hashes, so the
// oracle always sees the same attribute state as the in-process backend.
// Many (filter, content) tests collapse into one network round trip.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/kilnworks/catalogsync/internal/db"
	"github.com/kilnworks/catalogsync/internal/domain"
	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
)

// Reserved content hash fields the oracle queries against.
const (
	fieldKey  = "__key"
	fieldType = "__type"
)

// store is the consumer interface for the oracle (ISP).
type store interface {
	Search(ctx context.Context, q *db.SearchQuery) (*db.SearchResult, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	IndexExists(ctx context.Context, name string) (bool, error)
}

// AttributeField declares one filterable attribute present in the content
// FT schema. Numeric attributes are indexed and queried as NUMERIC ranges,
// everything else as TAG.
type AttributeField struct {
	Name    string
	Numeric bool
}

// Backend is the external query-oracle matching backend.
type Backend struct {
	store        store
	indexName    string
	keyPrefix    string
	attrFields   []AttributeField
	numericAttrs map[string]bool
	limiter      *rate.Limiter
}

// New creates an oracle backend over the declared attribute fields.
// qps bounds the call rate toward the search engine (0 disables limiting).
func New(s store, indexName, keyPrefix string, attrFields []AttributeField, qps float64) *Backend {
	numeric := make(map[string]bool, len(attrFields))
	for _, af := range attrFields {
		if af.Numeric {
			numeric[af.Name] = true
		}
	}
	var limiter *rate.Limiter
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	if keyPrefix == "" {
		keyPrefix = "catalogsync:"
	}
	return &Backend{
		store:        s,
		indexName:    indexName,
		keyPrefix:    keyPrefix,
		attrFields:   attrFields,
		numericAttrs: numeric,
		limiter:      limiter,
	}
}

// Name implements matcher.Backend.
func (b *Backend) Name() string { return "oracle" }

// EnsureIndex creates the content FT index the oracle queries, if absent.
func (b *Backend) EnsureIndex(ctx context.Context) error {
	fields := []db.IndexField{
		{Name: fieldKey, Type: db.IndexFieldTag},
		{Name: fieldType, Type: db.IndexFieldTag},
	}
	seen := map[string]bool{fieldKey: true, fieldType: true, "type": true}
	for _, af := range b.attrFields {
		if seen[af.Name] {
			continue
		}
		seen[af.Name] = true
		f := db.IndexField{Name: af.Name, Type: db.IndexFieldTag, TagSeparator: "|"}
		if af.Numeric {
			f = db.IndexField{Name: af.Name, Type: db.IndexFieldNumeric}
		}
		fields = append(fields, f)
	}
	def := &db.IndexDefinition{
		Name:     b.indexName,
		Prefixes: []string{b.keyPrefix + "content:"},
		Fields:   fields,
	}
	if err := b.store.CreateIndex(ctx, def); err != nil {
		if errors.Is(err, db.ErrIndexExists) {
			return nil
		}
		return fmt.Errorf("create oracle index %s: %w", b.indexName, err)
	}
	return nil
}

// Matches implements matcher.Backend: one FT.SEARCH round trip answers the
// whole record batch.
func (b *Backend) Matches(
	ctx context.Context, def filter.Definition, recs []content.Record,
) (map[string]bool, error) {
	out := make(map[string]bool, len(recs))
	if len(recs) == 0 {
		return out, nil
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("oracle rate wait: %v: %w", err, domain.ErrBackendUnavailable)
		}
	}

	exprQuery, err := b.compile(def.Expression())
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", def.ID(), err)
	}

	keys := make([]string, len(recs))
	for i, rec := range recs {
		out[rec.Key()] = false
		keys[i] = tagEscaper.Replace(rec.Key())
	}
	restrict := fmt.Sprintf("@%s:{%s}", fieldKey, strings.Join(keys, "|"))

	result, err := b.store.Search(ctx, &db.SearchQuery{
		Index:        b.indexName,
		Query:        fmt.Sprintf("(%s) (%s)", restrict, exprQuery),
		Limit:        len(recs),
		ReturnFields: []string{fieldKey},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle search: %v: %w", err, domain.ErrBackendUnavailable)
	}

	for _, entry := range result.Entries {
		key := entry.Fields[fieldKey]
		if key == "" {
			key = strings.TrimPrefix(entry.Key, b.keyPrefix+"content:")
		}
		if _, known := out[key]; known {
			out[key] = true
		}
	}
	return out, nil
}

// compile translates an expression tree into an FT.SEARCH query string.
func (b *Backend) compile(e filter.Expr) (string, error) {
	switch e.NodeKind() {
	case filter.KindEquals:
		return b.compileEquals(e.Attr(), e.Equals())
	case filter.KindInSet:
		return b.compileInSet(e.Attr(), e.Set())
	case filter.KindRange:
		return compileRange(b.fieldName(e.Attr()), *e.RangeBounds()), nil
	case filter.KindGroup:
		parts := make([]string, 0, len(e.Children()))
		for _, child := range e.Children() {
			part, err := b.compile(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		if e.Op() == filter.OpAny {
			return "(" + strings.Join(parts, " | ") + ")", nil
		}
		return "(" + strings.Join(parts, " ") + ")", nil
	default:
		return "", fmt.Errorf("cannot compile expression node: %w", domain.ErrMalformedFilter)
	}
}

func (b *Backend) compileEquals(attr, value string) (string, error) {
	field := b.fieldName(attr)
	if b.numericAttrs[attr] {
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("numeric attribute %s compared to %q: %w",
				attr, value, domain.ErrMalformedFilter)
		}
		return fmt.Sprintf("@%s:[%g %g]", field, n, n), nil
	}
	return fmt.Sprintf("@%s:{%s}", field, tagEscaper.Replace(value)), nil
}

func (b *Backend) compileInSet(attr string, values []string) (string, error) {
	field := b.fieldName(attr)
	if b.numericAttrs[attr] {
		parts := make([]string, 0, len(values))
		for _, v := range values {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return "", fmt.Errorf("numeric attribute %s compared to %q: %w",
					attr, v, domain.ErrMalformedFilter)
			}
			parts = append(parts, fmt.Sprintf("@%s:[%g %g]", field, n, n))
		}
		return "(" + strings.Join(parts, " | ") + ")", nil
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = tagEscaper.Replace(v)
	}
	return fmt.Sprintf("@%s:{%s}", field, strings.Join(escaped, "|")), nil
}

func compileRange(field string, r filter.Range) string {
	minBound := "-inf"
	maxBound := "+inf"

	if r.GT() != nil {
		minBound = fmt.Sprintf("(%g", *r.GT())
	} else if r.GTE() != nil {
		minBound = fmt.Sprintf("%g", *r.GTE())
	}

	if r.LT() != nil {
		maxBound = fmt.Sprintf("(%g", *r.LT())
	} else if r.LTE() != nil {
		maxBound = fmt.Sprintf("%g", *r.LTE())
	}

	return fmt.Sprintf("@%s:[%s %s]", field, minBound, maxBound)
}

// fieldName maps a filter attribute to its content hash field. The content
// type is stored under a reserved field name.
func (b *Backend) fieldName(attr string) string {
	if attr == "type" {
		return fieldType
	}
	return attr
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"<", "\\<",
	">", "\\>",
	"{", "\\{",
	"}", "\\}",
	"\"", "\\\"",
	"'", "\\'",
	":", "\\:",
	";", "\\;",
	"!", "\\!",
	"@", "\\@",
	"#", "\\#",
	"$", "\\$",
	"%", "\\%",
	"^", "\\^",
	"&", "\\&",
	"*", "\\*",
	"(", "\\(",
	")", "\\)",
	"-", "\\-",
	"+", "\\+",
	"=", "\\=",
	"~", "\\~",
	" ", "\\ ",
)
