// Package matcher defines the pluggable matching backend contract.
//
// A backend answers one question: which of these content records satisfy
// this filter. Implementations must be pure with respect to membership —
// swapping backends never changes the result for any (filter, content)
// pair. The in-process backend evaluates expression trees directly; the
// oracle subpackage delegates to the search engine.
package matcher

import (
	"context"

	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
)

// Backend evaluates a filter against a batch of content records.
type Backend interface {
	// Matches returns, keyed by content key, whether each record satisfies
	// the filter. Every input record has an entry in the result.
	Matches(ctx context.Context, def filter.Definition, recs []content.Record) (map[string]bool, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Local is the in-process backend: a direct evaluation of the expression
// tree against each record's full attribute set.
type Local struct{}

// NewLocal creates the in-process matching backend.
func NewLocal() *Local { return &Local{} }

// Name implements Backend.
func (l *Local) Name() string { return "local" }

// Matches implements Backend.
func (l *Local) Matches(_ context.Context, def filter.Definition, recs []content.Record) (map[string]bool, error) {
	expr := def.Expression()
	out := make(map[string]bool, len(recs))
	for _, rec := range recs {
		out[rec.Key()] = filter.Matches(expr, rec)
	}
	return out, nil
}
