package filter

import "fmt"

// MaxGroupSize is the maximum number of sub-expressions per boolean group.
const MaxGroupSize = 64

// Kind discriminates expression tree nodes.
type Kind int

// Expression node kinds.
const (
	KindEquals Kind = iota + 1
	KindInSet
	KindRange
	KindGroup
)

// GroupOp is the boolean combinator of a group node.
type GroupOp string

// Boolean combinators.
const (
	OpAll GroupOp = "all" // every child must match
	OpAny GroupOp = "any" // at least one child must match
)

// Expr is one node of a filter expression tree: an equality, set-membership or
// range predicate over a single attribute, or a boolean group of sub-expressions.
type Expr struct {
	kind     Kind
	attr     string
	eq       string
	set      []string
	rng      *Range
	op       GroupOp
	children []Expr
}

// NewEquals creates an equality predicate on an attribute.
func NewEquals(attr, value string) (Expr, error) {
	if attr == "" {
		return Expr{}, fmt.Errorf("equals predicate requires an attribute name")
	}
	if value == "" {
		return Expr{}, fmt.Errorf("equals predicate on %q requires a value", attr)
	}
	return Expr{kind: KindEquals, attr: attr, eq: value}, nil
}

// NewInSet creates a set-membership predicate on an attribute.
func NewInSet(attr string, values ...string) (Expr, error) {
	if attr == "" {
		return Expr{}, fmt.Errorf("in-set predicate requires an attribute name")
	}
	if len(values) == 0 {
		return Expr{}, fmt.Errorf("in-set predicate on %q requires at least one value", attr)
	}
	set := make([]string, len(values))
	copy(set, values)
	return Expr{kind: KindInSet, attr: attr, set: set}, nil
}

// NewRangePredicate creates a numeric range predicate on an attribute.
func NewRangePredicate(attr string, r Range) (Expr, error) {
	if attr == "" {
		return Expr{}, fmt.Errorf("range predicate requires an attribute name")
	}
	return Expr{kind: KindRange, attr: attr, rng: &r}, nil
}

// NewAll creates an AND group.
func NewAll(children ...Expr) (Expr, error) { return newGroup(OpAll, children) }

// NewAny creates an OR group.
func NewAny(children ...Expr) (Expr, error) { return newGroup(OpAny, children) }

func newGroup(op GroupOp, children []Expr) (Expr, error) {
	if len(children) == 0 {
		return Expr{}, fmt.Errorf("%s group requires at least one sub-expression", op)
	}
	if len(children) > MaxGroupSize {
		return Expr{}, fmt.Errorf("%s group exceeds %d sub-expressions", op, MaxGroupSize)
	}
	copied := make([]Expr, len(children))
	copy(copied, children)
	return Expr{kind: KindGroup, op: op, children: copied}, nil
}

// NodeKind returns the node kind.
func (e Expr) NodeKind() Kind { return e.kind }

// Attr returns the attribute name of a predicate node.
func (e Expr) Attr() string { return e.attr }

// Equals returns the equality value of an equals node.
func (e Expr) Equals() string { return e.eq }

// Set returns the member values of an in-set node.
func (e Expr) Set() []string { return e.set }

// RangeBounds returns the range of a range node.
func (e Expr) RangeBounds() *Range { return e.rng }

// Op returns the boolean combinator of a group node.
func (e Expr) Op() GroupOp { return e.op }

// Children returns the sub-expressions of a group node.
func (e Expr) Children() []Expr { return e.children }

// Range is a numeric range with gt/gte/lt/lte boundaries.
type Range struct {
	gt  *float64
	gte *float64
	lt  *float64
	lte *float64
}

// NewRange validates and creates a Range.
// At least one boundary required. gt/gte and lt/lte are mutually exclusive.
func NewRange(gt, gte, lt, lte *float64) (Range, error) {
	if gt == nil && gte == nil && lt == nil && lte == nil {
		return Range{}, fmt.Errorf("at least one range boundary is required")
	}
	if gt != nil && gte != nil {
		return Range{}, fmt.Errorf("cannot specify both gt and gte")
	}
	if lt != nil && lte != nil {
		return Range{}, fmt.Errorf("cannot specify both lt and lte")
	}
	return Range{gt: gt, gte: gte, lt: lt, lte: lte}, nil
}

// GT returns the lower exclusive bound.
func (r Range) GT() *float64 { return r.gt }

// GTE returns the lower inclusive bound.
func (r Range) GTE() *float64 { return r.gte }

// LT returns the upper exclusive bound.
func (r Range) LT() *float64 { return r.lt }

// LTE returns the upper inclusive bound.
func (r Range) LTE() *float64 { return r.lte }

// Contains reports whether n satisfies every configured boundary.
func (r Range) Contains(n float64) bool {
	if r.gt != nil && !(n > *r.gt) {
		return false
	}
	if r.gte != nil && !(n >= *r.gte) {
		return false
	}
	if r.lt != nil && !(n < *r.lt) {
		return false
	}
	if r.lte != nil && !(n <= *r.lte) {
		return false
	}
	return true
}

// Definition is one effective version of a catalog filter. Definitions are
// immutable: an edit produces a new Definition with a higher version.
type Definition struct {
	id      string
	version int
	expr    Expr
}

// NewDefinition validates and creates a filter definition.
func NewDefinition(id string, version int, expr Expr) (Definition, error) {
	if id == "" {
		return Definition{}, fmt.Errorf("filter ID is required")
	}
	if version < 1 {
		return Definition{}, fmt.Errorf("filter %q version must be >= 1, got %d", id, version)
	}
	if expr.kind == 0 {
		return Definition{}, fmt.Errorf("filter %q has an empty expression", id)
	}
	return Definition{id: id, version: version, expr: expr}, nil
}

// ID returns the filter ID.
func (d Definition) ID() string { return d.id }

// Version returns the effective version.
func (d Definition) Version() int { return d.version }

// Expression returns the root of the expression tree.
func (d Definition) Expression() Expr { return d.expr }
