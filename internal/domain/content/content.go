package content

import (
	"fmt"
	"sort"
)

// Type is the enumerated content type sharing the filterable-attribute capability set.
type Type string

// Known content types. Unknown types are accepted (and logged by callers) so that
// new upstream types flow through the engine before it learns about them.
const (
	TypeItem       Type = "item"
	TypeItemRun    Type = "item-run"
	TypeCollection Type = "collection"
	TypePathway    Type = "pathway"
)

// IsKnown reports whether t is one of the enumerated content types.
func (t Type) IsKnown() bool {
	switch t {
	case TypeItem, TypeItemRun, TypeCollection, TypePathway:
		return true
	}
	return false
}

// ValueKind discriminates attribute value variants.
type ValueKind int

// Attribute value variants.
const (
	KindString ValueKind = iota
	KindNumber
	KindStringList
)

// Value is a filterable attribute value: a string, a number, or a string list.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	list []string
}

// String creates a string attribute value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number creates a numeric attribute value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// StringList creates a multi-valued string attribute value.
func StringList(vs ...string) Value {
	list := make([]string, len(vs))
	copy(list, vs)
	return Value{kind: KindStringList, list: list}
}

// Kind returns the value variant.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string form of the value. Numbers and lists have no string form.
func (v Value) Str() string { return v.str }

// Num returns the numeric form and whether the value is numeric.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// List returns the member strings. Scalars are returned as a one-element list
// so membership predicates treat single and multi-valued attributes uniformly.
func (v Value) List() []string {
	switch v.kind {
	case KindStringList:
		return v.list
	case KindString:
		return []string{v.str}
	default:
		return nil
	}
}

// Record is an immutable snapshot of one normalized content record.
// The engine never mutates a Record; a changed record is a new snapshot.
type Record struct {
	key       string
	typ       Type
	attrs     map[string]Value
	parentKey string
}

// NewRecord validates and creates a content record snapshot.
// parentKey is advisory (run-to-parent relationship) and never consulted by matching.
func NewRecord(key string, typ Type, attrs map[string]Value, parentKey string) (Record, error) {
	if key == "" {
		return Record{}, fmt.Errorf("content key is required")
	}
	if typ == "" {
		return Record{}, fmt.Errorf("content type is required for key %q", key)
	}
	copied := make(map[string]Value, len(attrs)+1)
	for k, v := range attrs {
		copied[k] = v
	}
	// The type participates in matching as a regular attribute.
	copied["type"] = String(string(typ))
	return Record{key: key, typ: typ, attrs: copied, parentKey: parentKey}, nil
}

// Key returns the unique content key.
func (r Record) Key() string { return r.key }

// ContentType returns the content type.
func (r Record) ContentType() Type { return r.typ }

// ParentKey returns the advisory parent content key, if any.
func (r Record) ParentKey() string { return r.parentKey }

// Attr returns the named attribute value and whether it is present.
func (r Record) Attr(name string) (Value, bool) {
	v, ok := r.attrs[name]
	return v, ok
}

// AttrNames returns the sorted attribute names of the record.
func (r Record) AttrNames() []string {
	names := make([]string, 0, len(r.attrs))
	for name := range r.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
