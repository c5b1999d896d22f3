package filter

import (
	"strconv"

	"github.com/kilnworks/catalogsync/internal/domain/content"
)

// Matches evaluates the expression against a content record.
//
// The function is total and side-effect-free. A missing or non-comparable
// attribute makes the enclosing predicate false rather than erroring, so a
// record can never fail evaluation outright.
func Matches(e Expr, rec content.Record) bool {
	switch e.kind {
	case KindEquals:
		return matchValue(rec, e.attr, func(s string) bool { return s == e.eq })
	case KindInSet:
		return matchValue(rec, e.attr, func(s string) bool {
			for _, member := range e.set {
				if s == member {
					return true
				}
			}
			return false
		})
	case KindRange:
		v, ok := rec.Attr(e.attr)
		if !ok {
			return false
		}
		n, isNum := v.Num()
		if !isNum {
			return false
		}
		return e.rng.Contains(n)
	case KindGroup:
		if e.op == OpAny {
			for _, child := range e.children {
				if Matches(child, rec) {
					return true
				}
			}
			return false
		}
		for _, child := range e.children {
			if !Matches(child, rec) {
				return false
			}
		}
		return true
	default:
		// Unanalyzable node: matching fails closed.
		return false
	}
}

// matchValue applies pred to each string form of the attribute's value.
// Multi-valued attributes match if any member matches.
func matchValue(rec content.Record, attr string, pred func(string) bool) bool {
	v, ok := rec.Attr(attr)
	if !ok {
		return false
	}
	if n, isNum := v.Num(); isNum {
		return pred(strconv.FormatFloat(n, 'g', -1, 64))
	}
	for _, s := range v.List() {
		if pred(s) {
			return true
		}
	}
	return false
}
