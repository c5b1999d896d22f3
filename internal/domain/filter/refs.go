package filter

import "sort"

// RefSet is the referenced-attribute set of a filter expression.
//
// The zero value references nothing. A RefSet with All set references every
// attribute: that is the fail-safe result for expression nodes whose attribute
// reference could not be resolved statically. Missing a reference would make a
// changed attribute silently skip re-evaluation, so extraction never
// approximates downward.
type RefSet struct {
	all   bool
	names map[string]struct{}
}

// All reports whether the set references every attribute.
func (s RefSet) All() bool { return s.all }

// Contains reports whether attr is referenced.
func (s RefSet) Contains(attr string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[attr]
	return ok
}

// Names returns the sorted referenced attribute names. Nil when All is set.
func (s RefSet) Names() []string {
	if s.all {
		return nil
	}
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// References extracts the referenced-attribute set of the definition's
// expression by a static walk over the tree.
func (d Definition) References() RefSet {
	s := RefSet{names: make(map[string]struct{})}
	walkRefs(d.expr, &s)
	return s
}

func walkRefs(e Expr, s *RefSet) {
	switch e.kind {
	case KindEquals, KindInSet, KindRange:
		if e.attr == "" {
			// Unresolvable reference: fail safe by referencing everything.
			s.all = true
			return
		}
		s.names[e.attr] = struct{}{}
	case KindGroup:
		for _, child := range e.children {
			walkRefs(child, s)
			if s.all {
				return
			}
		}
	default:
		// Unknown node kind cannot be analyzed; fail safe.
		s.all = true
	}
}
