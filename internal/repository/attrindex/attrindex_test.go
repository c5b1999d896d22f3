package attrindex

import (
	"reflect"
	"testing"

	"github.com/kilnworks/catalogsync/internal/domain/filter"
)

func mustDef(t *testing.T, id string, attrs ...string) filter.Definition {
	t.Helper()
	children := make([]filter.Expr, 0, len(attrs))
	for _, a := range attrs {
		e, err := filter.NewEquals(a, "x")
		if err != nil {
			t.Fatalf("NewEquals: %v", err)
		}
		children = append(children, e)
	}
	expr := children[0]
	if len(children) > 1 {
		var err error
		expr, err = filter.NewAll(children...)
		if err != nil {
			t.Fatalf("NewAll: %v", err)
		}
	}
	def, err := filter.NewDefinition(id, 1, expr)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	return def
}

func TestUpsert_IndexesReferencedAttributes(t *testing.T) {
	x := New()
	x.Upsert(mustDef(t, "f1", "status", "language"))
	x.Upsert(mustDef(t, "f2", "status"))

	if got := x.FiltersReferencing("status"); !reflect.DeepEqual(got, []string{"f1", "f2"}) {
		t.Errorf("FiltersReferencing(status) = %v, want [f1 f2]", got)
	}
	if got := x.FiltersReferencing("language"); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("FiltersReferencing(language) = %v, want [f1]", got)
	}
	if got := x.FiltersReferencing("price"); len(got) != 0 {
		t.Errorf("FiltersReferencing(price) = %v, want empty", got)
	}
}

func TestUpsert_ReplacesStaleReferences(t *testing.T) {
	x := New()
	x.Upsert(mustDef(t, "f1", "status"))
	x.Upsert(mustDef(t, "f1", "language"))

	if got := x.FiltersReferencing("status"); len(got) != 0 {
		t.Errorf("stale status entry survived edit: %v", got)
	}
	if got := x.FiltersReferencing("language"); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("FiltersReferencing(language) = %v, want [f1]", got)
	}
}

func TestReferenced_ReturnsStoredSet(t *testing.T) {
	x := New()
	x.Upsert(mustDef(t, "f1", "status", "language"))

	refs, ok := x.Referenced("f1")
	if !ok {
		t.Fatal("expected f1 to be indexed")
	}
	if refs.All() {
		t.Error("narrow filter must not reference everything")
	}
	if got := refs.Names(); !reflect.DeepEqual(got, []string{"language", "status"}) {
		t.Errorf("Names() = %v, want [language status]", got)
	}
}

func TestRemove_DropsAllEntries(t *testing.T) {
	x := New()
	x.Upsert(mustDef(t, "f1", "status", "language"))
	x.Remove("f1")

	if got := x.FiltersReferencing("status"); len(got) != 0 {
		t.Errorf("FiltersReferencing(status) after remove = %v", got)
	}
	if _, ok := x.Referenced("f1"); ok {
		t.Error("Referenced must report removed filters as absent")
	}
	if got := x.FilterIDs(); len(got) != 0 {
		t.Errorf("FilterIDs() after remove = %v", got)
	}
}

func TestFilterIDs_Sorted(t *testing.T) {
	x := New()
	x.Upsert(mustDef(t, "zeta", "a"))
	x.Upsert(mustDef(t, "alpha", "b"))

	if got := x.FilterIDs(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("FilterIDs() = %v, want [alpha zeta]", got)
	}
}
