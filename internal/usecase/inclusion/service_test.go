package inclusion

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/domain"
	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
	"github.com/kilnworks/catalogsync/internal/domain/membership"
	"github.com/kilnworks/catalogsync/internal/matcher"
	"github.com/kilnworks/catalogsync/internal/metrics"
	attrindexrepo "github.com/kilnworks/catalogsync/internal/repository/attrindex"
	membershiprepo "github.com/kilnworks/catalogsync/internal/repository/membership"
	"github.com/kilnworks/catalogsync/internal/retry"
	"github.com/kilnworks/catalogsync/internal/usecase/collector"
)

func mustRecord(t *testing.T, key string, attrs map[string]content.Value) content.Record {
	t.Helper()
	rec, err := content.NewRecord(key, content.TypeItem, attrs, "")
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func mustDef(t *testing.T, id, payload string) filter.Definition {
	t.Helper()
	expr, err := filter.ParseExpression([]byte(payload))
	if err != nil {
		t.Fatalf("ParseExpression: %v", err)
	}
	def, err := filter.NewDefinition(id, 1, expr)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	return def
}

type fixture struct {
	svc       *Service
	contents  *mockContents
	registry  *mockRegistry
	attrs     *attrindexrepo.Index
	members   *membershiprepo.Store
	backend   *countingBackend
	projector *mockProjector
}

func newFixture(contents *mockContents, registry *mockRegistry) *fixture {
	f := &fixture{
		contents:  contents,
		registry:  registry,
		attrs:     attrindexrepo.New(),
		members:   membershiprepo.New(),
		backend:   newCountingBackend(matcher.NewLocal()),
		projector: &mockProjector{},
	}
	f.svc = New(
		contents, registry, f.attrs, f.members, f.backend, f.projector, zap.NewNop(),
	).WithRetry(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond})
	return f
}

// index registers the filters with the attribute index, as Bootstrap and
// ProcessFilterChange do in production.
func (f *fixture) index(defs ...filter.Definition) {
	for _, def := range defs {
		f.attrs.Upsert(def)
	}
}

func TestProcessBatch_StatusFlipEstablishesAndRemovesEdge(t *testing.T) {
	def := mustDef(t, "f-pub", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("archived")}),
	)
	f := newFixture(contents, newMockRegistry(def))
	f.index(def)

	items := []collector.Item{{ContentKey: "c1", ChangedAttrs: []string{"status"}}}

	// Archived content does not satisfy the filter.
	if err := f.svc.ProcessBatch(context.Background(), items); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if f.members.HasEdge("f-pub", "c1") {
		t.Fatal("archived content must not be a member")
	}

	// The status flips to published and the change is re-evaluated.
	contents.put(mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}))
	if err := f.svc.ProcessBatch(context.Background(), items); err != nil {
		t.Fatalf("ProcessBatch after flip: %v", err)
	}
	if !f.members.HasEdge("f-pub", "c1") {
		t.Error("published content must gain the edge")
	}
	if !f.projector.projectedKeys()["c1"] {
		t.Error("changed content must be re-projected")
	}

	// Flipping back removes the edge again.
	contents.put(mustRecord(t, "c1", map[string]content.Value{"status": content.String("archived")}))
	if err := f.svc.ProcessBatch(context.Background(), items); err != nil {
		t.Fatalf("ProcessBatch after revert: %v", err)
	}
	if f.members.HasEdge("f-pub", "c1") {
		t.Error("reverted content must lose the edge")
	}
}

func TestProcessBatch_OnlyFiltersReferencingChangedAttrsRun(t *testing.T) {
	statusDef := mustDef(t, "f-status", `{"eq":{"attr":"status","value":"published"}}`)
	langDef := mustDef(t, "f-lang", `{"eq":{"attr":"language","value":"en"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{
			"status":   content.String("published"),
			"language": content.String("en"),
		}),
	)
	f := newFixture(contents, newMockRegistry(statusDef, langDef))
	f.index(statusDef, langDef)

	err := f.svc.ProcessBatch(context.Background(), []collector.Item{
		{ContentKey: "c1", ChangedAttrs: []string{"status"}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if f.backend.callCount("f-status") != 1 {
		t.Errorf("status filter calls = %d, want 1", f.backend.callCount("f-status"))
	}
	if f.backend.callCount("f-lang") != 0 {
		t.Errorf("language filter must not be re-tested for a status change, got %d calls",
			f.backend.callCount("f-lang"))
	}
}

func TestProcessBatch_DeletedContentTearsDownEdges(t *testing.T) {
	def := mustDef(t, "f-pub", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents() // snapshot already gone
	f := newFixture(contents, newMockRegistry(def))
	f.index(def)

	establish(t, f.members, "f-pub", "c1")
	establish(t, f.members, "f-other", "c1")

	err := f.svc.ProcessBatch(context.Background(), []collector.Item{
		{ContentKey: "c1", ChangedAttrs: []string{"status"}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if got := f.members.FiltersForContent("c1"); len(got) != 0 {
		t.Errorf("deleted content kept edges: %v", got)
	}
	if !reflect.DeepEqual(f.projector.removed, []string{"c1"}) {
		t.Errorf("projector removals = %v, want [c1]", f.projector.removed)
	}
	if f.backend.callCount("f-pub") != 0 {
		t.Error("deleted content must not be re-tested against any filter")
	}
}

func TestProcessBatch_DeadlineMissAppliesNothing(t *testing.T) {
	def := mustDef(t, "f-pub", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	f := newFixture(contents, newMockRegistry(def))
	f.index(def)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := f.svc.ProcessBatch(ctx, []collector.Item{
		{ContentKey: "c1", ChangedAttrs: []string{"status"}},
	})
	if !errors.Is(err, domain.ErrBatchDeadline) {
		t.Fatalf("expected ErrBatchDeadline, got %v", err)
	}
	if f.members.EdgeCount() != 0 {
		t.Error("an expired batch must leave membership untouched")
	}
	if len(f.projector.projected) != 0 {
		t.Error("an expired batch must not project anything")
	}
}

func TestProcessBatch_BackendFailureIsolatedPerFilter(t *testing.T) {
	goodDef := mustDef(t, "f-good", `{"eq":{"attr":"status","value":"published"}}`)
	badDef := mustDef(t, "f-bad", `{"eq":{"attr":"status","value":"review"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	f := newFixture(contents, newMockRegistry(goodDef, badDef))
	f.index(goodDef, badDef)
	f.backend.fail["f-bad"] = domain.ErrBackendUnavailable

	err := f.svc.ProcessBatch(context.Background(), []collector.Item{
		{ContentKey: "c1", ChangedAttrs: []string{"status"}},
	})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	// The healthy filter's outcome still lands.
	if !f.members.HasEdge("f-good", "c1") {
		t.Error("healthy filter's deltas must apply despite the failing one")
	}
	if f.members.HasEdge("f-bad", "c1") {
		t.Error("failing filter must not gain edges")
	}
}

func TestProcessBatch_StaleMalformedFilterFailsClosed(t *testing.T) {
	def := mustDef(t, "f-pub", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	registry := newMockRegistry() // registry returns not-found for f-pub
	f := newFixture(contents, registry)
	f.index(def) // attribute index still references it

	err := f.svc.ProcessBatch(context.Background(), []collector.Item{
		{ContentKey: "c1", ChangedAttrs: []string{"status"}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if f.members.HasEdge("f-pub", "c1") {
		t.Error("a filter missing from the registry must match nothing")
	}
}

func TestProcessFilterChange_NewFilterScansCorpus(t *testing.T) {
	// 10,000 records, 37 of which carry the language the filter wants.
	recs := make([]content.Record, 0, 10000)
	for i := 0; i < 10000; i++ {
		lang := "en"
		if i%271 == 0 { // 37 keys: 0, 271, ..., 9756
			lang = "fi"
		}
		recs = append(recs, mustRecord(t, fmt.Sprintf("c%05d", i), map[string]content.Value{
			"language": content.String(lang),
		}))
	}
	contents := newMockContents(recs...)
	f := newFixture(contents, newMockRegistry())

	err := f.svc.ProcessFilterChange(context.Background(), collector.FilterChange{
		FilterID:   "f-fi",
		Kind:       collector.FilterCreated,
		Expression: []byte(`{"eq":{"attr":"language","value":"fi"}}`),
	})
	if err != nil {
		t.Fatalf("ProcessFilterChange: %v", err)
	}

	edges := f.members.EdgesForFilter("f-fi")
	if len(edges) != 37 {
		t.Fatalf("edges = %d, want exactly 37", len(edges))
	}
	if got := len(f.projector.projectedKeys()); got != 37 {
		t.Errorf("projected keys = %d, want the 37 new members", got)
	}

	stored, err := f.registry.Get(context.Background(), "f-fi")
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if stored.Version() != 1 {
		t.Errorf("version = %d, want 1 for a new filter", stored.Version())
	}
	if got := f.attrs.FiltersReferencing("language"); !reflect.DeepEqual(got, []string{"f-fi"}) {
		t.Errorf("attribute index = %v, want [f-fi]", got)
	}
}

func TestProcessFilterChange_EditRescansAndBumpsVersion(t *testing.T) {
	prev := mustDef(t, "f1", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents(
		mustRecord(t, "c-pub", map[string]content.Value{"status": content.String("published")}),
		mustRecord(t, "c-rev", map[string]content.Value{"status": content.String("review")}),
	)
	f := newFixture(contents, newMockRegistry(prev))
	f.index(prev)
	establish(t, f.members, "f1", "c-pub")

	err := f.svc.ProcessFilterChange(context.Background(), collector.FilterChange{
		FilterID:   "f1",
		Kind:       collector.FilterEdited,
		Expression: []byte(`{"eq":{"attr":"status","value":"review"}}`),
	})
	if err != nil {
		t.Fatalf("ProcessFilterChange: %v", err)
	}

	if f.members.HasEdge("f1", "c-pub") {
		t.Error("edge from the old expression must be removed")
	}
	if !f.members.HasEdge("f1", "c-rev") {
		t.Error("edge for the new expression must be established")
	}
	stored, err := f.registry.Get(context.Background(), "f1")
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if stored.Version() != 2 {
		t.Errorf("version = %d, want 2 after an edit", stored.Version())
	}
}

func TestProcessFilterChange_MalformedExpressionQuarantines(t *testing.T) {
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	registry := newMockRegistry()
	f := newFixture(contents, registry)
	establish(t, f.members, "f-broken", "c1")

	err := f.svc.ProcessFilterChange(context.Background(), collector.FilterChange{
		FilterID:   "f-broken",
		Kind:       collector.FilterEdited,
		Expression: []byte(`{"all":[]}`),
	})
	if err != nil {
		t.Fatalf("quarantine must not surface an error, got %v", err)
	}

	if _, ok := registry.flagged["f-broken"]; !ok {
		t.Error("malformed filter must be flagged")
	}
	if f.members.HasEdge("f-broken", "c1") {
		t.Error("malformed filter must lose its edges")
	}
	if !f.projector.projectedKeys()["c1"] {
		t.Error("orphaned content must be re-projected")
	}
}

func TestProcessFilterChange_MalformedGaugeTracksRepairs(t *testing.T) {
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	f := newFixture(contents, newMockRegistry())
	base := testutil.ToFloat64(metrics.MalformedFilters)

	bad := collector.FilterChange{
		FilterID:   "f1",
		Kind:       collector.FilterEdited,
		Expression: []byte(`{"all":[]}`),
	}
	// Quarantining twice counts the filter once.
	for i := 0; i < 2; i++ {
		if err := f.svc.ProcessFilterChange(context.Background(), bad); err != nil {
			t.Fatalf("ProcessFilterChange: %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.MalformedFilters) - base; got != 1 {
		t.Fatalf("gauge delta after repeated quarantine = %v, want 1", got)
	}

	// A valid edit repairs the filter and takes it off the gauge.
	err := f.svc.ProcessFilterChange(context.Background(), collector.FilterChange{
		FilterID:   "f1",
		Kind:       collector.FilterEdited,
		Expression: []byte(`{"eq":{"attr":"status","value":"published"}}`),
	})
	if err != nil {
		t.Fatalf("ProcessFilterChange: %v", err)
	}
	if got := testutil.ToFloat64(metrics.MalformedFilters) - base; got != 0 {
		t.Errorf("gauge delta after repair = %v, want 0", got)
	}
	if !f.members.HasEdge("f1", "c1") {
		t.Error("repaired filter must regain matching edges")
	}
}

func TestProcessFilterChange_DeleteRemovesEdgesWithoutRetesting(t *testing.T) {
	def := mustDef(t, "f1", `{"eq":{"attr":"status","value":"published"}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{"status": content.String("published")}),
	)
	registry := newMockRegistry(def)
	f := newFixture(contents, registry)
	f.index(def)
	establish(t, f.members, "f1", "c1")

	err := f.svc.ProcessFilterChange(context.Background(), collector.FilterChange{
		FilterID: "f1",
		Kind:     collector.FilterDeleted,
	})
	if err != nil {
		t.Fatalf("ProcessFilterChange: %v", err)
	}

	if f.members.EdgeCount() != 0 {
		t.Error("deleted filter must lose every edge")
	}
	if got := f.attrs.FiltersReferencing("status"); len(got) != 0 {
		t.Errorf("attribute index still references the filter: %v", got)
	}
	if !reflect.DeepEqual(registry.deleted, []string{"f1"}) {
		t.Errorf("registry deletions = %v, want [f1]", registry.deleted)
	}
	if f.backend.callCount("f1") != 0 {
		t.Error("a deletion must not trigger any matching")
	}
	if !f.projector.projectedKeys()["c1"] {
		t.Error("former members must be re-projected")
	}
}

func TestBootstrap_RebuildsMembershipFromRegistry(t *testing.T) {
	pubDef := mustDef(t, "f-pub", `{"eq":{"attr":"status","value":"published"}}`)
	priceDef := mustDef(t, "f-cheap", `{"range":{"attr":"price","lt":30}}`)
	contents := newMockContents(
		mustRecord(t, "c1", map[string]content.Value{
			"status": content.String("published"), "price": content.Number(20),
		}),
		mustRecord(t, "c2", map[string]content.Value{
			"status": content.String("archived"), "price": content.Number(25),
		}),
		mustRecord(t, "c3", map[string]content.Value{
			"status": content.String("published"), "price": content.Number(99),
		}),
	)
	f := newFixture(contents, newMockRegistry(pubDef, priceDef))

	if err := f.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if got := f.members.EdgesForFilter("f-pub"); !reflect.DeepEqual(got, []string{"c1", "c3"}) {
		t.Errorf("f-pub edges = %v, want [c1 c3]", got)
	}
	if got := f.members.EdgesForFilter("f-cheap"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("f-cheap edges = %v, want [c1 c2]", got)
	}
	if got := f.attrs.FiltersReferencing("status"); !reflect.DeepEqual(got, []string{"f-pub"}) {
		t.Errorf("status references = %v, want [f-pub]", got)
	}
}

func establish(t *testing.T, store *membershiprepo.Store, filterID, contentKey string) {
	t.Helper()
	store.ApplyDeltas([]membership.Delta{
		membership.NewDelta(filterID, contentKey, membership.Establish),
	})
}
