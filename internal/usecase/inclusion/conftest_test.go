package inclusion

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnworks/catalogsync/internal/domain"
	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
	"github.com/kilnworks/catalogsync/internal/matcher"
)

// mockContents is an in-memory content reader.
type mockContents struct {
	mu   sync.Mutex
	recs map[string]content.Record
	err  error
}

func newMockContents(recs ...content.Record) *mockContents {
	m := &mockContents{recs: make(map[string]content.Record, len(recs))}
	for _, rec := range recs {
		m.recs[rec.Key()] = rec
	}
	return m
}

func (m *mockContents) put(rec content.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Key()] = rec
}

func (m *mockContents) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
}

func (m *mockContents) GetMulti(_ context.Context, keys []string) ([]content.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]content.Record, 0, len(keys))
	for _, k := range keys {
		if rec, ok := m.recs[k]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockContents) AllKeys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	keys := make([]string, 0, len(m.recs))
	for k := range m.recs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// mockRegistry is an in-memory filter registry.
type mockRegistry struct {
	mu      sync.Mutex
	defs    map[string]filter.Definition
	flagged map[string]string
	deleted []string
}

func newMockRegistry(defs ...filter.Definition) *mockRegistry {
	m := &mockRegistry{
		defs:    make(map[string]filter.Definition, len(defs)),
		flagged: make(map[string]string),
	}
	for _, def := range defs {
		m.defs[def.ID()] = def
	}
	return m
}

func (m *mockRegistry) Get(_ context.Context, filterID string) (filter.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason, ok := m.flagged[filterID]; ok {
		return filter.Definition{}, fmt.Errorf("filter %s: %s: %w", filterID, reason, domain.ErrMalformedFilter)
	}
	def, ok := m.defs[filterID]
	if !ok {
		return filter.Definition{}, fmt.Errorf("filter %s: %w", filterID, domain.ErrFilterNotFound)
	}
	return def, nil
}

func (m *mockRegistry) All(_ context.Context) ([]filter.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.defs))
	for id := range m.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]filter.Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.defs[id])
	}
	return out, nil
}

func (m *mockRegistry) Put(_ context.Context, def filter.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID()] = def
	delete(m.flagged, def.ID())
	return nil
}

func (m *mockRegistry) Delete(_ context.Context, filterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, filterID)
	m.deleted = append(m.deleted, filterID)
	return nil
}

func (m *mockRegistry) Flag(_ context.Context, filterID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagged[filterID] = reason
	return nil
}

// mockProjector records projection calls.
type mockProjector struct {
	mu        sync.Mutex
	projected [][]string
	removed   []string
	err       error
}

func (m *mockProjector) Project(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	copied := make([]string, len(keys))
	copy(copied, keys)
	m.projected = append(m.projected, copied)
	return nil
}

func (m *mockProjector) Remove(_ context.Context, contentKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, contentKey)
	return nil
}

func (m *mockProjector) projectedKeys() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, keys := range m.projected {
		for _, k := range keys {
			out[k] = true
		}
	}
	return out
}

// countingBackend wraps a backend and counts calls per filter ID, optionally
// failing configured filters.
type countingBackend struct {
	inner matcher.Backend
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingBackend(inner matcher.Backend) *countingBackend {
	return &countingBackend{inner: inner, calls: make(map[string]int), fail: make(map[string]error)}
}

func (b *countingBackend) Name() string { return b.inner.Name() }

func (b *countingBackend) Matches(
	ctx context.Context, def filter.Definition, recs []content.Record,
) (map[string]bool, error) {
	b.mu.Lock()
	b.calls[def.ID()]++
	err := b.fail[def.ID()]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.inner.Matches(ctx, def, recs)
}

func (b *countingBackend) callCount(filterID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[filterID]
}
