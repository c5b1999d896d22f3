package chi

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilnworks/catalogsync/internal/domain"
	domcontent "github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/usecase/collector"
)

// mockIntake implements ContentIntake for tests.
type mockIntake struct {
	mu      sync.Mutex
	recs    map[string]domcontent.Record
	puts    []domcontent.Record
	deletes []string
	getErr  error
	putErr  error
	delErr  error
}

func (m *mockIntake) Get(_ context.Context, key string) (domcontent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domcontent.Record{}, m.getErr
	}
	rec, ok := m.recs[key]
	if !ok {
		return domcontent.Record{}, fmt.Errorf("content %s: %w", key, domain.ErrContentNotFound)
	}
	return rec, nil
}

func (m *mockIntake) Put(_ context.Context, rec domcontent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.recs == nil {
		m.recs = make(map[string]domcontent.Record)
	}
	m.recs[rec.Key()] = rec
	m.puts = append(m.puts, rec)
	return nil
}

func (m *mockIntake) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	m.deletes = append(m.deletes, key)
	return nil
}

// mockNotifier implements Notifier for tests.
type mockNotifier struct {
	mu            sync.Mutex
	contentKeys   []string
	changedAttrs  [][]string
	filterChanges []collector.FilterChange
	flushes       int
}

func (m *mockNotifier) RecordContentChange(contentKey string, changedAttrs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contentKeys = append(m.contentKeys, contentKey)
	m.changedAttrs = append(m.changedAttrs, changedAttrs)
}

func (m *mockNotifier) RecordFilterChange(change collector.FilterChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterChanges = append(m.filterChanges, change)
}

func (m *mockNotifier) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

// mockMembers implements MembershipReader for tests.
type mockMembers struct {
	byFilter  map[string][]string
	byContent map[string][]string
}

func (m *mockMembers) EdgesForFilter(filterID string) []string {
	return m.byFilter[filterID]
}

func (m *mockMembers) FiltersForContent(contentKey string) []string {
	return m.byContent[contentKey]
}

// mockRebuilder implements Rebuilder for tests.
type mockRebuilder struct {
	records int
	err     error
}

func (m *mockRebuilder) Rebuild(_ context.Context) (int, error) {
	return m.records, m.err
}

// mockPinger and mockIndexChecker feed the health service.
type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

type mockIndexChecker struct {
	err error
}

func (m *mockIndexChecker) Count(_ context.Context) (int, error) { return 0, m.err }
