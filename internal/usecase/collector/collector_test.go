package collector

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSink records dispatched work and can fail a configured number of times.
type fakeSink struct {
	mu            sync.Mutex
	batches       [][]Item
	filterChanges []FilterChange
	failuresLeft  int
	err           error
}

func (s *fakeSink) ProcessBatch(_ context.Context, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return s.err
	}
	copied := make([]Item, len(items))
	copy(copied, items)
	s.batches = append(s.batches, copied)
	return nil
}

func (s *fakeSink) ProcessFilterChange(_ context.Context, change FilterChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterChanges = append(s.filterChanges, change)
	return nil
}

func (s *fakeSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestCollector(cfg Config, sink Sink, clock Clock) *Collector {
	return New(cfg, sink, clock, zap.NewNop())
}

func TestRecordContentChange_CoalescesByKey(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(Config{MaxSize: 10}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"status"})
	c.RecordContentChange("c2", []string{"price"})
	c.RecordContentChange("c1", []string{"language", "status"})

	c.mu.Lock()
	c.closeOpenLocked()
	c.mu.Unlock()
	c.dispatchAll(context.Background())

	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", sink.batchCount())
	}
	want := []Item{
		{ContentKey: "c1", ChangedAttrs: []string{"language", "status"}},
		{ContentKey: "c2", ChangedAttrs: []string{"price"}},
	}
	if !reflect.DeepEqual(sink.batches[0], want) {
		t.Errorf("batch = %+v, want coalesced %+v", sink.batches[0], want)
	}
}

func TestRecordContentChange_SizeThresholdClosesBatch(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(Config{MaxSize: 3}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"a"})
	c.RecordContentChange("c2", []string{"a"})
	c.RecordContentChange("c3", []string{"a"})

	c.mu.Lock()
	closed := len(c.pending)
	stillOpen := c.open != nil
	c.mu.Unlock()
	if closed != 1 {
		t.Fatalf("pending batches = %d, want 1 after hitting the size threshold", closed)
	}
	if stillOpen {
		t.Error("open batch must be reset after closing")
	}

	// The next change starts a fresh batch.
	c.RecordContentChange("c4", []string{"a"})
	c.dispatchAll(context.Background())
	if sink.batchCount() != 1 {
		t.Fatalf("dispatched batches = %d, want 1 (c4 still open)", sink.batchCount())
	}
	if len(sink.batches[0]) != 3 {
		t.Errorf("dispatched batch size = %d, want 3", len(sink.batches[0]))
	}
}

func TestCloseIfAged_WindowExpiryClosesBatch(t *testing.T) {
	sink := &fakeSink{}
	clock := newFakeClock()
	c := newTestCollector(Config{MaxSize: 100, Window: 30 * time.Second}, sink, clock)

	c.RecordContentChange("c1", []string{"status"})

	c.closeIfAged()
	c.mu.Lock()
	early := len(c.pending)
	c.mu.Unlock()
	if early != 0 {
		t.Fatal("batch must stay open before the window elapses")
	}

	clock.advance(30 * time.Second)
	c.closeIfAged()
	c.dispatchAll(context.Background())

	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 after the window elapsed", sink.batchCount())
	}
}

func TestFlush_ClosesRegardlessOfSizeAndAge(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(Config{MaxSize: 100, Window: time.Hour}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"status"})
	c.Flush()
	c.dispatchAll(context.Background())

	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 after Flush", sink.batchCount())
	}
}

func TestFlush_EmptyOpenBatchIsNotDispatched(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(Config{}, sink, newFakeClock())

	c.Flush()
	c.dispatchAll(context.Background())

	if sink.batchCount() != 0 {
		t.Errorf("batches = %d, want none for an empty flush", sink.batchCount())
	}
}

func TestDispatchBatch_FailureRequeuesWhole(t *testing.T) {
	sink := &fakeSink{failuresLeft: 1, err: errors.New("backend down")}
	c := newTestCollector(Config{MaxSize: 10, MaxAttempts: 3}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"status"})
	c.mu.Lock()
	c.closeOpenLocked()
	c.mu.Unlock()

	// First pass fails and re-queues; dispatchAll stops to avoid spinning.
	c.dispatchAll(context.Background())
	if sink.batchCount() != 0 {
		t.Fatal("failed batch must not count as dispatched")
	}
	c.mu.Lock()
	requeued := len(c.pending)
	c.mu.Unlock()
	if requeued != 1 {
		t.Fatalf("pending = %d, want the batch back in the queue", requeued)
	}

	// The next pass succeeds with the same items.
	c.dispatchAll(context.Background())
	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1 after retry", sink.batchCount())
	}
	if sink.batches[0][0].ContentKey != "c1" {
		t.Errorf("retried batch lost its items: %+v", sink.batches[0])
	}
}

func TestDispatchBatch_StallsAfterMaxAttempts(t *testing.T) {
	sink := &fakeSink{failuresLeft: 10, err: errors.New("backend down")}
	c := newTestCollector(Config{MaxSize: 10, MaxAttempts: 2}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"status"})
	c.mu.Lock()
	c.closeOpenLocked()
	c.mu.Unlock()

	c.dispatchAll(context.Background()) // attempt 1: re-queued
	c.dispatchAll(context.Background()) // attempt 2: stalled and dropped

	c.mu.Lock()
	remaining := len(c.pending)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("pending = %d, want the stalled batch dropped", remaining)
	}
	if sink.batchCount() != 0 {
		t.Errorf("stalled batch must never count as dispatched, got %d", sink.batchCount())
	}
}

func TestDispatchAll_FilterChangesDrainBeforeBatches(t *testing.T) {
	var order []string
	sink := &orderSink{order: &order}
	c := newTestCollector(Config{MaxSize: 10}, sink, newFakeClock())

	c.RecordContentChange("c1", []string{"status"})
	c.mu.Lock()
	c.closeOpenLocked()
	c.mu.Unlock()
	c.RecordFilterChange(FilterChange{FilterID: "f1", Kind: FilterCreated, Expression: []byte(`{}`)})

	c.dispatchAll(context.Background())

	if !reflect.DeepEqual(order, []string{"filter:f1", "batch"}) {
		t.Errorf("dispatch order = %v, want filter changes first", order)
	}
}

func TestStartAndShutdown_DrainsOpenBatch(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCollector(Config{MaxSize: 100, Window: time.Hour}, sink, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.Start(ctx) // second Start is a no-op

	c.RecordContentChange("c1", []string{"status"})
	cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not shut down")
	}
	if sink.batchCount() != 1 {
		t.Errorf("batches = %d, want the open batch drained on shutdown", sink.batchCount())
	}
}

// orderSink records the interleaving of filter changes and batches.
type orderSink struct {
	mu    sync.Mutex
	order *[]string
}

func (s *orderSink) ProcessBatch(_ context.Context, _ []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.order = append(*s.order, "batch")
	return nil
}

func (s *orderSink) ProcessFilterChange(_ context.Context, change FilterChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.order = append(*s.order, "filter:"+change.FilterID)
	return nil
}
