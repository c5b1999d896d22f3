// Package collector accumulates change notifications into coalesced batches
// and dispatches them, one at a time, to the evaluation sink. Batches close
// on size or age, whichever comes first; a batch that misses its evaluation
// deadline is re-queued whole rather than applied partially.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/metrics"
)

// Config bounds batch accumulation and dispatch.
type Config struct {
	MaxSize     int           // close the open batch at this many work items
	Window      time.Duration // or when the oldest item reaches this age
	EvalTimeout time.Duration // evaluation deadline per dispatch attempt
	MaxAttempts int           // dispatch attempts before a batch stalls
}

// Collector coalesces content changes by key and serializes dispatch.
//
// A single dispatch goroutine consumes closed batches in order, so two
// batches touching the same content key are never evaluated concurrently
// and per-key ordering is preserved end to end.
type Collector struct {
	cfg    Config
	sink   Sink
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	open    *openBatch
	pending []*closedBatch
	filterQ []FilterChange
	kick    chan struct{}
	done    chan struct{}
	started bool
}

type openBatch struct {
	attrs    map[string]map[string]struct{}
	order    []string
	openedAt time.Time
}

type closedBatch struct {
	items    []Item
	attempts int
}

// New creates a collector. Pass SystemClock{} outside of tests.
func New(cfg Config, sink Sink, clock Clock, logger *zap.Logger) *Collector {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Collector{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		logger: logger.With(zap.String("component", "collector")),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// RecordContentChange coalesces a content change notification into the open
// batch. Repeat notifications for the same key union their changed-attribute
// sets into one work item. Reaching the size threshold closes the batch.
func (c *Collector) RecordContentChange(contentKey string, changedAttrs []string) {
	c.mu.Lock()
	if c.open == nil {
		c.open = &openBatch{
			attrs:    make(map[string]map[string]struct{}),
			openedAt: c.clock.Now(),
		}
	}
	set, ok := c.open.attrs[contentKey]
	if !ok {
		set = make(map[string]struct{})
		c.open.attrs[contentKey] = set
		c.open.order = append(c.open.order, contentKey)
	}
	for _, a := range changedAttrs {
		set[a] = struct{}{}
	}
	full := len(c.open.order) >= c.cfg.MaxSize
	if full {
		c.closeOpenLocked()
	}
	c.mu.Unlock()

	if full {
		c.wake()
	}
}

// RecordFilterChange queues a filter lifecycle notification. Filter changes
// are never batched; each is dispatched individually.
func (c *Collector) RecordFilterChange(change FilterChange) {
	c.mu.Lock()
	c.filterQ = append(c.filterQ, change)
	c.mu.Unlock()
	c.wake()
}

// Flush closes the open batch regardless of size or age and triggers
// dispatch. Used by the scheduled trigger and the flush endpoint.
func (c *Collector) Flush() {
	c.mu.Lock()
	c.closeOpenLocked()
	c.mu.Unlock()
	c.wake()
}

// Start launches the dispatch loop. It returns immediately; the loop runs
// until ctx is cancelled, then drains what it can and closes Done.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	c.logger.Info("collector started",
		zap.Int("max_size", c.cfg.MaxSize),
		zap.Duration("window", c.cfg.Window),
	)
}

// Done is closed once the dispatch loop has exited.
func (c *Collector) Done() <-chan struct{} { return c.done }

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	tick := time.NewTicker(c.cfg.Window / 4)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh deadline so in-flight work lands.
			c.mu.Lock()
			c.closeOpenLocked()
			c.mu.Unlock()
			drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.EvalTimeout)
			c.dispatchAll(drainCtx)
			cancel()
			return
		case <-tick.C:
			c.closeIfAged()
			c.dispatchAll(ctx)
		case <-c.kick:
			c.dispatchAll(ctx)
		}
	}
}

func (c *Collector) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// closeIfAged closes the open batch once its oldest item reaches the window.
func (c *Collector) closeIfAged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == nil {
		return
	}
	if c.clock.Now().Sub(c.open.openedAt) >= c.cfg.Window {
		c.closeOpenLocked()
	}
}

// closeOpenLocked snapshots the open batch onto the pending queue.
func (c *Collector) closeOpenLocked() {
	if c.open == nil || len(c.open.order) == 0 {
		return
	}
	items := make([]Item, 0, len(c.open.order))
	for _, key := range c.open.order {
		attrs := make([]string, 0, len(c.open.attrs[key]))
		for a := range c.open.attrs[key] {
			attrs = append(attrs, a)
		}
		sort.Strings(attrs)
		items = append(items, Item{ContentKey: key, ChangedAttrs: attrs})
	}
	c.pending = append(c.pending, &closedBatch{items: items})
	c.open = nil
	metrics.BatchSize.Observe(float64(len(items)))
}

// dispatchAll drains queued filter changes, then pending batches, in order.
func (c *Collector) dispatchAll(ctx context.Context) {
	for {
		change, batch, ok := c.next()
		if !ok {
			return
		}
		if batch == nil {
			c.dispatchFilterChange(ctx, change)
			continue
		}
		if !c.dispatchBatch(ctx, batch) {
			// Batch went back to the head of the queue; let the next tick
			// retry instead of spinning on a failing sink.
			return
		}
	}
}

// next pops the next unit of work. Filter changes drain before batches so a
// new filter's full scan sees a settled change queue as often as possible.
func (c *Collector) next() (FilterChange, *closedBatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filterQ) > 0 {
		change := c.filterQ[0]
		c.filterQ = c.filterQ[1:]
		return change, nil, true
	}
	if len(c.pending) > 0 {
		batch := c.pending[0]
		c.pending = c.pending[1:]
		return FilterChange{}, batch, true
	}
	return FilterChange{}, nil, false
}

func (c *Collector) dispatchFilterChange(ctx context.Context, change FilterChange) {
	evalCtx, cancel := context.WithTimeout(ctx, c.cfg.EvalTimeout)
	defer cancel()

	if err := c.sink.ProcessFilterChange(evalCtx, change); err != nil {
		c.logger.Error("filter change failed",
			zap.String("filter_id", change.FilterID),
			zap.String("kind", string(change.Kind)),
			zap.Error(err),
		)
	}
}

// dispatchBatch evaluates one closed batch. Failures re-queue the batch
// whole (evaluation applies deltas idempotently, so a rerun is safe); the
// attempt budget caps how often before it stalls. Returns false when the
// batch was re-queued.
func (c *Collector) dispatchBatch(ctx context.Context, batch *closedBatch) bool {
	start := c.clock.Now()
	evalCtx, cancel := context.WithTimeout(ctx, c.cfg.EvalTimeout)
	err := c.sink.ProcessBatch(evalCtx, batch.items)
	cancel()
	metrics.BatchLatency.Observe(c.clock.Now().Sub(start).Seconds())

	if err == nil {
		return true
	}

	batch.attempts++
	if batch.attempts >= c.cfg.MaxAttempts {
		metrics.StalledBatches.Inc()
		c.logger.Error("batch stalled, dropping",
			zap.Int("items", len(batch.items)),
			zap.Int("attempts", batch.attempts),
			zap.Error(err),
		)
		return true
	}

	c.logger.Warn("batch abandoned, re-queueing",
		zap.Int("items", len(batch.items)),
		zap.Int("attempt", batch.attempts),
		zap.Error(err),
	)
	c.mu.Lock()
	c.pending = append([]*closedBatch{batch}, c.pending...)
	c.mu.Unlock()
	return false
}
