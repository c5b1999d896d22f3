// Package inclusion evaluates which filters each changed content record
// satisfies and turns the outcomes into membership deltas. Evaluation is
// buffered: a batch applies its deltas only after every affected filter was
// considered, so a deadline miss leaves membership untouched.
package inclusion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/catalogsync/internal/domain"
	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/filter"
	"github.com/kilnworks/catalogsync/internal/domain/membership"
	"github.com/kilnworks/catalogsync/internal/matcher"
	"github.com/kilnworks/catalogsync/internal/metrics"
	"github.com/kilnworks/catalogsync/internal/retry"
	"github.com/kilnworks/catalogsync/internal/usecase/collector"
)

const defaultScanChunk = 500

// Service is the inclusion evaluator. It implements collector.Sink.
type Service struct {
	contents  ContentReader
	registry  FilterRegistry
	attrs     AttrIndex
	members   MembershipStore
	backend   matcher.Backend
	projector Projector
	logger    *zap.Logger

	concurrency int
	scanChunk   int
	retryCfg    retry.Config

	locks filterLocks
}

// New creates an inclusion evaluator.
func New(
	contents ContentReader,
	registry FilterRegistry,
	attrs AttrIndex,
	members MembershipStore,
	backend matcher.Backend,
	projector Projector,
	logger *zap.Logger,
) *Service {
	return &Service{
		contents:    contents,
		registry:    registry,
		attrs:       attrs,
		members:     members,
		backend:     backend,
		projector:   projector,
		logger:      logger.With(zap.String("component", "inclusion")),
		concurrency: 8,
		scanChunk:   defaultScanChunk,
		locks:       filterLocks{m: make(map[string]*sync.Mutex)},
	}
}

// WithConcurrency bounds parallel backend calls per batch and per full scan.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithRetry configures the backoff applied to matching backend calls.
func (s *Service) WithRetry(cfg retry.Config) *Service {
	s.retryCfg = cfg
	return s
}

// Bootstrap rebuilds the attribute index and membership from the registry
// and the content store. Membership is process state, so every start re-runs
// each stored filter over the corpus before traffic is served.
func (s *Service) Bootstrap(ctx context.Context) error {
	defs, err := s.registry.All(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load filters: %w", err)
	}

	for _, def := range defs {
		s.attrs.Upsert(def)
		deltas, err := s.scanCorpus(ctx, def)
		if err != nil {
			return fmt.Errorf("bootstrap filter %s: %w", def.ID(), err)
		}
		s.applyFilterDeltas(def.ID(), deltas)
	}

	s.logger.Info("membership bootstrapped", zap.Int("filters", len(defs)))
	return nil
}

// filterEval is the buffered outcome of evaluating one filter over a batch.
type filterEval struct {
	filterID string
	deltas   []membership.Delta
}

// ProcessBatch evaluates one closed change batch.
//
// Only filters referencing a changed attribute are re-tested. All outcomes
// are buffered and applied after matching completes; if the deadline expires
// first the batch returns with nothing applied so the collector can re-queue
// it. A backend failure on one filter never blocks the others.
func (s *Service) ProcessBatch(ctx context.Context, items []collector.Item) error {
	if len(items) == 0 {
		return nil
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.ContentKey
	}
	records, err := s.contents.GetMulti(ctx, keys)
	if err != nil {
		return fmt.Errorf("load batch content: %w", err)
	}
	byKey := make(map[string]content.Record, len(records))
	for _, rec := range records {
		byKey[rec.Key()] = rec
	}

	// A key whose snapshot is gone was deleted between notification and
	// evaluation: its edges and index record are torn down, never re-tested.
	var deleted []string
	perFilter := make(map[string][]content.Record)
	for _, it := range items {
		rec, ok := byKey[it.ContentKey]
		if !ok {
			deleted = append(deleted, it.ContentKey)
			continue
		}
		candidates := s.candidateFilters(it.ChangedAttrs)
		metrics.CandidateFilters.Observe(float64(len(candidates)))
		for _, id := range candidates {
			perFilter[id] = append(perFilter[id], rec)
		}
	}

	evals, failed := s.evaluateFilters(ctx, perFilter)

	// Deadline gate: nothing has been applied yet, so a miss abandons the
	// batch whole.
	if ctx.Err() != nil {
		return fmt.Errorf("batch evaluation: %w", domain.ErrBatchDeadline)
	}

	for _, key := range deleted {
		s.members.RemoveContent(key)
		if err := s.projector.Remove(ctx, key); err != nil {
			s.logger.Warn("index removal failed for deleted content",
				zap.String("content_key", key), zap.Error(err))
		}
	}

	for _, ev := range evals {
		s.applyFilterDeltas(ev.filterID, ev.deltas)
	}

	// Re-project every surviving batch key: membership facets and flattened
	// attributes both come from state that just changed.
	live := make([]string, 0, len(byKey))
	for key := range byKey {
		live = append(live, key)
	}
	sort.Strings(live)
	if err := s.projector.Project(ctx, live); err != nil {
		s.logger.Warn("batch projection failed", zap.Error(err))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d filters failed matching: %w",
			failed, len(perFilter), domain.ErrBackendUnavailable)
	}
	return nil
}

// candidateFilters unions the filters referencing any changed attribute.
func (s *Service) candidateFilters(changedAttrs []string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, attr := range changedAttrs {
		for _, id := range s.attrs.FiltersReferencing(attr) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// evaluateFilters runs the matching backend for each candidate filter and
// buffers the resulting deltas. Returns the buffered outcomes plus the count
// of filters whose backend calls failed after retries.
func (s *Service) evaluateFilters(
	ctx context.Context, perFilter map[string][]content.Record,
) ([]filterEval, int) {
	ids := make([]string, 0, len(perFilter))
	for id := range perFilter {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		mu     sync.Mutex
		evals  []filterEval
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id, recs := id, perFilter[id]
		g.Go(func() error {
			deltas, err := s.evaluateOne(gctx, id, recs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				s.logger.Error("filter evaluation failed",
					zap.String("filter_id", id), zap.Error(err))
				return nil // isolate: other filters keep going
			}
			if len(deltas) > 0 {
				evals = append(evals, filterEval{filterID: id, deltas: deltas})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(evals, func(i, j int) bool { return evals[i].filterID < evals[j].filterID })
	return evals, failed
}

// evaluateOne matches one filter against its candidate records and diffs the
// outcomes against current membership.
func (s *Service) evaluateOne(
	ctx context.Context, filterID string, recs []content.Record,
) ([]membership.Delta, error) {
	def, err := s.registry.Get(ctx, filterID)
	switch {
	case errors.Is(err, domain.ErrFilterNotFound):
		// Deleted since candidate selection; its teardown runs elsewhere.
		return nil, nil
	case errors.Is(err, domain.ErrMalformedFilter):
		// Fails closed: a malformed filter matches nothing.
		s.flagMalformed(ctx, filterID, err)
		return s.removalDeltas(filterID, recs), nil
	case err != nil:
		return nil, err
	}

	matched, err := s.match(ctx, def, recs)
	if err != nil {
		return nil, err
	}

	var deltas []membership.Delta
	for _, rec := range recs {
		has := s.members.HasEdge(filterID, rec.Key())
		switch {
		case matched[rec.Key()] && !has:
			deltas = append(deltas, membership.NewDelta(filterID, rec.Key(), membership.Establish))
		case !matched[rec.Key()] && has:
			deltas = append(deltas, membership.NewDelta(filterID, rec.Key(), membership.Remove))
		}
	}
	return deltas, nil
}

// match calls the backend with bounded retries and records call metrics.
func (s *Service) match(
	ctx context.Context, def filter.Definition, recs []content.Record,
) (map[string]bool, error) {
	var result map[string]bool
	err := retry.Do(ctx, s.logger, "backend_match", s.retryCfg, func() error {
		start := time.Now()
		m, err := s.backend.Matches(ctx, def, recs)
		metrics.BackendCallDuration.WithLabelValues(s.backend.Name()).
			Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.BackendErrors.WithLabelValues(s.backend.Name()).Inc()
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", s.backend.Name(), err)
	}
	return result, nil
}

// removalDeltas drops any existing edges between the filter and the records.
func (s *Service) removalDeltas(filterID string, recs []content.Record) []membership.Delta {
	var deltas []membership.Delta
	for _, rec := range recs {
		if s.members.HasEdge(filterID, rec.Key()) {
			deltas = append(deltas, membership.NewDelta(filterID, rec.Key(), membership.Remove))
		}
	}
	return deltas
}

// applyFilterDeltas makes one filter's outcome visible atomically. The
// per-filter lock serializes batch evaluation against full scans so readers
// never observe a half-applied filter.
func (s *Service) applyFilterDeltas(filterID string, deltas []membership.Delta) {
	unlock := s.locks.lock(filterID)
	defer unlock()
	s.members.ApplyDeltas(deltas)
}

// ProcessFilterChange handles a filter lifecycle notification.
//
// Created and edited filters are re-tested against the entire content corpus;
// deletions tear edges down without re-testing anything. An expression that
// fails to parse flags the filter and removes its edges.
func (s *Service) ProcessFilterChange(ctx context.Context, change collector.FilterChange) error {
	log := s.logger.With(
		zap.String("filter_id", change.FilterID),
		zap.String("kind", string(change.Kind)),
	)

	switch change.Kind {
	case collector.FilterDeleted:
		return s.deleteFilter(ctx, change.FilterID, log)
	case collector.FilterCreated, collector.FilterEdited:
		return s.upsertFilter(ctx, change, log)
	default:
		return fmt.Errorf("unknown filter change kind %q", change.Kind)
	}
}

func (s *Service) deleteFilter(ctx context.Context, filterID string, log *zap.Logger) error {
	unlock := s.locks.lock(filterID)
	orphaned := s.members.RemoveFilter(filterID)
	unlock()

	s.attrs.Remove(filterID)
	if err := s.registry.Delete(ctx, filterID); err != nil {
		log.Warn("registry delete failed", zap.Error(err))
	}

	if err := s.projector.Project(ctx, orphaned); err != nil {
		log.Warn("projection after filter delete failed", zap.Error(err))
	}
	log.Info("filter deleted", zap.Int("edges_removed", len(orphaned)))
	return nil
}

func (s *Service) upsertFilter(ctx context.Context, change collector.FilterChange, log *zap.Logger) error {
	expr, err := filter.ParseExpression(change.Expression)
	if err != nil {
		return s.quarantine(ctx, change.FilterID, err, log)
	}

	version := 1
	wasFlagged := false
	prev, getErr := s.registry.Get(ctx, change.FilterID)
	switch {
	case getErr == nil:
		version = prev.Version() + 1
	case errors.Is(getErr, domain.ErrMalformedFilter):
		wasFlagged = true
	}
	def, err := filter.NewDefinition(change.FilterID, version, expr)
	if err != nil {
		return s.quarantine(ctx, change.FilterID, err, log)
	}

	if err := s.registry.Put(ctx, def); err != nil {
		return fmt.Errorf("persist filter %s: %w", change.FilterID, err)
	}
	if wasFlagged {
		// Put cleared the malformed flag, so the gauge tracks it down.
		metrics.MalformedFilters.Dec()
	}
	s.attrs.Upsert(def)

	deltas, err := s.scanCorpus(ctx, def)
	if err != nil {
		return fmt.Errorf("full scan for filter %s: %w", change.FilterID, err)
	}

	s.applyFilterDeltas(def.ID(), deltas)

	changed := make([]string, 0, len(deltas))
	for _, d := range deltas {
		changed = append(changed, d.ContentKey())
	}
	if err := s.projector.Project(ctx, changed); err != nil {
		log.Warn("projection after filter change failed", zap.Error(err))
	}

	log.Info("filter re-evaluated over corpus",
		zap.Int("version", version),
		zap.Int("membership_changes", len(deltas)),
	)
	return nil
}

// quarantine flags a malformed filter and fails it closed: the definition
// stays visible for operators but matches nothing, so its edges go away.
func (s *Service) quarantine(ctx context.Context, filterID string, cause error, log *zap.Logger) error {
	s.flagMalformed(ctx, filterID, cause)
	s.attrs.Remove(filterID)

	unlock := s.locks.lock(filterID)
	orphaned := s.members.RemoveFilter(filterID)
	unlock()

	if err := s.projector.Project(ctx, orphaned); err != nil {
		log.Warn("projection after quarantine failed", zap.Error(err))
	}
	log.Warn("filter quarantined as malformed",
		zap.Int("edges_removed", len(orphaned)),
		zap.Error(cause),
	)
	return nil
}

// flagMalformed marks the filter in the registry and counts it on the gauge,
// at most once per flagged filter: re-flagging an already-flagged filter must
// not move the gauge again.
func (s *Service) flagMalformed(ctx context.Context, filterID string, cause error) {
	_, getErr := s.registry.Get(ctx, filterID)
	already := errors.Is(getErr, domain.ErrMalformedFilter)

	if err := s.registry.Flag(ctx, filterID, cause.Error()); err != nil {
		s.logger.Error("flagging malformed filter failed",
			zap.String("filter_id", filterID), zap.Error(err))
		return
	}
	if !already {
		metrics.MalformedFilters.Inc()
	}
}

// scanCorpus matches one filter against every stored content record, in
// chunks, and returns the membership deltas the outcome implies.
func (s *Service) scanCorpus(ctx context.Context, def filter.Definition) ([]membership.Delta, error) {
	keys, err := s.contents.AllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content keys: %w", err)
	}
	sort.Strings(keys)

	var (
		mu     sync.Mutex
		deltas []membership.Delta
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for start := 0; start < len(keys); start += s.scanChunk {
		end := start + s.scanChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		g.Go(func() error {
			recs, err := s.contents.GetMulti(gctx, chunk)
			if err != nil {
				return fmt.Errorf("load scan chunk: %w", err)
			}
			matched, err := s.match(gctx, def, recs)
			if err != nil {
				return err
			}
			var local []membership.Delta
			for _, rec := range recs {
				has := s.members.HasEdge(def.ID(), rec.Key())
				switch {
				case matched[rec.Key()] && !has:
					local = append(local, membership.NewDelta(def.ID(), rec.Key(), membership.Establish))
				case !matched[rec.Key()] && has:
					local = append(local, membership.NewDelta(def.ID(), rec.Key(), membership.Remove))
				}
			}
			mu.Lock()
			deltas = append(deltas, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return deltas, nil
}

// filterLocks hands out one mutex per filter ID so concurrent evaluations of
// different filters proceed in parallel while each filter's membership is
// applied atomically.
type filterLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *filterLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	fm, ok := l.m[id]
	if !ok {
		fm = &sync.Mutex{}
		l.m[id] = fm
	}
	l.mu.Unlock()

	fm.Lock()
	return fm.Unlock
}
