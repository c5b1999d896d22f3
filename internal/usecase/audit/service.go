// Package audit periodically re-derives every filter's referenced-attribute
// set from the registry and repairs the attribute index where it disagrees.
// The index is a pure derivation of stored expressions, so a repair is
// always just re-extraction.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/domain/filter"
	"github.com/kilnworks/catalogsync/internal/metrics"
)

// FilterLister reads every effective filter definition.
type FilterLister interface {
	All(ctx context.Context) ([]filter.Definition, error)
}

// AttrIndex is the audited and repaired attribute index.
type AttrIndex interface {
	Upsert(def filter.Definition)
	Remove(filterID string)
	Referenced(filterID string) (filter.RefSet, bool)
	FilterIDs() []string
}

// Service is the attribute-index self-audit.
type Service struct {
	registry FilterLister
	attrs    AttrIndex
	logger   *zap.Logger
}

// New creates an audit service.
func New(registry FilterLister, attrs AttrIndex, logger *zap.Logger) *Service {
	return &Service{
		registry: registry,
		attrs:    attrs,
		logger:   logger.With(zap.String("component", "audit")),
	}
}

// RunOnce audits the whole attribute index once and repairs every
// inconsistency found. Returns the number of repaired entries.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	defs, err := s.registry.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: load filters: %w", err)
	}

	want := make(map[string]filter.Definition, len(defs))
	for _, def := range defs {
		want[def.ID()] = def
	}

	repaired := 0
	for _, def := range defs {
		got, ok := s.attrs.Referenced(def.ID())
		if ok && sameRefs(got, def.References()) {
			continue
		}
		s.attrs.Upsert(def)
		repaired++
		s.logger.Warn("attribute index entry repaired",
			zap.String("filter_id", def.ID()),
			zap.Bool("was_indexed", ok),
		)
	}

	// Entries for filters the registry no longer knows are dropped.
	for _, id := range s.attrs.FilterIDs() {
		if _, ok := want[id]; ok {
			continue
		}
		s.attrs.Remove(id)
		repaired++
		s.logger.Warn("stale attribute index entry dropped", zap.String("filter_id", id))
	}

	if repaired > 0 {
		metrics.AuditInconsistencies.Add(float64(repaired))
	}
	return repaired, nil
}

// Start runs the audit on a fixed interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.RunOnce(ctx)
				if err != nil {
					s.logger.Error("audit run failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("audit repaired entries", zap.Int("repaired", n))
				}
			}
		}
	}()
	s.logger.Info("audit started", zap.Duration("interval", interval))
}

func sameRefs(a, b filter.RefSet) bool {
	if a.All() != b.All() {
		return false
	}
	an, bn := a.Names(), b.Names()
	if len(an) != len(bn) {
		return false
	}
	for i := range an {
		if an[i] != bn[i] {
			return false
		}
	}
	return true
}
