// Package projection keeps the external search index synchronized with
// membership. The index is derived state: projection failures mean staleness
// (counted as drift), never membership corruption, and every record remains
// reconstructible from a content snapshot plus its current edges.
package projection

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/index"
	"github.com/kilnworks/catalogsync/internal/metrics"
	"github.com/kilnworks/catalogsync/internal/retry"
)

const rebuildChunk = 500

// ContentReader reads content snapshots for derivation.
type ContentReader interface {
	GetMulti(ctx context.Context, keys []string) ([]content.Record, error)
	AllKeys(ctx context.Context) ([]string, error)
}

// MembershipReader reads the authoritative edge set.
type MembershipReader interface {
	FiltersForContent(contentKey string) []string
}

// IndexWriter writes projected records to the search index.
type IndexWriter interface {
	UpsertMulti(ctx context.Context, recs []index.Record) error
	Remove(ctx context.Context, contentKey string) error
	ReplaceAll(ctx context.Context, recs []index.Record) error
}

// Service derives index records and pushes them to the index writer.
type Service struct {
	contents ContentReader
	members  MembershipReader
	writer   IndexWriter
	logger   *zap.Logger
	retryCfg retry.Config
}

// New creates an index synchronizer.
func New(contents ContentReader, members MembershipReader, writer IndexWriter, logger *zap.Logger) *Service {
	return &Service{
		contents: contents,
		members:  members,
		writer:   writer,
		logger:   logger.With(zap.String("component", "projection")),
	}
}

// WithRetry configures the backoff applied to index writes.
func (s *Service) WithRetry(cfg retry.Config) *Service {
	s.retryCfg = cfg
	return s
}

// Project re-derives and upserts the index records for the given content
// keys. Keys whose snapshot no longer exists are skipped; their index
// records are removed through Remove on the deletion path. A persistent
// write failure counts as drift and returns the error, but membership has
// already advanced and is never rolled back.
func (s *Service) Project(ctx context.Context, contentKeys []string) error {
	if len(contentKeys) == 0 {
		return nil
	}
	keys := dedupe(contentKeys)

	recs, err := s.contents.GetMulti(ctx, keys)
	if err != nil {
		return fmt.Errorf("load content for projection: %w", err)
	}

	derived := make([]index.Record, 0, len(recs))
	for _, rec := range recs {
		derived = append(derived, index.Derive(rec, s.members.FiltersForContent(rec.Key())))
	}

	err = retry.Do(ctx, s.logger, "index_upsert", s.retryCfg, func() error {
		return s.writer.UpsertMulti(ctx, derived)
	})
	if err != nil {
		metrics.IndexDrift.Inc()
		return fmt.Errorf("project %d records: %w", len(derived), err)
	}
	return nil
}

// Remove deletes one content key's index record entirely. Facets are never
// merely cleared: deleted content leaves no residue in the index.
func (s *Service) Remove(ctx context.Context, contentKey string) error {
	err := retry.Do(ctx, s.logger, "index_remove", s.retryCfg, func() error {
		return s.writer.Remove(ctx, contentKey)
	})
	if err != nil {
		metrics.IndexDrift.Inc()
		return fmt.Errorf("remove index record %s: %w", contentKey, err)
	}
	return nil
}

// Rebuild re-derives the whole index from the content store and membership,
// replacing whatever the index currently holds. Recovery tool for drift:
// correctness only requires membership plus content, so a rebuild always
// converges the index.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	keys, err := s.contents.AllKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content keys: %w", err)
	}
	sort.Strings(keys)

	derived := make([]index.Record, 0, len(keys))
	for start := 0; start < len(keys); start += rebuildChunk {
		end := start + rebuildChunk
		if end > len(keys) {
			end = len(keys)
		}
		recs, err := s.contents.GetMulti(ctx, keys[start:end])
		if err != nil {
			return 0, fmt.Errorf("load rebuild chunk: %w", err)
		}
		for _, rec := range recs {
			derived = append(derived, index.Derive(rec, s.members.FiltersForContent(rec.Key())))
		}
	}

	err = retry.Do(ctx, s.logger, "index_rebuild", s.retryCfg, func() error {
		return s.writer.ReplaceAll(ctx, derived)
	})
	if err != nil {
		metrics.IndexDrift.Inc()
		return 0, fmt.Errorf("rebuild index: %w", err)
	}

	s.logger.Info("index rebuilt", zap.Int("records", len(derived)))
	return len(derived), nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
