package collector

import (
	"context"
	"time"
)

// Item is one coalesced unit of work in a closed batch: a content key plus
// the union of attribute names reported changed since the batch opened.
type Item struct {
	ContentKey   string
	ChangedAttrs []string
}

// FilterChangeKind discriminates filter lifecycle notifications.
type FilterChangeKind string

const (
	FilterCreated FilterChangeKind = "created"
	FilterEdited  FilterChangeKind = "edited"
	FilterDeleted FilterChangeKind = "deleted"
)

// FilterChange is a filter lifecycle notification. Expression carries the
// wire-form definition for created/edited changes and is nil for deletions.
type FilterChange struct {
	FilterID   string
	Kind       FilterChangeKind
	Expression []byte
}

// Sink consumes closed batches and filter changes in dispatch order.
type Sink interface {
	ProcessBatch(ctx context.Context, items []Item) error
	ProcessFilterChange(ctx context.Context, change FilterChange) error
}

// Clock abstracts wall time so batch-window aging is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
