package membership

// Kind is the direction of a membership change.
type Kind string

// Delta kinds.
const (
	Establish Kind = "establish"
	Remove    Kind = "remove"
)

// Delta is one membership change: establish or remove the edge between a
// filter and a content record. Deltas are produced only by inclusion
// evaluation and are idempotent to apply.
type Delta struct {
	filterID   string
	contentKey string
	kind       Kind
}

// NewDelta creates a membership delta.
func NewDelta(filterID, contentKey string, kind Kind) Delta {
	return Delta{filterID: filterID, contentKey: contentKey, kind: kind}
}

// FilterID returns the filter side of the edge.
func (d Delta) FilterID() string { return d.filterID }

// ContentKey returns the content side of the edge.
func (d Delta) ContentKey() string { return d.contentKey }

// DeltaKind returns establish or remove.
func (d Delta) DeltaKind() Kind { return d.kind }
