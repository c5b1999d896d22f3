package health

import "context"

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// IndexChecker checks that the projected search index is reachable.
type IndexChecker interface {
	Count(ctx context.Context) (int, error)
}
