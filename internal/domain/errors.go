package domain

import "errors"

var (
	// ErrFilterNotFound signals a missing filter definition.
	ErrFilterNotFound = errors.New("filter not found")
	// ErrContentNotFound signals a missing content record.
	ErrContentNotFound = errors.New("content not found")
	// ErrMalformedFilter signals a filter expression that failed static analysis.
	// Malformed filters fail closed: they match nothing.
	ErrMalformedFilter = errors.New("malformed filter expression")
	// ErrBackendUnavailable signals a transient matching backend failure.
	ErrBackendUnavailable = errors.New("matching backend unavailable")
	// ErrBatchDeadline signals that a batch evaluation exceeded its deadline
	// and was abandoned before any delta was applied.
	ErrBatchDeadline = errors.New("batch evaluation deadline exceeded")
)
