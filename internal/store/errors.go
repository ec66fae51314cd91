package store

import (
	"errors"
	"fmt"
)

// Common errors returned by store operations. Check with errors.Is.
var (
	// ErrNotFound is returned when no entity file exists for an ID.
	ErrNotFound = errors.New("entity not found")

	// ErrCollision is returned when ID generation keeps hitting existing
	// entities. Retried transparently inside Create; escaping it means
	// the retry budget is exhausted.
	ErrCollision = errors.New("entity ID collision")
)

// ParseError reports malformed persisted content. It is surfaced, never
// auto-repaired: the affected entity is reported as inconsistent while
// sync of unrelated entities proceeds.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed entity file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
