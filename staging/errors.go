package staging

import "github.com/cockroachdb/errors"

var (
	// ErrNotBound is returned when a TemporaryDataBuffer holding handles is released before it has been
	// bound to a fence value
	ErrNotBound = errors.New("temporary data buffer is not bound to a fence")
	// ErrReleased is returned when a handle is retained or released after its last reference is gone
	ErrReleased = errors.New("handle has already been released")
)
