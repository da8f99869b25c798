package memory

import "github.com/cockroachdb/errors"

var (
	// ErrInsufficientMemory is returned when a request cannot be placed in any arena and no new arena
	// can be created for it. It is recoverable: the caller may defer, skip, or substitute the resource.
	ErrInsufficientMemory = errors.New("insufficient GPU memory")
	// ErrInvalidAllocation is returned when an allocation record does not correspond to live memory
	// in this manager, such as a second deallocation of the same record.
	ErrInvalidAllocation = errors.New("invalid allocation")
)
