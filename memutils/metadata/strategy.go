package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// If none is chosen, the smallest sufficient free block is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free block that can hold the request, splitting
	// as little as possible. This keeps large blocks intact for large requests and is the default.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinOffset chooses the free block with the lowest offset among all blocks large
	// enough for the request, packing live allocations toward the start of the heap.
	AllocationStrategyMinOffset
)
