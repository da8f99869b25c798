package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestBuddyExact indicates that a free block of exactly the required order was found
	AllocationRequestBuddyExact AllocationRequestType = iota
	// AllocationRequestBuddySplit indicates that a larger free block will be split down to the required order
	AllocationRequestBuddySplit
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestBuddyExact: "BuddyExact",
	AllocationRequestBuddySplit: "BuddySplit",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. The consumer may inspect it, and then commit it to the
// metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation, which may be larger than what was originally requested
	Size int
	// RequestedSize is the size passed to CreateAllocationRequest
	RequestedSize int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation
	// Type identifies the sort of allocation this request represents
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
