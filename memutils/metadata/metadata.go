package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
)

// BlockMetadata represents the bookkeeping for a single large region of memory, such as one device heap.
// It manages suballocations within the region, allowing allocations to be requested and freed, as well as
// enumerated and queried. It performs no synchronization of its own.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It informs the implementation of the size in
	// bytes of the region it will be managing.
	Init(size int)
	// Size retrieves the number of bytes managed by the block
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions tracked by the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could possibly support a new
	// allocation of the provided size. It must not produce false negatives.
	MayHaveFreeBlock(size int) bool
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. This is intended for diagnostics.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata value provided by the consumer for a live allocation
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userdata value of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
	// would place the requested memory, without changing the block. That object can be passed to Alloc to
	// commit the allocation. The boolean return is false when the block cannot fit the request; that is not
	// an error.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. The implementation may increase
	// the alignment above this value, but may not reduce it below this value
	// strategy - whether to prioritize memory usage, memory offset, or allocation speed
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object. The implementation must return an error if the
	// request is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// Free frees a suballocation within the block, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) blockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
