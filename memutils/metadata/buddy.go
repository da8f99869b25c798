package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"golang.org/x/exp/slices"
)

// ErrUnknownAllocation is returned when a free or deallocation names an offset that does not
// correspond to a live allocation
var ErrUnknownAllocation = errors.New("offset does not match a live allocation")

type buddyAllocation struct {
	order         int
	requestedSize int
	userData      any
}

type buddyRegion struct {
	offset     int
	order      int
	allocation *buddyAllocation
}

// BuddyBlockMetadata is a binary buddy allocator over a single region of memory. Every block it
// hands out is a power of two in size and aligned to its own size relative to the start of the region.
// Blocks are split on demand and coalesced with their buddy on free.
//
// Regions whose size is not a power of two are divided into a descending run of aligned power-of-two
// top-level blocks. Any trailing bytes smaller than the minimum block size are not managed.
//
// Offsets produced by CreateAllocationRequest, Alloc, and the BlockMetadata accessors are relative to
// the start of the region. Allocate and Deallocate work in absolute offsets that include the base
// offset the metadata was created with.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	baseOffset   int
	minBlockSize int
	minOrder     int
	maxOrder     int

	// free block offsets per order, sorted ascending, indexed by order-minOrder
	freeLists   [][]int
	freeOrders  *swiss.Map[int, int]
	allocations *swiss.Map[BlockAllocationHandle, *buddyAllocation]
	sumFreeSize int
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a buddy allocator whose smallest block is minBlockSize bytes. Init
// must be called before it is used.
func NewBuddyBlockMetadata(baseOffset int, minBlockSize int) (*BuddyBlockMetadata, error) {
	err := memutils.CheckPow2(minBlockSize, "minBlockSize")
	if err != nil {
		return nil, err
	}
	if baseOffset < 0 {
		return nil, errors.Newf("base offset must not be negative, but was %d", baseOffset)
	}

	return &BuddyBlockMetadata{
		baseOffset:   baseOffset,
		minBlockSize: minBlockSize,
		minOrder:     memutils.Log2(minBlockSize),
	}, nil
}

// NewBuddyAllocator creates and initializes a buddy allocator managing totalSize bytes starting
// at baseOffset. totalSize must be a multiple of minBlockSize.
func NewBuddyAllocator(baseOffset, totalSize, minBlockSize int) (*BuddyBlockMetadata, error) {
	m, err := NewBuddyBlockMetadata(baseOffset, minBlockSize)
	if err != nil {
		return nil, err
	}
	if totalSize < minBlockSize {
		return nil, errors.Newf("total size %d is smaller than the minimum block size %d", totalSize, minBlockSize)
	}
	if totalSize%minBlockSize != 0 {
		return nil, errors.Newf("total size %d is not a multiple of the minimum block size %d", totalSize, minBlockSize)
	}

	m.Init(totalSize)
	return m, nil
}

// Init resets the allocator to manage size bytes. Trailing bytes past the last multiple of the minimum
// block size are not managed and are not reported by Size or AvailableSize.
func (m *BuddyBlockMetadata) Init(size int) {
	usable := memutils.AlignDown(size, uint(m.minBlockSize))
	m.BlockMetadataBase.Init(usable)

	m.maxOrder = m.minOrder
	if usable > 0 {
		m.maxOrder = memutils.Log2(usable)
	}

	m.freeLists = make([][]int, m.maxOrder-m.minOrder+1)
	m.freeOrders = swiss.NewMap[int, int](42)
	m.allocations = swiss.NewMap[BlockAllocationHandle, *buddyAllocation](42)
	m.sumFreeSize = 0

	offset := 0
	for order := m.maxOrder; order >= m.minOrder; order-- {
		if offset+(1<<order) <= usable {
			m.pushFree(offset, order)
			offset += 1 << order
		}
	}
}

func (m *BuddyBlockMetadata) BaseOffset() int   { return m.baseOffset }
func (m *BuddyBlockMetadata) MinBlockSize() int { return m.minBlockSize }

// MaxBlockSize is the size of the largest block the allocator can hand out
func (m *BuddyBlockMetadata) MaxBlockSize() int {
	if m.size == 0 {
		return 0
	}
	return 1 << m.maxOrder
}

// BlockSize returns the size of the block that would satisfy a request of the provided size and
// alignment, or 0 if no block in this allocator could.
func (m *BuddyBlockMetadata) BlockSize(size int, alignment uint) int {
	order, ok := m.orderFor(size, alignment)
	if !ok {
		return 0
	}
	return 1 << order
}

func (m *BuddyBlockMetadata) orderFor(size int, alignment uint) (int, bool) {
	if size <= 0 || size > m.size {
		return 0, false
	}
	if alignment == 0 {
		alignment = 1
	}

	blockSize := max(memutils.NextPow2(size), m.minBlockSize, memutils.NextPow2(int(alignment)))
	order := memutils.Log2(blockSize)
	if order > m.maxOrder {
		return 0, false
	}
	return order, true
}

func (m *BuddyBlockMetadata) pushFree(offset, order int) {
	listIndex := order - m.minOrder
	list := m.freeLists[listIndex]
	insertAt, _ := slices.BinarySearch(list, offset)
	m.freeLists[listIndex] = slices.Insert(list, insertAt, offset)
	m.freeOrders.Put(offset, order)
	m.sumFreeSize += 1 << order
}

func (m *BuddyBlockMetadata) removeFree(offset, order int) bool {
	listIndex := order - m.minOrder
	list := m.freeLists[listIndex]
	index, found := slices.BinarySearch(list, offset)
	if !found {
		return false
	}
	m.freeLists[listIndex] = slices.Delete(list, index, index+1)
	m.freeOrders.Delete(offset)
	m.sumFreeSize -= 1 << order
	return true
}

func (m *BuddyBlockMetadata) findFreeBlock(order int, strategy AllocationStrategy) (offset int, sourceOrder int, found bool) {
	if strategy&AllocationStrategyMinOffset != 0 {
		for current := order; current <= m.maxOrder; current++ {
			list := m.freeLists[current-m.minOrder]
			if len(list) > 0 && (!found || list[0] < offset) {
				offset = list[0]
				sourceOrder = current
				found = true
			}
		}
		return offset, sourceOrder, found
	}

	for current := order; current <= m.maxOrder; current++ {
		list := m.freeLists[current-m.minOrder]
		if len(list) > 0 {
			return list[0], current, true
		}
	}

	return 0, 0, false
}

func (m *BuddyBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Newf("invalid allocSize: %d", allocSize)
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, allocRequest, err
	}

	order, ok := m.orderFor(allocSize, allocAlignment)
	if !ok {
		return false, allocRequest, nil
	}

	offset, sourceOrder, found := m.findFreeBlock(order, strategy)
	if !found {
		return false, allocRequest, nil
	}

	allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset)
	allocRequest.Size = 1 << order
	allocRequest.RequestedSize = allocSize
	allocRequest.Item = Suballocation{
		Offset: offset,
		Size:   1 << order,
	}
	allocRequest.Type = AllocationRequestBuddyExact
	if sourceOrder != order {
		allocRequest.Type = AllocationRequestBuddySplit
	}
	allocRequest.AlgorithmData = uint64(sourceOrder)<<32 | uint64(order)

	return true, allocRequest, nil
}

func (m *BuddyBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	order := int(request.AlgorithmData & 0xffffffff)
	sourceOrder := int(request.AlgorithmData >> 32)
	offset := request.Item.Offset

	if order < m.minOrder || sourceOrder > m.maxOrder || order > sourceOrder {
		return errors.New("allocation request was received by an incompatible metadata")
	}
	if request.BlockAllocationHandle != BlockAllocationHandle(offset) {
		return errors.New("allocation request had a handle that was incompatible with the requested offset")
	}
	if !m.removeFree(offset, sourceOrder) {
		return errors.Newf("allocation request refers to a block at offset %d that is no longer free", offset)
	}

	// hand back the upper halves as we walk down to the requested order
	for current := sourceOrder; current > order; current-- {
		m.pushFree(offset+(1<<(current-1)), current-1)
	}

	m.allocations.Put(BlockAllocationHandle(offset), &buddyAllocation{
		order:         order,
		requestedSize: request.RequestedSize,
		userData:      userData,
	})

	memutils.DebugValidate(m)
	return nil
}

func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return errors.Wrapf(ErrUnknownAllocation, "offset %d", int(allocHandle))
	}
	m.allocations.Delete(allocHandle)
	m.release(int(allocHandle), alloc.order)

	memutils.DebugValidate(m)
	return nil
}

func (m *BuddyBlockMetadata) release(offset, order int) {
	for order < m.maxOrder {
		buddy := offset ^ (1 << order)
		buddyOrder, free := m.freeOrders.Get(buddy)
		if !free || buddyOrder != order || buddy+(1<<order) > m.size {
			break
		}

		m.removeFree(buddy, order)
		offset = min(offset, buddy)
		order++
	}

	m.pushFree(offset, order)
}

// Allocate reserves a block for size bytes at the requested alignment and returns its absolute offset.
// The boolean return is false when no block is large enough, including for zero-sized requests and
// requests larger than the region.
func (m *BuddyBlockMetadata) Allocate(size int, alignment uint) (int, bool) {
	success, request, err := m.CreateAllocationRequest(size, alignment, AllocationStrategyMinMemory)
	if err != nil || !success {
		return 0, false
	}

	err = m.Alloc(request, nil)
	if err != nil {
		return 0, false
	}

	return m.baseOffset + request.Item.Offset, true
}

// Deallocate returns the block at the absolute offset to the allocator. size and alignment must be the
// values the block was allocated with.
func (m *BuddyBlockMetadata) Deallocate(offset, size int, alignment uint) error {
	localOffset := offset - m.baseOffset
	order, ok := m.orderFor(size, alignment)
	if !ok {
		return errors.Newf("invalid deallocation of %d bytes with alignment %d", size, alignment)
	}

	alloc, found := m.allocations.Get(BlockAllocationHandle(localOffset))
	if !found {
		return errors.Wrapf(ErrUnknownAllocation, "offset %d", offset)
	}
	if alloc.order != order {
		return errors.Newf("allocation at offset %d has a block size of %d, but deallocation requested a block size of %d",
			offset, 1<<alloc.order, 1<<order)
	}

	return m.Free(BlockAllocationHandle(localOffset))
}

// AvailableSize is the sum of the sizes of all free blocks
func (m *BuddyBlockMetadata) AvailableSize() int {
	return m.sumFreeSize
}

func (m *BuddyBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocations.Count()
}

func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	return m.freeOrders.Count()
}

func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocations.Count() == 0
}

func (m *BuddyBlockMetadata) MayHaveFreeBlock(size int) bool {
	order, ok := m.orderFor(size, 1)
	if !ok {
		return false
	}

	for current := m.maxOrder; current >= order; current-- {
		if len(m.freeLists[current-m.minOrder]) > 0 {
			return true
		}
	}

	return false
}

func (m *BuddyBlockMetadata) Clear() {
	m.Init(m.size)
}

func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	_, ok := m.allocations.Get(allocHandle)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownAllocation, "offset %d", int(allocHandle))
	}
	return int(allocHandle), nil
}

// AllocationSize returns the block size of a live allocation
func (m *BuddyBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownAllocation, "offset %d", int(allocHandle))
	}
	return 1 << alloc.order, nil
}

func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAllocation, "offset %d", int(allocHandle))
	}
	return alloc.userData, nil
}

func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return errors.Wrapf(ErrUnknownAllocation, "offset %d", int(allocHandle))
	}
	alloc.userData = userData
	return nil
}

func (m *BuddyBlockMetadata) regions() []buddyRegion {
	regions := make([]buddyRegion, 0, m.freeOrders.Count()+m.allocations.Count())
	m.freeOrders.Iter(func(offset int, order int) bool {
		regions = append(regions, buddyRegion{offset: offset, order: order})
		return false
	})
	m.allocations.Iter(func(handle BlockAllocationHandle, alloc *buddyAllocation) bool {
		regions = append(regions, buddyRegion{offset: int(handle), order: alloc.order, allocation: alloc})
		return false
	})

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].offset < regions[j].offset
	})
	return regions
}

func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for _, region := range m.regions() {
		var userData any
		if region.allocation != nil {
			userData = region.allocation.userData
		}

		err := handleBlock(BlockAllocationHandle(region.offset), region.offset, 1<<region.order, userData, region.allocation == nil)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *BuddyBlockMetadata) Validate() error {
	listedCount := 0
	listedSize := 0
	for listIndex, list := range m.freeLists {
		order := listIndex + m.minOrder
		for i, offset := range list {
			if i > 0 && list[i-1] >= offset {
				return errors.Newf("free list for order %d is not sorted at offset %d", order, offset)
			}
			if offset%(1<<order) != 0 {
				return errors.Newf("free block at offset %d is not aligned to its size %d", offset, 1<<order)
			}
			mapOrder, ok := m.freeOrders.Get(offset)
			if !ok || mapOrder != order {
				return errors.Newf("free block at offset %d with order %d is missing from the free block index", offset, order)
			}

			buddy := offset ^ (1 << order)
			buddyOrder, buddyFree := m.freeOrders.Get(buddy)
			if order < m.maxOrder && buddyFree && buddyOrder == order && buddy+(1<<order) <= m.size {
				return errors.Newf("free buddies at offsets %d and %d were not merged", offset, buddy)
			}

			listedCount++
			listedSize += 1 << order
		}
	}

	if listedCount != m.freeOrders.Count() {
		return errors.Newf("the free block index has %d entries, but the free lists hold %d", m.freeOrders.Count(), listedCount)
	}
	if listedSize != m.sumFreeSize {
		return errors.Newf("the free size of the metadata is %d, but the free blocks only added up to %d", m.sumFreeSize, listedSize)
	}

	nextOffset := 0
	for _, region := range m.regions() {
		if region.offset != nextOffset {
			return errors.Newf("expected a region at offset %d, but the next region begins at %d", nextOffset, region.offset)
		}
		if region.offset%(1<<region.order) != 0 {
			return errors.Newf("region at offset %d is not aligned to its size %d", region.offset, 1<<region.order)
		}
		nextOffset += 1 << region.order
	}

	if nextOffset != m.size {
		return errors.Newf("the full size of the metadata is %d, but the regions only added up to %d", m.size, nextOffset)
	}

	return nil
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += m.size

	for _, region := range m.regions() {
		if region.allocation != nil {
			stats.AddAllocation(1 << region.order)
		} else {
			stats.AddUnusedRange(1 << region.order)
		}
	}
}

func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.HeapBytes += m.size
	stats.AllocationCount += m.allocations.Count()
	stats.AllocationBytes += m.size - m.sumFreeSize
}

func (m *BuddyBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.blockJsonData(json, m.sumFreeSize, m.allocations.Count(), m.freeOrders.Count())
	json.Name("BaseOffset").Int(m.baseOffset)
	json.Name("MinBlockSize").Int(m.minBlockSize)
	json.Name("MaxBlockSize").Int(m.MaxBlockSize())
}
