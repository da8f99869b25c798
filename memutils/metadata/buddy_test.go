package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils/metadata"
)

func TestBuddyThreeBuffers(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 8*1024, 256)
	require.NoError(t, err)

	first, ok := buddy.Allocate(1024, 1)
	require.True(t, ok)
	second, ok := buddy.Allocate(2048, 1)
	require.True(t, ok)
	third, ok := buddy.Allocate(1024, 1)
	require.True(t, ok)

	require.Equal(t, 0, first)
	require.Equal(t, 2048, second)
	require.Equal(t, 1024, third)
	require.Equal(t, 4*1024, buddy.AvailableSize())
	require.NoError(t, buddy.Validate())

	require.NoError(t, buddy.Deallocate(second, 2048, 1))
	require.Equal(t, 6*1024, buddy.AvailableSize())
	require.NoError(t, buddy.Validate())
}

func TestBuddyBasicStatistics(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 4096, 256)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			HeapBytes:       4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 4096,
		UnusedRangeSizeMax: 4096,
	}, stats)

	success, req, err := buddy.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 256, req.Size)
	require.Equal(t, metadata.AllocationRequestBuddySplit, req.Type)

	require.NoError(t, buddy.Alloc(req, "camera"))

	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			HeapBytes:       4096,
			AllocationCount: 1,
			AllocationBytes: 256,
		},
		UnusedRangeCount:   4,
		AllocationSizeMin:  256,
		AllocationSizeMax:  256,
		UnusedRangeSizeMin: 256,
		UnusedRangeSizeMax: 2048,
	}, stats)

	userData, err := buddy.AllocationUserData(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "camera", userData)

	require.NoError(t, buddy.Free(req.BlockAllocationHandle))
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 1, buddy.FreeRegionsCount())

	var flat memutils.Statistics
	buddy.AddStatistics(&flat)
	require.Equal(t, memutils.Statistics{HeapCount: 1, HeapBytes: 4096}, flat)
}

func TestBuddyRejectsInvalidRequests(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 8192, 256)
	require.NoError(t, err)

	_, ok := buddy.Allocate(0, 1)
	require.False(t, ok)

	_, ok = buddy.Allocate(8193, 1)
	require.False(t, ok)

	_, ok = buddy.Allocate(256, 16384)
	require.False(t, ok)

	_, _, err = buddy.CreateAllocationRequest(256, 3, metadata.AllocationStrategyMinMemory)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = metadata.NewBuddyAllocator(0, 8192, 300)
	require.Error(t, err)

	_, err = metadata.NewBuddyAllocator(0, 128, 256)
	require.Error(t, err)

	require.Equal(t, 8192, buddy.AvailableSize())
}

func TestBuddyExhaustion(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 4096, 1024)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, ok := buddy.Allocate(1000, 1)
		require.True(t, ok)
	}

	_, ok := buddy.Allocate(1, 1)
	require.False(t, ok)
	require.False(t, buddy.MayHaveFreeBlock(1))
	require.Equal(t, 0, buddy.AvailableSize())
}

func TestBuddyDeallocateUnknown(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 4096, 256)
	require.NoError(t, err)

	offset, ok := buddy.Allocate(512, 1)
	require.True(t, ok)

	err = buddy.Deallocate(offset+256, 512, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrUnknownAllocation))

	err = buddy.Deallocate(offset, 1024, 1)
	require.Error(t, err)

	require.NoError(t, buddy.Deallocate(offset, 512, 1))

	err = buddy.Deallocate(offset, 512, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrUnknownAllocation))
	require.Equal(t, 4096, buddy.AvailableSize())
}

func TestBuddyAlignment(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 1<<20, 256)
	require.NoError(t, err)

	alignments := []uint{1, 256, 512, 4096, 65536}
	for _, alignment := range alignments {
		for i := 0; i < 3; i++ {
			offset, ok := buddy.Allocate(100, alignment)
			require.True(t, ok)
			require.Zero(t, offset%int(alignment), "offset %d alignment %d", offset, alignment)
		}
	}

	require.NoError(t, buddy.Validate())
}

func TestBuddyBaseOffset(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(65536, 4096, 256)
	require.NoError(t, err)

	offset, ok := buddy.Allocate(256, 1)
	require.True(t, ok)
	require.Equal(t, 65536, offset)

	next, ok := buddy.Allocate(256, 1)
	require.True(t, ok)
	require.Equal(t, 65536+256, next)

	require.NoError(t, buddy.Deallocate(offset, 256, 1))
	require.NoError(t, buddy.Deallocate(next, 256, 1))
	require.Equal(t, 4096, buddy.AvailableSize())
	require.Equal(t, 1, buddy.FreeRegionsCount())
}

func TestBuddyNonPowerOfTwoRegion(t *testing.T) {
	_, err := metadata.NewBuddyAllocator(0, 12*1024+100, 1024)
	require.Error(t, err)

	buddy, err := metadata.NewBuddyAllocator(0, 12*1024, 1024)
	require.NoError(t, err)
	require.Equal(t, 12*1024, buddy.Size())
	require.Equal(t, 12*1024, buddy.AvailableSize())
	require.Equal(t, 2, buddy.FreeRegionsCount())

	large, ok := buddy.Allocate(8192, 1)
	require.True(t, ok)
	require.Equal(t, 0, large)

	tail, ok := buddy.Allocate(4096, 1)
	require.True(t, ok)
	require.Equal(t, 8192, tail)

	_, ok = buddy.Allocate(1024, 1)
	require.False(t, ok)

	require.NoError(t, buddy.Deallocate(tail, 4096, 1))
	require.NoError(t, buddy.Deallocate(large, 8192, 1))

	// the two top-level blocks are not buddies and must stay separate
	require.Equal(t, 2, buddy.FreeRegionsCount())
	require.Equal(t, 12*1024, buddy.AvailableSize())
	require.NoError(t, buddy.Validate())
}

func TestBuddyMinOffsetStrategy(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 4096, 256)
	require.NoError(t, err)

	first, ok := buddy.Allocate(1024, 1)
	require.True(t, ok)
	require.Equal(t, 0, first)

	second, ok := buddy.Allocate(256, 1)
	require.True(t, ok)
	require.Equal(t, 1024, second)

	require.NoError(t, buddy.Deallocate(first, 1024, 1))

	success, req, err := buddy.CreateAllocationRequest(256, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 1280, req.Item.Offset)
	require.Equal(t, metadata.AllocationRequestBuddyExact, req.Type)

	success, req, err = buddy.CreateAllocationRequest(256, 1, metadata.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Item.Offset)
	require.Equal(t, metadata.AllocationRequestBuddySplit, req.Type)

	require.NoError(t, buddy.Alloc(req, nil))
	require.NoError(t, buddy.Validate())

	// the request has been committed, so committing it twice must fail
	require.Error(t, buddy.Alloc(req, nil))
}

type liveBlock struct {
	offset    int
	size      int
	alignment uint
	blockSize int
}

func requireConservation(t *testing.T, buddy *metadata.BuddyBlockMetadata, live []liveBlock) {
	total := buddy.AvailableSize()
	for i, block := range live {
		total += block.blockSize
		for j := i + 1; j < len(live); j++ {
			other := live[j]
			disjoint := block.offset+block.blockSize <= other.offset || other.offset+other.blockSize <= block.offset
			require.True(t, disjoint, "blocks at %d and %d overlap", block.offset, other.offset)
		}
	}
	require.Equal(t, buddy.Size(), total)
}

func TestBuddyRandomizedConservation(t *testing.T) {
	const heapSize = 1 << 20
	rng := rand.New(rand.NewSource(12345))

	buddy, err := metadata.NewBuddyAllocator(0, heapSize, 256)
	require.NoError(t, err)

	var live []liveBlock
	for step := 0; step < 2000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			block := live[index]
			require.NoError(t, buddy.Deallocate(block.offset, block.size, block.alignment))
			live = append(live[:index], live[index+1:]...)
		} else {
			size := 1 + rng.Intn(32*1024)
			alignment := uint(1) << rng.Intn(10)
			offset, ok := buddy.Allocate(size, alignment)
			if ok {
				require.Zero(t, offset%int(alignment))
				live = append(live, liveBlock{
					offset:    offset,
					size:      size,
					alignment: alignment,
					blockSize: buddy.BlockSize(size, alignment),
				})
			}
		}

		if step%50 == 0 {
			require.NoError(t, buddy.Validate())
		}
		requireConservation(t, buddy, live)
	}

	rng.Shuffle(len(live), func(i, j int) {
		live[i], live[j] = live[j], live[i]
	})
	for _, block := range live {
		require.NoError(t, buddy.Deallocate(block.offset, block.size, block.alignment))
	}

	require.Equal(t, heapSize, buddy.AvailableSize())
	require.Equal(t, 1, buddy.FreeRegionsCount())
	require.NoError(t, buddy.Validate())
}

func TestBuddyRoundTrip(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 64*1024, 256)
	require.NoError(t, err)

	sizes := []int{300, 5000, 256, 1024, 777, 16384, 2048, 100}
	for round := 0; round < 10; round++ {
		offsets := make([]int, 0, len(sizes))
		for _, size := range sizes {
			offset, ok := buddy.Allocate(size, 1)
			require.True(t, ok)
			offsets = append(offsets, offset)
		}

		// free in reverse on even rounds, forward on odd rounds
		for i := range offsets {
			index := i
			if round%2 == 0 {
				index = len(offsets) - 1 - i
			}
			require.NoError(t, buddy.Deallocate(offsets[index], sizes[index], 1))
		}

		require.Equal(t, 64*1024, buddy.AvailableSize())
		require.Equal(t, 1, buddy.FreeRegionsCount())
	}
}

func TestBuddyVisitAllRegions(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 4096, 1024)
	require.NoError(t, err)

	_, ok := buddy.Allocate(1024, 1)
	require.True(t, ok)

	var offsets []int
	var frees []bool
	err = buddy.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		offsets = append(offsets, offset)
		frees = append(frees, free)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1024, 2048}, offsets)
	require.Equal(t, []bool{false, true, true}, frees)

	buddy.Clear()
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 4096, buddy.AvailableSize())
}

func TestBuddyBlockJsonData(t *testing.T) {
	buddy, err := metadata.NewBuddyAllocator(0, 8192, 256)
	require.NoError(t, err)

	_, ok := buddy.Allocate(1024, 1)
	require.True(t, ok)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	buddy.BlockJsonData(&obj)
	obj.End()

	require.JSONEq(t, `{
		"TotalBytes": 8192,
		"UnusedBytes": 7168,
		"Allocations": 1,
		"UnusedRanges": 3,
		"BaseOffset": 0,
		"MinBlockSize": 256,
		"MaxBlockSize": 8192
	}`, string(writer.Bytes()))
}
