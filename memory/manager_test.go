package memory_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu/mocks"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu/soft"
	"github.com/vkngwrapper/arsenal/gpuheap/memory"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"go.uber.org/mock/gomock"
)

func newManager(t *testing.T, options memory.CreateOptions) (*memory.Manager, *soft.Device) {
	device := soft.NewDevice(soft.Options{})
	manager, err := memory.New(device, options)
	require.NoError(t, err)
	return manager, device
}

func TestManagerCreatesArenaLargeEnoughForRequest(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{DefaultArenaSize: 64 * 1024})

	alloc, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{
		Size:      200 * 1024,
		Alignment: 256,
	})
	require.NoError(t, err)
	require.True(t, alloc.IsValid())
	require.Equal(t, 0, alloc.HeapOffset())
	require.Equal(t, 200*1024, alloc.Size())
	require.Equal(t, 256*1024, alloc.BlockSize())
	require.Equal(t, gpu.HeapKindDeviceLocal, alloc.Kind())

	require.Equal(t, 1, manager.ArenaCount(gpu.HeapKindDeviceLocal))
	require.Equal(t, []memory.ArenaInfo{
		{ID: 0, Kind: gpu.HeapKindDeviceLocal, Size: 256 * 1024, AvailableSize: 0, AllocationCount: 1},
	}, manager.Arenas(gpu.HeapKindDeviceLocal))
	require.Equal(t, 1, device.HeapCount())
	require.Equal(t, 256*1024, alloc.Heap().Size())
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.Deallocate(alloc))
	require.NoError(t, manager.Destroy())
	require.Equal(t, 0, device.HeapCount())
}

func TestManagerGrowthPreservesExistingAllocations(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{DefaultArenaSize: 64 * 1024})

	first, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 32 * 1024})
	require.NoError(t, err)
	require.Equal(t, 0, first.ArenaID())
	firstHeap := first.Heap()

	second, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 48 * 1024})
	require.NoError(t, err)
	require.Equal(t, 1, second.ArenaID())
	require.Equal(t, 0, second.HeapOffset())
	require.Equal(t, 2, device.HeapCount())

	require.True(t, first.IsValid())
	require.Equal(t, 0, first.HeapOffset())
	require.Same(t, firstHeap, first.Heap())
	require.NotSame(t, first.Heap(), second.Heap())

	require.Equal(t, []memory.ArenaInfo{
		{ID: 0, Kind: gpu.HeapKindDeviceLocal, Size: 64 * 1024, AvailableSize: 32 * 1024, AllocationCount: 1},
		{ID: 1, Kind: gpu.HeapKindDeviceLocal, Size: 128 * 1024, AvailableSize: 64 * 1024, AllocationCount: 1},
	}, manager.Arenas(gpu.HeapKindDeviceLocal))
	require.NoError(t, manager.Validate())

	// Small requests still land in the first arena
	third, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1024})
	require.NoError(t, err)
	require.Equal(t, 0, third.ArenaID())
	require.Equal(t, 2, device.HeapCount())

	require.NoError(t, manager.Deallocate(first))
	require.NoError(t, manager.Deallocate(second))
	require.NoError(t, manager.Deallocate(third))
	require.NoError(t, manager.Destroy())
}

func TestManagerFixedArenaSize(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{
		DefaultArenaSize: 64 * 1024,
		Flags:            memory.ManagerCreateFixedArenaSize,
	})

	for i := 0; i < 3; i++ {
		_, err := manager.Allocate(gpu.HeapKindUpload, memory.AllocationInfo{Size: 64 * 1024})
		require.NoError(t, err)
	}

	arenas := manager.Arenas(gpu.HeapKindUpload)
	require.Len(t, arenas, 3)
	for _, arena := range arenas {
		require.Equal(t, 64*1024, arena.Size)
	}
}

func TestManagerRetiresEmptyArenasAndReusesIDs(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{DefaultArenaSize: 64 * 1024})

	a, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)
	b, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)
	require.Equal(t, 0, a.ArenaID())
	require.Equal(t, 1, b.ArenaID())
	require.Equal(t, 2, device.HeapCount())

	require.NoError(t, manager.Deallocate(b))
	require.False(t, b.IsValid())
	require.Equal(t, 1, manager.ArenaCount(gpu.HeapKindDeviceLocal))
	require.Equal(t, 1, device.HeapCount())
	require.NoError(t, manager.Validate())

	c, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)
	require.Equal(t, 1, c.ArenaID())
	require.Equal(t, 2, device.HeapCount())

	require.NoError(t, manager.Deallocate(a))
	require.Equal(t, 1, manager.ArenaCount(gpu.HeapKindDeviceLocal))
	require.Equal(t, 1, manager.Arenas(gpu.HeapKindDeviceLocal)[0].ID)

	// The last arena of a kind is kept when it empties
	require.NoError(t, manager.Deallocate(c))
	require.Equal(t, 1, manager.ArenaCount(gpu.HeapKindDeviceLocal))
	require.Equal(t, 1, device.HeapCount())
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.Destroy())
	require.Equal(t, 0, device.HeapCount())
}

func TestManagerKeepEmptyArenas(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{
		DefaultArenaSize: 64 * 1024,
		Flags:            memory.ManagerCreateKeepEmptyArenas,
	})

	a, err := manager.Allocate(gpu.HeapKindReadback, memory.AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)
	b, err := manager.Allocate(gpu.HeapKindReadback, memory.AllocationInfo{Size: 64 * 1024})
	require.NoError(t, err)

	require.NoError(t, manager.Deallocate(a))
	require.NoError(t, manager.Deallocate(b))
	require.Equal(t, 2, manager.ArenaCount(gpu.HeapKindReadback))
	require.Equal(t, 2, device.HeapCount())

	require.NoError(t, manager.Destroy())
	require.Equal(t, 0, device.HeapCount())
}

func TestManagerMinArenaCount(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{
		DefaultArenaSize: 64 * 1024,
		MinArenaCount:    2,
	})

	allocs := make([]*memory.Allocation, 0, 3)
	for i := 0; i < 3; i++ {
		alloc, err := manager.Allocate(gpu.HeapKindUpload, memory.AllocationInfo{Size: 64 * 1024})
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	require.Equal(t, 3, manager.ArenaCount(gpu.HeapKindUpload))

	for _, alloc := range allocs {
		require.NoError(t, manager.Deallocate(alloc))
	}
	require.Equal(t, 2, manager.ArenaCount(gpu.HeapKindUpload))
	require.NoError(t, manager.Validate())
}

func TestManagerNoMinArenaCount(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{
		DefaultArenaSize: 64 * 1024,
		MinArenaCount:    memory.NoMinArenaCount,
	})

	alloc, err := manager.Allocate(gpu.HeapKindReadback, memory.AllocationInfo{Size: 1024})
	require.NoError(t, err)
	require.Equal(t, 1, manager.ArenaCount(gpu.HeapKindReadback))

	require.NoError(t, manager.Deallocate(alloc))
	require.Equal(t, 0, manager.ArenaCount(gpu.HeapKindReadback))
	require.Equal(t, 0, device.HeapCount())
	require.NoError(t, manager.Validate())
}

func TestManagerInsufficientMemory(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{
		DefaultArenaSize: 64 * 1024,
		MaxHeapSize:      1024 * 1024,
	})

	_, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1024*1024 + 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, memory.ErrInsufficientMemory))
	require.False(t, gpu.IsFatal(err))
	require.Equal(t, 0, device.HeapCount())
	require.Equal(t, 1, manager.InsufficientMemoryCount(gpu.HeapKindDeviceLocal))
	require.Equal(t, 0, manager.InsufficientMemoryCount(gpu.HeapKindUpload))

	// A request at the cap still succeeds
	alloc, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1024 * 1024})
	require.NoError(t, err)
	require.Equal(t, 1024*1024, alloc.Heap().Size())
}

func TestManagerInvalidRequests(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{})

	_, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 0})
	require.Error(t, err)

	_, err = manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 16, Alignment: 3})
	require.Error(t, err)

	_, err = manager.Allocate(gpu.HeapKind(7), memory.AllocationInfo{Size: 16})
	require.Error(t, err)

	require.Equal(t, 0, manager.ArenaCount(gpu.HeapKindDeviceLocal))
}

func TestManagerAlignment(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{DefaultArenaSize: 64 * 1024})

	alignments := []uint{1, 256, 4096, 512, 8192, 256}
	for _, alignment := range alignments {
		alloc, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 100, Alignment: alignment})
		require.NoError(t, err)
		require.Zero(t, alloc.HeapOffset()%int(alignment))
		require.Equal(t, alignment, alloc.Alignment())
	}
	require.NoError(t, manager.Validate())
}

func TestManagerDoubleDeallocate(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{})
	other, _ := newManager(t, memory.CreateOptions{})

	alloc, err := manager.Allocate(gpu.HeapKindUpload, memory.AllocationInfo{Size: 512})
	require.NoError(t, err)

	err = other.Deallocate(alloc)
	require.True(t, errors.Is(err, memory.ErrInvalidAllocation))
	require.True(t, alloc.IsValid())

	require.NoError(t, manager.Deallocate(alloc))
	err = manager.Deallocate(alloc)
	require.True(t, errors.Is(err, memory.ErrInvalidAllocation))

	err = manager.Deallocate(nil)
	require.True(t, errors.Is(err, memory.ErrInvalidAllocation))
	require.NoError(t, manager.Validate())
}

func TestManagerDestroyReportsLeaks(t *testing.T) {
	manager, device := newManager(t, memory.CreateOptions{})

	alloc, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 512, Name: "leaked"})
	require.NoError(t, err)
	require.Equal(t, "leaked", alloc.Name())

	require.Error(t, manager.Destroy())
	require.Equal(t, 1, device.HeapCount())
}

func TestManagerDeviceOutOfMemoryIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().Limits().Return(gpu.Limits{MaxHeapSize: 1 << 20, BufferPlacementAlignment: 256}).AnyTimes()
	device.EXPECT().CreateHeap(gpu.HeapKindUpload, 1<<16).Return(nil, errors.Wrap(gpu.ErrDeviceOutOfMemory, "out of budget"))

	manager, err := memory.New(device, memory.CreateOptions{DefaultArenaSize: 1 << 16})
	require.NoError(t, err)

	_, err = manager.Allocate(gpu.HeapKindUpload, memory.AllocationInfo{Size: 1000})
	require.Error(t, err)
	require.True(t, gpu.IsFatal(err))
	require.False(t, errors.Is(err, memory.ErrInsufficientMemory))
	require.Equal(t, 0, manager.ArenaCount(gpu.HeapKindUpload))
	require.NoError(t, manager.Validate())
}

func TestManagerDestroysRetiredHeaps(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := mocks.NewMockHeap(ctrl)
	first.EXPECT().Size().Return(1 << 16).AnyTimes()
	first.EXPECT().Kind().Return(gpu.HeapKindDeviceLocal).AnyTimes()
	second := mocks.NewMockHeap(ctrl)
	second.EXPECT().Size().Return(1 << 17).AnyTimes()
	second.EXPECT().Kind().Return(gpu.HeapKindDeviceLocal).AnyTimes()

	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().Limits().Return(gpu.Limits{MaxHeapSize: 1 << 20}).AnyTimes()
	gomock.InOrder(
		device.EXPECT().CreateHeap(gpu.HeapKindDeviceLocal, 1<<16).Return(first, nil),
		device.EXPECT().CreateHeap(gpu.HeapKindDeviceLocal, 1<<17).Return(second, nil),
	)

	manager, err := memory.New(device, memory.CreateOptions{DefaultArenaSize: 1 << 16})
	require.NoError(t, err)

	a, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1 << 16})
	require.NoError(t, err)
	b, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1 << 16})
	require.NoError(t, err)
	require.Same(t, second, b.Heap())

	second.EXPECT().Destroy().Return(nil)
	require.NoError(t, manager.Deallocate(b))

	require.NoError(t, manager.Deallocate(a))
	first.EXPECT().Destroy().Return(nil)
	require.NoError(t, manager.Destroy())
}

func TestManagerStatistics(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{DefaultArenaSize: 4096, MinBlockSize: 1024})

	_, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1000})
	require.NoError(t, err)
	_, err = manager.Allocate(gpu.HeapKindUpload, memory.AllocationInfo{Size: 3000})
	require.NoError(t, err)

	stats := manager.CalculateStatistics()
	require.Equal(t, 1, stats.Kinds[gpu.HeapKindDeviceLocal].HeapCount)
	require.Equal(t, 1024, stats.Kinds[gpu.HeapKindDeviceLocal].AllocationBytes)
	require.Equal(t, 2, stats.Kinds[gpu.HeapKindDeviceLocal].UnusedRangeCount)
	require.Equal(t, 4096, stats.Kinds[gpu.HeapKindUpload].AllocationBytes)
	require.Equal(t, 0, stats.Kinds[gpu.HeapKindReadback].HeapCount)

	require.Equal(t, 2, stats.Total.HeapCount)
	require.Equal(t, 8192, stats.Total.HeapBytes)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 5120, stats.Total.AllocationBytes)
	require.Equal(t, 1024, stats.Total.AllocationSizeMin)
	require.Equal(t, 4096, stats.Total.AllocationSizeMax)
	require.Equal(t, 3072, stats.Total.UnusedBytes())

	upload := manager.HeapStatistics(gpu.HeapKindUpload)
	require.Equal(t, stats.Kinds[gpu.HeapKindUpload].Statistics, upload)
	require.Zero(t, upload.UnusedBytes())
	require.Equal(t, memutils.Statistics{}, manager.HeapStatistics(gpu.HeapKind(7)))
}

func TestManagerPrintDetailedMap(t *testing.T) {
	manager, _ := newManager(t, memory.CreateOptions{DefaultArenaSize: 4096, MinBlockSize: 1024})

	_, err := manager.Allocate(gpu.HeapKindDeviceLocal, memory.AllocationInfo{Size: 1000, Alignment: 256, Name: "constants"})
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	manager.PrintDetailedMap(&writer)

	emptyKind := `{
		"Stats": {"HeapCount": 0, "HeapBytes": 0, "AllocationCount": 0, "AllocationBytes": 0, "UnusedRangeCount": 0},
		"Arenas": {}
	}`
	stats := `{
		"HeapCount": 1,
		"HeapBytes": 4096,
		"AllocationCount": 1,
		"AllocationBytes": 1024,
		"UnusedRangeCount": 2,
		"AllocationSizeMin": 1024,
		"AllocationSizeMax": 1024,
		"UnusedRangeSizeMin": 1024,
		"UnusedRangeSizeMax": 2048
	}`

	require.JSONEq(t, `{
		"Total": `+stats+`,
		"Kinds": {
			"DeviceLocal": {
				"Stats": `+stats+`,
				"Arenas": {
					"0": {
						"TotalBytes": 4096,
						"UnusedBytes": 3072,
						"Allocations": 1,
						"UnusedRanges": 2,
						"BaseOffset": 0,
						"MinBlockSize": 1024,
						"MaxBlockSize": 4096,
						"Suballocations": [
							{"Offset": 0, "Size": 1000, "BlockSize": 1024, "Alignment": 256, "Name": "constants"},
							{"Offset": 1024, "Type": "Free", "Size": 1024},
							{"Offset": 2048, "Type": "Free", "Size": 2048}
						]
					}
				}
			},
			"Upload": `+emptyKind+`,
			"Readback": `+emptyKind+`
		}
	}`, string(writer.Bytes()))
}

func TestNewManagerValidatesOptions(t *testing.T) {
	device := soft.NewDevice(soft.Options{})

	_, err := memory.New(device, memory.CreateOptions{DefaultArenaSize: 3000})
	require.Error(t, err)

	_, err = memory.New(device, memory.CreateOptions{MinBlockSize: 100})
	require.Error(t, err)

	_, err = memory.New(device, memory.CreateOptions{MinArenaCount: -2})
	require.Error(t, err)

	_, err = memory.New(nil, memory.CreateOptions{})
	require.Error(t, err)

	flags := (memory.ManagerCreateFixedArenaSize | memory.ManagerCreateKeepEmptyArenas).String()
	require.Contains(t, flags, "ManagerCreateFixedArenaSize")
	require.Contains(t, flags, "ManagerCreateKeepEmptyArenas")
}
