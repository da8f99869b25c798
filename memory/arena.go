package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// arena pairs one heap with the buddy allocator tracking it
type arena struct {
	id     int
	kind   gpu.HeapKind
	heap   gpu.Heap
	logger *slog.Logger

	metadata *metadata.BuddyBlockMetadata
}

func (a *arena) Init(logger *slog.Logger, id int, heap gpu.Heap, minBlockSize int) error {
	if a.heap != nil {
		panic("attempting to initialize an arena that is already in use")
	}

	memutils.DebugCheckPow2(heap.Size(), "arena heap size")
	buddy, err := metadata.NewBuddyAllocator(0, heap.Size(), minBlockSize)
	if err != nil {
		return err
	}

	a.id = id
	a.kind = heap.Kind()
	a.heap = heap
	a.logger = logger
	a.metadata = buddy
	return nil
}

func (a *arena) Size() int { return a.metadata.Size() }

func (a *arena) Destroy() error {
	if !a.metadata.IsEmpty() {
		// Log all remaining allocations
		err := a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			a.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("%d allocations were not freed before the destruction of arena %d", a.metadata.AllocationCount(), a.id)
	}

	if a.heap == nil {
		panic("attempting to destroy an arena, but it did not have a backing heap")
	}

	err := a.heap.Destroy()
	a.heap = nil
	a.metadata = nil
	return err
}

func (a *arena) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	var custom any
	if allocation, ok := userData.(*Allocation); ok && allocation != nil {
		custom = allocation.UserData()
		if allocation.Name() != "" {
			name = allocation.Name()
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("arena", a.id),
		slog.String("kind", a.kind.String()),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", custom),
		slog.String("name", name),
	)
}

func (a *arena) Validate() error {
	if a.heap == nil {
		return errors.Newf("arena %d has no heap", a.id)
	}
	if a.metadata.Size() < 1 || a.metadata.Size() > a.heap.Size() {
		return errors.Newf("arena %d manages %d bytes of a %d byte heap", a.id, a.metadata.Size(), a.heap.Size())
	}

	err := a.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if free {
			return nil
		}

		if !isAllocation || allocation == nil {
			return errors.Newf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}
		if !allocation.valid || allocation.arenaID != a.id || allocation.heapOffset != offset || allocation.blockSize != size {
			return errors.Newf("the allocation object at offset %d does not describe its region of arena %d", offset, a.id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return a.metadata.Validate()
}
