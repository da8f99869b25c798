package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

var arenaPool = sync.Pool{
	New: func() any {
		return &arena{}
	},
}

// arenaList holds the arenas of one heap kind in creation order. It is guarded by the manager's mutex.
type arenaList struct {
	kind    gpu.HeapKind
	manager *Manager
	arenas  []*arena
}

func (l *arenaList) ArenaCount() int { return len(l.arenas) }

func (l *arenaList) blockSize(size int, alignment uint) int {
	return max(memutils.NextPow2(size), l.manager.minBlockSize, memutils.NextPow2(int(alignment)))
}

func (l *arenaList) Allocate(info AllocationInfo, alignment uint) (*Allocation, error) {
	m := l.manager
	blockSize := l.blockSize(info.Size, alignment)
	largestArena := memutils.PrevPow2(m.maxHeapSize)
	if blockSize > largestArena {
		return nil, errors.Wrapf(ErrInsufficientMemory,
			"a %d byte %s request needs a %d byte block, but arenas are limited to %d bytes",
			info.Size, l.kind, blockSize, largestArena)
	}

	// 1. First fit across existing arenas
	for _, current := range l.arenas {
		if !current.metadata.MayHaveFreeBlock(blockSize) {
			continue
		}

		success, request, err := current.metadata.CreateAllocationRequest(info.Size, alignment, metadata.AllocationStrategyMinMemory)
		if err != nil {
			return nil, err
		} else if success {
			m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing arena", slog.Int("arena.id", current.id))
			return l.commit(current, request, info, alignment)
		}
	}

	// 2. Grow
	newArena, err := l.CreateArena(l.nextArenaSize(blockSize))
	if err != nil {
		return nil, err
	}

	success, request, err := newArena.metadata.CreateAllocationRequest(info.Size, alignment, metadata.AllocationStrategyMinMemory)
	if err != nil {
		return nil, err
	} else if !success {
		return nil, errors.AssertionFailedf("a new %d byte arena could not satisfy a %d byte block", newArena.Size(), blockSize)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new arena", slog.Int("arena.id", newArena.id))
	return l.commit(newArena, request, info, alignment)
}

// nextArenaSize is the larger of the default arena size, the request's block size, and twice the
// largest existing arena, capped at the maximum heap size
func (l *arenaList) nextArenaSize(blockSize int) int {
	m := l.manager
	size := max(m.arenaSize, blockSize)

	if m.createFlags&ManagerCreateFixedArenaSize == 0 {
		for _, current := range l.arenas {
			size = max(size, current.Size()*2)
		}
	}

	return min(size, memutils.PrevPow2(m.maxHeapSize))
}

func (l *arenaList) CreateArena(size int) (*arena, error) {
	m := l.manager

	heap, err := m.device.CreateHeap(l.kind, size)
	if err != nil {
		return nil, errors.Wrapf(err, "creating a %d byte %s heap", size, l.kind)
	}

	id := m.acquireArenaID()
	newArena := arenaPool.Get().(*arena)
	err = newArena.Init(m.logger, id, heap, m.minBlockSize)
	if err != nil {
		m.releaseArenaID(id)
		arenaPool.Put(newArena)
		return nil, errors.CombineErrors(err, heap.Destroy())
	}

	m.arenas[id] = newArena
	l.arenas = append(l.arenas, newArena)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created arena",
		slog.Int("arena.id", id),
		slog.String("kind", l.kind.String()),
		slog.Int("size", size))

	return newArena, nil
}

func (l *arenaList) commit(target *arena, request metadata.AllocationRequest, info AllocationInfo, alignment uint) (*Allocation, error) {
	alloc := &Allocation{
		heapOffset: request.Item.Offset,
		heap:       target.heap,
		size:       info.Size,
		blockSize:  request.Size,
		alignment:  alignment,
		arenaID:    target.id,
		kind:       l.kind,
		valid:      true,
		name:       info.Name,
	}

	err := target.metadata.Alloc(request, alloc)
	if err != nil {
		return nil, err
	}

	memutils.DebugCheckAligned(alloc.heapOffset, alignment)
	memutils.DebugValidate(target)

	return alloc, nil
}

func (l *arenaList) Free(target *arena, alloc *Allocation) error {
	err := target.metadata.Deallocate(alloc.heapOffset, alloc.size, alloc.alignment)
	if err != nil {
		return errors.Mark(err, ErrInvalidAllocation)
	}
	alloc.valid = false
	memutils.DebugValidate(target)

	if target.metadata.IsEmpty() && l.shouldRetire() {
		return l.retire(target)
	}

	return nil
}

func (l *arenaList) shouldRetire() bool {
	return l.manager.createFlags&ManagerCreateKeepEmptyArenas == 0 && len(l.arenas) > l.manager.minArenaCount
}

func (l *arenaList) retire(target *arena) error {
	l.remove(target)

	m := l.manager
	id := target.id
	size := target.Size()
	m.arenas[id] = nil

	err := target.Destroy()
	m.releaseArenaID(id)
	arenaPool.Put(target)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Retired arena",
		slog.Int("arena.id", id),
		slog.String("kind", l.kind.String()),
		slog.Int("size", size))

	return err
}

func (l *arenaList) remove(target *arena) {
	for index := 0; index < len(l.arenas); index++ {
		if l.arenas[index] == target {
			l.arenas = append(l.arenas[:index], l.arenas[index+1:]...)
			return
		}
	}

	panic("attempted to remove an arena from a list that did not own it")
}

func (l *arenaList) Destroy() error {
	var err error
	for _, current := range l.arenas {
		l.manager.arenas[current.id] = nil
		destroyErr := current.Destroy()
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			continue
		}
		arenaPool.Put(current)
	}
	l.arenas = nil
	return err
}

func (l *arenaList) AddStatistics(stats *memutils.Statistics) {
	for _, current := range l.arenas {
		current.metadata.AddStatistics(stats)
	}
}

func (l *arenaList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, current := range l.arenas {
		current.metadata.AddDetailedStatistics(stats)
	}
}

func (l *arenaList) PrintDetailedMap(json *jwriter.ObjectState) {
	for _, current := range l.arenas {
		arenaObj := json.Name(strconv.Itoa(current.id)).Object()

		current.metadata.BlockJsonData(&arenaObj)
		l.printDetailedMapAllocations(current.metadata, &arenaObj)

		arenaObj.End()
	}
}

func (l *arenaList) printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
