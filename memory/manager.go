package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/internal/utils"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"golang.org/x/exp/slog"
)

const heapKindCount = 3

// Manager owns the arenas for every heap kind and is the single entry point for heap memory. Arenas
// are searched first-fit in creation order; when none can hold a request a new arena is created.
// Arena ids are small integers, recycled through a queue when arenas are retired.
type Manager struct {
	device      gpu.Device
	logger      *slog.Logger
	createFlags CreateFlags

	arenaSize     int
	minBlockSize  int
	maxHeapSize   int
	minArenaCount int

	mutex        utils.OptionalRWMutex
	lists        [heapKindCount]*arenaList
	arenas       []*arena
	availableIDs *queue.Queue

	insufficientMemory [heapKindCount]int
}

// ArenaInfo is a snapshot of one arena
type ArenaInfo struct {
	ID              int
	Kind            gpu.HeapKind
	Size            int
	AvailableSize   int
	AllocationCount int
}

// Statistics holds detailed statistics per heap kind, indexed by gpu.HeapKind, and their sum
type Statistics struct {
	Kinds [heapKindCount]memutils.DetailedStatistics
	Total memutils.DetailedStatistics
}

func (m *Manager) Device() gpu.Device   { return m.device }
func (m *Manager) Logger() *slog.Logger { return m.logger }

func (m *Manager) acquireArenaID() int {
	if m.availableIDs.Length() > 0 {
		return m.availableIDs.Remove().(int)
	}

	m.arenas = append(m.arenas, nil)
	return len(m.arenas) - 1
}

func (m *Manager) releaseArenaID(id int) {
	m.availableIDs.Add(id)
}

func (m *Manager) list(kind gpu.HeapKind) (*arenaList, error) {
	if kind < 0 || int(kind) >= len(m.lists) {
		return nil, errors.Newf("unknown heap kind %d", kind)
	}
	return m.lists[kind], nil
}

// Allocate reserves info.Size bytes of the requested heap kind. When no arena can hold the request a
// new one is created. Requests that no arena could ever hold fail with an error wrapping
// ErrInsufficientMemory. Allocate never blocks on the GPU.
func (m *Manager) Allocate(kind gpu.HeapKind, info AllocationInfo) (*Allocation, error) {
	list, err := m.list(kind)
	if err != nil {
		return nil, err
	}
	if info.Size <= 0 {
		return nil, errors.Newf("invalid allocation size %d", info.Size)
	}

	alignment := info.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err = memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "Manager::Allocate",
		slog.String("kind", kind.String()),
		slog.Int("size", info.Size),
		slog.Int("alignment", int(alignment)))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	alloc, err := list.Allocate(info, alignment)
	if errors.Is(err, ErrInsufficientMemory) {
		m.insufficientMemory[kind]++
	}
	return alloc, err
}

// Deallocate returns an allocation's block to its arena. An arena left empty is retired when its kind
// holds more than CreateOptions.MinArenaCount arenas. Deallocating a record twice, or a record from
// another manager, fails with an error marked ErrInvalidAllocation.
func (m *Manager) Deallocate(alloc *Allocation) error {
	if alloc == nil || !alloc.valid {
		return errors.Wrap(ErrInvalidAllocation, "allocation has already been released")
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "Manager::Deallocate",
		slog.Int("arena.id", alloc.arenaID),
		slog.Int("offset", alloc.heapOffset),
		slog.Int("size", alloc.size))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if alloc.arenaID < 0 || alloc.arenaID >= len(m.arenas) || m.arenas[alloc.arenaID] == nil {
		return errors.Wrapf(ErrInvalidAllocation, "arena %d does not exist", alloc.arenaID)
	}

	target := m.arenas[alloc.arenaID]
	if target.heap != alloc.heap || target.kind != alloc.kind {
		return errors.Wrapf(ErrInvalidAllocation, "allocation does not belong to arena %d", alloc.arenaID)
	}

	return m.lists[target.kind].Free(target, alloc)
}

// ArenaCount returns the number of live arenas of the provided kind
func (m *Manager) ArenaCount(kind gpu.HeapKind) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	list, err := m.list(kind)
	if err != nil {
		return 0
	}
	return list.ArenaCount()
}

// Arenas returns a snapshot of the live arenas of the provided kind in creation order
func (m *Manager) Arenas(kind gpu.HeapKind) []ArenaInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	list, err := m.list(kind)
	if err != nil {
		return nil
	}

	infos := make([]ArenaInfo, 0, len(list.arenas))
	for _, current := range list.arenas {
		infos = append(infos, ArenaInfo{
			ID:              current.id,
			Kind:            kind,
			Size:            current.Size(),
			AvailableSize:   current.metadata.AvailableSize(),
			AllocationCount: current.metadata.AllocationCount(),
		})
	}
	return infos
}

// InsufficientMemoryCount returns the number of requests of the provided kind that failed with
// ErrInsufficientMemory
func (m *Manager) InsufficientMemoryCount(kind gpu.HeapKind) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if _, err := m.list(kind); err != nil {
		return 0
	}
	return m.insufficientMemory[kind]
}

// HeapStatistics sums the arenas and live allocations of one heap kind without visiting free regions
func (m *Manager) HeapStatistics(kind gpu.HeapKind) memutils.Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats memutils.Statistics
	list, err := m.list(kind)
	if err != nil {
		return stats
	}

	list.AddStatistics(&stats)
	return stats
}

func (m *Manager) CalculateStatistics() *Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.calculateStatistics()
}

func (m *Manager) calculateStatistics() *Statistics {
	stats := &Statistics{}
	stats.Total.Clear()

	for kind, list := range m.lists {
		stats.Kinds[kind].Clear()
		list.AddDetailedStatistics(&stats.Kinds[kind])
		stats.Total.AddDetailedStatistics(&stats.Kinds[kind])
	}

	return stats
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("HeapCount").Int(stats.HeapCount)
	json.Name("HeapBytes").Int(stats.HeapBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// PrintDetailedMap writes every arena and every region within it as a json object
func (m *Manager) PrintDetailedMap(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := m.calculateStatistics()

	obj := writer.Object()
	defer obj.End()

	totalObj := obj.Name("Total").Object()
	printStatistics(&totalObj, &stats.Total)
	totalObj.End()

	kindsObj := obj.Name("Kinds").Object()
	for kind, list := range m.lists {
		kindObj := kindsObj.Name(list.kind.String()).Object()

		statsObj := kindObj.Name("Stats").Object()
		printStatistics(&statsObj, &stats.Kinds[kind])
		statsObj.End()

		arenasObj := kindObj.Name("Arenas").Object()
		list.PrintDetailedMap(&arenasObj)
		arenasObj.End()

		kindObj.End()
	}
	kindsObj.End()
}

// Validate checks every arena and the allocation records inside it
func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	liveArenas := 0
	for _, list := range m.lists {
		for _, current := range list.arenas {
			if current.id >= len(m.arenas) || m.arenas[current.id] != current {
				return errors.Newf("arena %d is not registered under its id", current.id)
			}
			if current.kind != list.kind {
				return errors.Newf("arena %d of kind %s is listed under %s", current.id, current.kind, list.kind)
			}

			err := current.Validate()
			if err != nil {
				return errors.Wrapf(err, "arena %d", current.id)
			}
			liveArenas++
		}
	}

	if liveArenas+m.availableIDs.Length() != len(m.arenas) {
		return errors.Newf("%d live arenas and %d available ids do not account for %d arena ids",
			liveArenas, m.availableIDs.Length(), len(m.arenas))
	}

	return nil
}

// Destroy releases every arena. If any allocation is still live it is logged and an error is returned;
// the heaps holding live allocations are not destroyed.
func (m *Manager) Destroy() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var err error
	for _, list := range m.lists {
		err = errors.CombineErrors(err, list.Destroy())
	}

	m.arenas = nil
	m.availableIDs = queue.New()
	return err
}
