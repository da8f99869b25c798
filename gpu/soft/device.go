// Package soft is an in-process graphics device. Heaps are host byte slices, queues execute command
// lists on their own goroutine in submission order, and fences are monotonic counters. It backs the
// tests of the memory and upload layers and headless tools that need the full device contract.
package soft

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"golang.org/x/exp/slog"
)

// DefaultLimits are used when Options.Limits is left empty
var DefaultLimits = gpu.Limits{
	BufferPlacementAlignment:  256,
	TexturePlacementAlignment: 4096,
	TextureRowPitchAlignment:  256,
	TextureOffsetAlignment:    512,
	MaxHeapSize:               256 * 1024 * 1024,
}

type Options struct {
	// Limits overrides DefaultLimits when MaxHeapSize is nonzero
	Limits gpu.Limits
	// HeapBudget is the number of bytes all live heaps may occupy together. Heap creation beyond the
	// budget fails with gpu.ErrDeviceOutOfMemory. 0 means no budget.
	HeapBudget int
	Logger     *slog.Logger
}

// Device implements gpu.Device along with queue and fence creation
type Device struct {
	limits gpu.Limits
	budget int
	logger *slog.Logger

	mutex      sync.Mutex
	heaps      *swiss.Map[uint64, *Heap]
	nextHeapID uint64
	usage      int
	queues     []*Queue

	lost       atomic.Bool
	lostSignal chan struct{}
	lostOnce   sync.Once
}

var _ gpu.Device = &Device{}

func NewDevice(options Options) *Device {
	limits := options.Limits
	if limits.MaxHeapSize == 0 {
		limits = DefaultLimits
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	return &Device{
		limits:     limits,
		budget:     options.HeapBudget,
		logger:     logger,
		heaps:      swiss.NewMap[uint64, *Heap](42),
		nextHeapID: 1,
		lostSignal: make(chan struct{}),
	}
}

func (d *Device) Limits() gpu.Limits { return d.limits }

// Lost returns true once Remove has been called or a queue faulted
func (d *Device) Lost() bool { return d.lost.Load() }

// Remove simulates device removal. Every pending and future fence wait fails with gpu.ErrDeviceLost,
// queued work is dropped, and creation calls fail.
func (d *Device) Remove() {
	d.remove(errors.New("device removed by caller"))
}

func (d *Device) remove(reason error) {
	d.lostOnce.Do(func() {
		d.lost.Store(true)
		close(d.lostSignal)
		d.logger.LogAttrs(context.Background(), slog.LevelError, "graphics device removed", slog.Any("reason", reason))
	})
}

// HeapCount is the number of live heaps
func (d *Device) HeapCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.heaps.Count()
}

// BytesInUse is the total size of all live heaps
func (d *Device) BytesInUse() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.usage
}

func (d *Device) CreateHeap(kind gpu.HeapKind, size int) (gpu.Heap, error) {
	if d.Lost() {
		return nil, gpu.ErrDeviceLost
	}
	if size <= 0 || size > d.limits.MaxHeapSize {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "heap size %d is outside the range (0, %d]", size, d.limits.MaxHeapSize)
	}
	if _, known := heapKindNames[kind]; !known {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "unknown heap kind %d", kind)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.budget > 0 && d.usage+size > d.budget {
		return nil, errors.Wrapf(gpu.ErrDeviceOutOfMemory, "creating a %d byte heap with %d of %d bytes in use", size, d.usage, d.budget)
	}

	heap := &Heap{
		device: d,
		id:     d.nextHeapID,
		kind:   kind,
		data:   make([]byte, size),
	}
	d.nextHeapID++
	d.usage += size
	d.heaps.Put(heap.id, heap)

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::CreateHeap",
		slog.Uint64("heap.id", heap.id),
		slog.String("kind", kind.String()),
		slog.Int("size", size))

	return heap, nil
}

func (d *Device) destroyHeap(heap *Heap) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.heaps.Delete(heap.id) {
		return errors.Wrapf(gpu.ErrInvalidCall, "heap %d was already destroyed", heap.id)
	}
	d.usage -= len(heap.data)

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::DestroyHeap", slog.Uint64("heap.id", heap.id))
	return nil
}

func (d *Device) liveHeap(heap gpu.Heap) (*Heap, error) {
	softHeap, ok := heap.(*Heap)
	if !ok || softHeap.device != d {
		return nil, errors.Wrap(gpu.ErrInvalidCall, "heap was not created by this device")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, live := d.heaps.Get(softHeap.id); !live {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "heap %d has been destroyed", softHeap.id)
	}
	return softHeap, nil
}

func (d *Device) CreatePlacedBuffer(heap gpu.Heap, offset int, desc gpu.BufferDesc) (gpu.PlacedBuffer, error) {
	if d.Lost() {
		return nil, gpu.ErrDeviceLost
	}
	softHeap, err := d.liveHeap(heap)
	if err != nil {
		return nil, err
	}

	err = d.checkPlacement(softHeap, offset, desc.Size, d.limits.BufferPlacementAlignment)
	if err != nil {
		return nil, err
	}
	err = gpu.CheckInitialState(softHeap.kind, desc.State)
	if err != nil {
		return nil, err
	}

	return &Buffer{
		heap:   softHeap,
		offset: offset,
		size:   desc.Size,
		state:  desc.State,
	}, nil
}

func (d *Device) CreatePlacedTexture(heap gpu.Heap, offset int, desc gpu.TextureDesc) (gpu.PlacedTexture, error) {
	if d.Lost() {
		return nil, gpu.ErrDeviceLost
	}
	softHeap, err := d.liveHeap(heap)
	if err != nil {
		return nil, err
	}
	if softHeap.kind != gpu.HeapKindDeviceLocal {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "textures cannot be placed in %s heaps", softHeap.kind)
	}
	if desc.Width <= 0 || desc.Height <= 0 || desc.Format.BytesPerPixel() == 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "invalid texture %dx%d with format %s", desc.Width, desc.Height, desc.Format)
	}

	size := gpu.TextureAllocationSize(desc, d.limits)
	err = d.checkPlacement(softHeap, offset, size, d.limits.TexturePlacementAlignment)
	if err != nil {
		return nil, err
	}

	return &Texture{
		heap:   softHeap,
		offset: offset,
		size:   size,
		desc:   desc,
		limits: d.limits,
	}, nil
}

func (d *Device) checkPlacement(heap *Heap, offset, size int, alignment uint) error {
	if size <= 0 {
		return errors.Wrapf(gpu.ErrInvalidCall, "invalid resource size %d", size)
	}
	if offset < 0 || offset%int(alignment) != 0 {
		return errors.Wrapf(gpu.ErrInvalidCall, "offset %d is not aligned to %d", offset, alignment)
	}
	if offset+size > len(heap.data) {
		return errors.Wrapf(gpu.ErrInvalidCall, "resource of %d bytes at offset %d does not fit in a %d byte heap", size, offset, len(heap.data))
	}
	return nil
}

// CreateQueue starts a queue whose goroutine runs until Close or Device.Close
func (d *Device) CreateQueue() (*Queue, error) {
	if d.Lost() {
		return nil, gpu.ErrDeviceLost
	}

	queue := newQueue(d)

	d.mutex.Lock()
	d.queues = append(d.queues, queue)
	d.mutex.Unlock()

	return queue, nil
}

func (d *Device) CreateFence(initialValue uint64) (*Fence, error) {
	if d.Lost() {
		return nil, gpu.ErrDeviceLost
	}

	return &Fence{
		device:  d,
		value:   initialValue,
		changed: make(chan struct{}),
	}, nil
}

// Close stops every queue created from the device. Work already submitted is drained first unless
// the device has been lost.
func (d *Device) Close() {
	d.mutex.Lock()
	queues := d.queues
	d.queues = nil
	d.mutex.Unlock()

	for _, queue := range queues {
		queue.Close()
	}
}

var heapKindNames = map[gpu.HeapKind]struct{}{
	gpu.HeapKindDeviceLocal: {},
	gpu.HeapKindUpload:      {},
	gpu.HeapKindReadback:    {},
}
