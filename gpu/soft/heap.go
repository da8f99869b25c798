package soft

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// Heap is a device heap backed by a host byte slice. Resources placed in it are views of the slice.
type Heap struct {
	device    *Device
	id        uint64
	kind      gpu.HeapKind
	data      []byte
	destroyed atomic.Bool
}

var _ gpu.Heap = &Heap{}

func (h *Heap) Kind() gpu.HeapKind { return h.kind }
func (h *Heap) Size() int          { return len(h.data) }

// GPUAddress is the virtual address of the start of the heap. Heaps are spaced 4GiB apart.
func (h *Heap) GPUAddress() uint64 { return h.id << 32 }

func (h *Heap) Destroy() error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return errors.Wrapf(gpu.ErrInvalidCall, "heap %d was already destroyed", h.id)
	}
	return h.device.destroyHeap(h)
}

func (h *Heap) bytes(offset, size int) ([]byte, error) {
	if h.destroyed.Load() {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "heap %d has been destroyed", h.id)
	}
	return h.data[offset : offset+size : offset+size], nil
}

// Buffer is a placed buffer
type Buffer struct {
	heap      *Heap
	offset    int
	size      int
	state     gpu.ResourceState
	destroyed atomic.Bool
}

var _ gpu.PlacedBuffer = &Buffer{}

func (b *Buffer) Size() int                { return b.size }
func (b *Buffer) HeapOffset() int          { return b.offset }
func (b *Buffer) State() gpu.ResourceState { return b.state }
func (b *Buffer) GPUAddress() uint64       { return b.heap.GPUAddress() + uint64(b.offset) }

func (b *Buffer) Mapped() []byte {
	if !b.heap.kind.CPUVisible() || b.destroyed.Load() {
		return nil
	}
	data, err := b.heap.bytes(b.offset, b.size)
	if err != nil {
		return nil
	}
	return data
}

func (b *Buffer) Destroy() error {
	if !b.destroyed.CompareAndSwap(false, true) {
		return errors.Wrap(gpu.ErrInvalidCall, "buffer was already destroyed")
	}
	return nil
}

func (b *Buffer) contents() ([]byte, error) {
	if b.destroyed.Load() {
		return nil, errors.Wrap(gpu.ErrInvalidCall, "buffer has been destroyed")
	}
	return b.heap.bytes(b.offset, b.size)
}

// Texture is a placed 2D texture. Its mips are stored at the offsets and row pitches returned by
// gpu.TextureFootprint.
type Texture struct {
	heap      *Heap
	offset    int
	size      int
	desc      gpu.TextureDesc
	limits    gpu.Limits
	destroyed atomic.Bool
}

var _ gpu.PlacedTexture = &Texture{}

func (t *Texture) Desc() gpu.TextureDesc { return t.desc }
func (t *Texture) HeapOffset() int       { return t.offset }
func (t *Texture) GPUAddress() uint64    { return t.heap.GPUAddress() + uint64(t.offset) }

func (t *Texture) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return errors.Wrap(gpu.ErrInvalidCall, "texture was already destroyed")
	}
	return nil
}

func (t *Texture) contents() ([]byte, error) {
	if t.destroyed.Load() {
		return nil, errors.Wrap(gpu.ErrInvalidCall, "texture has been destroyed")
	}
	return t.heap.bytes(t.offset, t.size)
}
