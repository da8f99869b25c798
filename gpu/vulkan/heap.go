package vulkan

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Heap is one DeviceMemory allocation
type Heap struct {
	device     *Device
	kind       gpu.HeapKind
	size       int
	memoryType int
	memory     *synchronizedMemory
	destroyed  atomic.Bool
}

var _ gpu.Heap = &Heap{}

func (h *Heap) Kind() gpu.HeapKind                 { return h.kind }
func (h *Heap) Size() int                          { return h.size }
func (h *Heap) MemoryTypeIndex() int               { return h.memoryType }
func (h *Heap) DeviceMemory() core1_0.DeviceMemory { return h.memory.memory }

// Destroy unmaps and frees the memory. Resources still placed in the heap must not be used afterward.
func (h *Heap) Destroy() error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return errors.Wrap(gpu.ErrInvalidCall, "heap was already destroyed")
	}

	h.memory.Free()
	h.device.memoryCount.Add(-1)
	return nil
}

// Buffer is a VkBuffer bound at an offset inside a Heap
type Buffer struct {
	heap      *Heap
	offset    int
	size      int
	buffer    core1_0.Buffer
	address   uint64
	mapped    []byte
	destroyed atomic.Bool
}

var _ gpu.PlacedBuffer = &Buffer{}

func (b *Buffer) Size() int                    { return b.size }
func (b *Buffer) HeapOffset() int              { return b.offset }
func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }

// GPUAddress is the buffer device address, or 0 when buffer device addresses are unavailable
func (b *Buffer) GPUAddress() uint64 { return b.address }

func (b *Buffer) Mapped() []byte {
	if b.destroyed.Load() {
		return nil
	}
	return b.mapped
}

func (b *Buffer) Destroy() error {
	if !b.destroyed.CompareAndSwap(false, true) {
		return errors.Wrap(gpu.ErrInvalidCall, "buffer was already destroyed")
	}

	b.buffer.Destroy(b.heap.device.allocationCallbacks)
	if b.mapped != nil {
		b.mapped = nil
		return b.heap.memory.Unmap(1)
	}
	return nil
}

// Texture is an optimally tiled VkImage bound at an offset inside a device-local Heap
type Texture struct {
	heap      *Heap
	offset    int
	desc      gpu.TextureDesc
	image     core1_0.Image
	destroyed atomic.Bool
}

var _ gpu.PlacedTexture = &Texture{}

func (t *Texture) Desc() gpu.TextureDesc      { return t.desc }
func (t *Texture) HeapOffset() int            { return t.offset }
func (t *Texture) VulkanImage() core1_0.Image { return t.image }

// GPUAddress is always 0: images are reached through descriptors, not addresses
func (t *Texture) GPUAddress() uint64 { return 0 }

func (t *Texture) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return errors.Wrap(gpu.ErrInvalidCall, "texture was already destroyed")
	}

	t.image.Destroy(t.heap.device.allocationCallbacks)
	return nil
}
