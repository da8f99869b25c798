// Package vulkan implements gpu.Device over a vkngwrapper Vulkan device. Heaps are DeviceMemory objects
// of a memory type chosen per heap kind, and placed resources are buffers and images bound at an offset
// inside that memory. Queues and fences are left to the renderer.
package vulkan

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"golang.org/x/exp/slog"
)

const (
	DefaultMaxHeapSize    = 256 * 1024 * 1024
	DefaultMemoryPriority = 0.5

	minBufferPlacementAlignment  = 256
	minTexturePlacementAlignment = 64 * 1024
	minRowPitchAlignment         = 256
	minOffsetAlignment           = 512
)

type Options struct {
	// ExternallySynchronized skips the mutex guarding binds and mapping on each heap
	ExternallySynchronized bool
	AllocationCallbacks    *driver.AllocationCallbacks
	// MaxHeapSize caps the size of a single heap. 0 means DefaultMaxHeapSize.
	MaxHeapSize int
	// MemoryPriority is chained into every heap allocation when VK_EXT_memory_priority is active.
	// 0 means DefaultMemoryPriority.
	MemoryPriority float32
	Logger         *slog.Logger
}

// Device implements gpu.Device on a Vulkan logical device
type Device struct {
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	useMutex            bool
	priority            float32
	logger              *slog.Logger

	extensionData      *extensionData
	heapMemoryTypes    [3]int
	limits             gpu.Limits
	maxAllocationCount int
	memoryCount        atomic.Int32
}

var _ gpu.Device = &Device{}

// NewDevice chooses the memory type for each heap kind and derives placement limits from the physical
// device. It fails when the device has no memory type that can back one of the heap kinds.
func NewDevice(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	return newDevice(device, properties, physicalDevice.MemoryProperties(), newExtensionData(device), options)
}

func newDevice(
	device core1_0.Device,
	properties *core1_0.PhysicalDeviceProperties,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	extensions *extensionData,
	options Options,
) (*Device, error) {
	if properties.Limits == nil {
		return nil, errors.New("physical device properties did not include limits")
	}

	err := memutils.CheckPow2(properties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(properties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	d := &Device{
		device:              device,
		allocationCallbacks: options.AllocationCallbacks,
		useMutex:            !options.ExternallySynchronized,
		priority:            options.MemoryPriority,
		logger:              logger,
		extensionData:       extensions,
		maxAllocationCount:  properties.Limits.MaxMemoryAllocationCount,
	}
	if d.priority == 0 {
		d.priority = DefaultMemoryPriority
	}

	for _, kind := range gpu.HeapKinds {
		memoryType, err := selectMemoryType(memoryProperties.MemoryTypes, kind, ^uint32(0))
		if err != nil {
			return nil, err
		}
		d.heapMemoryTypes[kind] = memoryType

		logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::NewDevice selected memory type",
			slog.String("Kind", kind.String()),
			slog.Int("MemoryTypeIndex", memoryType),
		)
	}

	maxHeapSize := options.MaxHeapSize
	if maxHeapSize == 0 {
		maxHeapSize = DefaultMaxHeapSize
	}
	localHeap := memoryProperties.MemoryTypes[d.heapMemoryTypes[gpu.HeapKindDeviceLocal]].HeapIndex
	if localHeap < len(memoryProperties.MemoryHeaps) {
		if heapSize := memoryProperties.MemoryHeaps[localHeap].Size; heapSize > 0 {
			maxHeapSize = min(maxHeapSize, heapSize)
		}
	}

	d.limits = gpu.Limits{
		BufferPlacementAlignment: uint(max(minBufferPlacementAlignment,
			properties.Limits.BufferImageGranularity, properties.Limits.NonCoherentAtomSize)),
		TexturePlacementAlignment: uint(max(minTexturePlacementAlignment, properties.Limits.BufferImageGranularity)),
		TextureRowPitchAlignment:  uint(max(minRowPitchAlignment, memutils.NextPow2(properties.Limits.OptimalBufferCopyRowPitchAlignment))),
		TextureOffsetAlignment:    uint(max(minOffsetAlignment, memutils.NextPow2(properties.Limits.OptimalBufferCopyOffsetAlignment))),
		MaxHeapSize:               maxHeapSize,
	}

	return d, nil
}

func (d *Device) Limits() gpu.Limits { return d.limits }

// MemoryTypeIndex returns the memory type that backs heaps of the provided kind
func (d *Device) MemoryTypeIndex(kind gpu.HeapKind) int { return d.heapMemoryTypes[kind] }

// translateResult marks a Vulkan failure with the gpu error that describes it
func translateResult(res common.VkResult, err error, operation string) error {
	err = errors.Wrap(err, operation)

	switch res {
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorTooManyObjects:
		return errors.Mark(err, gpu.ErrDeviceOutOfMemory)
	case core1_0.VKErrorDeviceLost:
		return errors.Mark(err, gpu.ErrDeviceLost)
	}

	return errors.Mark(err, gpu.ErrInvalidCall)
}

// CreateHeap allocates a DeviceMemory of the kind's memory type. CPU-visible heaps stay mapped until
// they are destroyed.
func (d *Device) CreateHeap(kind gpu.HeapKind, size int) (heap gpu.Heap, err error) {
	if kind < gpu.HeapKindDeviceLocal || kind > gpu.HeapKindReadback {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "unknown heap kind %d", kind)
	}
	if size <= 0 || size > d.limits.MaxHeapSize {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "heap size %d is outside of (0, %d]", size, d.limits.MaxHeapSize)
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::CreateHeap",
		slog.String("Kind", kind.String()),
		slog.Int("Size", size),
	)

	newCount := d.memoryCount.Add(1)
	defer func() {
		if err != nil {
			d.memoryCount.Add(-1)
		}
	}()

	if d.maxAllocationCount > 0 && int(newCount) > d.maxAllocationCount {
		return nil, translateResult(core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError(), "allocating heap memory")
	}

	memoryType := d.heapMemoryTypes[kind]
	allocInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryType,
	}

	if d.extensionData.BufferDeviceAddress != nil {
		allocInfo.Next = core1_1.MemoryAllocateFlagsInfo{
			Flags: core1_2.MemoryAllocateDeviceAddress,
		}
	}

	if d.extensionData.UseMemoryPriority {
		allocInfo.Next = ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority:    d.priority,
			NextOptions: common.NextOptions{Next: allocInfo.Next},
		}
	}

	memory, res, err := allocateSynchronizedMemory(d.device, d.useMutex, d.allocationCallbacks, allocInfo)
	if err != nil {
		return nil, translateResult(res, err, "allocating heap memory")
	}

	h := &Heap{
		device:     d,
		kind:       kind,
		size:       size,
		memoryType: memoryType,
		memory:     memory,
	}

	if kind.CPUVisible() {
		// The heap holds one mapping reference for its whole lifetime
		_, res, err = memory.Map(1)
		if err != nil {
			memory.Free()
			return nil, translateResult(res, err, "mapping heap memory")
		}
	}

	return h, nil
}

func (d *Device) heap(heap gpu.Heap) (*Heap, error) {
	h, ok := heap.(*Heap)
	if !ok || h == nil || h.device != d {
		return nil, errors.Wrap(gpu.ErrInvalidCall, "heap was not created by this device")
	}
	if h.destroyed.Load() {
		return nil, errors.Wrap(gpu.ErrInvalidCall, "heap has been destroyed")
	}
	return h, nil
}

func bufferUsage(state gpu.ResourceState) core1_0.BufferUsageFlags {
	usage := core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst
	if state&gpu.StateVertexBuffer != 0 {
		usage |= core1_0.BufferUsageVertexBuffer
	}
	if state&gpu.StateIndexBuffer != 0 {
		usage |= core1_0.BufferUsageIndexBuffer
	}
	if state&gpu.StateConstantBuffer != 0 {
		usage |= core1_0.BufferUsageUniformBuffer
	}
	if state&gpu.StateShaderResource != 0 {
		usage |= core1_0.BufferUsageStorageBuffer
	}
	return usage
}

// checkPlacement verifies that a resource with the provided requirements fits at offset inside h
func checkPlacement(h *Heap, offset int, requirements *core1_0.MemoryRequirements) error {
	if requirements.MemoryTypeBits&(1<<h.memoryType) == 0 {
		return errors.Wrapf(gpu.ErrInvalidCall, "resource cannot be bound to memory type %d", h.memoryType)
	}
	if requirements.Alignment > 0 && offset%requirements.Alignment != 0 {
		return errors.Wrapf(gpu.ErrInvalidCall, "offset %d does not satisfy required alignment %d", offset, requirements.Alignment)
	}
	if offset+requirements.Size > h.size {
		return errors.Wrapf(gpu.ErrInvalidCall, "resource of %d bytes at offset %d overflows heap of %d bytes", requirements.Size, offset, h.size)
	}
	return nil
}

func (d *Device) CreatePlacedBuffer(heap gpu.Heap, offset int, desc gpu.BufferDesc) (placed gpu.PlacedBuffer, err error) {
	h, err := d.heap(heap)
	if err != nil {
		return nil, err
	}
	if desc.Size <= 0 || offset < 0 || offset+desc.Size > h.size {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "buffer of %d bytes at offset %d does not fit heap of %d bytes", desc.Size, offset, h.size)
	}
	if offset%int(d.limits.BufferPlacementAlignment) != 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "offset %d is not aligned to %d", offset, d.limits.BufferPlacementAlignment)
	}
	err = gpu.CheckInitialState(h.kind, desc.State)
	if err != nil {
		return nil, err
	}

	usage := bufferUsage(desc.State)
	if d.extensionData.BufferDeviceAddress != nil {
		usage |= core1_2.BufferUsageShaderDeviceAddress
	}

	buffer, res, err := d.device.CreateBuffer(d.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        desc.Size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, translateResult(res, err, "creating buffer")
	}
	defer func() {
		if err != nil {
			buffer.Destroy(d.allocationCallbacks)
		}
	}()

	err = checkPlacement(h, offset, buffer.MemoryRequirements())
	if err != nil {
		return nil, err
	}

	res, err = h.memory.bindBuffer(offset, buffer)
	if err != nil {
		return nil, translateResult(res, err, "binding buffer memory")
	}

	b := &Buffer{
		heap:   h,
		offset: offset,
		size:   desc.Size,
		buffer: buffer,
	}

	if h.kind.CPUVisible() {
		var data []byte
		data, res, err = h.memory.Map(1)
		if err != nil {
			return nil, translateResult(res, err, "mapping buffer memory")
		}
		b.mapped = data[offset : offset+desc.Size : offset+desc.Size]
	}

	if d.extensionData.BufferDeviceAddress != nil {
		b.address, err = d.extensionData.BufferDeviceAddress.GetBufferDeviceAddress(core1_2.BufferDeviceAddressInfo{
			Buffer: buffer,
		})
		if err != nil {
			if b.mapped != nil {
				_ = h.memory.Unmap(1)
			}
			return nil, translateResult(core1_0.VKErrorUnknown, err, "querying buffer device address")
		}
	}

	return b, nil
}

var formatMapping = map[gpu.Format]core1_0.Format{
	gpu.FormatR8Unorm:     core1_0.FormatR8UnsignedNormalized,
	gpu.FormatRG8Unorm:    core1_0.FormatR8G8UnsignedNormalized,
	gpu.FormatRGBA8Unorm:  core1_0.FormatR8G8B8A8UnsignedNormalized,
	gpu.FormatBGRA8Unorm:  core1_0.FormatB8G8R8A8UnsignedNormalized,
	gpu.FormatR32Float:    core1_0.FormatR32SignedFloat,
	gpu.FormatRGBA16Float: core1_0.FormatR16G16B16A16SignedFloat,
	gpu.FormatRGBA32Float: core1_0.FormatR32G32B32A32SignedFloat,
}

// CreatePlacedTexture creates an optimally tiled 2D image bound at offset. Only device-local heaps can
// hold textures.
func (d *Device) CreatePlacedTexture(heap gpu.Heap, offset int, desc gpu.TextureDesc) (placed gpu.PlacedTexture, err error) {
	h, err := d.heap(heap)
	if err != nil {
		return nil, err
	}
	if h.kind != gpu.HeapKindDeviceLocal {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "textures cannot be placed in %s heaps", h.kind)
	}
	format, ok := formatMapping[desc.Format]
	if !ok {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "unsupported texture format %s", desc.Format)
	}
	if desc.Width <= 0 || desc.Height <= 0 || offset < 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "invalid texture %dx%d at offset %d", desc.Width, desc.Height, offset)
	}
	if offset%int(d.limits.TexturePlacementAlignment) != 0 {
		return nil, errors.Wrapf(gpu.ErrInvalidCall, "offset %d is not aligned to %d", offset, d.limits.TexturePlacementAlignment)
	}

	usage := core1_0.ImageUsageTransferDst | core1_0.ImageUsageTransferSrc
	if desc.State&gpu.StateShaderResource != 0 {
		usage |= core1_0.ImageUsageSampled
	}

	image, res, err := d.device.CreateImage(d.allocationCallbacks, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Format:        format,
		Extent:        core1_0.Extent3D{Width: desc.Width, Height: desc.Height, Depth: 1},
		MipLevels:     desc.MipCount(),
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, translateResult(res, err, "creating image")
	}
	defer func() {
		if err != nil {
			image.Destroy(d.allocationCallbacks)
		}
	}()

	err = checkPlacement(h, offset, image.MemoryRequirements())
	if err != nil {
		return nil, err
	}

	res, err = h.memory.bindImage(offset, image)
	if err != nil {
		return nil, translateResult(res, err, "binding image memory")
	}

	return &Texture{
		heap:   h,
		offset: offset,
		desc:   desc,
		image:  image,
	}, nil
}
