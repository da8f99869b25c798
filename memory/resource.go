package memory

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// Resource is the capability set shared by buffers and textures. CPUHandle reports false for
// resources whose heap is not CPU-visible.
type Resource interface {
	Size() int
	Kind() gpu.HeapKind
	CPUHandle() ([]byte, bool)
	GPUAddress() uint64
	Destroy() error
}

var _ Resource = &Buffer{}
var _ Resource = &Texture{}

// Access is how a resource will be used, which determines the heap kind it is placed in
type Access int32

const (
	// AccessGPUOnly resources live in device-local memory and are filled through staging copies
	AccessGPUOnly Access = iota
	// AccessCPUWrite resources live in upload memory, written by the CPU and read by the GPU
	AccessCPUWrite
	// AccessCPURead resources live in readback memory, written by the GPU and read by the CPU
	AccessCPURead
)

var accessMapping = map[Access]string{
	AccessGPUOnly:  "GPUOnly",
	AccessCPUWrite: "CPUWrite",
	AccessCPURead:  "CPURead",
}

func (a Access) String() string {
	return accessMapping[a]
}

// HeapKind returns the heap kind resources with this access are placed in
func (a Access) HeapKind() (gpu.HeapKind, error) {
	switch a {
	case AccessGPUOnly:
		return gpu.HeapKindDeviceLocal, nil
	case AccessCPUWrite:
		return gpu.HeapKindUpload, nil
	case AccessCPURead:
		return gpu.HeapKindReadback, nil
	}

	return 0, errors.Newf("unknown access %d", a)
}

// BufferDesc describes a buffer to create
type BufferDesc struct {
	Size   int
	Access Access
	// State is the initial usage state for device-local buffers. CPU-visible buffers are always created
	// in the state their heap kind requires.
	State gpu.ResourceState
	// Name labels the buffer's allocation in diagnostics
	Name string
}

func initialBufferState(kind gpu.HeapKind, requested gpu.ResourceState) gpu.ResourceState {
	switch kind {
	case gpu.HeapKindUpload:
		return gpu.StateGenericRead
	case gpu.HeapKindReadback:
		return gpu.StateCopyDest
	}
	return requested
}

// Buffer is a placed buffer and the allocation backing it
type Buffer struct {
	manager    *Manager
	desc       BufferDesc
	kind       gpu.HeapKind
	allocation *Allocation
	placed     gpu.PlacedBuffer
}

// CreateBuffer allocates heap memory from the manager and places a buffer in it
func CreateBuffer(manager *Manager, desc BufferDesc) (*Buffer, error) {
	if manager == nil {
		return nil, errors.New("a manager is required")
	}

	buffer := &Buffer{manager: manager}
	err := buffer.Create(desc)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// Create places the buffer in new heap memory. If the buffer is live its current allocation is
// released first, so Create also serves as resize. The contents are not preserved.
func (b *Buffer) Create(desc BufferDesc) (err error) {
	if desc.Size <= 0 {
		return errors.Newf("attempted to create a buffer of size %d", desc.Size)
	}
	kind, err := desc.Access.HeapKind()
	if err != nil {
		return err
	}

	if b.allocation != nil {
		err = b.Destroy()
		if err != nil {
			return err
		}
	}

	device := b.manager.Device()
	alloc, err := b.manager.Allocate(kind, AllocationInfo{
		Size:      desc.Size,
		Alignment: device.Limits().BufferPlacementAlignment,
		Name:      desc.Name,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, b.manager.Deallocate(alloc))
		}
	}()

	desc.State = initialBufferState(kind, desc.State)
	placed, err := device.CreatePlacedBuffer(alloc.Heap(), alloc.HeapOffset(), gpu.BufferDesc{
		Size:  desc.Size,
		State: desc.State,
	})
	if err != nil {
		return errors.Wrapf(err, "placing a %d byte buffer at offset %d of arena %d", desc.Size, alloc.HeapOffset(), alloc.ArenaID())
	}

	b.desc = desc
	b.kind = kind
	b.allocation = alloc
	b.placed = placed
	alloc.SetUserData(b)
	return nil
}

// Destroy releases the placed buffer and returns its memory to the manager. A second call returns an
// error marked ErrInvalidAllocation.
func (b *Buffer) Destroy() error {
	if b.allocation == nil {
		return errors.Wrap(ErrInvalidAllocation, "buffer has already been destroyed")
	}

	err := b.placed.Destroy()
	err = errors.CombineErrors(err, b.manager.Deallocate(b.allocation))

	b.allocation = nil
	b.placed = nil
	return err
}

func (b *Buffer) Desc() BufferDesc         { return b.desc }
func (b *Buffer) Size() int                { return b.desc.Size }
func (b *Buffer) Kind() gpu.HeapKind       { return b.kind }
func (b *Buffer) Valid() bool              { return b.allocation != nil }
func (b *Buffer) Allocation() *Allocation  { return b.allocation }
func (b *Buffer) Placed() gpu.PlacedBuffer { return b.placed }

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{%s %s %d bytes}", b.desc.Name, b.kind, b.desc.Size)
}

// CPUHandle returns the persistently mapped bytes of a CPU-visible buffer. It is valid until the
// buffer is destroyed or re-created.
func (b *Buffer) CPUHandle() ([]byte, bool) {
	if b.placed == nil || !b.kind.CPUVisible() {
		return nil, false
	}

	mapped := b.placed.Mapped()
	if mapped == nil {
		return nil, false
	}
	return mapped[:b.desc.Size], true
}

// GPUAddress returns the device address of the buffer, or 0 once it has been destroyed
func (b *Buffer) GPUAddress() uint64 {
	if b.placed == nil {
		return 0
	}
	return b.placed.GPUAddress()
}

// TextureDesc describes a device-local 2D texture to create
type TextureDesc struct {
	Width     int
	Height    int
	Format    gpu.Format
	MipLevels int
	State     gpu.ResourceState
	Name      string
}

func (d TextureDesc) placedDesc() gpu.TextureDesc {
	return gpu.TextureDesc{
		Width:     d.Width,
		Height:    d.Height,
		Format:    d.Format,
		MipLevels: d.MipLevels,
		State:     d.State,
	}
}

// Texture is a placed texture in device-local memory and the allocation backing it
type Texture struct {
	manager    *Manager
	desc       TextureDesc
	size       int
	allocation *Allocation
	placed     gpu.PlacedTexture
}

func CreateTexture(manager *Manager, desc TextureDesc) (*Texture, error) {
	if manager == nil {
		return nil, errors.New("a manager is required")
	}

	texture := &Texture{manager: manager}
	err := texture.Create(desc)
	if err != nil {
		return nil, err
	}
	return texture, nil
}

// Create places the texture in new device-local memory, releasing the current allocation first if
// the texture is live
func (t *Texture) Create(desc TextureDesc) (err error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return errors.Newf("attempted to create a %dx%d texture", desc.Width, desc.Height)
	} else if desc.Format.BytesPerPixel() == 0 {
		return errors.Newf("attempted to create a texture with unsupported format %s", desc.Format)
	} else if desc.MipLevels < 0 {
		return errors.Newf("attempted to create a texture with %d mip levels", desc.MipLevels)
	}

	if t.allocation != nil {
		err = t.Destroy()
		if err != nil {
			return err
		}
	}

	device := t.manager.Device()
	limits := device.Limits()
	size := gpu.TextureAllocationSize(desc.placedDesc(), limits)

	alloc, err := t.manager.Allocate(gpu.HeapKindDeviceLocal, AllocationInfo{
		Size:      size,
		Alignment: limits.TexturePlacementAlignment,
		Name:      desc.Name,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, t.manager.Deallocate(alloc))
		}
	}()

	placed, err := device.CreatePlacedTexture(alloc.Heap(), alloc.HeapOffset(), desc.placedDesc())
	if err != nil {
		return errors.Wrapf(err, "placing a %dx%d texture at offset %d of arena %d", desc.Width, desc.Height, alloc.HeapOffset(), alloc.ArenaID())
	}

	t.desc = desc
	t.size = size
	t.allocation = alloc
	t.placed = placed
	alloc.SetUserData(t)
	return nil
}

func (t *Texture) Destroy() error {
	if t.allocation == nil {
		return errors.Wrap(ErrInvalidAllocation, "texture has already been destroyed")
	}

	err := t.placed.Destroy()
	err = errors.CombineErrors(err, t.manager.Deallocate(t.allocation))

	t.allocation = nil
	t.placed = nil
	return err
}

func (t *Texture) Desc() TextureDesc         { return t.desc }
func (t *Texture) Size() int                 { return t.size }
func (t *Texture) Kind() gpu.HeapKind        { return gpu.HeapKindDeviceLocal }
func (t *Texture) Valid() bool               { return t.allocation != nil }
func (t *Texture) Allocation() *Allocation   { return t.allocation }
func (t *Texture) Placed() gpu.PlacedTexture { return t.placed }
func (t *Texture) MipCount() int             { return t.desc.placedDesc().MipCount() }
func (t *Texture) CPUHandle() ([]byte, bool) { return nil, false }

func (t *Texture) String() string {
	return fmt.Sprintf("Texture{%s %dx%d %s}", t.desc.Name, t.desc.Width, t.desc.Height, t.desc.Format)
}

func (t *Texture) GPUAddress() uint64 {
	if t.placed == nil {
		return 0
	}
	return t.placed.GPUAddress()
}

// Footprint returns the row-pitch-aligned layout of one mip level in a linear buffer, starting at
// offset 0
func (t *Texture) Footprint(mip int) (gpu.Footprint, error) {
	if mip < 0 || mip >= t.MipCount() {
		return gpu.Footprint{}, errors.Newf("mip %d is out of range for a texture with %d mips", mip, t.MipCount())
	}

	footprint := gpu.TextureFootprint(t.desc.placedDesc(), mip, t.manager.Device().Limits())
	footprint.Offset = 0
	return footprint, nil
}
