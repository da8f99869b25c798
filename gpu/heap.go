package gpu

import "github.com/cockroachdb/errors"

//go:generate mockgen -source=heap.go -destination=mocks/heap.go -package=mocks
//go:generate mockgen -source=resource.go -destination=mocks/resource.go -package=mocks

// HeapKind identifies the memory pool a heap is carved from
type HeapKind int32

const (
	// HeapKindDeviceLocal is GPU-local memory that the CPU cannot map
	HeapKindDeviceLocal HeapKind = iota
	// HeapKindUpload is CPU-writable memory that the GPU reads from, used for staging and dynamic data
	HeapKindUpload
	// HeapKindReadback is CPU-readable memory that the GPU writes into
	HeapKindReadback
)

// HeapKinds lists every HeapKind in declaration order
var HeapKinds = []HeapKind{HeapKindDeviceLocal, HeapKindUpload, HeapKindReadback}

var heapKindMapping = map[HeapKind]string{
	HeapKindDeviceLocal: "DeviceLocal",
	HeapKindUpload:      "Upload",
	HeapKindReadback:    "Readback",
}

func (k HeapKind) String() string {
	return heapKindMapping[k]
}

// CPUVisible returns true for heap kinds whose resources expose a mapped CPU pointer
func (k HeapKind) CPUVisible() bool {
	return k == HeapKindUpload || k == HeapKindReadback
}

// Limits are the placement and layout rules the device imposes on heaps and placed resources
type Limits struct {
	// BufferPlacementAlignment is the alignment of a placed buffer's heap offset
	BufferPlacementAlignment uint
	// TexturePlacementAlignment is the alignment of a placed texture's heap offset
	TexturePlacementAlignment uint
	// TextureRowPitchAlignment is the alignment of each row of texture data in a buffer used as a
	// copy source or destination
	TextureRowPitchAlignment uint
	// TextureOffsetAlignment is the alignment of each texture subresource within a buffer or texture
	TextureOffsetAlignment uint
	// MaxHeapSize is the largest heap the device will create
	MaxHeapSize int
}

// Heap is a fixed-size block of device memory from which placed resources are carved
type Heap interface {
	Kind() HeapKind
	Size() int
	Destroy() error
}

// Device creates heaps and places resources inside them
type Device interface {
	Limits() Limits
	CreateHeap(kind HeapKind, size int) (Heap, error)
	CreatePlacedBuffer(heap Heap, offset int, desc BufferDesc) (PlacedBuffer, error)
	CreatePlacedTexture(heap Heap, offset int, desc TextureDesc) (PlacedTexture, error)
}

// CheckInitialState enforces the states resources in CPU-visible heaps must be created in: generic read
// for upload heaps and copy dest for readback heaps
func CheckInitialState(kind HeapKind, state ResourceState) error {
	switch kind {
	case HeapKindUpload:
		if state != StateGenericRead {
			return errors.Wrapf(ErrInvalidCall, "upload heap resources must be created in the generic read state, not %s", state)
		}
	case HeapKindReadback:
		if state != StateCopyDest {
			return errors.Wrapf(ErrInvalidCall, "readback heap resources must be created in the copy dest state, not %s", state)
		}
	}
	return nil
}
