package memory

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// AllocationInfo describes a request for heap memory
type AllocationInfo struct {
	// Size is the number of bytes requested. It must be positive.
	Size int
	// Alignment is the required alignment of the heap offset. It must be a power of two, 0 is
	// treated as 1.
	Alignment uint
	// Name is an optional label used in diagnostics
	Name string
}

// Allocation is the record of one region of one arena's heap. It is created by Manager.Allocate and
// becomes invalid after Manager.Deallocate. Records are never shared between resources.
type Allocation struct {
	heapOffset int
	heap       gpu.Heap
	size       int
	blockSize  int
	alignment  uint
	arenaID    int
	kind       gpu.HeapKind
	valid      bool

	name     string
	userData any
}

func (a *Allocation) HeapOffset() int    { return a.heapOffset }
func (a *Allocation) Heap() gpu.Heap     { return a.heap }
func (a *Allocation) Size() int          { return a.size }
func (a *Allocation) Alignment() uint    { return a.alignment }
func (a *Allocation) ArenaID() int       { return a.arenaID }
func (a *Allocation) Kind() gpu.HeapKind { return a.kind }
func (a *Allocation) IsValid() bool      { return a.valid }
func (a *Allocation) Name() string       { return a.name }

// BlockSize is the number of heap bytes reserved for the allocation, which is at least Size
func (a *Allocation) BlockSize() int { return a.blockSize }

// UserData returns the value attached with SetUserData. Buffers and textures attach themselves when
// they are placed.
func (a *Allocation) UserData() any { return a.userData }

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Size").Int(a.size)
	json.Name("BlockSize").Int(a.blockSize)
	json.Name("Alignment").Int(int(a.alignment))

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
