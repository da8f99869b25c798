package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// wholeSize maps from the offset to the end of the allocation
const wholeSize = -1

// synchronizedMemory is a DeviceMemory with a reference-counted mapping. Binds and map/unmap calls are
// serialized because the driver requires external synchronization for both.
type synchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   core1_0.DeviceMemory
	size     int

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateSynchronizedMemory(device core1_0.Device, useMutex bool, callbacks *driver.AllocationCallbacks, allocateInfo core1_0.MemoryAllocateInfo) (*synchronizedMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	return &synchronizedMemory{
		memory: memory,
		size:   allocateInfo.AllocationSize,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		allocationCallbacks: callbacks,
	}, res, nil
}

func (m *synchronizedMemory) bindBuffer(offset int, buffer core1_0.Buffer) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return buffer.BindBufferMemory(m.memory, offset)
}

func (m *synchronizedMemory) bindImage(offset int, image core1_0.Image) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return image.BindImageMemory(m.memory, offset)
}

func (m *synchronizedMemory) references() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

// Map adds references to the mapping and returns the whole allocation as a byte slice. Only the first
// reference calls into the driver.
func (m *synchronizedMemory) Map(references int) ([]byte, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the heap is showing existing memory mapping references, but no mapped memory")
		}

		return m.bytes(), core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.memory.Map(0, wholeSize, 0)
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return m.bytes(), res, nil
}

func (m *synchronizedMemory) bytes() []byte {
	return unsafe.Slice((*byte)(m.mapData), m.size)
}

func (m *synchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return nil
	}

	if m.mapReferences < references {
		return errors.New("heap memory has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *synchronizedMemory) Free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapReferences = 0
		m.mapData = nil
	}

	m.memory.Free(m.allocationCallbacks)
}
