package vulkan

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// memoryPreferences returns the property flags a memory type must have to back heaps of the provided kind,
// the flags that make a type a better fit, and the flags that make it a worse fit
func memoryPreferences(kind gpu.HeapKind) (required, preferred, notPreferred core1_0.MemoryPropertyFlags, err error) {
	switch kind {
	case gpu.HeapKindDeviceLocal:
		return core1_0.MemoryPropertyDeviceLocal, 0, core1_0.MemoryPropertyHostVisible, nil
	case gpu.HeapKindUpload:
		// Write-combined memory is the fast path for sequential CPU writes
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, 0, core1_0.MemoryPropertyHostCached, nil
	case gpu.HeapKindReadback:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, core1_0.MemoryPropertyHostCached, 0, nil
	}

	return 0, 0, 0, errors.Wrapf(gpu.ErrInvalidCall, "unknown heap kind %d", kind)
}

// selectMemoryType picks the memory type index that backs heaps of the provided kind. Types missing from
// memoryTypeBits are skipped. Among the types with every required flag, the one with the fewest missing
// preferred flags and present not-preferred flags wins, with ties going to the lowest index.
func selectMemoryType(memoryTypes []core1_0.MemoryType, kind gpu.HeapKind, memoryTypeBits uint32) (int, error) {
	requiredFlags, preferredFlags, notPreferredFlags, err := memoryPreferences(kind)
	if err != nil {
		return -1, err
	}

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < len(memoryTypes); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			continue
		}

		flags := memoryTypes[memTypeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(gpu.ErrInvalidCall, "no memory type can back %s heaps", kind)
	}

	return bestMemoryTypeIndex, nil
}
