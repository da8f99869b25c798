package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
)

type extensionData struct {
	// BufferDeviceAddress is non-nil when placed buffers can report a GPU virtual address
	BufferDeviceAddress khr_buffer_device_address_shim.Shim
	UseMemoryPriority   bool
}

func newExtensionData(device core1_0.Device) *extensionData {
	data := &extensionData{}

	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		// Core 1.2 active - buffer device address is core
		data.BufferDeviceAddress = device12
	}

	if data.BufferDeviceAddress == nil && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		data.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
