package gpu

import "github.com/cockroachdb/errors"

var (
	// ErrDeviceLost is returned by any device operation after the device has been removed. It is fatal:
	// nothing created from the device can be used again.
	ErrDeviceLost = errors.New("graphics device was removed")
	// ErrDeviceOutOfMemory is returned when the native API cannot back a new heap. It is fatal.
	ErrDeviceOutOfMemory = errors.New("graphics device is out of memory")
	// ErrInvalidCall is returned when a device object is used in a way the device does not permit, such
	// as placing a resource outside its heap or recording into a closed command list.
	ErrInvalidCall = errors.New("invalid graphics device call")
)

// IsFatal reports whether err indicates that the graphics device can no longer be used
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrDeviceOutOfMemory)
}
