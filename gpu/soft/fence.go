package soft

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// Fence is a monotonic counter. Waiters park on a channel that is replaced every time the value changes.
type Fence struct {
	device *Device

	mutex   sync.Mutex
	value   uint64
	changed chan struct{}
}

var _ gpu.Fence = &Fence{}

func (f *Fence) Signal(value uint64) error {
	if f.device.Lost() {
		return gpu.ErrDeviceLost
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if value < f.value {
		return errors.Wrapf(gpu.ErrInvalidCall, "fence value %d is lower than the completed value %d", value, f.value)
	}

	f.value = value
	close(f.changed)
	f.changed = make(chan struct{})
	return nil
}

func (f *Fence) CompletedValue() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.value
}

func (f *Fence) Wait(ctx context.Context, value uint64) error {
	for {
		f.mutex.Lock()
		if f.value >= value {
			f.mutex.Unlock()
			return nil
		}
		changed := f.changed
		f.mutex.Unlock()

		select {
		case <-changed:
		case <-f.device.lostSignal:
			return errors.Wrapf(gpu.ErrDeviceLost, "waiting for fence value %d", value)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for fence value %d", value)
		}
	}
}
