package staging

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// TemporaryDataBuffer keeps staging buffers and source data alive until the GPU work that reads them
// has completed. Handles are released only once the fence value they were bound to has been reached.
// Handles added after the last Bind are pending: they are covered by the next Bind, or released by
// Discard if their submission fails.
type TemporaryDataBuffer struct {
	mutex   sync.Mutex
	handles []Handle
	bound   int
	fence   gpu.Fence
	value   uint64
}

func NewTemporaryDataBuffer() *TemporaryDataBuffer {
	return &TemporaryDataBuffer{}
}

// Add retains each handle. The caller keeps its own references.
func (b *TemporaryDataBuffer) Add(handles ...Handle) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for index, handle := range handles {
		err := handle.Retain()
		if err != nil {
			for _, retained := range handles[:index] {
				err = errors.CombineErrors(err, retained.Release())
			}
			return err
		}
	}

	b.handles = append(b.handles, handles...)
	return nil
}

func (b *TemporaryDataBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.handles)
}

// Pending returns the number of handles added since the last Bind
func (b *TemporaryDataBuffer) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.handles) - b.bound
}

// Bind records the fence value that must be reached before the handles held so far can be released. A
// bound buffer may be bound again to a later value of the same fence when more work is submitted
// against it.
func (b *TemporaryDataBuffer) Bind(fence gpu.Fence, value uint64) error {
	if fence == nil {
		return errors.New("a fence is required")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.fence != nil && b.fence != fence {
		return errors.New("temporary data buffer is already bound to another fence")
	}
	if b.fence != nil && value < b.value {
		return errors.Newf("cannot bind to fence value %d, the buffer is already bound to %d", value, b.value)
	}

	b.fence = fence
	b.value = value
	b.bound = len(b.handles)
	return nil
}

// Bound returns the fence and value the buffer is bound to, if any
func (b *TemporaryDataBuffer) Bound() (gpu.Fence, uint64, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.fence, b.value, b.fence != nil
}

// TryRelease releases the bound handles if the bound fence value has been reached. It returns false
// without blocking when the GPU has not caught up. An empty buffer is always released. Pending handles
// are kept.
func (b *TemporaryDataBuffer) TryRelease() (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.handles) == 0 {
		b.unbind()
		return true, nil
	}
	if b.bound == 0 {
		return false, errors.WithStack(ErrNotBound)
	}
	if b.fence.CompletedValue() < b.value {
		return false, nil
	}

	return true, b.releaseBound()
}

// WaitAndRelease blocks until the bound fence value is reached, then releases the bound handles. If the
// buffer is bound to a later value while waiting, it waits for that value too. Errors from the fence
// wait, such as a lost device, are returned without releasing anything.
func (b *TemporaryDataBuffer) WaitAndRelease(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.handles) == 0 {
		b.unbind()
		return nil
	}

	for waited := false; ; waited = true {
		if b.bound == 0 {
			if waited {
				// released by another caller while this one waited
				return nil
			}
			return errors.WithStack(ErrNotBound)
		}

		fence, value := b.fence, b.value
		if fence.CompletedValue() >= value {
			return b.releaseBound()
		}

		b.mutex.Unlock()
		err := fence.Wait(ctx, value)
		b.mutex.Lock()

		if err != nil {
			return errors.Wrapf(err, "waiting for fence value %d", value)
		}
	}
}

// Discard releases the pending handles without waiting on a fence. It is only safe for handles whose
// submission never reached the GPU. Bound handles are kept.
func (b *TemporaryDataBuffer) Discard() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var err error
	for _, handle := range b.handles[b.bound:] {
		err = errors.CombineErrors(err, handle.Release())
	}

	clear(b.handles[b.bound:])
	b.handles = b.handles[:b.bound]
	if len(b.handles) == 0 {
		b.unbind()
	}
	return err
}

func (b *TemporaryDataBuffer) releaseBound() error {
	var err error
	for _, handle := range b.handles[:b.bound] {
		err = errors.CombineErrors(err, handle.Release())
	}

	pending := copy(b.handles, b.handles[b.bound:])
	clear(b.handles[pending:])
	b.handles = b.handles[:pending]
	b.unbind()
	return err
}

func (b *TemporaryDataBuffer) unbind() {
	b.bound = 0
	b.fence = nil
	b.value = 0
}
