package staging

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/memory"
)

// Handle is a reference-counted value. The underlying resource is freed when the last holder calls
// Release.
type Handle interface {
	Retain() error
	Release() error
}

type refCount struct {
	count   atomic.Int32
	release func() error
}

func (r *refCount) init(release func() error) {
	r.count.Store(1)
	r.release = release
}

func (r *refCount) Retain() error {
	for {
		current := r.count.Load()
		if current <= 0 {
			return errors.WithStack(ErrReleased)
		}
		if r.count.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

func (r *refCount) Release() error {
	remaining := r.count.Add(-1)
	if remaining < 0 {
		r.count.Store(0)
		return errors.WithStack(ErrReleased)
	} else if remaining > 0 {
		return nil
	}

	return r.release()
}

// RefCount returns the number of live references
func (r *refCount) RefCount() int {
	return int(r.count.Load())
}

// SharedData is a CPU-side blob of source data. The caller that creates it holds the first reference.
type SharedData struct {
	refCount
	data []byte
}

var _ Handle = &SharedData{}

func NewSharedData(data []byte) *SharedData {
	shared := &SharedData{data: data}
	shared.init(func() error {
		shared.data = nil
		return nil
	})
	return shared
}

// Bytes returns the blob, or nil once every reference has been released
func (d *SharedData) Bytes() []byte { return d.data }

// SharedBuffer owns a buffer and destroys it when the last reference is released
type SharedBuffer struct {
	refCount
	buffer *memory.Buffer
}

var _ Handle = &SharedBuffer{}

func NewSharedBuffer(buffer *memory.Buffer) *SharedBuffer {
	shared := &SharedBuffer{buffer: buffer}
	shared.init(func() error {
		return errors.Wrap(shared.buffer.Destroy(), "destroying a shared buffer")
	})
	return shared
}

func (b *SharedBuffer) Buffer() *memory.Buffer { return b.buffer }
