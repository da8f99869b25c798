package staging

import (
	"context"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/internal/utils"
	"github.com/vkngwrapper/arsenal/gpuheap/memory"
	"golang.org/x/exp/slog"
)

// DefaultParallelThreshold is used when Options.ParallelThreshold is 0. Entries smaller than this are
// copied on the calling goroutine.
const DefaultParallelThreshold int = 64 * 1024

type Options struct {
	// Workers is the size of the CPU copy pool. 0 uses GOMAXPROCS, 1 disables the pool.
	Workers int
	// ParallelThreshold is the size in bytes at which an entry's CPU copy is dispatched to the pool
	ParallelThreshold int
	// ExternallySynchronized disables the internal mutex guarding the pending entries
	ExternallySynchronized bool
	Logger                 *slog.Logger
}

type bufferEntry struct {
	data      *SharedData
	size      int
	dst       *memory.Buffer
	dstOffset int
	temp      *TemporaryDataBuffer
}

type textureEntry struct {
	data      *SharedData
	dst       *memory.Texture
	mip       int
	footprint gpu.Footprint
	temp      *TemporaryDataBuffer
}

// Manager collects CPU data bound for GPU resources and turns it into staging buffers and copy
// commands. Nothing is copied or allocated until CopyAndClear.
type Manager struct {
	memory    *memory.Manager
	logger    *slog.Logger
	pool      *ants.Pool
	threshold int

	mutex    utils.OptionalMutex
	buffers  []bufferEntry
	textures []textureEntry
}

func NewManager(memoryManager *memory.Manager, options Options) (*Manager, error) {
	if memoryManager == nil {
		return nil, errors.New("a memory manager is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	manager := &Manager{
		memory:    memoryManager,
		logger:    logger,
		threshold: options.ParallelThreshold,
		mutex: utils.OptionalMutex{
			UseMutex: !options.ExternallySynchronized,
		},
	}
	if manager.threshold <= 0 {
		manager.threshold = DefaultParallelThreshold
	}

	workers := options.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > 1 {
		pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
			logger.LogAttrs(context.Background(), slog.LevelError, "staging copy panic", slog.Any("panic", v))
		}))
		if err != nil {
			return nil, errors.Wrap(err, "creating the staging copy pool")
		}
		manager.pool = pool
	}

	return manager, nil
}

// AddBuffer schedules dataSize bytes of data to be copied into dst at dstOffset. data is retained
// until the copy has been recorded, after which temp holds it.
func (m *Manager) AddBuffer(data *SharedData, dataSize int, dst *memory.Buffer, dstOffset int, temp *TemporaryDataBuffer) error {
	switch {
	case data == nil || dst == nil || temp == nil:
		return errors.New("data, destination and temporary buffer are required")
	case dataSize <= 0 || dataSize > len(data.Bytes()):
		return errors.Newf("data size %d is outside the %d bytes of source data", dataSize, len(data.Bytes()))
	case !dst.Valid():
		return errors.Wrap(memory.ErrInvalidAllocation, "destination buffer has been destroyed")
	case dst.Kind() == gpu.HeapKindUpload:
		return errors.New("upload buffers cannot be copy destinations")
	case dstOffset < 0 || dstOffset+dataSize > dst.Size():
		return errors.Newf("copy of %d bytes at offset %d does not fit in a %d byte buffer", dataSize, dstOffset, dst.Size())
	}

	err := data.Retain()
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.buffers = append(m.buffers, bufferEntry{
		data:      data,
		size:      dataSize,
		dst:       dst,
		dstOffset: dstOffset,
		temp:      temp,
	})
	return nil
}

// AddTexture schedules tightly packed pixel data for one mip level of dst. The rows are spread out to
// the device's row pitch during CopyAndClear.
func (m *Manager) AddTexture(data *SharedData, dst *memory.Texture, temp *TemporaryDataBuffer, mip int) error {
	if data == nil || dst == nil || temp == nil {
		return errors.New("data, destination and temporary buffer are required")
	}
	if !dst.Valid() {
		return errors.Wrap(memory.ErrInvalidAllocation, "destination texture has been destroyed")
	}

	footprint, err := dst.Footprint(mip)
	if err != nil {
		return err
	}
	packedSize := footprint.RowSize() * footprint.Height
	if len(data.Bytes()) < packedSize {
		return errors.Newf("mip %d needs %d bytes of source data, but only %d were provided", mip, packedSize, len(data.Bytes()))
	}

	err = data.Retain()
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.textures = append(m.textures, textureEntry{
		data:      data,
		dst:       dst,
		mip:       mip,
		footprint: footprint,
		temp:      temp,
	})
	return nil
}

// PendingCount is the number of entries waiting for CopyAndClear
func (m *Manager) PendingCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.buffers) + len(m.textures)
}

type stagedCopy struct {
	upload  *SharedBuffer
	data    *SharedData
	temp    *TemporaryDataBuffer
	copyCPU func(mapped []byte)
	record  func(cmd gpu.CommandList, upload gpu.PlacedBuffer)
}

// CopyAndClear creates an upload buffer for every pending entry, copies the source data into it,
// records one copy command per entry into cmd and hands the upload buffer and source data to the
// entry's TemporaryDataBuffer. If an upload buffer cannot be created, nothing is recorded, the
// pending entries are kept and the error is returned.
func (m *Manager) CopyAndClear(cmd gpu.CommandList) error {
	if cmd == nil {
		return errors.New("a command list is required")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.buffers) == 0 && len(m.textures) == 0 {
		return nil
	}

	staged, err := m.stage()
	if err != nil {
		return err
	}

	err = m.copyToUploadBuffers(staged)
	if err != nil {
		return errors.CombineErrors(err, m.releaseStaged(staged))
	}

	for _, entry := range staged {
		entry.record(cmd, entry.upload.Buffer().Placed())
	}

	for _, entry := range staged {
		addErr := entry.temp.Add(entry.upload, entry.data)
		// temp holds its own references now, or the add failed and these are the last ones
		addErr = errors.CombineErrors(addErr, entry.upload.Release())
		addErr = errors.CombineErrors(addErr, entry.data.Release())
		err = errors.CombineErrors(err, addErr)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "StagingManager::CopyAndClear",
		slog.Int("buffers", len(m.buffers)),
		slog.Int("textures", len(m.textures)))

	clear(m.buffers)
	clear(m.textures)
	m.buffers = m.buffers[:0]
	m.textures = m.textures[:0]
	return err
}

func (m *Manager) stage() (staged []stagedCopy, err error) {
	staged = make([]stagedCopy, 0, len(m.buffers)+len(m.textures))
	defer func() {
		if err != nil {
			for _, entry := range staged {
				err = errors.CombineErrors(err, entry.upload.Release())
			}
			staged = nil
		}
	}()

	var upload *SharedBuffer
	for _, entry := range m.buffers {
		upload, err = m.createUploadBuffer(entry.size)
		if err != nil {
			return staged, err
		}

		source := entry.data.Bytes()[:entry.size]
		dst, dstOffset, size := entry.dst, entry.dstOffset, entry.size
		staged = append(staged, stagedCopy{
			upload: upload,
			data:   entry.data,
			temp:   entry.temp,
			copyCPU: func(mapped []byte) {
				copy(mapped, source)
			},
			record: func(cmd gpu.CommandList, uploadBuffer gpu.PlacedBuffer) {
				cmd.CopyBufferRegion(dst.Placed(), dstOffset, uploadBuffer, 0, size)
			},
		})
	}

	for _, entry := range m.textures {
		upload, err = m.createUploadBuffer(entry.footprint.TotalSize())
		if err != nil {
			return staged, err
		}

		source := entry.data.Bytes()
		footprint, dst, mip := entry.footprint, entry.dst, entry.mip
		staged = append(staged, stagedCopy{
			upload: upload,
			data:   entry.data,
			temp:   entry.temp,
			copyCPU: func(mapped []byte) {
				CopyRows(mapped, footprint.RowPitch, source, footprint.RowSize(), footprint.RowSize(), footprint.Height)
			},
			record: func(cmd gpu.CommandList, uploadBuffer gpu.PlacedBuffer) {
				cmd.CopyBufferToTexture(dst.Placed(), mip, uploadBuffer, footprint)
			},
		})
	}

	return staged, nil
}

func (m *Manager) createUploadBuffer(size int) (*SharedBuffer, error) {
	buffer, err := memory.CreateBuffer(m.memory, memory.BufferDesc{
		Size:   size,
		Access: memory.AccessCPUWrite,
		Name:   "staging",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating a %d byte staging buffer", size)
	}

	return NewSharedBuffer(buffer), nil
}

func (m *Manager) releaseStaged(staged []stagedCopy) error {
	var err error
	for _, entry := range staged {
		err = errors.CombineErrors(err, entry.upload.Release())
	}
	return err
}

// copyToUploadBuffers runs every entry's CPU copy, dispatching large ones to the pool, and returns once
// all of them have finished
func (m *Manager) copyToUploadBuffers(staged []stagedCopy) error {
	var outstanding atomic.Int64
	var failed atomic.Pointer[error]
	done := make(chan struct{})

	finish := func() {
		if outstanding.Add(-1) == 0 {
			close(done)
		}
	}
	run := func(entry stagedCopy) {
		defer finish()
		defer func() {
			if r := recover(); r != nil {
				err := errors.Newf("staging copy panicked: %v", r)
				failed.CompareAndSwap(nil, &err)
			}
		}()

		mapped, ok := entry.upload.Buffer().CPUHandle()
		if !ok {
			err := errors.New("staging buffer is not mapped")
			failed.CompareAndSwap(nil, &err)
			return
		}
		entry.copyCPU(mapped)
	}

	// the extra count keeps done open until every entry has been dispatched
	outstanding.Store(1)
	for _, entry := range staged {
		outstanding.Add(1)

		if m.pool != nil && entry.upload.Buffer().Size() >= m.threshold {
			task := entry
			if m.pool.Submit(func() { run(task) }) == nil {
				continue
			}
		}
		run(entry)
	}
	finish()
	<-done

	if err := failed.Load(); err != nil {
		return *err
	}
	return nil
}

// Reset drops every pending entry. No GPU-visible resource has been created for them, so nothing
// leaks.
func (m *Manager) Reset() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var err error
	for _, entry := range m.buffers {
		err = errors.CombineErrors(err, entry.data.Release())
	}
	for _, entry := range m.textures {
		err = errors.CombineErrors(err, entry.data.Release())
	}

	clear(m.buffers)
	clear(m.textures)
	m.buffers = m.buffers[:0]
	m.textures = m.textures[:0]
	return err
}

// Close drops pending entries and stops the copy pool
func (m *Manager) Close() error {
	err := m.Reset()
	if m.pool != nil {
		err = errors.CombineErrors(err, m.pool.ReleaseTimeout(3*time.Second))
		m.pool = nil
	}
	return err
}
