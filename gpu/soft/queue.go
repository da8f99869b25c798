package soft

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"golang.org/x/exp/slog"
)

type command func() error

// CommandList records copies as closures that run on the queue goroutine. Recording validates
// each command and the first failure is returned from Close.
type CommandList struct {
	device   *Device
	commands []command
	closed   bool
	err      error
}

var _ gpu.CommandList = &CommandList{}

func (c *CommandList) record(cmd command, err error) {
	if c.closed {
		err = errors.Wrap(gpu.ErrInvalidCall, "recording into a closed command list")
	}
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		return
	}
	c.commands = append(c.commands, cmd)
}

// Len is the number of commands recorded since the last Reset
func (c *CommandList) Len() int { return len(c.commands) }

func (c *CommandList) CopyBufferRegion(dst gpu.PlacedBuffer, dstOffset int, src gpu.PlacedBuffer, srcOffset int, size int) {
	dstBuffer, dstOk := dst.(*Buffer)
	srcBuffer, srcOk := src.(*Buffer)
	switch {
	case !dstOk || !srcOk:
		c.record(nil, errors.Wrap(gpu.ErrInvalidCall, "copy buffers were not created by this device"))
		return
	case size <= 0 || dstOffset < 0 || srcOffset < 0:
		c.record(nil, errors.Wrapf(gpu.ErrInvalidCall, "invalid buffer copy of %d bytes from %d to %d", size, srcOffset, dstOffset))
		return
	case dstOffset+size > dstBuffer.size || srcOffset+size > srcBuffer.size:
		c.record(nil, errors.Wrapf(gpu.ErrInvalidCall, "buffer copy of %d bytes from %d to %d is out of range", size, srcOffset, dstOffset))
		return
	case dstBuffer.heap.kind == gpu.HeapKindUpload:
		c.record(nil, errors.Wrap(gpu.ErrInvalidCall, "upload heap buffers cannot be copy destinations"))
		return
	}

	c.record(func() error {
		dstData, err := dstBuffer.contents()
		if err != nil {
			return err
		}
		srcData, err := srcBuffer.contents()
		if err != nil {
			return err
		}

		copy(dstData[dstOffset:dstOffset+size], srcData[srcOffset:srcOffset+size])
		return nil
	}, nil)
}

func (c *CommandList) checkTextureCopy(texture *Texture, mip int, buffer *Buffer, footprint gpu.Footprint) error {
	if mip < 0 || mip >= texture.desc.MipCount() {
		return errors.Wrapf(gpu.ErrInvalidCall, "mip %d is out of range for a texture with %d mips", mip, texture.desc.MipCount())
	}

	width, height := texture.desc.MipExtent(mip)
	if footprint.Width != width || footprint.Height != height || footprint.Format != texture.desc.Format {
		return errors.Wrapf(gpu.ErrInvalidCall, "footprint %dx%d %s does not match mip %d of a %dx%d %s texture",
			footprint.Width, footprint.Height, footprint.Format, mip, width, height, texture.desc.Format)
	}

	limits := c.device.limits
	if footprint.RowPitch%int(limits.TextureRowPitchAlignment) != 0 || footprint.RowPitch < footprint.RowSize() {
		return errors.Wrapf(gpu.ErrInvalidCall, "row pitch %d is not a multiple of %d covering %d bytes", footprint.RowPitch, limits.TextureRowPitchAlignment, footprint.RowSize())
	}
	if footprint.Offset < 0 || footprint.Offset%int(limits.TextureOffsetAlignment) != 0 {
		return errors.Wrapf(gpu.ErrInvalidCall, "footprint offset %d is not aligned to %d", footprint.Offset, limits.TextureOffsetAlignment)
	}
	if footprint.Offset+footprint.TotalSize() > buffer.size {
		return errors.Wrapf(gpu.ErrInvalidCall, "footprint of %d bytes at %d does not fit in a %d byte buffer", footprint.TotalSize(), footprint.Offset, buffer.size)
	}

	return nil
}

func (c *CommandList) CopyBufferToTexture(dst gpu.PlacedTexture, mip int, src gpu.PlacedBuffer, footprint gpu.Footprint) {
	texture, textureOk := dst.(*Texture)
	buffer, bufferOk := src.(*Buffer)
	if !textureOk || !bufferOk {
		c.record(nil, errors.Wrap(gpu.ErrInvalidCall, "copy resources were not created by this device"))
		return
	}

	err := c.checkTextureCopy(texture, mip, buffer, footprint)
	if err != nil {
		c.record(nil, err)
		return
	}

	c.record(func() error {
		textureData, err := texture.contents()
		if err != nil {
			return err
		}
		bufferData, err := buffer.contents()
		if err != nil {
			return err
		}

		layout := gpu.TextureFootprint(texture.desc, mip, texture.limits)
		copyRows(textureData[layout.Offset:], layout.RowPitch, bufferData[footprint.Offset:], footprint.RowPitch, footprint.RowSize(), footprint.Height)
		return nil
	}, nil)
}

func (c *CommandList) CopyTextureToBuffer(dst gpu.PlacedBuffer, footprint gpu.Footprint, src gpu.PlacedTexture, mip int) {
	texture, textureOk := src.(*Texture)
	buffer, bufferOk := dst.(*Buffer)
	if !textureOk || !bufferOk {
		c.record(nil, errors.Wrap(gpu.ErrInvalidCall, "copy resources were not created by this device"))
		return
	}
	if buffer.heap.kind == gpu.HeapKindUpload {
		c.record(nil, errors.Wrap(gpu.ErrInvalidCall, "upload heap buffers cannot be copy destinations"))
		return
	}

	err := c.checkTextureCopy(texture, mip, buffer, footprint)
	if err != nil {
		c.record(nil, err)
		return
	}

	c.record(func() error {
		textureData, err := texture.contents()
		if err != nil {
			return err
		}
		bufferData, err := buffer.contents()
		if err != nil {
			return err
		}

		layout := gpu.TextureFootprint(texture.desc, mip, texture.limits)
		copyRows(bufferData[footprint.Offset:], footprint.RowPitch, textureData[layout.Offset:], layout.RowPitch, footprint.RowSize(), footprint.Height)
		return nil
	}, nil)
}

func copyRows(dst []byte, dstPitch int, src []byte, srcPitch int, rowSize int, rows int) {
	for row := 0; row < rows; row++ {
		copy(dst[row*dstPitch:row*dstPitch+rowSize], src[row*srcPitch:row*srcPitch+rowSize])
	}
}

func (c *CommandList) Close() error {
	if c.closed {
		return errors.Wrap(gpu.ErrInvalidCall, "command list is already closed")
	}
	c.closed = true
	return c.err
}

func (c *CommandList) Reset() error {
	if c.device.Lost() {
		return gpu.ErrDeviceLost
	}
	c.commands = nil
	c.closed = false
	c.err = nil
	return nil
}

type queueItem struct {
	commands    []command
	signal      *Fence
	signalValue uint64
	wait        *Fence
	waitValue   uint64
}

// Queue executes submitted work on a dedicated goroutine, strictly in submission order
type Queue struct {
	device *Device

	mutex   sync.Mutex
	closed  bool
	items   chan queueItem
	stopped chan struct{}

	// cancels cross-queue waits that are still parked when the queue closes
	waitCtx    context.Context
	cancelWait context.CancelFunc
}

var _ gpu.Queue = &Queue{}

func newQueue(device *Device) *Queue {
	waitCtx, cancelWait := context.WithCancel(context.Background())
	queue := &Queue{
		device:     device,
		items:      make(chan queueItem, 256),
		stopped:    make(chan struct{}),
		waitCtx:    waitCtx,
		cancelWait: cancelWait,
	}
	go queue.run()
	return queue
}

func (q *Queue) run() {
	defer close(q.stopped)

	for item := range q.items {
		if q.device.Lost() {
			continue
		}

		if item.wait != nil {
			err := item.wait.Wait(q.waitCtx, item.waitValue)
			if err != nil {
				continue
			}
		}

		for _, cmd := range item.commands {
			err := cmd()
			if err != nil {
				q.device.remove(errors.Wrap(err, "queue fault while executing a command list"))
				break
			}
		}

		if item.signal != nil && !q.device.Lost() {
			err := item.signal.Signal(item.signalValue)
			if err != nil {
				q.device.logger.LogAttrs(context.Background(), slog.LevelError, "queue failed to signal fence",
					slog.Uint64("value", item.signalValue),
					slog.Any("error", err))
			}
		}
	}
}

func (q *Queue) enqueue(item queueItem) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return errors.Wrap(gpu.ErrInvalidCall, "queue has been closed")
	}
	if q.device.Lost() {
		return gpu.ErrDeviceLost
	}

	q.items <- item
	return nil
}

func (q *Queue) CreateCommandList() (gpu.CommandList, error) {
	if q.device.Lost() {
		return nil, gpu.ErrDeviceLost
	}
	return &CommandList{device: q.device}, nil
}

func (q *Queue) Submit(lists ...gpu.CommandList) error {
	var commands []command
	for _, list := range lists {
		softList, ok := list.(*CommandList)
		if !ok || softList.device != q.device {
			return errors.Wrap(gpu.ErrInvalidCall, "command list was not created by this device")
		}
		if !softList.closed {
			return errors.Wrap(gpu.ErrInvalidCall, "command lists must be closed before submission")
		}
		if softList.err != nil {
			return errors.Wrap(gpu.ErrInvalidCall, "command list failed to record")
		}
		commands = append(commands, softList.commands...)
	}

	return q.enqueue(queueItem{commands: commands})
}

func (q *Queue) Signal(fence gpu.Fence, value uint64) error {
	softFence, ok := fence.(*Fence)
	if !ok || softFence.device != q.device {
		return errors.Wrap(gpu.ErrInvalidCall, "fence was not created by this device")
	}
	return q.enqueue(queueItem{signal: softFence, signalValue: value})
}

func (q *Queue) Wait(fence gpu.Fence, value uint64) error {
	softFence, ok := fence.(*Fence)
	if !ok || softFence.device != q.device {
		return errors.Wrap(gpu.ErrInvalidCall, "fence was not created by this device")
	}
	return q.enqueue(queueItem{wait: softFence, waitValue: value})
}

// Close stops accepting work and returns once the queue goroutine has drained. Submitted command
// lists and signals still execute, but a cross-queue wait that has not resolved is abandoned.
func (q *Queue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.mutex.Unlock()

	q.cancelWait()
	<-q.stopped
}
