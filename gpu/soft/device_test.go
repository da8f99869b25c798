package soft_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu/soft"
)

func TestHeapBudget(t *testing.T) {
	device := soft.NewDevice(soft.Options{HeapBudget: 1 << 20})

	heap, err := device.CreateHeap(gpu.HeapKindDeviceLocal, 1<<19)
	require.NoError(t, err)
	require.Equal(t, 1, device.HeapCount())
	require.Equal(t, 1<<19, device.BytesInUse())

	_, err = device.CreateHeap(gpu.HeapKindUpload, 1<<20)
	require.Error(t, err)
	require.True(t, errors.Is(err, gpu.ErrDeviceOutOfMemory))
	require.True(t, gpu.IsFatal(err))

	require.NoError(t, heap.Destroy())
	require.Equal(t, 0, device.HeapCount())
	require.Error(t, heap.Destroy())

	_, err = device.CreateHeap(gpu.HeapKindUpload, 1<<20)
	require.NoError(t, err)

	_, err = device.CreateHeap(gpu.HeapKindUpload, soft.DefaultLimits.MaxHeapSize+1)
	require.True(t, errors.Is(err, gpu.ErrInvalidCall))
}

func TestPlacedBufferValidation(t *testing.T) {
	device := soft.NewDevice(soft.Options{})

	upload, err := device.CreateHeap(gpu.HeapKindUpload, 4096)
	require.NoError(t, err)

	_, err = device.CreatePlacedBuffer(upload, 100, gpu.BufferDesc{Size: 64, State: gpu.StateGenericRead})
	require.True(t, errors.Is(err, gpu.ErrInvalidCall), "unaligned offset")

	_, err = device.CreatePlacedBuffer(upload, 3840, gpu.BufferDesc{Size: 512, State: gpu.StateGenericRead})
	require.True(t, errors.Is(err, gpu.ErrInvalidCall), "out of range")

	_, err = device.CreatePlacedBuffer(upload, 0, gpu.BufferDesc{Size: 64, State: gpu.StateCopyDest})
	require.True(t, errors.Is(err, gpu.ErrInvalidCall), "upload state")

	buffer, err := device.CreatePlacedBuffer(upload, 256, gpu.BufferDesc{Size: 64, State: gpu.StateGenericRead})
	require.NoError(t, err)
	require.Len(t, buffer.Mapped(), 64)
	require.Equal(t, upload.(*soft.Heap).GPUAddress()+256, buffer.GPUAddress())

	local, err := device.CreateHeap(gpu.HeapKindDeviceLocal, 4096)
	require.NoError(t, err)
	localBuffer, err := device.CreatePlacedBuffer(local, 0, gpu.BufferDesc{Size: 64, State: gpu.StateCopyDest})
	require.NoError(t, err)
	require.Nil(t, localBuffer.Mapped())

	require.NoError(t, buffer.Destroy())
	require.Nil(t, buffer.Mapped())
	require.Error(t, buffer.Destroy())

	_, err = device.CreatePlacedTexture(upload, 0, gpu.TextureDesc{Width: 4, Height: 4, Format: gpu.FormatRGBA8Unorm})
	require.True(t, errors.Is(err, gpu.ErrInvalidCall), "textures only live in device-local heaps")
}

func TestQueueCopyAndFence(t *testing.T) {
	device := soft.NewDevice(soft.Options{})
	defer device.Close()

	queue, err := device.CreateQueue()
	require.NoError(t, err)
	fence, err := device.CreateFence(0)
	require.NoError(t, err)

	upload, err := device.CreateHeap(gpu.HeapKindUpload, 4096)
	require.NoError(t, err)
	readback, err := device.CreateHeap(gpu.HeapKindReadback, 4096)
	require.NoError(t, err)
	local, err := device.CreateHeap(gpu.HeapKindDeviceLocal, 4096)
	require.NoError(t, err)

	src, err := device.CreatePlacedBuffer(upload, 0, gpu.BufferDesc{Size: 4, State: gpu.StateGenericRead})
	require.NoError(t, err)
	mid, err := device.CreatePlacedBuffer(local, 0, gpu.BufferDesc{Size: 4, State: gpu.StateCopyDest})
	require.NoError(t, err)
	dst, err := device.CreatePlacedBuffer(readback, 0, gpu.BufferDesc{Size: 4, State: gpu.StateCopyDest})
	require.NoError(t, err)

	copy(src.Mapped(), []byte{1, 2, 3, 4})

	list, err := queue.CreateCommandList()
	require.NoError(t, err)
	list.CopyBufferRegion(mid, 0, src, 0, 4)
	list.CopyBufferRegion(dst, 0, mid, 0, 4)
	require.NoError(t, list.Close())

	require.NoError(t, queue.Submit(list))
	require.NoError(t, queue.Signal(fence, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fence.Wait(ctx, 1))
	require.Equal(t, uint64(1), fence.CompletedValue())
	require.Equal(t, []byte{1, 2, 3, 4}, dst.Mapped())
}

func TestCommandListRecordingErrors(t *testing.T) {
	device := soft.NewDevice(soft.Options{})
	defer device.Close()

	queue, err := device.CreateQueue()
	require.NoError(t, err)

	upload, err := device.CreateHeap(gpu.HeapKindUpload, 4096)
	require.NoError(t, err)
	src, err := device.CreatePlacedBuffer(upload, 0, gpu.BufferDesc{Size: 16, State: gpu.StateGenericRead})
	require.NoError(t, err)
	other, err := device.CreatePlacedBuffer(upload, 256, gpu.BufferDesc{Size: 16, State: gpu.StateGenericRead})
	require.NoError(t, err)

	list, err := queue.CreateCommandList()
	require.NoError(t, err)

	require.Error(t, queue.Submit(list), "open lists cannot be submitted")

	list.CopyBufferRegion(other, 0, src, 0, 16)
	err = list.Close()
	require.True(t, errors.Is(err, gpu.ErrInvalidCall))
	require.Error(t, queue.Submit(list))

	require.NoError(t, list.Reset())
	require.NoError(t, list.Close())
	require.Error(t, list.Close())
}

func TestCrossQueueWait(t *testing.T) {
	device := soft.NewDevice(soft.Options{})
	defer device.Close()

	copyQueue, err := device.CreateQueue()
	require.NoError(t, err)
	graphicsQueue, err := device.CreateQueue()
	require.NoError(t, err)

	copyFence, err := device.CreateFence(0)
	require.NoError(t, err)
	graphicsFence, err := device.CreateFence(0)
	require.NoError(t, err)

	require.NoError(t, graphicsQueue.Wait(copyFence, 5))
	require.NoError(t, graphicsQueue.Signal(graphicsFence, 1))

	// the graphics queue must stay parked until the copy fence arrives
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), graphicsFence.CompletedValue())

	require.NoError(t, copyQueue.Signal(copyFence, 5))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, graphicsFence.Wait(ctx, 1))
}

func TestFenceMonotonic(t *testing.T) {
	device := soft.NewDevice(soft.Options{})

	fence, err := device.CreateFence(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), fence.CompletedValue())

	require.Error(t, fence.Signal(2))
	require.NoError(t, fence.Signal(3))
	require.NoError(t, fence.Signal(7))
	require.NoError(t, fence.Wait(context.Background(), 6))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = fence.Wait(ctx, 8)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDeviceRemovalFailsWaits(t *testing.T) {
	device := soft.NewDevice(soft.Options{})
	defer device.Close()

	fence, err := device.CreateFence(0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		result <- fence.Wait(context.Background(), 1)
	}()

	device.Remove()

	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("fence wait did not observe device removal")
	}
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))
	require.True(t, device.Lost())

	_, err = device.CreateHeap(gpu.HeapKindUpload, 4096)
	require.True(t, errors.Is(err, gpu.ErrDeviceLost))
	require.True(t, errors.Is(fence.Signal(1), gpu.ErrDeviceLost))
}

func TestTextureCopyRoundTrip(t *testing.T) {
	device := soft.NewDevice(soft.Options{})
	defer device.Close()

	queue, err := device.CreateQueue()
	require.NoError(t, err)
	fence, err := device.CreateFence(0)
	require.NoError(t, err)

	desc := gpu.TextureDesc{Width: 3, Height: 2, Format: gpu.FormatRGBA8Unorm, State: gpu.StateCopyDest}
	footprint := gpu.TextureFootprint(desc, 0, device.Limits())

	upload, err := device.CreateHeap(gpu.HeapKindUpload, 4096)
	require.NoError(t, err)
	readback, err := device.CreateHeap(gpu.HeapKindReadback, 4096)
	require.NoError(t, err)
	local, err := device.CreateHeap(gpu.HeapKindDeviceLocal, 8192)
	require.NoError(t, err)

	src, err := device.CreatePlacedBuffer(upload, 0, gpu.BufferDesc{Size: footprint.TotalSize(), State: gpu.StateGenericRead})
	require.NoError(t, err)
	dst, err := device.CreatePlacedBuffer(readback, 0, gpu.BufferDesc{Size: footprint.TotalSize(), State: gpu.StateCopyDest})
	require.NoError(t, err)
	texture, err := device.CreatePlacedTexture(local, 0, desc)
	require.NoError(t, err)

	for row := 0; row < 2; row++ {
		for i := 0; i < footprint.RowSize(); i++ {
			src.Mapped()[row*footprint.RowPitch+i] = byte(row*100 + i)
		}
	}

	list, err := queue.CreateCommandList()
	require.NoError(t, err)
	list.CopyBufferToTexture(texture, 0, src, footprint)
	list.CopyTextureToBuffer(dst, footprint, texture, 0)
	require.NoError(t, list.Close())
	require.NoError(t, queue.Submit(list))
	require.NoError(t, queue.Signal(fence, 1))
	require.NoError(t, fence.Wait(context.Background(), 1))

	require.Equal(t, src.Mapped(), dst.Mapped())
}
