package gpu

//go:generate mockgen -source=command.go -destination=mocks/command.go -package=mocks

import "context"

// CommandList records copy commands for later submission. Recording methods do not fail; invalid
// commands are reported by Close.
type CommandList interface {
	CopyBufferRegion(dst PlacedBuffer, dstOffset int, src PlacedBuffer, srcOffset int, size int)
	// CopyBufferToTexture copies one subresource laid out in src according to footprint into the mip
	// level of dst
	CopyBufferToTexture(dst PlacedTexture, mip int, src PlacedBuffer, footprint Footprint)
	// CopyTextureToBuffer copies a mip level of src into dst using the layout in footprint
	CopyTextureToBuffer(dst PlacedBuffer, footprint Footprint, src PlacedTexture, mip int)
	Close() error
	Reset() error
}

// Queue executes submitted command lists in submission order. Ordering against other queues is only
// established through fences.
type Queue interface {
	CreateCommandList() (CommandList, error)
	Submit(lists ...CommandList) error
	// Signal sets fence to value once all previously submitted work on this queue completes
	Signal(fence Fence, value uint64) error
	// Wait prevents work submitted after this call from executing until fence reaches value
	Wait(fence Fence, value uint64) error
}

// Fence is a monotonically increasing counter shared between the CPU and GPU queues
type Fence interface {
	Signal(value uint64) error
	CompletedValue() uint64
	// Wait blocks until CompletedValue is at least value, ctx is done, or the device is lost
	Wait(ctx context.Context, value uint64) error
}
