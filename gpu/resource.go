package gpu

import (
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

// ResourceState is the usage a placed resource is prepared for when it is created
type ResourceState int32

var resourceStateMapping = common.NewFlagStringMapping[ResourceState]()

func (s ResourceState) Register(str string) {
	resourceStateMapping.Register(s, str)
}
func (s ResourceState) String() string {
	return resourceStateMapping.FlagsToString(s)
}

const (
	StateCopyDest ResourceState = 1 << iota
	StateCopySource
	StateVertexBuffer
	StateIndexBuffer
	StateConstantBuffer
	StateShaderResource

	StateCommon ResourceState = 0
	// StateGenericRead is the state upload heap resources must be created in
	StateGenericRead = StateCopySource | StateVertexBuffer | StateIndexBuffer | StateConstantBuffer | StateShaderResource
)

func init() {
	StateCopyDest.Register("CopyDest")
	StateCopySource.Register("CopySource")
	StateVertexBuffer.Register("VertexBuffer")
	StateIndexBuffer.Register("IndexBuffer")
	StateConstantBuffer.Register("ConstantBuffer")
	StateShaderResource.Register("ShaderResource")
}

// Format is the pixel format of a texture
type Format int32

const (
	FormatUnknown Format = iota
	FormatR8Unorm
	FormatRG8Unorm
	FormatRGBA8Unorm
	FormatBGRA8Unorm
	FormatR32Float
	FormatRGBA16Float
	FormatRGBA32Float
)

var formatBytesPerPixel = map[Format]int{
	FormatR8Unorm:     1,
	FormatRG8Unorm:    2,
	FormatRGBA8Unorm:  4,
	FormatBGRA8Unorm:  4,
	FormatR32Float:    4,
	FormatRGBA16Float: 8,
	FormatRGBA32Float: 16,
}

var formatMapping = map[Format]string{
	FormatUnknown:     "Unknown",
	FormatR8Unorm:     "R8Unorm",
	FormatRG8Unorm:    "RG8Unorm",
	FormatRGBA8Unorm:  "RGBA8Unorm",
	FormatBGRA8Unorm:  "BGRA8Unorm",
	FormatR32Float:    "R32Float",
	FormatRGBA16Float: "RGBA16Float",
	FormatRGBA32Float: "RGBA32Float",
}

func (f Format) String() string {
	return formatMapping[f]
}

// BytesPerPixel returns the size of one texel, or 0 for unknown formats
func (f Format) BytesPerPixel() int {
	return formatBytesPerPixel[f]
}

type BufferDesc struct {
	Size  int
	State ResourceState
}

// TextureDesc describes a 2D texture
type TextureDesc struct {
	Width     int
	Height    int
	Format    Format
	MipLevels int
	State     ResourceState
}

// MipCount returns the number of mip levels, treating 0 as 1
func (d TextureDesc) MipCount() int {
	return max(d.MipLevels, 1)
}

// MipExtent returns the width and height of the provided mip level
func (d TextureDesc) MipExtent(mip int) (width int, height int) {
	return max(d.Width>>mip, 1), max(d.Height>>mip, 1)
}

// Footprint is the layout of one texture subresource inside linear memory: rows of RowSize bytes
// starting RowPitch bytes apart, beginning at Offset.
type Footprint struct {
	Offset   int
	Width    int
	Height   int
	Format   Format
	RowPitch int
}

// RowSize is the number of meaningful bytes in each row
func (f Footprint) RowSize() int {
	return f.Width * f.Format.BytesPerPixel()
}

// TotalSize is the number of bytes from Offset to the end of the last row
func (f Footprint) TotalSize() int {
	if f.Height == 0 {
		return 0
	}
	return f.RowPitch*(f.Height-1) + f.RowSize()
}

// TextureFootprint returns the layout of one mip of a texture, with rows padded to the device's row pitch
// alignment. Offset is the subresource's position within a linear copy of the whole texture.
func TextureFootprint(desc TextureDesc, mip int, limits Limits) Footprint {
	offset := 0
	var footprint Footprint
	for level := 0; level <= mip; level++ {
		offset = memutils.AlignUp(offset, limits.TextureOffsetAlignment)
		width, height := desc.MipExtent(level)
		footprint = Footprint{
			Offset:   offset,
			Width:    width,
			Height:   height,
			Format:   desc.Format,
			RowPitch: memutils.AlignUp(width*desc.Format.BytesPerPixel(), limits.TextureRowPitchAlignment),
		}
		offset += footprint.RowPitch * height
	}
	return footprint
}

// TextureAllocationSize returns the number of heap bytes a placed texture occupies
func TextureAllocationSize(desc TextureDesc, limits Limits) int {
	last := TextureFootprint(desc, desc.MipCount()-1, limits)
	return last.Offset + last.RowPitch*last.Height
}

// PlacedBuffer is a buffer created at an offset inside a heap
type PlacedBuffer interface {
	Size() int
	GPUAddress() uint64
	// Mapped returns the persistently mapped CPU view of the buffer, or nil when the heap is not
	// CPU-visible
	Mapped() []byte
	Destroy() error
}

// PlacedTexture is a 2D texture created at an offset inside a heap
type PlacedTexture interface {
	Desc() TextureDesc
	GPUAddress() uint64
	Destroy() error
}
