package metadata

// BlockAllocationHandle identifies a single region (live or free) within a BlockMetadata
type BlockAllocationHandle uint64

// Suballocation describes where a request will land within the block
type Suballocation struct {
	Offset int
	Size   int
}
