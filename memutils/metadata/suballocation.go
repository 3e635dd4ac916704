package metadata

import "github.com/tervia/kmem/memory"

// BlockAllocationHandle identifies a heap block by the physical address of its header.
type BlockAllocationHandle memory.PhysAddr

const (
	// NoAllocation is the handle value that does not refer to any block. Address 0 is never
	// part of the heap, so it doubles as the end-of-list marker in block headers.
	NoAllocation BlockAllocationHandle = 0
)

// Suballocation describes one block of the heap, free or used.
type Suballocation struct {
	Handle  BlockAllocationHandle
	Payload memory.PhysAddr
	Size    uint32
	Free    bool
}
