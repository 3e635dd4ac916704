package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

// BlockMetadata represents a heap laid out inside physical memory. It manages allocations
// within the heap, allowing them to be requested and freed, as well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It places a single free block
	// spanning [base, base+size) and makes that span the heap.
	Init(base memory.PhysAddr, size uint32) error
	// Start returns the address of the first block header
	Start() memory.PhysAddr
	// End returns the address one past the last byte of the heap
	End() memory.PhysAddr
	// Size returns the number of bytes currently managed by the heap, headers included
	Size() uint32

	// Validate performs internal consistency checks on the metadata. These checks walk every
	// block and so are linear in the size of the heap. When the implementation is functioning
	// correctly, it should not be possible for this method to return an error, but it will report
	// memory stomps that have damaged block headers.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the heap
	AllocationCount() int
	// FreeRegionsCount returns the number of free blocks. Adjacent free blocks are always merged,
	// so this is also the number of unique free regions.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free payload bytes in the heap
	SumFreeSize() int
	// IsEmpty will return true if the heap has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each block in the heap, in address
	// order. Iteration stops at the first error returned by the callback.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, payload memory.PhysAddr, size uint32, free bool) error) error
	// BlockAt returns the block whose payload begins at the provided address
	BlockAt(payload memory.PhysAddr) (Suballocation, error)

	// AddDetailedStatistics sums this heap's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this heap's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with information about this heap
	BlockJsonData(json *jwriter.ObjectState)
	// PrintDetailedMap writes every block of the heap into a "Suballocations" array of the provided object
	PrintDetailedMap(json *jwriter.ObjectState)

	// CreateAllocationRequest finds the first free block large enough to hold allocSize bytes and
	// returns an AllocationRequest describing it. The returned bool is false, with no error, when
	// no block fits. A damaged header encountered during the search is reported as an error.
	CreateAllocationRequest(allocSize uint32) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, splitting the chosen block when the remainder is
	// large enough to hold another block. The implementation must return an error if the request
	// is no longer valid- i.e. the block is no longer free or no longer large enough.
	Alloc(request AllocationRequest) error
	// Free returns the block whose payload begins at the provided address to the heap, merging
	// it with free neighbours.
	Free(payload memory.PhysAddr) error
	// Extend appends the region [addr, addr+size) to the end of the heap as a free block. addr
	// must be the current end of the heap.
	Extend(addr memory.PhysAddr, size uint32) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	mem   *memory.Physical
	start memory.PhysAddr
	end   memory.PhysAddr
}

// NewBlockMetadata creates a new BlockMetadataBase that lays its structures out in mem
func NewBlockMetadata(mem *memory.Physical) BlockMetadataBase {
	return BlockMetadataBase{
		mem: mem,
	}
}

// Start returns the address of the first block header
func (m *BlockMetadataBase) Start() memory.PhysAddr { return m.start }

// End returns the address one past the last byte of the heap
func (m *BlockMetadataBase) End() memory.PhysAddr { return m.end }

// Size returns the number of bytes currently managed by the heap
func (m *BlockMetadataBase) Size() uint32 { return uint32(m.end - m.start) }

// BlockJsonData populates a json object with information about this heap
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("Start").String(m.start.String())
	json.Name("End").String(m.end.String())
	json.Name("TotalBytes").Int(int(m.Size()))
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
