// Package pmm contains the physical frame allocator.
package pmm

import (
	"math"

	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

// Frame describes a physical memory page index.
type Frame uint32

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize uint32 = 1 << PageShift

	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() memory.PhysAddr {
	return memory.PhysAddr(uint32(f) << PageShift)
}

// FrameFromAddress returns the frame that contains addr.
func FrameFromAddress(addr memory.PhysAddr) Frame {
	return Frame(uint32(addr) >> PageShift)
}

// FrameRoundDown returns the index of the frame containing the byte at addr. Used for the
// start of a region that is being claimed, so a partial frame is included.
func FrameRoundDown(addr uint64) uint64 {
	return addr >> PageShift
}

// FrameRoundUp returns the index of the first frame that starts at or after addr. Used for the
// start of a region that is being released, so a partial frame is excluded.
func FrameRoundUp(addr uint64) uint64 {
	aligned, ok := memutils.AlignUp(addr, uint64(PageSize))
	if !ok {
		return (^uint64(0) >> PageShift) + 1
	}
	return aligned >> PageShift
}
