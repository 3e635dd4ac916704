package pmm

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tervia/kmem/memutils"
)

// BitmapAllocator is a physical frame allocator that tracks frame reservations with one
// bit per frame. Bit f is set iff frame f is allocated.
//
// The bitmap storage is provided by the caller; during boot it is carved out of physical
// memory directly after the kernel image.
type BitmapAllocator struct {
	bitmap      []byte
	totalFrames uint32
	usedFrames  uint32
}

// BitmapBytes returns the number of bitmap bytes needed to track totalFrames frames.
func BitmapBytes(totalFrames uint32) uint32 {
	return uint32((uint64(totalFrames) + 7) / 8)
}

// NewBitmapAllocator creates an allocator for totalFrames frames on top of the provided
// bitmap storage. The storage is cleared, so every frame starts out free.
func NewBitmapAllocator(bitmap []byte, totalFrames uint32) (*BitmapAllocator, error) {
	required := BitmapBytes(totalFrames)
	if uint64(len(bitmap)) < uint64(required) {
		return nil, errors.Newf("bitmap storage holds %d bytes but %d frames require %d", len(bitmap), totalFrames, required)
	}

	bitmap = bitmap[:required]
	for i := range bitmap {
		bitmap[i] = 0
	}

	return &BitmapAllocator{
		bitmap:      bitmap,
		totalFrames: totalFrames,
	}, nil
}

// TotalFrames returns the number of frames tracked by the allocator
func (a *BitmapAllocator) TotalFrames() uint32 { return a.totalFrames }

// UsedFrames returns the number of frames currently marked as allocated
func (a *BitmapAllocator) UsedFrames() uint32 { return a.usedFrames }

// FreeFrames returns the number of frames currently free
func (a *BitmapAllocator) FreeFrames() uint32 { return a.totalFrames - a.usedFrames }

func (a *BitmapAllocator) test(f uint32) bool {
	return a.bitmap[f>>3]&(1<<(f&7)) != 0
}

func (a *BitmapAllocator) set(f uint32) {
	a.bitmap[f>>3] |= 1 << (f & 7)
}

func (a *BitmapAllocator) clear(f uint32) {
	a.bitmap[f>>3] &^= 1 << (f & 7)
}

// IsUsed reports whether frame f is allocated. Frames outside the tracked range are
// reported as used.
func (a *BitmapAllocator) IsUsed(f Frame) bool {
	if uint32(f) >= a.totalFrames {
		return true
	}
	return a.test(uint32(f))
}

// AllocFrame scans the bitmap from frame 0 upward and reserves the first free frame.
// The scan is linear in the number of frames.
func (a *BitmapAllocator) AllocFrame() (Frame, error) {
	for f := uint32(0); f < a.totalFrames; f++ {
		if !a.test(f) {
			a.set(f)
			a.usedFrames++
			return Frame(f), nil
		}
	}

	return InvalidFrame, errors.Wrapf(memutils.ErrOutOfMemory, "all %d frames are in use", a.totalFrames)
}

// FreeFrame releases frame f. Releasing a frame that is out of range or already free is a no-op.
func (a *BitmapAllocator) FreeFrame(f Frame) {
	if uint32(f) >= a.totalFrames {
		return
	}

	if a.test(uint32(f)) {
		a.clear(uint32(f))
		a.usedFrames--
	}
}

// MarkAllUsed reserves every frame.
func (a *BitmapAllocator) MarkAllUsed() {
	for i := range a.bitmap {
		a.bitmap[i] = 0xFF
	}
	if trailing := a.totalFrames & 7; trailing != 0 {
		a.bitmap[len(a.bitmap)-1] = byte(1<<trailing) - 1
	}
	a.usedFrames = a.totalFrames
}

// frameRange clamps the frame interval [start, end) to the tracked frames.
func (a *BitmapAllocator) frameRange(start, end uint64) (uint32, uint32) {
	if end > uint64(a.totalFrames) {
		end = uint64(a.totalFrames)
	}
	if start > end {
		start = end
	}
	return uint32(start), uint32(end)
}

// regionEnd returns base+length, saturating instead of wrapping.
func regionEnd(base, length uint64) uint64 {
	end, ok := memutils.AddOverflowSafe(base, length)
	if !ok {
		return ^uint64(0)
	}
	return end
}

// MarkRegionFree releases every frame that lies entirely inside [base, base+length).
// The start is rounded up and the end rounded down, so frames that are only partially
// covered keep their current state.
func (a *BitmapAllocator) MarkRegionFree(base, length uint64) {
	start, end := a.frameRange(FrameRoundUp(base), FrameRoundDown(regionEnd(base, length)))

	for f := start; f < end; f++ {
		if a.test(f) {
			a.clear(f)
			a.usedFrames--
		}
	}
}

// MarkRegionUsed reserves every frame that overlaps [base, base+length). The start is
// rounded down and the end rounded up, so partially covered frames are claimed.
func (a *BitmapAllocator) MarkRegionUsed(base, length uint64) {
	start, end := a.frameRange(FrameRoundDown(base), FrameRoundUp(regionEnd(base, length)))

	for f := start; f < end; f++ {
		if !a.test(f) {
			a.set(f)
			a.usedFrames++
		}
	}
}

// Validate checks that the used-frame counter matches the bitmap contents and that no bit
// beyond the last tracked frame is set.
func (a *BitmapAllocator) Validate() error {
	var counted uint32
	for _, b := range a.bitmap {
		counted += uint32(bits.OnesCount8(b))
	}

	if trailing := a.totalFrames & 7; trailing != 0 {
		last := a.bitmap[len(a.bitmap)-1]
		if last>>trailing != 0 {
			return errors.Newf("bitmap has bits set past frame %d", a.totalFrames-1)
		}
	}

	if counted != a.usedFrames {
		return errors.Newf("the used frame counter is %d, but %d bits are set in the bitmap", a.usedFrames, counted)
	}

	return nil
}

// AddStatistics sums the frame pool into stats. The pool counts as a single block and every
// used frame as one allocation.
func (a *BitmapAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += int(uint64(a.totalFrames) * uint64(PageSize))
	stats.AllocationCount += int(a.usedFrames)
	stats.AllocationBytes += int(uint64(a.usedFrames) * uint64(PageSize))
}

// WriteJson populates a json object with information about the allocator
func (a *BitmapAllocator) WriteJson(json *jwriter.ObjectState) {
	json.Name("PageSize").Int(int(PageSize))
	json.Name("TotalFrames").Int(int(a.totalFrames))
	json.Name("UsedFrames").Int(int(a.usedFrames))
	json.Name("FreeFrames").Int(int(a.FreeFrames()))
	json.Name("BitmapBytes").Int(len(a.bitmap))
}
