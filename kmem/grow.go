package kmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/metadata"
	"github.com/tervia/kmem/memutils/pmm"
)

//go:generate mockgen -source grow.go -destination mock_frame_source_test.go -package kmem

// FrameSource is the part of the frame allocator that heap growth relies on.
// *pmm.BitmapAllocator implements it.
type FrameSource interface {
	AllocFrame() (pmm.Frame, error)
	FreeFrame(f pmm.Frame)
	MarkRegionUsed(base, length uint64)
}

var _ FrameSource = &pmm.BitmapAllocator{}

// growthLimit is the first address heap growth may not reach
func growthLimit(phys *memory.Physical) uint64 {
	limit := phys.Size()
	if limit > memory.AddressSpaceLimit {
		limit = memory.AddressSpaceLimit
	}
	return limit
}

// heapGrower extends the heap over the frames directly after its end. A heapGrower without
// frames cannot grow, which is how degraded mode behaves.
type heapGrower struct {
	logger *slog.Logger
	heap   metadata.BlockMetadata
	frames FrameSource
	limit  uint64

	divergences int
	grownBytes  uint64
}

// Grow extends the heap by at least minBytes rounded up to a whole number of frames.
//
// Each frame-sized step of the new range is claimed by first taking a frame from the frame
// source to prove one is available, handing it straight back, and then marking the step
// itself used. When the frame handed out is not one of the frames covering the step, that
// frame was only borrowed while a different one was claimed; this is logged and counted but
// not corrected. A step frame that is already in use, for instance a page handed out by
// AllocatePage, is claimed for the heap anyway and is not reclaimed from its owner; the
// divergence counter is the only trace of that overlap. Frames claimed before a failure are
// not released.
func (g *heapGrower) Grow(minBytes uint32) error {
	if g.frames == nil {
		return errors.Wrap(memutils.ErrOutOfMemory, "the heap cannot grow without frame tracking")
	}

	growBy, ok := memutils.AlignUp(minBytes, pmm.PageSize)
	if !ok || growBy == 0 {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "growing the heap by %d bytes", minBytes)
	}

	start := uint64(g.heap.End())
	end := start + uint64(growBy)
	if end > g.limit {
		return errors.Wrapf(memutils.ErrOutOfMemory, "growing the heap to 0x%x passes the end of memory at 0x%x", end, g.limit)
	}

	for step := start; step < end; step += uint64(pmm.PageSize) {
		frame, err := g.frames.AllocFrame()
		if err != nil {
			return errors.Wrapf(err, "claiming the frame for heap address 0x%x", step)
		}
		g.frames.FreeFrame(frame)

		first := pmm.Frame(pmm.FrameRoundDown(step))
		last := pmm.Frame(pmm.FrameRoundUp(step+uint64(pmm.PageSize)) - 1)
		if frame < first || frame > last {
			g.divergences++
			g.logger.Warn("heap growth claimed a different frame than the one allocated",
				slog.String("StepAddress", memory.PhysAddr(step).String()),
				slog.String("AllocatedFrame", frame.Address().String()))
		}

		g.frames.MarkRegionUsed(step, uint64(pmm.PageSize))
	}

	err := g.heap.Extend(memory.PhysAddr(start), growBy)
	if err != nil {
		return err
	}

	g.grownBytes += uint64(growBy)
	g.logger.Debug("heapGrower::Grow",
		slog.Int("Bytes", int(growBy)),
		slog.String("HeapEnd", g.heap.End().String()))
	return nil
}

// Divergences returns how many growth steps claimed a frame other than the one allocated
func (g *heapGrower) Divergences() int {
	return g.divergences
}

// GrownBytes returns the total number of bytes added to the heap by growth
func (g *heapGrower) GrownBytes() uint64 {
	return g.grownBytes
}
