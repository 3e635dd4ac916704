package kmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/metadata"
)

const (
	// AlignedMagic marks the prefix written in front of a payload returned by AllocateAligned
	AlignedMagic uint32 = 0xA11A1100
	// AlignedPrefixSize is the size of the prefix: the magic followed by the raw payload address
	AlignedPrefixSize uint32 = 8
)

// AllocateAligned returns the address of a payload of at least size bytes aligned to align.
// An align below 8, or one that is not a power of two, is replaced with 8. The result must be
// released with Free, which recognizes the prefix and releases the underlying block.
func (a *Allocator) AllocateAligned(size uint32, align uint32) (memory.PhysAddr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkInitialized()
	if err != nil {
		return 0, err
	}

	return a.allocateAligned(size, align)
}

func (a *Allocator) allocateAligned(size uint32, align uint32) (memory.PhysAddr, error) {
	if size == 0 {
		return 0, memutils.ErrInvalidSize
	}

	if align < metadata.MinAllocationAlignment {
		align = metadata.MinAllocationAlignment
	} else if !memutils.IsPow2(align) {
		a.logger.Debug("Allocator::allocateAligned alignment is not a power of two, using 8",
			slog.Int("Align", int(align)))
		align = metadata.MinAllocationAlignment
	}
	memutils.DebugCheckPow2(align, "align")

	total, ok := memutils.AddOverflowSafe(size, align)
	if ok {
		total, ok = memutils.AddOverflowSafe(total, AlignedPrefixSize)
	}
	if !ok {
		return 0, errors.Wrapf(memutils.ErrArithmeticOverflow, "aligned allocation of %d bytes at alignment %d", size, align)
	}

	raw, err := a.allocate(total)
	if err != nil {
		return 0, err
	}

	aligned, ok := memutils.AlignUp(uint32(raw)+AlignedPrefixSize, align)
	if !ok {
		return 0, errors.Wrapf(memutils.ErrArithmeticOverflow, "aligning %s to %d", raw, align)
	}

	prefix := memory.PhysAddr(aligned - AlignedPrefixSize)
	err = a.phys.PutUint32(prefix, AlignedMagic)
	if err != nil {
		return 0, err
	}
	err = a.phys.PutUint32(prefix+4, uint32(raw))
	if err != nil {
		return 0, err
	}

	return memory.PhysAddr(aligned), nil
}

// unwrapAligned recognizes the prefix written by AllocateAligned in front of ptr. When one is
// present and points at a live block, the prefix is wiped and the raw payload returned.
func (a *Allocator) unwrapAligned(ptr memory.PhysAddr) (memory.PhysAddr, bool, error) {
	prefix, ok := ptr.Sub(AlignedPrefixSize)
	if !ok || prefix < a.heap.Start() || ptr >= a.heap.End() {
		return 0, false, nil
	}

	magic, err := a.phys.Uint32(prefix)
	if err != nil || magic != AlignedMagic {
		return 0, false, nil
	}

	rawValue, err := a.phys.Uint32(prefix + 4)
	if err != nil {
		return 0, false, err
	}
	raw := memory.PhysAddr(rawValue)

	block, err := a.heap.BlockAt(raw)
	if err != nil {
		return 0, false, errors.Wrapf(err, "aligned pointer %s records raw pointer %s", ptr, raw)
	}
	if block.Free {
		return 0, false, errors.Wrapf(memutils.ErrDoubleFree, "aligned pointer %s", ptr)
	}

	err = a.phys.PutUint32(prefix, 0)
	if err != nil {
		return 0, false, err
	}

	return raw, true, nil
}
