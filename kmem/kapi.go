package kmem

import (
	"log/slog"

	"github.com/tervia/kmem/memory"
)

// The methods in this file are the interface the rest of the kernel allocates through. They
// report failure with a zero address and log the underlying error instead of returning it.
//
// PmmAllocPage cannot distinguish frame 0 from failure. Frame 0 is always reserved unless the
// allocator was created with AllocatorCreateNoLowMemoryReserve.

// PmmAllocPage reserves a physical frame and returns its address, or 0 when none is free
func (a *Allocator) PmmAllocPage() memory.PhysAddr {
	addr, err := a.AllocatePage()
	if err != nil {
		a.logger.Warn("PmmAllocPage failed", slog.Any("Error", err))
		return 0
	}
	return addr
}

// PmmFreePage releases the frame containing addr
func (a *Allocator) PmmFreePage(addr memory.PhysAddr) {
	err := a.FreePage(addr)
	if err != nil {
		a.logger.Error("PmmFreePage rejected", slog.String("Address", addr.String()), slog.Any("Error", err))
	}
}

// Kmalloc returns a payload of at least size bytes, or 0 on failure
func (a *Allocator) Kmalloc(size uint32) memory.PhysAddr {
	ptr, err := a.Allocate(size)
	if err != nil {
		a.logger.Warn("Kmalloc failed", slog.Int("Size", int(size)), slog.Any("Error", err))
		return 0
	}
	return ptr
}

// KmallocAligned returns a payload of at least size bytes aligned to align, or 0 on failure
func (a *Allocator) KmallocAligned(size uint32, align uint32) memory.PhysAddr {
	ptr, err := a.AllocateAligned(size, align)
	if err != nil {
		a.logger.Warn("KmallocAligned failed",
			slog.Int("Size", int(size)),
			slog.Int("Align", int(align)),
			slog.Any("Error", err))
		return 0
	}
	return ptr
}

// Kfree releases a payload returned by Kmalloc or KmallocAligned. Invalid pointers and
// damaged headers are logged and otherwise ignored.
func (a *Allocator) Kfree(ptr memory.PhysAddr) {
	err := a.Free(ptr)
	if err != nil {
		a.logger.Error("Kfree rejected", slog.String("Address", ptr.String()), slog.Any("Error", err))
	}
}
