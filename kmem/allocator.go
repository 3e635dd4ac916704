package kmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/internal/utils"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/metadata"
	"github.com/tervia/kmem/memutils/pmm"
	"github.com/tervia/kmem/multiboot"
)

// Mode reports how the allocator was brought up
type Mode int

const (
	// ModeUninitialized means Init has not completed
	ModeUninitialized Mode = iota
	// ModeNormal means frames are tracked from the boot memory map and the heap can grow
	ModeNormal
	// ModeDegraded means no usable memory map was found: a fixed heap sits after the kernel
	// image and no frames are tracked
	ModeDegraded
)

var modeNames = map[Mode]string{
	ModeUninitialized: "Uninitialized",
	ModeNormal:        "Normal",
	ModeDegraded:      "Degraded",
}

func (m Mode) String() string {
	return modeNames[m]
}

// Allocator owns the physical frame bitmap and the kernel heap. It is created by New and
// brought up once by Init; afterwards every method may be called until the machine stops.
type Allocator struct {
	mutex  utils.OptionalRWMutex
	logger *slog.Logger
	phys   *memory.Physical

	createFlags      CreateFlags
	kernelEnd        memory.PhysAddr
	initialHeapSize  uint32
	fallbackHeapSize uint32
	frameSource      FrameSource

	mode       Mode
	ramCeiling uint64
	frames     *pmm.BitmapAllocator
	heap       metadata.BlockMetadata
	grower     heapGrower
}

// Mode returns how the allocator was brought up
func (a *Allocator) Mode() Mode {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.mode
}

// Init brings the allocator up from the multiboot information left by the bootloader.
//
// When bootMagic does not match multiboot.BootloaderMagic, or the information structure carries
// no memory map, the allocator falls back to a fixed heap after the kernel image with no frame
// tracking. Otherwise the frame bitmap is placed after the kernel image, every usable region of
// the memory map below the RAM ceiling is released, and the bitmap and initial heap are reserved.
//
// Init may only succeed once; later calls return memutils.ErrAlreadyInitialized.
func (a *Allocator) Init(bootMagic uint32, infoPtr memory.PhysAddr) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.mode != ModeUninitialized {
		return memutils.ErrAlreadyInitialized
	}

	if bootMagic != multiboot.BootloaderMagic {
		a.logger.Warn("boot magic mismatch, using fallback heap",
			slog.String("Magic", hex32(bootMagic)))
		return a.initFallback()
	}

	info, err := multiboot.Parse(a.phys, infoPtr)
	if err != nil {
		a.logger.Warn("boot information unreadable, using fallback heap", slog.Any("Error", err))
		return a.initFallback()
	}

	if !info.Flags.Has(multiboot.FlagMemoryMap) {
		a.logger.Warn("boot information has no memory map, using fallback heap",
			slog.String("Flags", info.Flags.String()))
		return a.initFallback()
	}

	return a.initFromMemoryMap(info)
}

func hex32(v uint32) string {
	return memory.PhysAddr(v).String()
}

func (a *Allocator) initFallback() error {
	base, ok := memutils.AlignUp(uint32(a.kernelEnd), bootstrapAlignment)
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "kernel end %s", a.kernelEnd)
	}

	heap := metadata.NewHeapMetadata(a.phys)
	err := heap.Init(memory.PhysAddr(base), a.fallbackHeapSize)
	if err != nil {
		return errors.Wrap(err, "could not place the fallback heap")
	}

	a.heap = heap
	a.mode = ModeDegraded
	a.grower = heapGrower{logger: a.logger, heap: heap}

	a.logger.Debug("Allocator::initFallback",
		slog.String("HeapStart", heap.Start().String()),
		slog.String("HeapEnd", heap.End().String()))
	return nil
}

// ramCeiling estimates the top of RAM from the basic memory information, falling back to the
// addressable limit when it is missing.
func ramCeiling(info *multiboot.Info) uint64 {
	ceiling := memory.AddressSpaceLimit
	if info.Flags.Has(multiboot.FlagMemory) {
		// MemUpper counts KiB above the first MiB
		ceiling = (uint64(info.MemUpper) + 1024) * 1024
	}

	if ceiling > memory.AddressSpaceLimit {
		ceiling = memory.AddressSpaceLimit
	}
	return ceiling
}

func (a *Allocator) initFromMemoryMap(info *multiboot.Info) error {
	ceiling := ramCeiling(info)

	totalFrames := uint32(ceiling / uint64(pmm.PageSize))
	if totalFrames < MinimumFrames {
		totalFrames = MinimumFrames
	}

	bitmapBase, ok := memutils.AlignUp(uint32(a.kernelEnd), bootstrapAlignment)
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "kernel end %s", a.kernelEnd)
	}
	bitmapBytes := pmm.BitmapBytes(totalFrames)

	bitmapEnd, ok := memutils.AddOverflowSafe(bitmapBase, bitmapBytes)
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "bitmap of %d bytes at 0x%x", bitmapBytes, bitmapBase)
	}

	heapBase, ok := memutils.AlignUp(bitmapEnd, bootstrapAlignment)
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "heap after bitmap end 0x%x", bitmapEnd)
	}

	heapEnd, ok := memutils.AddOverflowSafe(heapBase, a.initialHeapSize)
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "heap of %d bytes at 0x%x", a.initialHeapSize, heapBase)
	}

	storage, err := a.phys.Bytes(memory.PhysAddr(bitmapBase), bitmapBytes)
	if err != nil {
		return errors.Wrap(err, "could not place the frame bitmap")
	}

	frames, err := pmm.NewBitmapAllocator(storage, totalFrames)
	if err != nil {
		return err
	}

	frames.MarkAllUsed()

	err = info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start := entry.PhysAddress
		end := entry.End()
		if start >= ceiling || end <= start {
			return true
		}
		if end > ceiling {
			end = ceiling
		}

		frames.MarkRegionFree(start, end-start)
		a.logger.Debug("Allocator::initFromMemoryMap released region",
			slog.Uint64("Start", start),
			slog.Uint64("End", end))
		return true
	})
	if err != nil {
		// Regions visited before the damaged entry stay released
		a.logger.Warn("memory map walk stopped early", slog.Any("Error", err))
	}

	reservedStart := uint64(0)
	if a.createFlags&AllocatorCreateNoLowMemoryReserve == 0 {
		frames.MarkRegionUsed(0, LowMemoryLimit)
		reservedStart = LowMemoryLimit
	}

	reservedEnd := uint64(heapEnd)
	if reservedEnd > ceiling {
		reservedEnd = ceiling
	}
	if reservedEnd > reservedStart {
		frames.MarkRegionUsed(reservedStart, reservedEnd-reservedStart)
	}

	heap := metadata.NewHeapMetadata(a.phys)
	err = heap.Init(memory.PhysAddr(heapBase), a.initialHeapSize)
	if err != nil {
		return errors.Wrap(err, "could not place the initial heap")
	}

	source := a.frameSource
	if source == nil {
		source = frames
	}

	a.frames = frames
	a.heap = heap
	a.ramCeiling = ceiling
	a.mode = ModeNormal
	a.grower = heapGrower{
		logger: a.logger,
		heap:   heap,
		frames: source,
		limit:  growthLimit(a.phys),
	}

	a.logger.Debug("Allocator::initFromMemoryMap",
		slog.Uint64("RamCeiling", ceiling),
		slog.Int("TotalFrames", int(totalFrames)),
		slog.Int("UsedFrames", int(frames.UsedFrames())),
		slog.String("HeapStart", heap.Start().String()),
		slog.String("HeapEnd", heap.End().String()))
	return nil
}

func (a *Allocator) checkInitialized() error {
	if a.mode == ModeUninitialized {
		return memutils.ErrNotInitialized
	}
	return nil
}

// AllocatePage reserves the lowest free physical frame and returns its address
func (a *Allocator) AllocatePage() (memory.PhysAddr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkInitialized()
	if err != nil {
		return 0, err
	}

	if a.frames == nil {
		return 0, errors.Wrap(memutils.ErrOutOfMemory, "frames are not tracked in degraded mode")
	}

	frame, err := a.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	return frame.Address(), nil
}

// FreePage releases the frame containing addr. Releasing a frame that is already free or out of
// range is a no-op, as is every release in degraded mode.
func (a *Allocator) FreePage(addr memory.PhysAddr) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkInitialized()
	if err != nil {
		return err
	}

	if a.frames != nil {
		a.frames.FreeFrame(pmm.FrameFromAddress(addr))
	}
	return nil
}

// Allocate returns the address of a payload of at least size bytes, aligned to 8 bytes. The heap
// is grown once when no free block is large enough.
func (a *Allocator) Allocate(size uint32) (memory.PhysAddr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkInitialized()
	if err != nil {
		return 0, err
	}

	return a.allocate(size)
}

func (a *Allocator) allocate(size uint32) (memory.PhysAddr, error) {
	success, request, err := a.heap.CreateAllocationRequest(size)
	if err != nil {
		return 0, err
	}

	if !success {
		// CreateAllocationRequest has already proven the rounded size fits
		needed, _ := memutils.AlignUp(size, metadata.MinAllocationAlignment)
		growBy, ok := memutils.AddOverflowSafe(needed, metadata.HeaderSize)
		if !ok {
			return 0, errors.Wrapf(memutils.ErrArithmeticOverflow, "growing the heap for %d bytes", size)
		}

		err = a.grower.Grow(growBy)
		if err != nil {
			return 0, errors.Wrapf(err, "allocating %d bytes", size)
		}

		success, request, err = a.heap.CreateAllocationRequest(size)
		if err != nil {
			return 0, err
		}
		if !success {
			return 0, errors.Wrapf(memutils.ErrOutOfMemory, "no block holds %d bytes after growth", size)
		}
	}

	err = a.heap.Alloc(request)
	if err != nil {
		return 0, err
	}

	return request.BlockAllocationHandle.Payload(), nil
}

// Free releases a payload returned by Allocate or AllocateAligned. Freeing 0 is a no-op.
func (a *Allocator) Free(ptr memory.PhysAddr) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkInitialized()
	if err != nil {
		return err
	}

	return a.free(ptr)
}

func (a *Allocator) free(ptr memory.PhysAddr) error {
	if ptr == 0 {
		return nil
	}

	raw, aligned, err := a.unwrapAligned(ptr)
	if err != nil {
		return err
	}

	if aligned {
		return a.heap.Free(raw)
	}

	return a.heap.Free(ptr)
}
