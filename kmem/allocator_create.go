package kmem

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/internal/utils"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/metadata"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time, for instance
	// by only calling it with interrupts disabled.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateNoLowMemoryReserve leaves the first megabyte of physical memory to the memory
	// map instead of reserving it unconditionally. Frames below the kernel image are still reserved.
	AllocatorCreateNoLowMemoryReserve
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateNoLowMemoryReserve.Register("AllocatorCreateNoLowMemoryReserve")
}

const (
	// DefaultInitialHeapSize is the heap size used when CreateOptions.InitialHeapSize is 0
	DefaultInitialHeapSize uint32 = 512 * memory.KiB
	// DefaultFallbackHeapSize is the heap size used when CreateOptions.FallbackHeapSize is 0
	DefaultFallbackHeapSize uint32 = 256 * memory.KiB

	// LowMemoryLimit is the end of the region reserved for firmware and legacy devices
	LowMemoryLimit uint64 = 1 * uint64(memory.MiB)
	// MinimumFrames is the smallest number of frames the bitmap will track, whatever the
	// bootloader reports
	MinimumFrames uint32 = 256

	// bootstrapAlignment is the alignment of the bitmap and of the initial heap
	bootstrapAlignment uint32 = 16
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// KernelEnd is the first physical address past the kernel image. The frame bitmap and the
	// initial heap are laid out from here.
	KernelEnd memory.PhysAddr

	// InitialHeapSize is the size in bytes of the heap created when the boot memory map is usable.
	// It must be a multiple of 8. Defaults to DefaultInitialHeapSize.
	InitialHeapSize uint32
	// FallbackHeapSize is the size in bytes of the heap created when there is no usable boot memory map.
	// It must be a multiple of 8. Defaults to DefaultFallbackHeapSize.
	FallbackHeapSize uint32

	// FrameSource can be left nil. If it is provided, heap growth claims frames through it instead
	// of through the allocator's own frame bitmap.
	FrameSource FrameSource
}

func checkHeapSize(size uint32, name string) error {
	if size < metadata.MinBlockSize || size%metadata.MinAllocationAlignment != 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "%s must be a multiple of %d and at least %d, got %d",
			name, metadata.MinAllocationAlignment, metadata.MinBlockSize, size)
	}
	return nil
}

// New creates a new Allocator. The allocator does not manage any memory until Init is called.
//
// logger - Receives diagnostics about initialization, heap growth and rejected frees. If nil,
// slog.Default() is used
//
// phys - The identity-mapped physical memory the allocator lays its structures out in
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, phys *memory.Physical, options CreateOptions) (*Allocator, error) {
	if phys == nil {
		return nil, errors.New("kmem.New requires a physical memory image")
	}
	if logger == nil {
		logger = slog.Default()
	}

	allocator := &Allocator{
		logger:      logger,
		phys:        phys,
		createFlags: options.Flags,
		kernelEnd:   options.KernelEnd,
		frameSource: options.FrameSource,
	}
	allocator.mutex.UseMutex = options.Flags&AllocatorCreateExternallySynchronized == 0

	if options.InitialHeapSize == 0 {
		allocator.initialHeapSize = DefaultInitialHeapSize
	} else {
		allocator.initialHeapSize = options.InitialHeapSize
	}

	if options.FallbackHeapSize == 0 {
		allocator.fallbackHeapSize = DefaultFallbackHeapSize
	} else {
		allocator.fallbackHeapSize = options.FallbackHeapSize
	}

	err := checkHeapSize(allocator.initialHeapSize, "InitialHeapSize")
	if err != nil {
		return nil, err
	}

	err = checkHeapSize(allocator.fallbackHeapSize, "FallbackHeapSize")
	if err != nil {
		return nil, err
	}

	return allocator, nil
}
