package kmem

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/multiboot"
)

const bootInfoAddr memory.PhysAddr = 0x500

type MachineSetup struct {
	RamBytes uint32
	Magic    uint32
	BootInfo multiboot.BootInfo
	Options  CreateOptions
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func bootMachine(t *testing.T, setup MachineSetup) (*memory.Physical, *Allocator) {
	phys := memory.NewPhysical(setup.RamBytes)
	require.NoError(t, multiboot.Write(phys, bootInfoAddr, setup.BootInfo))

	allocator, err := New(testLogger(), phys, setup.Options)
	require.NoError(t, err)

	magic := setup.Magic
	if magic == 0 {
		magic = multiboot.BootloaderMagic
	}
	require.NoError(t, allocator.Init(magic, bootInfoAddr))
	return phys, allocator
}

// exampleMachine has 1 MiB of RAM, so the bitmap tracks 256 frames, and a 64 KiB initial heap
func exampleMachine(options CreateOptions) MachineSetup {
	options.Flags |= AllocatorCreateNoLowMemoryReserve
	options.KernelEnd = memory.PhysAddr(64 * memory.KiB)
	options.InitialHeapSize = 64 * memory.KiB

	return MachineSetup{
		RamBytes: memory.MiB,
		BootInfo: multiboot.BootInfo{
			Flags:    multiboot.FlagMemory | multiboot.FlagMemoryMap,
			MemLower: 640,
			MemUpper: 0,
			Regions: []multiboot.MemoryMapEntry{
				{PhysAddress: 0, Length: uint64(memory.MiB), Type: multiboot.MemAvailable},
			},
		},
		Options: options,
	}
}

// pcMachine has 2 MiB of RAM below the ceiling, a hole below 1 MiB, and a memory map that
// claims far more RAM than the ceiling allows
func pcMachine(options CreateOptions) MachineSetup {
	options.KernelEnd = memory.PhysAddr(memory.MiB)
	options.InitialHeapSize = 64 * memory.KiB

	return MachineSetup{
		RamBytes: 2 * memory.MiB,
		BootInfo: multiboot.BootInfo{
			Flags:    multiboot.FlagMemory | multiboot.FlagMemoryMap,
			MemLower: 639,
			MemUpper: 1024,
			Regions: []multiboot.MemoryMapEntry{
				{PhysAddress: 0, Length: 0x9FC00, Type: multiboot.MemAvailable},
				{PhysAddress: 0x9FC00, Length: 0x60400, Type: multiboot.MemReserved},
				{PhysAddress: uint64(memory.MiB), Length: 63 * uint64(memory.MiB), Type: multiboot.MemAvailable},
			},
		},
		Options: options,
	}
}

func requireNoOverlap(t *testing.T, a, b memory.PhysAddr, sizeA, sizeB uint32) {
	overlaps := a < b+memory.PhysAddr(sizeB) && b < a+memory.PhysAddr(sizeA)
	require.False(t, overlaps, "[%s, +%d) overlaps [%s, +%d)", a, sizeA, b, sizeB)
}

func TestExampleMachine(t *testing.T) {
	_, allocator := bootMachine(t, exampleMachine(CreateOptions{}))

	require.Equal(t, ModeNormal, allocator.Mode())
	require.Equal(t, uint32(1024), allocator.MemoryTotalKiB())
	// Frames 0 through 32 hold the kernel, the bitmap and the initial heap
	require.Equal(t, uint32(132), allocator.MemoryUsedKiB())
	require.Equal(t, uint32(892), allocator.MemoryFreeKiB())
	require.Equal(t, "Mem: 1024 KiB total, 132 KiB used, 892 KiB free", allocator.MeminfoString())
	require.Equal(t, memory.PhysAddr(0x10020), allocator.heap.Start())
	require.Equal(t, memory.PhysAddr(0x20020), allocator.heap.End())

	first, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, memory.PhysAddr(0x10038), first)

	second, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, memory.PhysAddr(0x100B8), second)
	requireNoOverlap(t, first, second, 100, 100)

	require.NoError(t, allocator.Free(first))

	third, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, first, third)

	heapEnd := allocator.heap.End()
	large, err := allocator.Allocate(70000)
	require.NoError(t, err)
	requireNoOverlap(t, large, second, 70000, 100)
	requireNoOverlap(t, large, third, 70000, 100)

	// 70000 bytes plus a header round up to 18 frames
	require.Equal(t, heapEnd+memory.PhysAddr(18*4096), allocator.heap.End())
	require.Equal(t, uint32(51*4), allocator.MemoryUsedKiB())
	require.Zero(t, allocator.GrowthDivergences())
	require.NoError(t, allocator.Validate())
}

func TestInitLowMemoryReserve(t *testing.T) {
	_, allocator := bootMachine(t, pcMachine(CreateOptions{}))

	require.Equal(t, ModeNormal, allocator.Mode())
	require.Equal(t, uint64(2*memory.MiB), allocator.ramCeiling)
	require.Equal(t, uint32(2048), allocator.MemoryTotalKiB())
	// The first MiB plus frames 256 through 272 for the bitmap and heap
	require.Equal(t, uint32(273*4), allocator.MemoryUsedKiB())
	require.Equal(t, uint32(239*4), allocator.MemoryFreeKiB())

	seen := map[memory.PhysAddr]bool{}
	for i := 0; i < 239; i++ {
		page, err := allocator.AllocatePage()
		require.NoError(t, err)
		require.GreaterOrEqual(t, page, memory.PhysAddr(0x111000))
		require.Less(t, page, memory.PhysAddr(2*memory.MiB))
		require.False(t, seen[page])
		seen[page] = true
	}

	_, err := allocator.AllocatePage()
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Zero(t, allocator.PmmAllocPage())
	require.Zero(t, allocator.MemoryFreeKiB())
	require.NoError(t, allocator.Validate())
}

func TestInitWithoutMemoryInfo(t *testing.T) {
	setup := pcMachine(CreateOptions{})
	setup.RamBytes = 4 * memory.MiB
	setup.BootInfo.Flags = multiboot.FlagMemoryMap
	setup.BootInfo.Regions[2].Length = 3 * uint64(memory.MiB)
	setup.Options.InitialHeapSize = 0

	_, allocator := bootMachine(t, setup)

	// Without the basic memory information the ceiling is the 4 GiB address space
	require.Equal(t, memory.AddressSpaceLimit, allocator.ramCeiling)
	require.Equal(t, uint32(4*1024*1024), allocator.MemoryTotalKiB())
	require.Equal(t, memory.PhysAddr(0x120000), allocator.heap.Start())
	require.Equal(t, memory.PhysAddr(0x1A0000), allocator.heap.End())
	require.Equal(t, uint32(608*4), allocator.MemoryFreeKiB())
}

func TestPageFreeRealloc(t *testing.T) {
	_, allocator := bootMachine(t, pcMachine(CreateOptions{}))

	pages := make([]memory.PhysAddr, 4)
	for i := range pages {
		pages[i] = allocator.PmmAllocPage()
		require.Equal(t, memory.PhysAddr(0x111000+i*4096), pages[i])
	}

	allocator.PmmFreePage(pages[1])
	require.Equal(t, pages[1], allocator.PmmAllocPage())

	// Freeing an already free page is a no-op
	allocator.PmmFreePage(pages[2])
	allocator.PmmFreePage(pages[2])
	require.Equal(t, pages[2], allocator.PmmAllocPage())
	require.Equal(t, memory.PhysAddr(0x115000), allocator.PmmAllocPage())
	require.NoError(t, allocator.Validate())
}

func TestFallbackWithoutMagic(t *testing.T) {
	setup := exampleMachine(CreateOptions{
		FallbackHeapSize: 64 * memory.KiB,
	})
	setup.Magic = 0x1BADB002
	setup.Options.KernelEnd = 0x10001

	_, allocator := bootMachine(t, setup)

	require.Equal(t, ModeDegraded, allocator.Mode())
	require.Equal(t, "Mem: 0 KiB total, 0 KiB used, 0 KiB free", allocator.MeminfoString())
	require.Equal(t, memory.PhysAddr(0x10010), allocator.heap.Start())
	require.Equal(t, memory.PhysAddr(0x20010), allocator.heap.End())

	ptr := allocator.Kmalloc(16)
	require.Equal(t, memory.PhysAddr(0x10028), ptr)

	_, err := allocator.AllocatePage()
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Zero(t, allocator.PmmAllocPage())
	require.NoError(t, allocator.FreePage(0x30000))

	// The fallback heap never grows
	_, err = allocator.Allocate(70000)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Zero(t, allocator.Kmalloc(70000))

	allocator.Kfree(ptr)
	require.NoError(t, allocator.Validate())
}

func TestFallbackWithoutMemoryMap(t *testing.T) {
	setup := exampleMachine(CreateOptions{})
	setup.BootInfo.Flags = multiboot.FlagMemory

	_, allocator := bootMachine(t, setup)

	require.Equal(t, ModeDegraded, allocator.Mode())
	require.Equal(t, DefaultFallbackHeapSize, allocator.heap.Size())
	require.Zero(t, allocator.MemoryTotalKiB())
}

func TestInitTwice(t *testing.T) {
	_, allocator := bootMachine(t, exampleMachine(CreateOptions{}))

	err := allocator.Init(multiboot.BootloaderMagic, bootInfoAddr)
	require.True(t, errors.Is(err, memutils.ErrAlreadyInitialized))
}

func TestUseBeforeInit(t *testing.T) {
	allocator, err := New(testLogger(), memory.NewPhysical(memory.MiB), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, ModeUninitialized, allocator.Mode())

	_, err = allocator.Allocate(16)
	require.True(t, errors.Is(err, memutils.ErrNotInitialized))
	require.Zero(t, allocator.Kmalloc(16))
	require.Zero(t, allocator.KmallocAligned(16, 16))
	require.Zero(t, allocator.PmmAllocPage())
	require.True(t, errors.Is(allocator.Free(0x1000), memutils.ErrNotInitialized))
	require.True(t, errors.Is(allocator.Validate(), memutils.ErrNotInitialized))
	require.Equal(t, "Mem: 0 KiB total, 0 KiB used, 0 KiB free", allocator.MeminfoString())
}

func TestNewRejectsBadHeapSizes(t *testing.T) {
	_, err := New(testLogger(), memory.NewPhysical(memory.MiB), CreateOptions{InitialHeapSize: 100})
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = New(testLogger(), memory.NewPhysical(memory.MiB), CreateOptions{FallbackHeapSize: 8})
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = New(testLogger(), nil, CreateOptions{})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateExternallySynchronized|AllocatorCreateNoLowMemoryReserve",
		(AllocatorCreateExternallySynchronized | AllocatorCreateNoLowMemoryReserve).String())
}

func TestAllocateInvalidSizes(t *testing.T) {
	_, allocator := bootMachine(t, exampleMachine(CreateOptions{}))

	_, err := allocator.Allocate(0)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))
	require.Zero(t, allocator.Kmalloc(0))

	_, err = allocator.Allocate(0xFFFFFFFC)
	require.True(t, errors.Is(err, memutils.ErrArithmeticOverflow))

	// Growth past the end of physical memory is refused
	_, err = allocator.Allocate(2 * memory.MiB)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, memory.PhysAddr(0x20020), allocator.heap.End())
}

func TestFreeErrors(t *testing.T) {
	phys, allocator := bootMachine(t, exampleMachine(CreateOptions{}))

	require.NoError(t, allocator.Free(0))
	allocator.Kfree(0)

	err := allocator.Free(0x10)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	allocator.Kfree(0x10)

	ptr, err := allocator.Allocate(32)
	require.NoError(t, err)
	second, err := allocator.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(ptr))
	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrDoubleFree))

	// A stomped header is reported instead of silently ignored
	header, ok := second.Sub(24)
	require.True(t, ok)
	require.NoError(t, phys.PutUint32(header+20, 0))
	err = allocator.Free(second)
	require.True(t, errors.Is(err, memutils.ErrCorruptedHeap))
	allocator.Kfree(second)
}
