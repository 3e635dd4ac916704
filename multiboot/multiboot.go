package multiboot

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/internal/utils"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

// BootloaderMagic is the value a multiboot v1 compliant bootloader leaves in EAX
const BootloaderMagic uint32 = 0x2BADB002

// Flags indicate which fields of the information structure the bootloader filled in
type Flags uint32

var flagsMapping = utils.NewFlagStringMapping[Flags]()

func (f Flags) Register(str string) {
	flagsMapping.Register(f, str)
}
func (f Flags) String() string {
	return flagsMapping.FlagsToString(f)
}

// Has reports whether every bit of flag is set
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

const (
	// FlagMemory marks MemLower and MemUpper as valid
	FlagMemory Flags = 1 << iota
	FlagBootDevice
	FlagCmdLine
	FlagModules
	FlagAoutSymbols
	FlagElfSections
	// FlagMemoryMap marks the memory map fields as valid
	FlagMemoryMap
	FlagDrives
	FlagConfigTable
	FlagBootLoaderName
	FlagApmTable
	FlagVbeInfo
	FlagFramebufferInfo
)

func init() {
	FlagMemory.Register("Memory")
	FlagBootDevice.Register("BootDevice")
	FlagCmdLine.Register("CmdLine")
	FlagModules.Register("Modules")
	FlagAoutSymbols.Register("AoutSymbols")
	FlagElfSections.Register("ElfSections")
	FlagMemoryMap.Register("MemoryMap")
	FlagDrives.Register("Drives")
	FlagConfigTable.Register("ConfigTable")
	FlagBootLoaderName.Register("BootLoaderName")
	FlagApmTable.Register("ApmTable")
	FlagVbeInfo.Register("VbeInfo")
	FlagFramebufferInfo.Register("FramebufferInfo")
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI reclaimable"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the address one past the region, saturating at the top of the 64-bit range
func (e *MemoryMapEntry) End() uint64 {
	end, ok := memutils.AddOverflowSafe(e.PhysAddress, e.Length)
	if !ok {
		return ^uint64(0)
	}
	return end
}

// Layout of the fixed part of the information structure. Only the fields up to the memory
// map are read.
const (
	offsetFlags      = 0
	offsetMemLower   = 4
	offsetMemUpper   = 8
	offsetMmapLength = 44
	offsetMmapAddr   = 48

	// InfoSize is the number of bytes of the information structure that are read and written
	InfoSize uint32 = 52
)

// Layout of a memory map entry. The size field does not count itself, so consecutive entries
// are size+4 bytes apart.
const (
	entryOffsetSize   = 0
	entryOffsetAddr   = 4
	entryOffsetLength = 12
	entryOffsetType   = 20

	// EntrySize is the size of a memory map entry as written by Write, size field included
	EntrySize uint32 = 24

	entrySizeField = EntrySize - 4
)

// Info is the subset of the multiboot v1 information structure that describes memory
type Info struct {
	Flags Flags
	// MemLower is the amount of lower memory in KiB, valid when FlagMemory is set
	MemLower uint32
	// MemUpper is the amount of memory above 1 MiB in KiB, valid when FlagMemory is set
	MemUpper uint32

	MmapLength uint32
	MmapAddr   memory.PhysAddr

	mem *memory.Physical
}

// Parse reads the information structure at addr
func Parse(mem *memory.Physical, addr memory.PhysAddr) (*Info, error) {
	raw, err := mem.Bytes(addr, InfoSize)
	if err != nil {
		return nil, errors.Wrapf(memutils.ErrInvalidBootInfo, "information structure at %s: %v", addr, err)
	}

	return &Info{
		Flags:      Flags(binary.LittleEndian.Uint32(raw[offsetFlags:])),
		MemLower:   binary.LittleEndian.Uint32(raw[offsetMemLower:]),
		MemUpper:   binary.LittleEndian.Uint32(raw[offsetMemUpper:]),
		MmapLength: binary.LittleEndian.Uint32(raw[offsetMmapLength:]),
		MmapAddr:   memory.PhysAddr(binary.LittleEndian.Uint32(raw[offsetMmapAddr:])),
		mem:        mem,
	}, nil
}

// MemRegionVisitor defines a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions will invoke the supplied visitor for each memory region in the memory map.
// Nothing is visited when FlagMemoryMap is not set. The walk stops with an error wrapping
// memutils.ErrInvalidBootInfo at the first entry that does not fit inside the map; entries
// before it have already been visited.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) error {
	if !i.Flags.Has(FlagMemoryMap) {
		return nil
	}

	if !i.mem.Contains(i.MmapAddr, i.MmapLength) {
		return errors.Wrapf(memutils.ErrInvalidBootInfo, "memory map [%s, +%d) is outside physical memory", i.MmapAddr, i.MmapLength)
	}

	cur := uint64(i.MmapAddr)
	end := cur + uint64(i.MmapLength)

	for cur < end {
		if end-cur < uint64(EntrySize) {
			return errors.Wrapf(memutils.ErrInvalidBootInfo, "truncated memory map entry at 0x%x", cur)
		}

		raw, err := i.mem.Bytes(memory.PhysAddr(cur), EntrySize)
		if err != nil {
			return errors.Wrapf(memutils.ErrInvalidBootInfo, "memory map entry at 0x%x: %v", cur, err)
		}

		size := binary.LittleEndian.Uint32(raw[entryOffsetSize:])
		if size < entrySizeField {
			return errors.Wrapf(memutils.ErrInvalidBootInfo, "memory map entry at 0x%x has size %d", cur, size)
		}

		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(raw[entryOffsetAddr:]),
			Length:      binary.LittleEndian.Uint64(raw[entryOffsetLength:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(raw[entryOffsetType:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return nil
		}

		cur += uint64(size) + 4
	}

	return nil
}

// MemoryMap collects every entry of the memory map
func (i *Info) MemoryMap() ([]MemoryMapEntry, error) {
	var entries []MemoryMapEntry
	err := i.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		entries = append(entries, *entry)
		return true
	})
	return entries, err
}
