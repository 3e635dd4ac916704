package multiboot

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

// BootInfo describes the information structure a bootloader would hand to the kernel
type BootInfo struct {
	Flags    Flags
	MemLower uint32
	MemUpper uint32
	Regions  []MemoryMapEntry
}

// Size returns the number of bytes Write needs for this BootInfo
func (b *BootInfo) Size() (uint32, bool) {
	mapLength, ok := memutils.MulOverflowSafe(uint32(len(b.Regions)), EntrySize)
	if !ok || uint64(len(b.Regions)) > uint64(^uint32(0)) {
		return 0, false
	}
	return memutils.AddOverflowSafe(InfoSize, mapLength)
}

// Write lays bootInfo out at addr the way a multiboot v1 bootloader does: the information
// structure, immediately followed by the memory map. The map fields are always written, but
// the kernel only reads them when FlagMemoryMap is set.
func Write(mem *memory.Physical, addr memory.PhysAddr, bootInfo BootInfo) error {
	size, ok := bootInfo.Size()
	if !ok {
		return errors.Wrapf(memutils.ErrArithmeticOverflow, "boot info with %d regions", len(bootInfo.Regions))
	}

	raw, err := mem.Bytes(addr, size)
	if err != nil {
		return errors.Wrapf(err, "boot info at %s", addr)
	}

	for i := range raw[:InfoSize] {
		raw[i] = 0
	}

	mapAddr := uint32(addr) + InfoSize
	binary.LittleEndian.PutUint32(raw[offsetFlags:], uint32(bootInfo.Flags))
	binary.LittleEndian.PutUint32(raw[offsetMemLower:], bootInfo.MemLower)
	binary.LittleEndian.PutUint32(raw[offsetMemUpper:], bootInfo.MemUpper)
	binary.LittleEndian.PutUint32(raw[offsetMmapLength:], size-InfoSize)
	binary.LittleEndian.PutUint32(raw[offsetMmapAddr:], mapAddr)

	entries := raw[InfoSize:]
	for _, region := range bootInfo.Regions {
		binary.LittleEndian.PutUint32(entries[entryOffsetSize:], entrySizeField)
		binary.LittleEndian.PutUint64(entries[entryOffsetAddr:], region.PhysAddress)
		binary.LittleEndian.PutUint64(entries[entryOffsetLength:], region.Length)
		binary.LittleEndian.PutUint32(entries[entryOffsetType:], uint32(region.Type))
		entries = entries[EntrySize:]
	}

	return nil
}
