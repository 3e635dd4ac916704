package metadata

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

const (
	// HeaderSize is the size in bytes of the header that precedes every heap payload
	HeaderSize uint32 = 24
	// HeapMagic is the sentinel stored in every live block header
	HeapMagic uint32 = 0xC15E1234
	// MinAllocationAlignment is the granularity of payload sizes, and the alignment of every
	// payload when the heap base is aligned to it
	MinAllocationAlignment uint32 = 8

	// MinBlockSize is the smallest block, header included, that may be split off or appended
	MinBlockSize = HeaderSize + MinAllocationAlignment
)

const (
	offsetSize     = 0
	offsetPrev     = 4
	offsetNext     = 8
	offsetFlags    = 12
	offsetReserved = 16
	offsetMagic    = 20

	flagFree uint32 = 1
)

// Payload returns the address of the payload that follows the header identified by this handle
func (h BlockAllocationHandle) Payload() memory.PhysAddr {
	return memory.PhysAddr(h) + memory.PhysAddr(HeaderSize)
}

// block is a decoded header together with the address it was read from
type block struct {
	addr memory.PhysAddr
	size uint32
	prev memory.PhysAddr
	next memory.PhysAddr
	free bool
}

func (b *block) payload() memory.PhysAddr {
	return b.addr + memory.PhysAddr(HeaderSize)
}

// end returns the address one past the block's payload. headerAt guarantees it does not wrap.
func (b *block) end() memory.PhysAddr {
	return b.payload() + memory.PhysAddr(b.size)
}

func (b *block) total() uint32 {
	return HeaderSize + b.size
}

// headerAt decodes the header at addr. The header and its payload must lie inside the heap,
// and the sentinel must be intact.
func (m *HeapMetadata) headerAt(addr memory.PhysAddr) (block, error) {
	if addr < m.start || uint64(addr)+uint64(HeaderSize) > uint64(m.end) {
		return block{}, errors.Wrapf(memutils.ErrCorruptedHeap, "block address %s is outside the heap [%s, %s)", addr, m.start, m.end)
	}

	raw, err := m.mem.Bytes(addr, HeaderSize)
	if err != nil {
		return block{}, errors.Wrapf(memutils.ErrCorruptedHeap, "block address %s: %v", addr, err)
	}

	if magic := binary.LittleEndian.Uint32(raw[offsetMagic:]); magic != HeapMagic {
		return block{}, errors.Wrapf(memutils.ErrCorruptedHeap, "block at %s has sentinel 0x%08x", addr, magic)
	}

	b := block{
		addr: addr,
		size: binary.LittleEndian.Uint32(raw[offsetSize:]),
		prev: memory.PhysAddr(binary.LittleEndian.Uint32(raw[offsetPrev:])),
		next: memory.PhysAddr(binary.LittleEndian.Uint32(raw[offsetNext:])),
		free: binary.LittleEndian.Uint32(raw[offsetFlags:])&flagFree != 0,
	}

	if uint64(addr)+uint64(HeaderSize)+uint64(b.size) > uint64(m.end) {
		return block{}, errors.Wrapf(memutils.ErrCorruptedHeap, "block at %s with size %d runs past the heap end %s", addr, b.size, m.end)
	}

	return b, nil
}

func (m *HeapMetadata) writeHeader(b *block) error {
	raw, err := m.mem.Bytes(b.addr, HeaderSize)
	if err != nil {
		return err
	}

	var flags uint32
	if b.free {
		flags |= flagFree
	}

	binary.LittleEndian.PutUint32(raw[offsetSize:], b.size)
	binary.LittleEndian.PutUint32(raw[offsetPrev:], uint32(b.prev))
	binary.LittleEndian.PutUint32(raw[offsetNext:], uint32(b.next))
	binary.LittleEndian.PutUint32(raw[offsetFlags:], flags)
	binary.LittleEndian.PutUint32(raw[offsetReserved:], 0)
	binary.LittleEndian.PutUint32(raw[offsetMagic:], HeapMagic)
	return nil
}

// wipeHeader clears the sentinel of a header that was merged into its neighbour
func (m *HeapMetadata) wipeHeader(addr memory.PhysAddr) error {
	return m.mem.PutUint32(addr+offsetMagic, 0)
}

// setPrev rewrites the back link of the block at addr, if there is one
func (m *HeapMetadata) setPrev(addr memory.PhysAddr, prev memory.PhysAddr) error {
	if addr == 0 {
		return nil
	}

	b, err := m.headerAt(addr)
	if err != nil {
		return err
	}
	b.prev = prev
	return m.writeHeader(&b)
}
