// Package memory models the machine's identity-mapped physical memory as a byte image.
//
// Physical address a is byte a of the image. Every structure the memory manager keeps in
// memory (the frame bitmap, heap block headers, aligned prefixes, the boot information
// block) is read and written through the bounds-checked accessors below.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tervia/kmem/memutils"
)

// PhysAddr is a 32-bit physical address.
type PhysAddr uint32

// Add returns a + offset, reporting false if the result would leave the 32-bit address space.
func (a PhysAddr) Add(offset uint32) (PhysAddr, bool) {
	sum, ok := memutils.AddOverflowSafe(uint32(a), offset)
	return PhysAddr(sum), ok
}

// Sub returns a - offset, reporting false if offset is larger than a.
func (a PhysAddr) Sub(offset uint32) (PhysAddr, bool) {
	diff, ok := memutils.SubUnderflowSafe(uint32(a), offset)
	return PhysAddr(diff), ok
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

// Physical is an identity-mapped physical memory image starting at address 0.
type Physical struct {
	data []byte
}

// NewPhysical creates a zeroed physical memory image of the provided size in bytes.
func NewPhysical(size uint32) *Physical {
	return &Physical{data: make([]byte, size)}
}

// Size returns the number of bytes backed by the image.
func (p *Physical) Size() uint64 {
	return uint64(len(p.data))
}

// Contains reports whether the byte range [addr, addr+length) is backed by the image.
func (p *Physical) Contains(addr PhysAddr, length uint32) bool {
	return uint64(addr)+uint64(length) <= p.Size()
}

// Bytes returns the slice of the image covering [addr, addr+length). The slice aliases the
// image, so writes through it are writes to physical memory.
func (p *Physical) Bytes(addr PhysAddr, length uint32) ([]byte, error) {
	if !p.Contains(addr, length) {
		return nil, errors.Wrapf(memutils.ErrOutOfBounds, "range %s+%d exceeds memory size %d", addr, length, p.Size())
	}

	start := uint64(addr)
	return p.data[start : start+uint64(length)], nil
}

// Uint32 reads a little-endian uint32 at addr.
func (p *Physical) Uint32(addr PhysAddr) (uint32, error) {
	b, err := p.Bytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutUint32 writes a little-endian uint32 at addr.
func (p *Physical) PutUint32(addr PhysAddr, value uint32) error {
	b, err := p.Bytes(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

// Uint64 reads a little-endian uint64 at addr.
func (p *Physical) Uint64(addr PhysAddr) (uint64, error) {
	b, err := p.Bytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutUint64 writes a little-endian uint64 at addr.
func (p *Physical) PutUint64(addr PhysAddr, value uint64) error {
	b, err := p.Bytes(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// Memset sets length bytes starting at addr to value.
func (p *Physical) Memset(addr PhysAddr, value byte, length uint32) error {
	b, err := p.Bytes(addr, length)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = value
	}
	return nil
}
