package metadata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
)

// HeapMetadata is a first-fit heap whose block list lives inside the memory it manages. Every
// payload is preceded by a 24-byte header linking it to its physical neighbours, so the list is
// always sorted by address and contiguous from Start to End.
//
// Allocation splits the first free block that is large enough, and freeing merges the block
// with a free successor and then a free predecessor, so no two adjacent blocks are ever both
// free once an operation completes.
type HeapMetadata struct {
	BlockMetadataBase

	head memory.PhysAddr

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
}

var _ BlockMetadata = &HeapMetadata{}

// NewHeapMetadata creates a heap that keeps its headers in mem. Init must be called before use.
func NewHeapMetadata(mem *memory.Physical) *HeapMetadata {
	return &HeapMetadata{
		BlockMetadataBase: NewBlockMetadata(mem),
	}
}

// Init places a single free block spanning [base, base+size). base must be non-zero and
// aligned to MinAllocationAlignment, and size must be a multiple of MinAllocationAlignment
// large enough to hold a header and a minimal payload.
func (m *HeapMetadata) Init(base memory.PhysAddr, size uint32) error {
	if base == 0 {
		return cerrors.Wrap(memutils.ErrInvalidPointer, "the heap cannot start at address 0")
	}
	if uint32(base)%MinAllocationAlignment != 0 {
		return cerrors.Newf("heap base %s is not aligned to %d", base, MinAllocationAlignment)
	}
	if size < MinBlockSize || size%MinAllocationAlignment != 0 {
		return cerrors.Wrapf(memutils.ErrInvalidSize, "heap size %d", size)
	}

	end, ok := base.Add(size)
	if !ok {
		return cerrors.Wrapf(memutils.ErrArithmeticOverflow, "heap [%s, +%d)", base, size)
	}
	if !m.mem.Contains(base, size) {
		return cerrors.Wrapf(memutils.ErrOutOfBounds, "heap [%s, %s)", base, end)
	}

	m.start = base
	m.end = end
	m.head = base

	first := block{
		addr: base,
		size: size - HeaderSize,
		free: true,
	}
	err := m.writeHeader(&first)
	if err != nil {
		return err
	}

	m.allocCount = 0
	m.blocksFreeCount = 1
	m.blocksFreeSize = int(first.size)

	memutils.DebugValidate(m)
	return nil
}

// next decodes the successor of b, insisting that the list stays sorted by address so a
// damaged link can never send a walk around in circles.
func (m *HeapMetadata) next(b *block) (block, error) {
	if b.next <= b.addr {
		return block{}, cerrors.Wrapf(memutils.ErrCorruptedHeap, "block at %s links forward to %s", b.addr, b.next)
	}
	return m.headerAt(b.next)
}

// Validate walks the entire block list and verifies sentinels, ordering, contiguity, back
// links, coalescing and the free byte accounting.
func (m *HeapMetadata) Validate() error {
	if m.head == 0 {
		return errors.New("heap has not been initialized")
	}
	if m.head != m.start {
		return errors.Errorf("the first block is at %s but the heap starts at %s", m.head, m.start)
	}

	visited := swiss.NewMap[memory.PhysAddr, int](16)

	allocCount := 0
	freeCount := 0
	freeSize := 0
	prevAddr := memory.PhysAddr(0)
	prevFree := false
	expected := m.start

	for addr := m.head; addr != 0; {
		if index, seen := visited.Get(addr); seen {
			return errors.Errorf("block list loops back to block %d at %s", index, addr)
		}
		visited.Put(addr, visited.Count())

		b, err := m.headerAt(addr)
		if err != nil {
			return err
		}

		if addr != expected {
			return errors.Errorf("block at %s should begin at %s", addr, expected)
		}
		if b.prev != prevAddr {
			return errors.Errorf("block at %s links back to %s instead of %s", addr, b.prev, prevAddr)
		}
		if b.size%MinAllocationAlignment != 0 {
			return errors.Errorf("block at %s has size %d, which is not a multiple of %d", addr, b.size, MinAllocationAlignment)
		}

		if b.free {
			if prevFree {
				return errors.Errorf("adjacent free blocks at %s and %s were not merged", prevAddr, addr)
			}
			freeCount++
			freeSize += int(b.size)
		} else {
			allocCount++
		}

		prevAddr = addr
		prevFree = b.free
		expected = b.end()

		if b.next != 0 && b.next != expected {
			return errors.Errorf("block at %s links forward to %s but ends at %s", addr, b.next, expected)
		}
		addr = b.next
	}

	if expected != m.end {
		return errors.Errorf("the last block ends at %s but the heap ends at %s", expected, m.end)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the heap reports %d allocations, but %d were found", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the heap reports %d free blocks, but %d were found", m.blocksFreeCount, freeCount)
	}

	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the heap reports %d free bytes, but %d were found", m.blocksFreeSize, freeSize)
	}

	return nil
}

// AllocationCount returns the number of live allocations
func (m *HeapMetadata) AllocationCount() int {
	return m.allocCount
}

// FreeRegionsCount returns the number of free blocks
func (m *HeapMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

// SumFreeSize returns the number of free payload bytes
func (m *HeapMetadata) SumFreeSize() int {
	return m.blocksFreeSize
}

// IsEmpty returns true when the heap has no live allocations
func (m *HeapMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *HeapMetadata) blockCount() int {
	return m.allocCount + m.blocksFreeCount
}

func (m *HeapMetadata) usedBytes() int {
	return int(m.Size()) - m.blockCount()*int(HeaderSize) - m.blocksFreeSize
}

// VisitAllRegions calls handleBlock once for each block, in address order
func (m *HeapMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, payload memory.PhysAddr, size uint32, free bool) error) error {
	for addr := m.head; addr != 0; {
		b, err := m.headerAt(addr)
		if err != nil {
			return err
		}

		err = handleBlock(BlockAllocationHandle(b.addr), b.payload(), b.size, b.free)
		if err != nil {
			return err
		}

		if b.next == 0 {
			break
		}
		if b.next <= b.addr {
			return cerrors.Wrapf(memutils.ErrCorruptedHeap, "block at %s links forward to %s", b.addr, b.next)
		}
		addr = b.next
	}

	return nil
}

// BlockAt returns the block whose payload begins at payload
func (m *HeapMetadata) BlockAt(payload memory.PhysAddr) (Suballocation, error) {
	b, err := m.blockForPayload(payload)
	if err != nil {
		return Suballocation{}, err
	}

	return Suballocation{
		Handle:  BlockAllocationHandle(b.addr),
		Payload: b.payload(),
		Size:    b.size,
		Free:    b.free,
	}, nil
}

func (m *HeapMetadata) blockForPayload(payload memory.PhysAddr) (block, error) {
	addr, ok := payload.Sub(HeaderSize)
	if !ok || addr < m.start || payload >= m.end {
		return block{}, cerrors.Wrapf(memutils.ErrInvalidPointer, "pointer %s is outside the heap [%s, %s)", payload, m.start, m.end)
	}

	return m.headerAt(addr)
}

// AddDetailedStatistics sums this heap's blocks into stats
func (m *HeapMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += int(m.Size())

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, payload memory.PhysAddr, size uint32, free bool) error {
		if free {
			stats.AddUnusedRange(int(size))
		} else {
			stats.AddAllocation(int(size))
		}
		return nil
	})
}

// AddStatistics sums this heap's counters into stats
func (m *HeapMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += int(m.Size())
	stats.AllocationBytes += m.usedBytes()
}

// BlockJsonData populates a json object with information about this heap
func (m *HeapMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.blocksFreeSize, m.allocCount, m.blocksFreeCount)
}

// PrintDetailedMap writes one entry per block into a "Suballocations" array
func (m *HeapMetadata) PrintDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	err := m.VisitAllRegions(func(handle BlockAllocationHandle, payload memory.PhysAddr, size uint32, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(payload - m.start))
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.Name("Size").Int(int(size))
		return nil
	})
	if err != nil {
		obj := arrayState.Object()
		obj.Name("Error").String(fmt.Sprintf("%v", err))
		obj.End()
	}
}

// CreateAllocationRequest searches the block list from the head for the first free block that
// can hold allocSize bytes rounded up to MinAllocationAlignment.
func (m *HeapMetadata) CreateAllocationRequest(allocSize uint32) (bool, AllocationRequest, error) {
	if allocSize == 0 {
		return false, AllocationRequest{}, memutils.ErrInvalidSize
	}

	needed, ok := memutils.AlignUp(allocSize, MinAllocationAlignment)
	if !ok {
		return false, AllocationRequest{}, cerrors.Wrapf(memutils.ErrArithmeticOverflow, "allocation size %d", allocSize)
	}

	if m.head == 0 {
		return false, AllocationRequest{}, memutils.ErrNotInitialized
	}

	b, err := m.headerAt(m.head)
	for {
		if err != nil {
			return false, AllocationRequest{}, err
		}

		if b.free && b.size >= needed {
			return true, AllocationRequest{
				BlockAllocationHandle: BlockAllocationHandle(b.addr),
				Size:                  needed,
			}, nil
		}

		if b.next == 0 {
			return false, AllocationRequest{}, nil
		}

		b, err = m.next(&b)
	}
}

// Alloc marks the requested block as used, first splitting off the tail of the block as a new
// free block if it could hold at least a header and a minimal payload.
func (m *HeapMetadata) Alloc(request AllocationRequest) error {
	b, err := m.headerAt(memory.PhysAddr(request.BlockAllocationHandle))
	if err != nil {
		return err
	}

	if !b.free {
		return cerrors.Newf("allocation request refers to block at %s, which is not free", b.addr)
	}
	if b.size < request.Size {
		return cerrors.Newf("allocation request for %d bytes refers to block at %s, which only holds %d", request.Size, b.addr, b.size)
	}

	freeSize := int(b.size)
	split := false

	splitThreshold, ok := memutils.AddOverflowSafe(request.Size, HeaderSize+MinBlockSize)
	if ok && b.total() >= splitThreshold {
		remainder := block{
			addr: b.payload() + memory.PhysAddr(request.Size),
			size: b.total() - (HeaderSize + request.Size) - HeaderSize,
			prev: b.addr,
			next: b.next,
			free: true,
		}

		err = m.setPrev(b.next, remainder.addr)
		if err != nil {
			return err
		}
		err = m.writeHeader(&remainder)
		if err != nil {
			return err
		}

		b.size = request.Size
		b.next = remainder.addr
		freeSize -= int(remainder.size)
		split = true
	}

	b.free = false
	err = m.writeHeader(&b)
	if err != nil {
		return err
	}

	// Counters only move once every header is written
	m.allocCount++
	if !split {
		m.blocksFreeCount--
	}
	m.blocksFreeSize -= freeSize

	memutils.DebugValidate(m)
	return nil
}

// Free releases the block whose payload begins at payload and merges it with its free
// neighbours. A zero payload is ignored.
func (m *HeapMetadata) Free(payload memory.PhysAddr) error {
	if payload == 0 {
		return nil
	}

	b, err := m.blockForPayload(payload)
	if err != nil {
		return err
	}

	if b.free {
		return cerrors.Wrapf(memutils.ErrDoubleFree, "payload %s", payload)
	}

	b.free = true
	err = m.writeHeader(&b)
	if err != nil {
		return err
	}

	m.allocCount--
	m.blocksFreeCount++
	m.blocksFreeSize += int(b.size)

	err = m.coalesce(b)
	if err != nil {
		return err
	}

	memutils.DebugValidate(m)
	return nil
}

// coalesce merges the free block b with a free successor, and then merges the result into a
// free predecessor. Headers that are absorbed lose their sentinel.
func (m *HeapMetadata) coalesce(b block) error {
	if b.next != 0 {
		next, err := m.next(&b)
		if err != nil {
			return err
		}

		if next.free {
			err = m.absorbNext(&b, &next)
			if err != nil {
				return err
			}
		}
	}

	if b.prev != 0 {
		if b.prev >= b.addr {
			return cerrors.Wrapf(memutils.ErrCorruptedHeap, "block at %s links back to %s", b.addr, b.prev)
		}

		prev, err := m.headerAt(b.prev)
		if err != nil {
			return err
		}

		if prev.free {
			return m.absorbNext(&prev, &b)
		}
	}

	return nil
}

// absorbNext grows the free block b over its free successor next
func (m *HeapMetadata) absorbNext(b *block, next *block) error {
	b.size += next.total()
	b.next = next.next

	err := m.setPrev(next.next, b.addr)
	if err != nil {
		return err
	}

	err = m.wipeHeader(next.addr)
	if err != nil {
		return err
	}

	err = m.writeHeader(b)
	if err != nil {
		return err
	}

	m.blocksFreeCount--
	m.blocksFreeSize += int(HeaderSize)
	return nil
}

// Extend appends [addr, addr+size) to the heap as a free block, merging it into the last block
// when that block is free. addr must equal End.
func (m *HeapMetadata) Extend(addr memory.PhysAddr, size uint32) error {
	if m.head == 0 {
		return memutils.ErrNotInitialized
	}
	if addr != m.end {
		return cerrors.Wrapf(memutils.ErrNotContiguous, "extension at %s, heap ends at %s", addr, m.end)
	}
	if size < MinBlockSize || size%MinAllocationAlignment != 0 {
		return cerrors.Wrapf(memutils.ErrInvalidSize, "heap extension of %d bytes", size)
	}

	newEnd, ok := addr.Add(size)
	if !ok {
		return cerrors.Wrapf(memutils.ErrArithmeticOverflow, "heap extension [%s, +%d)", addr, size)
	}
	if !m.mem.Contains(addr, size) {
		return cerrors.Wrapf(memutils.ErrOutOfBounds, "heap extension [%s, %s)", addr, newEnd)
	}

	tail, err := m.headerAt(m.head)
	for err == nil && tail.next != 0 {
		tail, err = m.next(&tail)
	}
	if err != nil {
		return err
	}

	m.end = newEnd

	appended := block{
		addr: addr,
		size: size - HeaderSize,
		prev: tail.addr,
		free: true,
	}
	err = m.writeHeader(&appended)
	if err != nil {
		return err
	}

	tail.next = appended.addr
	err = m.writeHeader(&tail)
	if err != nil {
		return err
	}

	m.blocksFreeCount++
	m.blocksFreeSize += int(appended.size)

	if tail.free {
		err = m.absorbNext(&tail, &appended)
		if err != nil {
			return err
		}
	}

	memutils.DebugValidate(m)
	return nil
}
