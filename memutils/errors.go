package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when no free frame exists or the heap could not grow far enough
	// to satisfy a request
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize is returned for zero-byte allocation requests
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrArithmeticOverflow is returned when size or address arithmetic would wrap. Callers
	// should treat it the same way they treat ErrOutOfMemory.
	ErrArithmeticOverflow = errors.New("arithmetic overflow in size or address calculation")
	// ErrCorruptedHeap is returned when a block header fails sentinel validation
	ErrCorruptedHeap = errors.New("heap block header is corrupted")
	// ErrDoubleFree is returned when freeing a block that is already free
	ErrDoubleFree = errors.New("block is already free")
	// ErrInvalidPointer is returned when a pointer does not fall inside the heap
	ErrInvalidPointer = errors.New("pointer does not belong to the heap")
	// ErrNotContiguous is returned when the heap is extended by a region that does not begin at its end
	ErrNotContiguous = errors.New("heap extension is not contiguous with the heap end")
	// ErrOutOfBounds is returned when an access falls outside the physical memory image
	ErrOutOfBounds = errors.New("access outside of physical memory")
	// ErrAlreadyInitialized is returned when the memory manager is initialized twice
	ErrAlreadyInitialized = errors.New("memory manager is already initialized")
	// ErrNotInitialized is returned when the memory manager is used before initialization
	ErrNotInitialized = errors.New("memory manager is not initialized")
	// ErrInvalidBootInfo is returned when the boot information structure cannot be read
	ErrInvalidBootInfo = errors.New("invalid boot information")
)
