package memory

// Common memory block sizes.
const (
	Byte uint32 = 1
	KiB         = 1024 * Byte
	MiB         = 1024 * KiB
)

// AddressSpaceLimit is the first byte that an i386 machine without PAE cannot address.
const AddressSpaceLimit uint64 = 1 << 32
