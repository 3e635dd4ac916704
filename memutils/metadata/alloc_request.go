package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place a new allocation. It can be passed to BlockMetadata.Alloc to commit it.
type AllocationRequest struct {
	// BlockAllocationHandle is the free block chosen by the first-fit search
	BlockAllocationHandle BlockAllocationHandle
	// Size is the payload size that will be carved out of the block, the requested size rounded
	// up to MinAllocationAlignment
	Size uint32
}
