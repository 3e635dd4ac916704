package memutils

// Validatable is anything DebugValidate can check: heaps and frame bitmaps both walk their own
// bookkeeping and report the first inconsistency.
type Validatable interface {
	Validate() error
}
