package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// IsPow2 reports whether number is a nonzero power of two
func IsPow2[T constraints.Unsigned](number T) bool {
	return number != 0 && number&(number-1) == 0
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two.
// ok is false when the result is not representable in T.
func AlignUp[T constraints.Unsigned](value, alignment T) (aligned T, ok bool) {
	DebugCheckPow2[T](alignment, "alignment")
	mask := alignment - 1
	if value > maxOf[T]()-mask {
		return 0, false
	}
	return (value + mask) &^ mask, true
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two.
func AlignDown[T constraints.Unsigned](value, alignment T) T {
	DebugCheckPow2[T](alignment, "alignment")
	return value &^ (alignment - 1)
}

// AddOverflowSafe adds a and b, returning ok = false when the result would wrap.
// The operands are checked before they are combined.
func AddOverflowSafe[T constraints.Unsigned](a, b T) (T, bool) {
	if a > maxOf[T]()-b {
		return 0, false
	}
	return a + b, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would wrap.
func MulOverflowSafe[T constraints.Unsigned](a, b T) (T, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > maxOf[T]()/b {
		return 0, false
	}
	return a * b, true
}

// SubUnderflowSafe subtracts b from a, returning ok = false when b > a.
func SubUnderflowSafe[T constraints.Unsigned](a, b T) (T, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

func maxOf[T constraints.Unsigned]() T {
	return ^T(0)
}
