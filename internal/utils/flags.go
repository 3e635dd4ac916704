package utils

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/dolthub/swiss"
)

// Flags is the set of integer types that can be rendered by a FlagStringMapping
type Flags interface {
	~uint32 | ~int32
}

// FlagStringMapping renders bit flag values as a pipe-separated list of registered names
type FlagStringMapping[T Flags] struct {
	names *swiss.Map[T, string]
}

// NewFlagStringMapping creates an empty mapping
func NewFlagStringMapping[T Flags]() FlagStringMapping[T] {
	return FlagStringMapping[T]{
		names: swiss.NewMap[T, string](8),
	}
}

// Register associates a name with a single-bit flag value
func (m FlagStringMapping[T]) Register(value T, name string) {
	m.names.Put(value, name)
}

// FlagsToString renders every set bit of value, lowest bit first. Bits without a registered
// name are rendered in hex.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint32(value)
	for remaining != 0 {
		bit := T(uint32(1) << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.names.Get(bit)
		if !ok {
			name = fmt.Sprintf("0x%x", uint32(bit))
		}
		sb.WriteString(name)
	}

	return sb.String()
}
