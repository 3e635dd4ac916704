package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tervia/kmem/memutils"
)

func TestAlignUp(t *testing.T) {
	aligned, ok := memutils.AlignUp[uint32](100, 8)
	require.True(t, ok)
	require.Equal(t, uint32(104), aligned)

	aligned, ok = memutils.AlignUp[uint32](4096, 4096)
	require.True(t, ok)
	require.Equal(t, uint32(4096), aligned)

	aligned, ok = memutils.AlignUp[uint32](0, 16)
	require.True(t, ok)
	require.Equal(t, uint32(0), aligned)

	_, ok = memutils.AlignUp[uint32](math.MaxUint32-3, 8)
	require.False(t, ok)

	aligned, ok = memutils.AlignUp[uint32](math.MaxUint32-7, 8)
	require.True(t, ok)
	require.Equal(t, uint32(math.MaxUint32-7), aligned)
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, uint64(0x1000), memutils.AlignDown[uint64](0x1fff, 0x1000))
	require.Equal(t, uint64(0x2000), memutils.AlignDown[uint64](0x2000, 0x1000))
	require.Equal(t, uint32(96), memutils.AlignDown[uint32](103, 8))
}

func TestOverflowSafe(t *testing.T) {
	sum, ok := memutils.AddOverflowSafe[uint32](math.MaxUint32-10, 10)
	require.True(t, ok)
	require.Equal(t, uint32(math.MaxUint32), sum)

	_, ok = memutils.AddOverflowSafe[uint32](math.MaxUint32-10, 11)
	require.False(t, ok)

	product, ok := memutils.MulOverflowSafe[uint32](65536, 65535)
	require.True(t, ok)
	require.Equal(t, uint32(0xFFFF0000), product)

	_, ok = memutils.MulOverflowSafe[uint32](65536, 65536)
	require.False(t, ok)

	product, ok = memutils.MulOverflowSafe[uint32](0, math.MaxUint32)
	require.True(t, ok)
	require.Zero(t, product)

	diff, ok := memutils.SubUnderflowSafe[uint32](10, 4)
	require.True(t, ok)
	require.Equal(t, uint32(6), diff)

	_, ok = memutils.SubUnderflowSafe[uint32](4, 10)
	require.False(t, ok)
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(4096, "alignment"))
	require.NoError(t, memutils.CheckPow2(uint32(1), "alignment"))

	err := memutils.CheckPow2(24, "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "alignment is 24")

	require.Error(t, memutils.CheckPow2(0, "alignment"))

	require.True(t, memutils.IsPow2[uint32](16))
	require.False(t, memutils.IsPow2[uint32](0))
	require.False(t, memutils.IsPow2[uint32](12))
}
