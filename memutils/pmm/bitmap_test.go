package pmm_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/tervia/kmem/memory"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/pmm"
)

func newAllocator(t *testing.T, frames uint32) *pmm.BitmapAllocator {
	alloc, err := pmm.NewBitmapAllocator(make([]byte, pmm.BitmapBytes(frames)), frames)
	require.NoError(t, err)
	return alloc
}

func TestBitmapExhaustion(t *testing.T) {
	alloc := newAllocator(t, 256)

	seen := make(map[memory.PhysAddr]struct{})
	for i := 0; i < 256; i++ {
		frame, err := alloc.AllocFrame()
		require.NoError(t, err)
		require.True(t, frame.IsValid())

		_, duplicate := seen[frame.Address()]
		require.False(t, duplicate)
		seen[frame.Address()] = struct{}{}
	}

	require.Equal(t, uint32(256), alloc.UsedFrames())
	require.Zero(t, alloc.FreeFrames())

	frame, err := alloc.AllocFrame()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.False(t, frame.IsValid())
	require.NoError(t, alloc.Validate())
}

func TestBitmapFreeRealloc(t *testing.T) {
	alloc := newAllocator(t, 16)

	var frames []pmm.Frame
	for i := 0; i < 5; i++ {
		frame, err := alloc.AllocFrame()
		require.NoError(t, err)
		require.Equal(t, pmm.Frame(i), frame)
		frames = append(frames, frame)
	}

	alloc.FreeFrame(frames[2])
	require.Equal(t, uint32(4), alloc.UsedFrames())

	frame, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.Equal(t, frames[2], frame)
	require.Equal(t, memory.PhysAddr(2*4096), frame.Address())
}

func TestBitmapFreeIsIdempotent(t *testing.T) {
	alloc := newAllocator(t, 16)

	frame, err := alloc.AllocFrame()
	require.NoError(t, err)

	alloc.FreeFrame(frame)
	alloc.FreeFrame(frame)
	require.Zero(t, alloc.UsedFrames())

	alloc.FreeFrame(pmm.Frame(1000))
	alloc.FreeFrame(pmm.InvalidFrame)
	require.Zero(t, alloc.UsedFrames())
	require.NoError(t, alloc.Validate())
}

func TestMarkRegionFreeRoundsInward(t *testing.T) {
	alloc := newAllocator(t, 16)
	alloc.MarkAllUsed()
	require.Equal(t, uint32(16), alloc.UsedFrames())

	// 0x1800-0x4800 fully covers frames 2 and 3 only
	alloc.MarkRegionFree(0x1800, 0x3000)
	require.Equal(t, uint32(14), alloc.UsedFrames())
	require.True(t, alloc.IsUsed(1))
	require.False(t, alloc.IsUsed(2))
	require.False(t, alloc.IsUsed(3))
	require.True(t, alloc.IsUsed(4))

	// A range smaller than a frame frees nothing
	alloc.MarkRegionFree(0x5100, 0x800)
	require.Equal(t, uint32(14), alloc.UsedFrames())
	require.NoError(t, alloc.Validate())
}

func TestMarkRegionUsedRoundsOutward(t *testing.T) {
	alloc := newAllocator(t, 16)

	// 0x1800-0x4800 touches frames 1 through 4
	alloc.MarkRegionUsed(0x1800, 0x3000)
	require.Equal(t, uint32(4), alloc.UsedFrames())
	require.False(t, alloc.IsUsed(0))
	require.True(t, alloc.IsUsed(1))
	require.True(t, alloc.IsUsed(4))
	require.False(t, alloc.IsUsed(5))

	// Marking again does not double count
	alloc.MarkRegionUsed(0x1000, 0x1000)
	require.Equal(t, uint32(4), alloc.UsedFrames())

	frame, err := alloc.AllocFrame()
	require.NoError(t, err)
	require.Equal(t, pmm.Frame(0), frame)
	frame, err = alloc.AllocFrame()
	require.NoError(t, err)
	require.Equal(t, pmm.Frame(5), frame)
	require.NoError(t, alloc.Validate())
}

func TestMarkRegionClampsToTrackedFrames(t *testing.T) {
	alloc := newAllocator(t, 10)

	alloc.MarkRegionUsed(0x8000, 0x1_0000_0000)
	require.Equal(t, uint32(2), alloc.UsedFrames())
	require.NoError(t, alloc.Validate())

	alloc.MarkRegionFree(0, ^uint64(0))
	require.Zero(t, alloc.UsedFrames())

	alloc.MarkAllUsed()
	require.Equal(t, uint32(10), alloc.UsedFrames())
	require.NoError(t, alloc.Validate())
	require.True(t, alloc.IsUsed(10))
}

func TestBitmapStorageTooSmall(t *testing.T) {
	_, err := pmm.NewBitmapAllocator(make([]byte, 3), 32)
	require.Error(t, err)
}

func TestFrameRounding(t *testing.T) {
	require.Equal(t, uint64(1), pmm.FrameRoundDown(0x1fff))
	require.Equal(t, uint64(2), pmm.FrameRoundUp(0x1001))
	require.Equal(t, uint64(1), pmm.FrameRoundUp(0x1000))
	require.Equal(t, pmm.Frame(3), pmm.FrameFromAddress(0x3abc))
}

func TestBitmapJson(t *testing.T) {
	alloc := newAllocator(t, 8)
	_, err := alloc.AllocFrame()
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	alloc.WriteJson(&obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"PageSize":4096,"TotalFrames":8,"UsedFrames":1,"FreeFrames":7,"BitmapBytes":1}`, string(writer.Bytes()))
}

func TestFrameRoundUpSaturates(t *testing.T) {
	require.Equal(t, uint64(1)<<52, pmm.FrameRoundUp(^uint64(0)))

	alloc := newAllocator(t, 4)
	alloc.MarkRegionUsed(0x3000, ^uint64(0))
	require.Equal(t, uint32(1), alloc.UsedFrames())
}

func TestBitmapStatistics(t *testing.T) {
	alloc := newAllocator(t, 16)
	_, err := alloc.AllocFrame()
	require.NoError(t, err)
	_, err = alloc.AllocFrame()
	require.NoError(t, err)

	var stats memutils.Statistics
	alloc.AddStatistics(&stats)

	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 2,
		BlockBytes:      16 * 4096,
		AllocationBytes: 2 * 4096,
	}, stats)
}
