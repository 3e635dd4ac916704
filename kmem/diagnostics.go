package kmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tervia/kmem/memutils"
	"github.com/tervia/kmem/memutils/pmm"
)

const frameKiB = pmm.PageSize / 1024

// MemoryTotalKiB returns the amount of memory tracked by the frame bitmap. It is 0 when frames
// are not tracked.
func (a *Allocator) MemoryTotalKiB() uint32 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	total, _, _ := a.frameCountersKiB()
	return total
}

// MemoryUsedKiB returns the amount of memory in reserved frames
func (a *Allocator) MemoryUsedKiB() uint32 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_, used, _ := a.frameCountersKiB()
	return used
}

// MemoryFreeKiB returns the amount of memory in free frames
func (a *Allocator) MemoryFreeKiB() uint32 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_, _, free := a.frameCountersKiB()
	return free
}

// MeminfoString formats the frame counters as a single line. The three values are read
// together, so total is always used plus free.
func (a *Allocator) MeminfoString() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	total, used, free := a.frameCountersKiB()
	return fmt.Sprintf("Mem: %d KiB total, %d KiB used, %d KiB free", total, used, free)
}

func (a *Allocator) frameCountersKiB() (total, used, free uint32) {
	if a.frames == nil {
		return 0, 0, 0
	}
	return a.frames.TotalFrames() * frameKiB,
		a.frames.UsedFrames() * frameKiB,
		a.frames.FreeFrames() * frameKiB
}

// GrowthDivergences returns how many heap growth steps claimed a frame other than the one
// the frame allocator handed out
func (a *Allocator) GrowthDivergences() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.grower.Divergences()
}

// AllocatorStatistics sums up the frames and the heap managed by an Allocator
type AllocatorStatistics struct {
	Frames memutils.Statistics
	Heap   memutils.DetailedStatistics
}

// CalculateStatistics populates stats with the current state of the frame bitmap and the heap
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Frames.Clear()
	stats.Heap.Clear()

	if a.frames != nil {
		a.frames.AddStatistics(&stats.Frames)
	}
	if a.heap != nil {
		a.heap.AddDetailedStatistics(&stats.Heap)
	}
}

// Validate checks the frame bitmap and walks the entire heap
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	err := a.checkInitialized()
	if err != nil {
		return err
	}

	if a.frames != nil {
		err = a.frames.Validate()
		if err != nil {
			return errors.Wrap(err, "frame bitmap")
		}
	}

	err = a.heap.Validate()
	if err != nil {
		return errors.Wrap(err, "heap")
	}

	return nil
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes())
}

func writeDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	writeStatistics(json, &stats.Statistics)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing the allocator. When detailedMap is true,
// every heap block is listed.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("Mode").String(a.mode.String())
	general.Name("Flags").String(a.createFlags.String())
	general.Name("RamCeiling").Float64(float64(a.ramCeiling))
	general.Name("GrowthDivergences").Int(a.grower.Divergences())
	general.Name("GrownBytes").Float64(float64(a.grower.GrownBytes()))
	general.End()

	if a.frames != nil {
		frames := root.Name("Frames").Object()
		a.frames.WriteJson(&frames)
		frameStats := frames.Name("Stats").Object()
		writeStatistics(&frameStats, &stats.Frames)
		frameStats.End()
		frames.End()
	}

	if a.heap != nil {
		heap := root.Name("Heap").Object()
		a.heap.BlockJsonData(&heap)

		heapStats := heap.Name("Stats").Object()
		writeDetailedStatistics(&heapStats, &stats.Heap)
		heapStats.End()

		if detailedMap {
			a.heap.PrintDetailedMap(&heap)
		}
		heap.End()
	}

	root.End()
	return string(writer.Bytes())
}
