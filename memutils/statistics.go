package memutils

import "math"

// Statistics sums up the memory regions managed by an allocator and the allocations within them.
// BlockCount and BlockBytes describe the managed regions (heap spans or frame pools), AllocationCount
// and AllocationBytes describe the live allocations carved out of them.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the part of the managed regions not handed out. For a heap this includes
// block headers.
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with the size spread of allocations and free ranges.
// The minimums are math.MaxInt until something has been added.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func widen(min, max *int, lo, hi int) {
	if lo < *min {
		*min = lo
	}
	if hi > *max {
		*max = hi
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	widen(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, size, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	widen(&s.AllocationSizeMin, &s.AllocationSizeMax, size, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	widen(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, other.UnusedRangeSizeMin, other.UnusedRangeSizeMax)
	widen(&s.AllocationSizeMin, &s.AllocationSizeMax, other.AllocationSizeMin, other.AllocationSizeMax)
}
