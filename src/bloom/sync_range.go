package bloom

import "sort"

// SyncRange summarises the packets stored with TimeLow <= global time <
// the TimeLow of the next range.
type SyncRange struct {
	TimeLow uint64
	MaxTime uint64
	Bloom   *Filter
	Count   int
	Freed   int
}

// NeedsRebuild is true once more than half of the range was pruned.
func (r *SyncRange) NeedsRebuild() bool {
	return r.Freed*2 > r.Count
}

// SyncRanges is the list of ranges of a community, newest first. Only the
// newest range is open ended.
type SyncRanges struct {
	capacity  uint64
	errorRate float64
	ranges    []*SyncRange
}

// NewSyncRanges returns a single empty range starting at global time 1.
func NewSyncRanges(capacity uint64, errorRate float64) (*SyncRanges, error) {
	s := &SyncRanges{
		capacity:  capacity,
		errorRate: errorRate,
	}
	r, err := s.newRange(1)
	if err != nil {
		return nil, err
	}
	s.ranges = []*SyncRange{r}
	return s, nil
}

func (s *SyncRanges) newRange(low uint64) (*SyncRange, error) {
	f, err := New(s.capacity, s.errorRate)
	if err != nil {
		return nil, err
	}
	return &SyncRange{TimeLow: low, Bloom: f}, nil
}

// find returns the index of the range containing globalTime.
func (s *SyncRanges) find(globalTime uint64) int {
	for i, r := range s.ranges {
		if globalTime >= r.TimeLow {
			return i
		}
	}
	return len(s.ranges) - 1
}

// Add records a stored packet. A full newest range is closed and a new one
// opened after its highest global time.
func (s *SyncRanges) Add(globalTime uint64, packet []byte) error {
	i := s.find(globalTime)
	r := s.ranges[i]
	if i == 0 && uint64(r.Count) >= s.capacity && globalTime > r.MaxTime {
		next, err := s.newRange(r.MaxTime + 1)
		if err != nil {
			return err
		}
		s.ranges = append([]*SyncRange{next}, s.ranges...)
		r = next
	}
	r.Bloom.Add(packet)
	r.Count++
	if globalTime > r.MaxTime {
		r.MaxTime = globalTime
	}
	return nil
}

// Free records that a packet was pruned. It returns the range when it should
// be rebuilt.
func (s *SyncRanges) Free(globalTime uint64) *SyncRange {
	r := s.ranges[s.find(globalTime)]
	r.Freed++
	if r.NeedsRebuild() {
		return r
	}
	return nil
}

// Rebuild refills a range from the packets still stored in it.
func (s *SyncRanges) Rebuild(r *SyncRange, packets [][]byte) error {
	f, err := New(s.capacity, s.errorRate)
	if err != nil {
		return err
	}
	for _, p := range packets {
		f.Add(p)
	}
	r.Bloom = f
	r.Count = len(packets)
	r.Freed = 0
	return nil
}

// High returns the last global time covered by r, 0 for the open range.
func (s *SyncRanges) High(r *SyncRange) uint64 {
	for i, x := range s.ranges {
		if x == r {
			if i == 0 {
				return 0
			}
			return s.ranges[i-1].TimeLow - 1
		}
	}
	return 0
}

// Ranges returns the ranges, newest first.
func (s *SyncRanges) Ranges() []*SyncRange {
	return append([]*SyncRange(nil), s.ranges...)
}

// Load rebuilds every range from stored packets.
func Load(capacity uint64, errorRate float64, times []uint64, packets [][]byte) (*SyncRanges, error) {
	s, err := NewSyncRanges(capacity, errorRate)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(times))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return times[idx[a]] < times[idx[b]] })
	for _, i := range idx {
		if err := s.Add(times[i], packets[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}
