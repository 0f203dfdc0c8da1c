// Package rangeset implements a finite set of non-overlapping half-open
// integer ranges, bounded by a max-allocation capacity.
// It backs ack-frame receive tracking, duplicate-packet detection, and
// stream SACK tracking; the same type serves all three capacity classes,
// selected by the caller via the Capacity passed to New.
package rangeset

// Capacity classes a caller selects when constructing a RangeSet, mirroring
// RANGE_ALLOC_SIZE / RANGE_DUPLICATE_PACKETS / RANGE_ACK_PACKETS.
const (
	AllocSize        = 8
	DuplicatePackets = 32
	AckPackets       = 32
)

// Range is a half-open interval [Low, Low+Count).
type Range struct {
	Low   uint64
	Count uint64
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint64 { return r.Low + r.Count }

// Set is a sorted, non-overlapping, non-adjacent collection of Ranges,
// capped at Max entries. When at capacity, inserting a new disjoint range
// evicts the oldest (lowest) range to make room.
type Set struct {
	ranges []Range
	max    int
}

// New builds an empty Set bounded by max entries (a power of two per spec;
// the implementation does not require it but callers should pass one of the
// named capacity classes above).
func New(max int) *Set {
	if max <= 0 {
		max = AllocSize
	}
	return &Set{max: max}
}

// Len returns the number of disjoint ranges currently tracked.
func (s *Set) Len() int { return len(s.ranges) }

// Ranges returns the maximal ranges in ascending order. The slice must not
// be mutated by the caller.
func (s *Set) Ranges() []Range { return s.ranges }

// Min returns the lowest tracked value's range, and whether the set is
// non-empty.
func (s *Set) Min() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	return s.ranges[0], true
}

// Max returns the highest tracked value's range, and whether the set is
// non-empty.
func (s *Set) Max() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	return s.ranges[len(s.ranges)-1], true
}

// Contains reports whether v falls within a tracked range.
func (s *Set) Contains(v uint64) bool {
	i := s.searchLow(v)
	if i > 0 && s.ranges[i-1].Low <= v && v < s.ranges[i-1].End() {
		return true
	}
	return false
}

// searchLow returns the index of the first range whose Low is > v.
func (s *Set) searchLow(v uint64) int {
	lo, hi := 0, len(s.ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.ranges[mid].Low <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Insert adds [low, low+count) to the set, merging with any overlapping or
// adjacent ranges. It returns the resulting merged range and whether the
// set actually changed (false if the insertion was already fully covered).
// Insertion is commutative: inserting the same multiset of ranges in any
// order yields the same final maximal ranges.
func (s *Set) Insert(low, count uint64) (Range, bool) {
	if count == 0 {
		return Range{}, false
	}
	high := low + count

	// Find the span of existing ranges that overlap or touch [low, high].
	start := s.searchLow(low)
	if start > 0 && s.ranges[start-1].End() >= low {
		start--
	}
	end := start
	for end < len(s.ranges) && s.ranges[end].Low <= high {
		end++
	}

	if start == end {
		// No overlap/adjacency: insert a fresh range at position start.
		newRange := Range{Low: low, Count: count}
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[start+1:], s.ranges[start:])
		s.ranges[start] = newRange
		s.evictIfOverCapacity()
		return newRange, true
	}

	merged := Range{Low: low, Count: count}
	if s.ranges[start].Low < merged.Low {
		merged.Low = s.ranges[start].Low
	}
	lastEnd := s.ranges[end-1].End()
	if lastEnd > high {
		high = lastEnd
	}
	merged.Count = high - merged.Low

	unchanged := end-start == 1 && s.ranges[start] == merged
	s.ranges[start] = merged
	s.ranges = append(s.ranges[:start+1], s.ranges[end:]...)
	s.evictIfOverCapacity()
	return merged, !unchanged
}

// evictIfOverCapacity drops the oldest (lowest) range when the set exceeds
// its configured max, per spec: "When at capacity, the oldest range is
// evicted."
func (s *Set) evictIfOverCapacity() {
	for len(s.ranges) > s.max {
		s.ranges = s.ranges[1:]
	}
}

// RemovePrefixBelow drops any tracked value below x, truncating a range
// that straddles x.
func (s *Set) RemovePrefixBelow(x uint64) {
	i := 0
	for i < len(s.ranges) && s.ranges[i].End() <= x {
		i++
	}
	s.ranges = s.ranges[i:]
	if len(s.ranges) > 0 && s.ranges[0].Low < x {
		delta := x - s.ranges[0].Low
		s.ranges[0].Low = x
		s.ranges[0].Count -= delta
	}
}

// RemoveRange removes [low, low+count) from the set, splitting a range if
// the removed span sits strictly inside it.
func (s *Set) RemoveRange(low, count uint64) {
	if count == 0 {
		return
	}
	high := low + count
	out := s.ranges[:0:0]
	for _, r := range s.ranges {
		switch {
		case r.End() <= low || r.Low >= high:
			out = append(out, r)
		case r.Low < low && r.End() > high:
			out = append(out, Range{Low: r.Low, Count: low - r.Low})
			out = append(out, Range{Low: high, Count: r.End() - high})
		case r.Low < low:
			out = append(out, Range{Low: r.Low, Count: low - r.Low})
		case r.End() > high:
			out = append(out, Range{Low: high, Count: r.End() - high})
		// else: r is fully contained in [low, high), drop it
		}
	}
	s.ranges = out
}

// FirstGapAbove returns the low end of the first tracked range whose Low is
// strictly greater than v, and whether one exists. Used by CryptoStream to
// clamp a retransmit frame below the next SACK hole.
func (s *Set) FirstGapAbove(v uint64) (uint64, bool) {
	i := s.searchLow(v)
	if i < len(s.ranges) {
		return s.ranges[i].Low, true
	}
	return 0, false
}
