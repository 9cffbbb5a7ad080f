package crdt

import "sort"

// Range is a half-open run of clocks [Start, Start+Length).
type Range struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// End is the first clock after the range.
func (r Range) End() uint64 {
	return r.Start + r.Length
}

// IDSet is a compact set of item ids kept as sorted, coalesced clock ranges
// per replica. The document's delete set is an IDSet.
type IDSet map[ReplicaID][]Range

// NewIDSet creates an empty set
func NewIDSet() IDSet {
	return make(IDSet)
}

// Add inserts the ids [start, start+length) of replica.
func (s IDSet) Add(replica ReplicaID, start, length uint64) {
	if length == 0 {
		return
	}
	s[replica] = normalizeRanges(append(s[replica], Range{Start: start, Length: length}))
}

// Merge adds every range of other.
func (s IDSet) Merge(other IDSet) {
	for replica, ranges := range other {
		if len(ranges) == 0 {
			continue
		}
		merged := make([]Range, 0, len(s[replica])+len(ranges))
		merged = append(merged, s[replica]...)
		merged = append(merged, ranges...)
		s[replica] = normalizeRanges(merged)
	}
}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id ItemID) bool {
	ranges := s[id.Replica]
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End() > id.Clock })
	return i < len(ranges) && ranges[i].Start <= id.Clock
}

// Overlapping returns the parts of replica's ranges that intersect
// [start, end).
func (s IDSet) Overlapping(replica ReplicaID, start, end uint64) []Range {
	var out []Range
	for _, r := range s[replica] {
		if r.End() <= start {
			continue
		}
		if r.Start >= end {
			break
		}
		lo, hi := max(r.Start, start), min(r.End(), end)
		out = append(out, Range{Start: lo, Length: hi - lo})
	}
	return out
}

// Covers reports whether every id of other is also in s.
func (s IDSet) Covers(other IDSet) bool {
	for replica, ranges := range other {
		for _, r := range ranges {
			if r.Length == 0 {
				continue
			}
			covered := s.Overlapping(replica, r.Start, r.End())
			if len(covered) != 1 || covered[0] != r {
				return false
			}
		}
	}
	return true
}

// IsEmpty reports whether the set holds no ids.
func (s IDSet) IsEmpty() bool {
	for _, ranges := range s {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// Clone creates a deep copy
func (s IDSet) Clone() IDSet {
	clone := make(IDSet, len(s))
	for replica, ranges := range s {
		clone[replica] = append([]Range(nil), ranges...)
	}
	return clone
}

func normalizeRanges(ranges []Range) []Range {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:0]
	for _, r := range ranges {
		if r.Length == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End() >= r.Start {
			if r.End() > out[n-1].End() {
				out[n-1].Length = r.End() - out[n-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
