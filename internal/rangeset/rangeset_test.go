package rangeset

import (
	"math/rand"
	"testing"
)

func ranges(s *Set) []Range { return append([]Range(nil), s.Ranges()...) }

func TestInsertMerge(t *testing.T) {
	s := New(AllocSize)
	s.Insert(10, 5) // [10,15)
	s.Insert(20, 5) // [20,25)
	s.Insert(15, 5) // merges with both -> [10,25)

	got := ranges(s)
	if len(got) != 1 || got[0] != (Range{Low: 10, Count: 15}) {
		t.Fatalf("unexpected ranges: %+v", got)
	}
}

func TestInsertCommutative(t *testing.T) {
	inserts := []Range{{0, 5}, {10, 5}, {20, 5}, {4, 7}, {30, 2}}
	perm1 := []int{0, 1, 2, 3, 4}
	perm2 := []int{4, 3, 2, 1, 0}
	perm3 := []int{2, 0, 4, 1, 3}

	run := func(order []int) []Range {
		s := New(64)
		for _, i := range order {
			s.Insert(inserts[i].Low, inserts[i].Count)
		}
		return ranges(s)
	}

	r1, r2, r3 := run(perm1), run(perm2), run(perm3)
	if !equalRanges(r1, r2) || !equalRanges(r1, r3) {
		t.Fatalf("insertion order changed result: %+v / %+v / %+v", r1, r2, r3)
	}
}

func TestInsertCommutativeRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		n := 5 + rng.Intn(10)
		inserts := make([]Range, n)
		for i := range inserts {
			inserts[i] = Range{Low: uint64(rng.Intn(100)), Count: uint64(1 + rng.Intn(10))}
		}
		order1 := rng.Perm(n)
		order2 := rng.Perm(n)

		run := func(order []int) []Range {
			s := New(1 << 20)
			for _, i := range order {
				s.Insert(inserts[i].Low, inserts[i].Count)
			}
			return ranges(s)
		}
		if !equalRanges(run(order1), run(order2)) {
			t.Fatalf("trial %d: order dependent result", trial)
		}
	}
}

func equalRanges(a, b []Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEvictAtCapacity(t *testing.T) {
	s := New(2)
	s.Insert(0, 1)
	s.Insert(10, 1)
	s.Insert(20, 1) // evicts [0,1)

	got := ranges(s)
	if len(got) != 2 || got[0].Low != 10 || got[1].Low != 20 {
		t.Fatalf("expected oldest range evicted, got %+v", got)
	}
}

func TestRemovePrefixBelow(t *testing.T) {
	s := New(AllocSize)
	s.Insert(0, 10)  // [0,10)
	s.Insert(20, 10) // [20,30)
	s.RemovePrefixBelow(5)

	got := ranges(s)
	if len(got) != 2 || got[0] != (Range{Low: 5, Count: 5}) || got[1] != (Range{Low: 20, Count: 10}) {
		t.Fatalf("unexpected ranges after RemovePrefixBelow: %+v", got)
	}
}

func TestRemoveRangeSplits(t *testing.T) {
	s := New(AllocSize)
	s.Insert(0, 20) // [0,20)
	s.RemoveRange(5, 5) // remove [5,10) -> [0,5) and [10,20)

	got := ranges(s)
	if len(got) != 2 || got[0] != (Range{Low: 0, Count: 5}) || got[1] != (Range{Low: 10, Count: 10}) {
		t.Fatalf("unexpected split: %+v", got)
	}
}

func TestContains(t *testing.T) {
	s := New(AllocSize)
	s.Insert(10, 5) // [10,15)
	if !s.Contains(10) || !s.Contains(14) {
		t.Fatalf("expected boundary values contained")
	}
	if s.Contains(15) || s.Contains(9) {
		t.Fatalf("expected half-open exclusivity")
	}
}

func TestFirstGapAbove(t *testing.T) {
	s := New(AllocSize)
	s.Insert(10, 5) // [10,15)
	s.Insert(30, 5) // [30,35)

	low, ok := s.FirstGapAbove(12)
	if !ok || low != 30 {
		t.Fatalf("expected next gap at 30, got %d ok=%v", low, ok)
	}
	if _, ok := s.FirstGapAbove(40); ok {
		t.Fatalf("expected no gap above last range")
	}
}
