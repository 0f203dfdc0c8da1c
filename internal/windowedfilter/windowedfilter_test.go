package windowedfilter

import "testing"

func TestMonotoneWithinWindow(t *testing.T) {
	f := New(100, 0, 0)
	samples := []struct {
		s, t uint64
	}{
		{10, 0}, {5, 10}, {20, 20}, {15, 30}, {8, 40},
	}
	max := uint64(0)
	for _, sm := range samples {
		f.Update(sm.s, sm.t)
		if sm.s > max {
			max = sm.s
		}
	}
	if f.GetBest() != max {
		t.Fatalf("GetBest() = %d, want %d", f.GetBest(), max)
	}
}

func TestResetOnNewMax(t *testing.T) {
	f := New(100, 0, 0)
	f.Update(10, 0)
	f.Update(50, 5)
	if f.GetBest() != 50 {
		t.Fatalf("expected best 50, got %d", f.GetBest())
	}
}

func TestExpiryForgetsOldMax(t *testing.T) {
	f := New(100, 0, 0)
	f.Update(100, 0)
	// All samples after this decay in magnitude but window fully elapses.
	f.Update(1, 50)
	f.Update(1, 250) // window length 100 fully elapsed since oldest estimate
	if f.GetBest() == 100 {
		t.Fatalf("expected old max to have decayed out of the window")
	}
}

func TestZeroValueBootstraps(t *testing.T) {
	f := New(50, 0, 0)
	f.Update(7, 1)
	if f.GetBest() != 7 {
		t.Fatalf("expected first real sample to become best, got %d", f.GetBest())
	}
}
