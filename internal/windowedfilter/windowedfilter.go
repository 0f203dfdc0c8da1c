// Package windowedfilter implements a three-sample max-over-time-window
// estimator, used by the BBR congestion controller for
// bandwidth and max-ack-height estimation. Grounded on
// original_source/src/core/bbr.c's WINDOWED_FILTER (NewWindowedFilter,
// WindowedFilterGetBest, WindowedFilterUpdate).
package windowedfilter

// estimate is one (sample, time) pair.
type estimate struct {
	sample uint64
	time   uint64
}

// Filter holds three candidate estimates: the current best and two decaying
// runners-up, aged out at window/4 and window/2.
type Filter struct {
	windowLength uint64 // in the same time unit as Update's `now`
	zeroValue    uint64
	estimates    [3]estimate
}

// New builds a Filter with the given window length and a zero estimate
// (sample, time) used until the first real Update.
func New(windowLength uint64, zeroValue, zeroTime uint64) *Filter {
	f := &Filter{windowLength: windowLength, zeroValue: zeroValue}
	for i := range f.estimates {
		f.estimates[i] = estimate{sample: zeroValue, time: zeroTime}
	}
	return f
}

// GetBest returns the largest tracked sample.
func (f *Filter) GetBest() uint64 { return f.estimates[0].sample }

// GetThirdBest returns the oldest-surviving (smallest, but most decayed)
// tracked sample — exposed for diagnostics/tests.
func (f *Filter) GetThirdBest() uint64 { return f.estimates[2].sample }

// Reset forces all three slots to a single (sample, time) pair, e.g. after
// an app-limited period invalidates history.
func (f *Filter) Reset(sample, now uint64) {
	for i := range f.estimates {
		f.estimates[i] = estimate{sample: sample, time: now}
	}
}

// Update folds in a new (sample, time) observation, following
// WindowedFilterUpdate exactly: if the new sample is at least as large as
// the current best, or the window has fully elapsed since the third
// estimate, every slot resets to the new sample. Otherwise the sample
// bubbles down the chain, and second/third estimates are retired once
// they've aged past window/4 and window/2 respectively.
func (f *Filter) Update(sample, now uint64) {
	if f.estimates[0].sample == f.zeroValue ||
		sample >= f.estimates[0].sample ||
		now-f.estimates[2].time > f.windowLength {
		f.Reset(sample, now)
		return
	}

	if sample >= f.estimates[1].sample {
		f.estimates[1] = estimate{sample: sample, time: now}
		f.estimates[2] = f.estimates[1]
	} else if sample >= f.estimates[2].sample {
		f.estimates[2] = estimate{sample: sample, time: now}
	}

	if now-f.estimates[0].time > f.windowLength {
		f.estimates[0] = f.estimates[1]
		f.estimates[1] = f.estimates[2]
		f.estimates[2] = estimate{sample: sample, time: now}
		if now-f.estimates[0].time > f.windowLength {
			f.estimates[0] = f.estimates[1]
			f.estimates[1] = f.estimates[2]
		}
		return
	}

	if f.estimates[1].sample == f.estimates[0].sample &&
		now-f.estimates[1].time > f.windowLength>>2 {
		f.estimates[2] = estimate{sample: sample, time: now}
		f.estimates[1] = f.estimates[2]
		return
	}

	if f.estimates[2].sample == f.estimates[1].sample &&
		now-f.estimates[2].time > f.windowLength>>1 {
		f.estimates[2] = estimate{sample: sample, time: now}
	}
}
