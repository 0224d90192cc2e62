package build

import (
	"slices"
	"time"
)

// durationWindow keeps the most recent build durations in a ring buffer for
// percentile queries. Not safe for concurrent use.
type durationWindow struct {
	values   []time.Duration
	writePos int
	full     bool
}

func newDurationWindow(size int) *durationWindow {
	return &durationWindow{values: make([]time.Duration, size)}
}

// Add records d, evicting the oldest value once the window is full.
func (w *durationWindow) Add(d time.Duration) {
	if len(w.values) == 0 {
		return
	}
	w.values[w.writePos] = d
	w.writePos = (w.writePos + 1) % len(w.values)
	if w.writePos == 0 {
		w.full = true
	}
}

// Len returns the number of recorded values.
func (w *durationWindow) Len() int {
	if w.full {
		return len(w.values)
	}

	return w.writePos
}

// Percentile returns the nearest-rank percentile (0 to 100) of the window.
func (w *durationWindow) Percentile(p float64) time.Duration {
	n := w.Len()
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(w.values[:n])
	slices.Sort(sorted)

	idx := int(float64(n-1) * p / 100.0)
	switch {
	case idx < 0:
		idx = 0
	case idx >= n:
		idx = n - 1
	}

	return sorted[idx]
}
