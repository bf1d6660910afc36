package calibration

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Baseline is the per-pixel reference signal of a known-empty scene. It is
// immutable; recalibration replaces it with a new value.
type Baseline struct {
	SensorID   string
	Width      int
	Height     int
	ValidSince time.Time
	Version    uint64

	samples []float64
}

// Sample returns the reference value of pixel i.
func (b *Baseline) Sample(i int) float64 { return b.samples[i] }

// Len returns the number of pixels.
func (b *Baseline) Len() int { return len(b.samples) }

// Samples returns a copy of the reference values.
func (b *Baseline) Samples() []float64 {
	out := make([]float64, len(b.samples))
	copy(out, b.samples)
	return out
}

// medianBaseline takes the per-pixel median of the window. Identical windows
// yield bit-identical results.
func medianBaseline(window [][]float64) []float64 {
	n := len(window[0])
	out := make([]float64, n)
	col := make([]float64, len(window))
	for i := 0; i < n; i++ {
		for j, frame := range window {
			col[j] = frame[i]
		}
		sort.Float64s(col)
		out[i] = stat.Quantile(0.5, stat.Empirical, col, nil)
	}
	return out
}

// relativeChange is the mean absolute difference between two frames divided
// by the mean magnitude of prev.
func relativeChange(prev, cur []float64) float64 {
	var diff, mag float64
	for i := range cur {
		diff += math.Abs(cur[i] - prev[i])
		mag += math.Abs(prev[i])
	}
	if mag == 0 {
		return diff / float64(len(cur))
	}
	return diff / mag
}
