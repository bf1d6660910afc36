package heightfield

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fusion status values carried in the topography summary.
const (
	FusionOK           = "ok"
	FusionStale        = "stale"
	FusionNoCalibrated = "no_calibrated_sensors"
)

// Summary is the topography metadata published alongside frames.
type Summary struct {
	Tick      uint64    `json:"tick"`
	Timestamp time.Time `json:"timestamp"`

	MinElevation    float64 `json:"min_elevation"`
	MaxElevation    float64 `json:"max_elevation"`
	MeanElevation   float64 `json:"mean_elevation"`
	StdDevElevation float64 `json:"stddev_elevation"`
	Roughness       float64 `json:"roughness"`

	MeanSlopeDeg float64 `json:"mean_slope_deg"`
	MaxSlopeDeg  float64 `json:"max_slope_deg"`
	SteepAreaPct float64 `json:"steep_area_pct"`

	PeakCount           int     `json:"peak_count"`
	PeakMeanElevation   float64 `json:"peak_mean_elevation"`
	ValleyCount         int     `json:"valley_count"`
	ValleyMeanElevation float64 `json:"valley_mean_elevation"`
	RidgeCells          int     `json:"ridge_cells"`
	RidgeMeanStrength   float64 `json:"ridge_mean_strength"`

	// ElevationZones counts cells per equal-width height band, lowest first.
	ElevationZones []int `json:"elevation_zones"`

	TotalWater      float64  `json:"total_water"`
	BurningCells    int      `json:"burning_cells"`
	StaleCells      int      `json:"stale_cells"`
	ExcludedCells   int      `json:"excluded_cells"`
	StaleSensors    []string `json:"stale_sensors,omitempty"`
	ContributingIDs []string `json:"contributing_sensors,omitempty"`
	FusionStatus    string   `json:"fusion_status"`
}

// SummaryOptions controls the slope and feature statistics.
type SummaryOptions struct {
	// VerticalScale converts a unit of height into cell widths when computing
	// slope angles.
	VerticalScale float64
	// SteepDeg is the angle above which a cell counts as steep.
	SteepDeg float64
	// BurningThreshold is the fire intensity above which a cell is burning.
	BurningThreshold float64
	// Zones is the number of elevation bands. Zero means DefaultZones.
	Zones int
}

// Feature detection constants.
const (
	DefaultZones = 5

	featureRadius  = 2 // 5x5 neighbourhood
	peakQuantile   = 0.8
	valleyQuantile = 0.2
	ridgeQuantile  = 0.85
)

// DefaultSummaryOptions returns the options used when none are configured.
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{VerticalScale: 50, SteepDeg: 30, BurningThreshold: 0.01, Zones: DefaultZones}
}

// Summarize computes terrain statistics for the grid. Fusion fields are left
// for the caller to fill.
func Summarize(g *Grid, opts SummaryOptions) Summary {
	var s Summary
	n := g.Cells()
	if n == 0 {
		return s
	}
	s.MinElevation = floats.Min(g.Height)
	s.MaxElevation = floats.Max(g.Height)
	s.MeanElevation, s.StdDevElevation = stat.MeanStdDev(g.Height, nil)
	if math.IsNaN(s.StdDevElevation) {
		s.StdDevElevation = 0
	}
	s.TotalWater = floats.Sum(g.Water)

	var sqSum float64
	var pairs int
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			h := g.Height[g.Idx(x, y)]
			if x+1 < g.W {
				d := g.Height[g.Idx(x+1, y)] - h
				sqSum += d * d
				pairs++
			}
			if y+1 < g.H {
				d := g.Height[g.Idx(x, y+1)] - h
				sqSum += d * d
				pairs++
			}
		}
	}
	if pairs > 0 {
		s.Roughness = math.Sqrt(sqSum / float64(pairs))
	}

	slopes := make([]float64, n)
	steep := 0
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			gx := gradient(g, x, y, 1, 0) * opts.VerticalScale
			gy := gradient(g, x, y, 0, 1) * opts.VerticalScale
			deg := math.Atan(math.Hypot(gx, gy)) * 180 / math.Pi
			slopes[g.Idx(x, y)] = deg
			if deg > opts.SteepDeg {
				steep++
			}
		}
	}
	s.MeanSlopeDeg = stat.Mean(slopes, nil)
	s.MaxSlopeDeg = floats.Max(slopes)
	s.SteepAreaPct = float64(steep) / float64(n) * 100

	s.summarizeFeatures(g)
	s.ElevationZones = elevationZones(g.Height, opts.Zones)

	for i := 0; i < n; i++ {
		if g.Fire[i] > opts.BurningThreshold {
			s.BurningCells++
		}
		if g.Stale[i] {
			s.StaleCells++
		}
	}
	return s
}

// summarizeFeatures counts peaks, valleys and ridge cells. A peak is a
// local maximum over a 5x5 neighbourhood above the 80th percentile of the
// non-zero heights; a valley is a non-zero local minimum below the 20th.
// Ridge cells have a Sobel gradient magnitude above its 85th percentile.
func (s *Summary) summarizeFeatures(g *Grid) {
	var positive []float64
	for _, h := range g.Height {
		if h > 0 {
			positive = append(positive, h)
		}
	}
	if len(positive) > 0 {
		sort.Float64s(positive)
		high := stat.Quantile(peakQuantile, stat.Empirical, positive, nil)
		low := stat.Quantile(valleyQuantile, stat.Empirical, positive, nil)

		var peakSum, valleySum float64
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				h := g.Height[g.Idx(x, y)]
				switch {
				case h > high && localExtreme(g, x, y, 1):
					s.PeakCount++
					peakSum += h
				case h > 0 && h < low && localExtreme(g, x, y, -1):
					s.ValleyCount++
					valleySum += h
				}
			}
		}
		if s.PeakCount > 0 {
			s.PeakMeanElevation = peakSum / float64(s.PeakCount)
		}
		if s.ValleyCount > 0 {
			s.ValleyMeanElevation = valleySum / float64(s.ValleyCount)
		}
	}

	strength := make([]float64, g.Cells())
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			strength[g.Idx(x, y)] = sobel(g, x, y)
		}
	}
	sorted := append([]float64(nil), strength...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(ridgeQuantile, stat.Empirical, sorted, nil)
	var ridgeSum float64
	for _, v := range strength {
		if v > threshold {
			s.RidgeCells++
			ridgeSum += v
		}
	}
	if s.RidgeCells > 0 {
		s.RidgeMeanStrength = ridgeSum / float64(s.RidgeCells)
	}
}

// localExtreme reports whether the cell is a maximum (sign 1) or minimum
// (sign -1) of its neighbourhood. Ties count.
func localExtreme(g *Grid, x, y int, sign float64) bool {
	h := g.Height[g.Idx(x, y)] * sign
	for ny := y - featureRadius; ny <= y+featureRadius; ny++ {
		for nx := x - featureRadius; nx <= x+featureRadius; nx++ {
			if g.In(nx, ny) && g.Height[g.Idx(nx, ny)]*sign > h {
				return false
			}
		}
	}
	return true
}

// sobel is the 3x3 Sobel gradient magnitude with edge cells replicated.
func sobel(g *Grid, x, y int) float64 {
	at := func(dx, dy int) float64 {
		cx := min(max(x+dx, 0), g.W-1)
		cy := min(max(y+dy, 0), g.H-1)
		return g.Height[g.Idx(cx, cy)]
	}
	gx := at(1, -1) + 2*at(1, 0) + at(1, 1) - at(-1, -1) - 2*at(-1, 0) - at(-1, 1)
	gy := at(-1, 1) + 2*at(0, 1) + at(1, 1) - at(-1, -1) - 2*at(0, -1) - at(1, -1)
	return math.Hypot(gx, gy)
}

// elevationZones counts heights in equal-width bands over [0, 1].
func elevationZones(heights []float64, zones int) []int {
	if zones <= 0 {
		zones = DefaultZones
	}
	out := make([]int, zones)
	for _, h := range heights {
		z := int(h * float64(zones))
		out[min(max(z, 0), zones-1)]++
	}
	return out
}

// gradient is a central difference along (dx, dy), one-sided at the borders.
func gradient(g *Grid, x, y, dx, dy int) float64 {
	x0, y0 := x-dx, y-dy
	x1, y1 := x+dx, y+dy
	span := 2.0
	if !g.In(x0, y0) {
		x0, y0 = x, y
		span = 1
	}
	if !g.In(x1, y1) {
		x1, y1 = x, y
		span--
	}
	if span <= 0 {
		return 0
	}
	return (g.Height[g.Idx(x1, y1)] - g.Height[g.Idx(x0, y0)]) / span
}
