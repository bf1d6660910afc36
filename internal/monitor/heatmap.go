package monitor

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

// Layer selects which snapshot channel a heat map shows.
type Layer string

const (
	LayerElevation Layer = "elevation"
	LayerWater     Layer = "water"
	LayerFire      Layer = "fire"
)

const minWaterScale = 0.01

// snapshotGrid adapts one snapshot channel to plotter.GridXYZ. Row 0 of the
// snapshot is drawn at the top.
type snapshotGrid struct {
	w, h   int
	values []float32
}

func (g snapshotGrid) Dims() (c, r int)   { return g.w, g.h }
func (g snapshotGrid) X(c int) float64    { return float64(c) }
func (g snapshotGrid) Y(r int) float64    { return float64(r) }
func (g snapshotGrid) Z(c, r int) float64 { return float64(g.values[(g.h-1-r)*g.w+c]) }

func layerValues(s *heightfield.Snapshot, layer Layer) ([]float32, error) {
	switch layer {
	case LayerElevation, "":
		return s.Elevation, nil
	case LayerWater:
		return s.Water, nil
	case LayerFire:
		return s.Fire, nil
	}
	return nil, fmt.Errorf("unknown layer %q", layer)
}

// WriteHeatMap renders one layer of s as a PNG.
func WriteHeatMap(w io.Writer, s *heightfield.Snapshot, layer Layer) error {
	values, err := layerValues(s, layer)
	if err != nil {
		return err
	}
	if layer == "" {
		layer = LayerElevation
	}
	grid := snapshotGrid{w: s.Width, h: s.Height, values: values}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (tick %d)", layer, s.Tick)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	hm := plotter.NewHeatMap(grid, palette.Heat(32, 1))
	// Elevation and fire are normalized; water depth is open ended.
	hm.Min, hm.Max = 0, 1
	if layer == LayerWater {
		hm.Max = minWaterScale
		for _, v := range values {
			hm.Max = max(hm.Max, float64(v))
		}
	}
	p.Add(hm)

	width := vg.Points(float64(max(320, s.Width*4)))
	height := vg.Points(float64(max(240, s.Height*4)))
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("failed to render heat map: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
