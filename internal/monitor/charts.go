package monitor

import (
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderTopographyChart writes an HTML page plotting elevation, water and
// fire statistics over the retained history.
func RenderTopographyChart(w io.Writer, entries []heightfield.Summary) error {
	ticks := make([]string, len(entries))
	mean := make([]opts.LineData, len(entries))
	spread := make([]opts.LineData, len(entries))
	water := make([]opts.LineData, len(entries))
	burning := make([]opts.LineData, len(entries))
	stale := make([]opts.LineData, len(entries))
	for i, s := range entries {
		ticks[i] = strconv.FormatUint(s.Tick, 10)
		mean[i] = opts.LineData{Value: s.MeanElevation}
		spread[i] = opts.LineData{Value: s.MaxElevation - s.MinElevation}
		water[i] = opts.LineData{Value: s.TotalWater}
		burning[i] = opts.LineData{Value: s.BurningCells}
		stale[i] = opts.LineData{Value: s.StaleCells}
	}

	terrain := charts.NewLine()
	terrain.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sandscape Topography", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Elevation", Subtitle: "mean and relief by tick"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	terrain.SetXAxis(ticks).
		AddSeries("mean", mean).
		AddSeries("relief", spread)

	cells := charts.NewLine()
	cells.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Water and fire"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	cells.SetXAxis(ticks).
		AddSeries("total water", water).
		AddSeries("burning cells", burning).
		AddSeries("stale cells", stale)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(terrain, cells)
	return page.Render(w)
}
