// Package fusion merges calibrated sensor frames into the height field and
// applies collaborator edits.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/heightfield"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/sensor"
)

var (
	// ErrNoCalibratedSensors means no sensor is READY. The grid is left
	// untouched.
	ErrNoCalibratedSensors = errors.New("no calibrated sensors")
	// ErrStaleData means READY sensors exist but none has a fresh frame.
	// Heights are kept and every cell is flagged stale.
	ErrStaleData = errors.New("stale sensor data")
)

// Input is everything one fusion pass reads.
type Input struct {
	// Frames holds the latest frame per sensor id; missing or nil entries
	// mean the sensor has never delivered.
	Frames map[string]*sensor.DepthFrame
	View   calibration.View
	Now    time.Time
	Tick   uint64
}

// Result summarises a fusion pass.
type Result struct {
	Contributing  []string
	StaleSensors  []string
	StaleCells    int
	ExcludedCells int
	Status        string
}

// Engine fuses frames onto a grid. It is used only from the tick loop.
type Engine struct {
	cfg   Config
	geoms map[string]Geometry
	log   monitoring.Logger

	// stale remembers which sensors were excluded last pass so transitions
	// are logged once.
	stale map[string]bool
}

// NewEngine validates cfg and returns an engine for the given sensors.
func NewEngine(cfg Config, geoms map[string]Geometry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for id, g := range geoms {
		if g.Region[2] <= g.Region[0] || g.Region[3] <= g.Region[1] {
			return nil, fmt.Errorf("sensor %s: empty region", id)
		}
		if g.ReliefRangeMM <= 0 {
			return nil, fmt.Errorf("sensor %s: relief range must be positive", id)
		}
	}
	return &Engine{
		cfg:   cfg,
		geoms: geoms,
		log:   monitoring.Component("Fusion"),
		stale: make(map[string]bool),
	}, nil
}

type contributor struct {
	id    string
	frame *sensor.DepthFrame
	geom  Geometry
	base  *calibration.Baseline
}

// Fuse writes a unified height into every covered cell of g.
func (e *Engine) Fuse(g *heightfield.Grid, in Input) (Result, error) {
	var res Result
	ids := make([]string, 0, len(e.geoms))
	for id := range e.geoms {
		if in.View.Ready(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		res.Status = heightfield.FusionNoCalibrated
		return res, ErrNoCalibratedSensors
	}

	var fresh, stale []contributor
	for _, id := range ids {
		c := contributor{id: id, frame: in.Frames[id], geom: e.geoms[id], base: in.View.Baselines[id]}
		if !e.usable(c, in.Now) {
			stale = append(stale, c)
			res.StaleSensors = append(res.StaleSensors, id)
			continue
		}
		fresh = append(fresh, c)
		res.Contributing = append(res.Contributing, id)
	}
	e.logTransitions(ids, res.StaleSensors)

	for y := 0; y < g.H; y++ {
		v := (float64(y) + 0.5) / float64(g.H)
		for x := 0; x < g.W; x++ {
			u := (float64(x) + 0.5) / float64(g.W)
			i := g.Idx(x, y)

			for _, c := range stale {
				if c.geom.Covers(u, v) {
					res.ExcludedCells++
					break
				}
			}

			h, ok := e.mergeCell(fresh, u, v)
			if !ok {
				g.Stale[i] = true
				res.StaleCells++
				continue
			}
			g.Height[i] = h
			g.Stale[i] = false
			g.LastUpdatedTick[i] = in.Tick
		}
	}

	if len(fresh) == 0 {
		res.Status = heightfield.FusionStale
		return res, fmt.Errorf("%w: %v", ErrStaleData, res.StaleSensors)
	}
	res.Status = heightfield.FusionOK
	return res, nil
}

func (e *Engine) logTransitions(ready, stale []string) {
	now := make(map[string]bool, len(stale))
	for _, id := range stale {
		now[id] = true
	}
	for _, id := range ready {
		switch {
		case now[id] && !e.stale[id]:
			e.log.Printf("excluding %s: no fresh frame within %v", id, e.cfg.StaleAfter)
		case !now[id] && e.stale[id]:
			e.log.Printf("%s contributing again", id)
		}
	}
	e.stale = now
}

// usable reports whether a READY sensor's frame may contribute this pass.
func (e *Engine) usable(c contributor, now time.Time) bool {
	f := c.frame
	if f == nil || now.Sub(f.CaptureTimestamp) > e.cfg.StaleAfter {
		return false
	}
	if f.Encoding == sensor.EncodingDepthMM {
		if c.base == nil || c.base.Len() != len(f.Samples) {
			return false
		}
	}
	return true
}

// mergeCell picks the winning height for one cell: the most confident
// contributor when all of them report confidence, otherwise the highest.
func (e *Engine) mergeCell(cs []contributor, u, v float64) (float64, bool) {
	found, allConf := false, true
	var bestH, bestConfH float64
	bestConf := math.Inf(-1)
	for _, c := range cs {
		if !c.geom.Covers(u, v) {
			continue
		}
		h, conf, ok := e.sample(c, u, v)
		if !ok {
			continue
		}
		if !found || h > bestH {
			bestH = h
		}
		if conf < 0 {
			allConf = false
		} else if conf > bestConf || (conf == bestConf && h > bestConfH) {
			bestConf, bestConfH = conf, h
		}
		found = true
	}
	if !found {
		return 0, false
	}
	if allConf {
		return bestConfH, true
	}
	return bestH, true
}

// sample returns the height and confidence (-1 when absent) that sensor c
// reports at normalized grid point (u, v).
func (e *Engine) sample(c contributor, u, v float64) (float64, float64, bool) {
	g := c.geom
	su := (u - g.Region[0]) / (g.Region[2] - g.Region[0])
	sv := (v - g.Region[1]) / (g.Region[3] - g.Region[1])
	if g.FlipX {
		su = 1 - su
	}
	if g.FlipY {
		sv = 1 - sv
	}
	f := c.frame
	px := su*float64(f.Width) - 0.5
	py := sv*float64(f.Height) - 0.5

	nx := clampInt(int(math.Round(px)), 0, f.Width-1)
	ny := clampInt(int(math.Round(py)), 0, f.Height-1)
	ni := ny*f.Width + nx
	conf := -1.0
	if f.Confidence != nil {
		conf = f.Confidence[ni]
	}

	if e.cfg.Sampling == Bilinear {
		if h, ok := e.bilinear(c, px, py); ok {
			return h, conf, true
		}
	}
	h, ok := e.heightAt(c, ni)
	return h, conf, ok
}

func (e *Engine) bilinear(c contributor, px, py float64) (float64, bool) {
	f := c.frame
	x0 := clampInt(int(math.Floor(px)), 0, f.Width-1)
	y0 := clampInt(int(math.Floor(py)), 0, f.Height-1)
	x1 := clampInt(x0+1, 0, f.Width-1)
	y1 := clampInt(y0+1, 0, f.Height-1)
	tx := math.Max(0, math.Min(1, px-float64(x0)))
	ty := math.Max(0, math.Min(1, py-float64(y0)))

	h00, ok00 := e.heightAt(c, y0*f.Width+x0)
	h10, ok10 := e.heightAt(c, y0*f.Width+x1)
	h01, ok01 := e.heightAt(c, y1*f.Width+x0)
	h11, ok11 := e.heightAt(c, y1*f.Width+x1)
	if !(ok00 && ok10 && ok01 && ok11) {
		return 0, false
	}
	top := h00*(1-tx) + h10*tx
	bottom := h01*(1-tx) + h11*tx
	return top*(1-ty) + bottom*ty, true
}

// heightAt converts pixel i of the contributor's frame to a grid height.
func (e *Engine) heightAt(c contributor, i int) (float64, bool) {
	s := c.frame.Samples[i]
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, false
	}
	if c.frame.Encoding == sensor.EncodingHeight {
		return heightfield.Clamp01(s), true
	}
	if s <= 0 {
		return 0, false
	}
	return heightfield.Clamp01(e.cfg.RestHeight + (c.base.Sample(i)-s)/c.geom.ReliefRangeMM), true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
