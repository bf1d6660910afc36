// Package sim advances the height field one fixed timestep at a time. Every
// rule reads the pre-tick grid and writes a scratch grid; the two are swapped
// when the step completes.
package sim

import (
	"math"
	"math/rand/v2"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

// StepStats describes what one step did.
type StepStats struct {
	WaterMoved   float64
	Evaporated   float64
	Relaxations  int
	Ignitions    int
	Extinguished int
}

// Simulator owns the scratch buffers. It is not safe for concurrent use.
type Simulator struct {
	cfg     Config
	scratch *heightfield.Grid
	inflow  []float64
	outflow []float64
	dh      []float64
}

// New validates cfg and returns a Simulator.
func New(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{cfg: cfg}, nil
}

// Config returns the simulator's constants.
func (s *Simulator) Config() Config { return s.cfg }

func (s *Simulator) ensure(g *heightfield.Grid) {
	if s.scratch != nil && s.scratch.W == g.W && s.scratch.H == g.H {
		return
	}
	s.scratch, _ = heightfield.New(g.W, g.H)
	n := g.Cells()
	s.inflow = make([]float64, n)
	s.outflow = make([]float64, n)
	s.dh = make([]float64, n)
}

// Step advances g by one tick. The result depends only on g, tick and the
// configuration.
func (s *Simulator) Step(g *heightfield.Grid, tick uint64) StepStats {
	s.ensure(g)
	next := s.scratch
	copy(next.Material, g.Material)
	copy(next.LastUpdatedTick, g.LastUpdatedTick)
	copy(next.Stale, g.Stale)

	var st StepStats
	s.stepWater(g, next, &st)
	s.stepAvalanche(g, next, &st)
	s.stepFire(g, next, tick, &st)

	g.Height, next.Height = next.Height, g.Height
	g.Water, next.Water = next.Water, g.Water
	g.Fire, next.Fire = next.Fire, g.Fire
	g.Material, next.Material = next.Material, g.Material
	g.LastUpdatedTick, next.LastUpdatedTick = next.LastUpdatedTick, g.LastUpdatedTick
	g.Stale, next.Stale = next.Stale, g.Stale
	return st
}

var neighbours = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// stepWater moves water toward lower total head, then evaporates.
func (s *Simulator) stepWater(g, next *heightfield.Grid, st *StepStats) {
	clear(s.inflow)
	clear(s.outflow)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			i := g.Idx(x, y)
			w := g.Water[i]
			if w <= s.cfg.Epsilon {
				continue
			}
			head := g.Head(i)
			for _, d := range neighbours {
				nx, ny := x+d[0], y+d[1]
				if !g.In(nx, ny) {
					continue
				}
				j := g.Idx(nx, ny)
				diff := head - g.Head(j)
				if diff <= 0 {
					continue
				}
				t := math.Min(w*s.cfg.FlowFraction, diff*s.cfg.TransferFraction)
				s.outflow[i] += t
				s.inflow[j] += t
				st.WaterMoved += t
			}
		}
	}
	for i, w := range g.Water {
		moved := w - s.outflow[i] + s.inflow[i]
		kept := moved * s.cfg.EvaporationRate
		st.Evaporated += moved - kept
		next.Water[i] = math.Max(0, kept)
	}
}

// stepAvalanche relaxes every orthogonal pair steeper than the angle of
// repose. Each pair is visited once, via its right and down edges.
func (s *Simulator) stepAvalanche(g, next *heightfield.Grid, st *StepStats) {
	clear(s.dh)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			i := g.Idx(x, y)
			if x+1 < g.W {
				st.Relaxations += s.relax(g, i, g.Idx(x+1, y))
			}
			if y+1 < g.H {
				st.Relaxations += s.relax(g, i, g.Idx(x, y+1))
			}
		}
	}
	for i, h := range g.Height {
		next.Height[i] = heightfield.Clamp01(h + s.dh[i])
	}
}

func (s *Simulator) relax(g *heightfield.Grid, a, b int) int {
	hi, lo := a, b
	if g.Height[b] > g.Height[a] {
		hi, lo = b, a
	}
	diff := g.Height[hi] - g.Height[lo]
	if diff <= s.cfg.ReposeThreshold || !g.Material[hi].Loose() {
		return 0
	}
	move := s.cfg.RelaxFraction * diff
	s.dh[hi] -= move
	s.dh[lo] += move
	return 1
}

// stepFire decays burning cells and spreads fire to dry flammable
// neighbours. The RNG is seeded from (Seed, tick) and consumed in raster
// order.
func (s *Simulator) stepFire(g, next *heightfield.Grid, tick uint64, st *StepStats) {
	eps := s.cfg.Epsilon
	for i, f := range g.Fire {
		switch {
		case f <= eps:
			next.Fire[i] = 0
		case g.Water[i] > s.cfg.WetThreshold:
			next.Fire[i] = 0
			st.Extinguished++
		default:
			v := f * s.cfg.FireDecay
			if v < eps {
				v = 0
			}
			next.Fire[i] = v
		}
	}

	rng := rand.New(rand.NewPCG(s.cfg.Seed, tick))
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			i := g.Idx(x, y)
			f := g.Fire[i]
			if f <= eps || g.Water[i] > s.cfg.WetThreshold {
				continue
			}
			for _, d := range neighbours {
				nx, ny := x+d[0], y+d[1]
				if !g.In(nx, ny) {
					continue
				}
				j := g.Idx(nx, ny)
				if g.Fire[j] > eps || !g.Material[j].Flammable() || g.Water[j] > s.cfg.WetThreshold {
					continue
				}
				if rng.Float64() >= s.cfg.IgnitionChance*f {
					continue
				}
				intensity := heightfield.Clamp01(f * s.cfg.SpreadIntensity)
				if intensity <= eps || intensity <= next.Fire[j] {
					continue
				}
				if next.Fire[j] <= eps {
					st.Ignitions++
				}
				next.Fire[j] = intensity
			}
		}
	}
}
