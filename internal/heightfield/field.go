// Package heightfield holds the authoritative terrain grid and the immutable
// views of it handed to readers outside the tick loop.
package heightfield

import (
	"errors"
	"fmt"
	"strings"
)

// Material describes what a cell is made of. Only loose materials slump and
// burn.
type Material uint8

const (
	MaterialSand Material = iota
	MaterialRoad
	MaterialRock
	MaterialEmpty
)

var (
	// ErrInvalidDimensions is returned when a grid is requested with a
	// non-positive width or height.
	ErrInvalidDimensions = errors.New("heightfield: invalid dimensions")
	// ErrDimensionMismatch is returned when two grids or a grid and a
	// configuration disagree on size. It is fatal at startup.
	ErrDimensionMismatch = errors.New("heightfield: dimension mismatch")
)

func (m Material) String() string {
	switch m {
	case MaterialSand:
		return "sand"
	case MaterialRoad:
		return "road"
	case MaterialRock:
		return "rock"
	case MaterialEmpty:
		return "empty"
	default:
		return fmt.Sprintf("material(%d)", uint8(m))
	}
}

// ParseMaterial maps a material name to its tag.
func ParseMaterial(s string) (Material, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sand", "":
		return MaterialSand, nil
	case "road":
		return MaterialRoad, nil
	case "rock":
		return MaterialRock, nil
	case "empty":
		return MaterialEmpty, nil
	}
	return MaterialSand, fmt.Errorf("unknown material %q", s)
}

// Loose reports whether the material slumps under gravity.
func (m Material) Loose() bool { return m == MaterialSand || m == MaterialEmpty }

// Flammable reports whether fire may spread into the material.
func (m Material) Flammable() bool { return m == MaterialSand || m == MaterialEmpty }

// Grid is a fixed-size structure-of-arrays height field indexed row-major as
// y*W+x. Width and height never change after New.
type Grid struct {
	W, H int

	Height          []float64
	Water           []float64
	Fire            []float64
	Material        []Material
	LastUpdatedTick []uint64
	// Stale marks cells no fresh sensor covered during the last fusion pass.
	Stale []bool
}

// New allocates a w×h grid of sand at height zero.
func New(w, h int) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, w, h)
	}
	n := w * h
	return &Grid{
		W:               w,
		H:               h,
		Height:          make([]float64, n),
		Water:           make([]float64, n),
		Fire:            make([]float64, n),
		Material:        make([]Material, n),
		LastUpdatedTick: make([]uint64, n),
		Stale:           make([]bool, n),
	}, nil
}

// Cells returns the number of cells in the grid.
func (g *Grid) Cells() int { return g.W * g.H }

// Idx converts a cell coordinate to a slice index.
func (g *Grid) Idx(x, y int) int { return y*g.W + x }

// In reports whether (x, y) lies inside the grid.
func (g *Grid) In(x, y int) bool { return x >= 0 && y >= 0 && x < g.W && y < g.H }

// CheckDims returns ErrDimensionMismatch when the grid is not w×h.
func (g *Grid) CheckDims(w, h int) error {
	if g.W != w || g.H != h {
		return fmt.Errorf("%w: grid is %dx%d, want %dx%d", ErrDimensionMismatch, g.W, g.H, w, h)
	}
	return nil
}

// Fill sets every cell's height and clears water and fire.
func (g *Grid) Fill(height float64) {
	height = Clamp01(height)
	for i := range g.Height {
		g.Height[i] = height
		g.Water[i] = 0
		g.Fire[i] = 0
	}
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	c, _ := New(g.W, g.H)
	_ = c.CopyFrom(g)
	return c
}

// CopyFrom overwrites every channel of g with src.
func (g *Grid) CopyFrom(src *Grid) error {
	if err := g.CheckDims(src.W, src.H); err != nil {
		return err
	}
	copy(g.Height, src.Height)
	copy(g.Water, src.Water)
	copy(g.Fire, src.Fire)
	copy(g.Material, src.Material)
	copy(g.LastUpdatedTick, src.LastUpdatedTick)
	copy(g.Stale, src.Stale)
	return nil
}

// Head returns the water surface level of cell i.
func (g *Grid) Head(i int) float64 { return g.Height[i] + g.Water[i] }

// TotalWater sums the water channel.
func (g *Grid) TotalWater() float64 {
	var sum float64
	for _, w := range g.Water {
		sum += w
	}
	return sum
}

// TotalHeight sums the height channel.
func (g *Grid) TotalHeight() float64 {
	var sum float64
	for _, h := range g.Height {
		sum += h
	}
	return sum
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if !(v >= 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
