package fusion

import (
	"fmt"
	"math"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

// BrushEffect is the amount an edit of the given strength and radius
// applies at distance d from its centre. It falls off linearly and is zero
// beyond the radius.
func BrushEffect(strength float64, radius int, d float64) float64 {
	if d > float64(radius) {
		return 0
	}
	return strength * (1 - d/float64(radius+1))
}

// ApplyEdit applies a brush stroke to g. Fire does not take hold on cells
// wetter than wetThreshold or on non-flammable material.
func ApplyEdit(g *heightfield.Grid, e heightfield.Edit, tick uint64, wetThreshold float64) (int, error) {
	if err := e.Validate(g.W, g.H); err != nil {
		return 0, fmt.Errorf("invalid edit: %w", err)
	}
	// Only the part of the brush square inside the grid is visited.
	x0, x1 := max(0, e.X-e.Radius), min(g.W-1, e.X+e.Radius)
	y0, y1 := max(0, e.Y-e.Radius), min(g.H-1, e.Y+e.Radius)
	touched := 0
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := x-e.X, y-e.Y
			d := math.Hypot(float64(dx), float64(dy))
			effect := BrushEffect(e.Strength, e.Radius, d)
			if effect <= 0 && e.Tool != heightfield.ToolMaterial {
				continue
			}
			if d > float64(e.Radius) {
				continue
			}
			i := g.Idx(x, y)
			switch e.Tool {
			case heightfield.ToolRaise:
				g.Height[i] = heightfield.Clamp01(g.Height[i] + effect)
			case heightfield.ToolLower:
				g.Height[i] = heightfield.Clamp01(g.Height[i] - effect)
			case heightfield.ToolWater:
				g.Water[i] = math.Max(0, g.Water[i]+effect)
			case heightfield.ToolFire:
				if g.Water[i] > wetThreshold || !g.Material[i].Flammable() {
					continue
				}
				g.Fire[i] = math.Max(g.Fire[i], heightfield.Clamp01(effect))
			case heightfield.ToolMaterial:
				g.Material[i] = e.Material
			}
			g.LastUpdatedTick[i] = tick
			touched++
		}
	}
	return touched, nil
}
