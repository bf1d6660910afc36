package heightfield

import (
	"fmt"
	"strings"
)

// Tool selects what an Edit does to the cells under its brush.
type Tool string

const (
	ToolRaise    Tool = "raise"
	ToolLower    Tool = "lower"
	ToolWater    Tool = "water"
	ToolFire     Tool = "fire"
	ToolMaterial Tool = "material"
)

// Edit is a brush stroke submitted by a collaborator. It is applied by the
// tick loop after fusion.
type Edit struct {
	Tool     Tool
	X, Y     int
	Radius   int
	Strength float64
	// Material is only used by ToolMaterial.
	Material Material
}

// ParseTool maps a tool name to a Tool.
func ParseTool(s string) (Tool, error) {
	t := Tool(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case ToolRaise, ToolLower, ToolWater, ToolFire, ToolMaterial:
		return t, nil
	}
	return "", fmt.Errorf("unknown tool %q", s)
}

// Validate checks the edit against a w×h grid.
func (e Edit) Validate(w, h int) error {
	if _, err := ParseTool(string(e.Tool)); err != nil {
		return err
	}
	if e.Radius < 0 {
		return fmt.Errorf("radius must be non-negative, got %d", e.Radius)
	}
	if limit := max(w, h); e.Radius > limit {
		return fmt.Errorf("radius %d exceeds the grid extent %d", e.Radius, limit)
	}
	if !(e.Strength >= 0 && e.Strength <= 1) {
		return fmt.Errorf("strength must be between 0 and 1, got %f", e.Strength)
	}
	if e.X < 0 || e.Y < 0 || e.X >= w || e.Y >= h {
		return fmt.Errorf("edit centre (%d,%d) outside %dx%d grid", e.X, e.Y, w, h)
	}
	return nil
}
