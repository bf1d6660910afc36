package heightfield

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestNewRejectsInvalidDimensions(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 5}} {
		if _, err := New(dims[0], dims[1]); !errors.Is(err, ErrInvalidDimensions) {
			t.Errorf("New(%d,%d) error = %v, want ErrInvalidDimensions", dims[0], dims[1], err)
		}
	}
}

func TestCheckDims(t *testing.T) {
	g, err := New(4, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.CheckDims(4, 3); err != nil {
		t.Errorf("CheckDims(4,3) = %v, want nil", err)
	}
	if err := g.CheckDims(3, 4); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("CheckDims(3,4) = %v, want ErrDimensionMismatch", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	g, _ := New(3, 3)
	g.Fill(0.5)
	c := g.Clone()
	c.Height[0] = 0.9
	if g.Height[0] != 0.5 {
		t.Errorf("clone shares height storage with source")
	}
}

func TestSnapshotIsIndependentOfGrid(t *testing.T) {
	g, _ := New(2, 2)
	g.Fill(0.25)
	g.Water[3] = 0.1
	g.Stale[1] = true
	s := g.Snapshot(7, 42, time.Unix(0, 0))

	g.Height[0] = 1
	if s.Elevation[0] != 0.25 {
		t.Errorf("snapshot elevation changed with grid: %v", s.Elevation[0])
	}
	if s.Sequence != 7 || s.Tick != 42 {
		t.Errorf("snapshot seq/tick = %d/%d, want 7/42", s.Sequence, s.Tick)
	}
	if s.StaleCells != 1 {
		t.Errorf("StaleCells = %d, want 1", s.StaleCells)
	}
	if _, w, _ := s.At(1, 1); w != float32(0.1) {
		t.Errorf("At(1,1) water = %v, want 0.1", w)
	}
}

func TestParseMaterial(t *testing.T) {
	tests := map[string]Material{"sand": MaterialSand, "ROCK": MaterialRock, "road": MaterialRoad, "empty": MaterialEmpty}
	for in, want := range tests {
		got, err := ParseMaterial(in)
		if err != nil || got != want {
			t.Errorf("ParseMaterial(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMaterial("lava"); err == nil {
		t.Error("ParseMaterial(lava) expected error")
	}
	if MaterialRock.Loose() || MaterialRoad.Flammable() {
		t.Error("rock and road must be neither loose nor flammable")
	}
}

func TestEditValidate(t *testing.T) {
	ok := Edit{Tool: ToolRaise, X: 5, Y: 5, Radius: 2, Strength: 0.3}
	if err := ok.Validate(10, 10); err != nil {
		t.Errorf("valid edit rejected: %v", err)
	}
	wide := Edit{Tool: ToolWater, X: 0, Y: 0, Radius: 10, Strength: 0.3}
	if err := wide.Validate(10, 4); err != nil {
		t.Errorf("grid-wide brush rejected: %v", err)
	}
	bad := []Edit{
		{Tool: "dig", X: 1, Y: 1},
		{Tool: ToolRaise, X: 10, Y: 1},
		{Tool: ToolRaise, X: 1, Y: 1, Radius: -1},
		{Tool: ToolRaise, X: 1, Y: 1, Strength: 1.5},
		{Tool: ToolRaise, X: 1, Y: 1, Strength: math.NaN()},
		{Tool: ToolRaise, X: 1, Y: 1, Radius: 11, Strength: 0.1},
		{Tool: ToolRaise, X: 1, Y: 1, Radius: math.MaxInt32, Strength: 0.1},
	}
	for _, e := range bad {
		if err := e.Validate(10, 10); err == nil {
			t.Errorf("edit %+v accepted, want error", e)
		}
	}
}

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{
		-0.5:         0,
		0.25:         0.25,
		1.5:          1,
		math.NaN():   0,
		math.Inf(1):  1,
		math.Inf(-1): 0,
	}
	for in, want := range cases {
		if got := Clamp01(in); got != want {
			t.Errorf("Clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}
