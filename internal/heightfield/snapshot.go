package heightfield

import "time"

// Snapshot is an immutable copy of the grid channels that collaborators and
// the broadcast layer read. It is never mutated after construction.
type Snapshot struct {
	Sequence  uint64
	Tick      uint64
	Timestamp time.Time
	Width     int
	Height    int

	Elevation []float32
	Water     []float32
	Fire      []float32
	// StaleCells counts cells with no fresh sensor coverage.
	StaleCells int
}

// Snapshot copies the grid into a new Snapshot.
func (g *Grid) Snapshot(seq, tick uint64, ts time.Time) *Snapshot {
	n := g.Cells()
	s := &Snapshot{
		Sequence:  seq,
		Tick:      tick,
		Timestamp: ts,
		Width:     g.W,
		Height:    g.H,
		Elevation: make([]float32, n),
		Water:     make([]float32, n),
		Fire:      make([]float32, n),
	}
	for i := 0; i < n; i++ {
		s.Elevation[i] = float32(g.Height[i])
		s.Water[i] = float32(g.Water[i])
		s.Fire[i] = float32(g.Fire[i])
		if g.Stale[i] {
			s.StaleCells++
		}
	}
	return s
}

// At returns the elevation, water and fire of cell (x, y).
func (s *Snapshot) At(x, y int) (elev, water, fire float32) {
	i := y*s.Width + x
	return s.Elevation[i], s.Water[i], s.Fire[i]
}
