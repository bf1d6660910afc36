package sensor

import "sync"

// Slot holds the most recent frame from one adapter. The capture goroutine
// writes it and the tick loop reads it; neither blocks the other for longer
// than a pointer swap.
type Slot struct {
	faultAfter int

	mu       sync.Mutex
	frame    *DepthFrame
	seq      uint64
	failures int
	faulted  bool
	lastErr  error
}

// SlotState is a point-in-time copy of a Slot.
type SlotState struct {
	Frame    *DepthFrame
	Seq      uint64
	Failures int
	Faulted  bool
	LastErr  error
}

// NewSlot returns a slot that reports a fault after faultAfter consecutive
// failed captures.
func NewSlot(faultAfter int) *Slot {
	if faultAfter < 1 {
		faultAfter = 1
	}
	return &Slot{faultAfter: faultAfter}
}

// Put stores a frame and clears any fault.
func (s *Slot) Put(f DepthFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = &f
	s.seq++
	s.failures = 0
	s.faulted = false
	s.lastErr = nil
}

// Fail records a failed capture and reports whether the slot just became
// faulted. The previous frame is kept and ages out through staleness.
func (s *Slot) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErr = err
	if !s.faulted && s.failures >= s.faultAfter {
		s.faulted = true
		return true
	}
	return false
}

// Load returns the current state.
func (s *Slot) Load() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotState{
		Frame:    s.frame,
		Seq:      s.seq,
		Failures: s.failures,
		Faulted:  s.faulted,
		LastErr:  s.lastErr,
	}
}
