package monitor

import (
	"sync"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

// TopographyHistory keeps the most recent topography summaries for the debug
// chart. It is registered as a pipeline sink.
type TopographyHistory struct {
	mu      sync.Mutex
	entries []heightfield.Summary
	next    int
	full    bool
}

// NewTopographyHistory keeps up to size summaries.
func NewTopographyHistory(size int) *TopographyHistory {
	if size < 1 {
		size = 1
	}
	return &TopographyHistory{entries: make([]heightfield.Summary, size)}
}

// PublishFrame is a no-op; only summaries are kept.
func (h *TopographyHistory) PublishFrame(*heightfield.Snapshot) {}

// PublishTopography records a summary, overwriting the oldest when full.
func (h *TopographyHistory) PublishTopography(s heightfield.Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = s
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Entries returns the retained summaries, oldest first.
func (h *TopographyHistory) Entries() []heightfield.Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]heightfield.Summary, h.next)
		copy(out, h.entries[:h.next])
		return out
	}
	out := make([]heightfield.Summary, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
