package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/timeutil"
)

// Runner drives one DepthSource at a fixed interval and writes results into
// its Slot.
type Runner struct {
	source   DepthSource
	slot     *Slot
	interval time.Duration
	clock    timeutil.Clock
	metrics  *monitoring.Collector
	log      monitoring.Logger
}

// NewRunner wires a source to a slot. A nil clock uses the real clock.
func NewRunner(source DepthSource, slot *Slot, interval time.Duration, clock timeutil.Clock, metrics *monitoring.Collector) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		source:   source,
		slot:     slot,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
		log:      monitoring.Component("Sensor " + source.ID()),
	}
}

// Run captures until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.CaptureOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// CaptureOnce performs one capture and records the outcome.
func (r *Runner) CaptureOnce(ctx context.Context) {
	frame, err := r.source.Capture(ctx)
	if err == nil {
		if r.slot.Load().Faulted {
			r.log.Printf("recovered")
		}
		r.slot.Put(frame)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.metrics.CaptureError(r.source.ID(), ErrorKind(err))
	if r.slot.Fail(err) {
		r.log.Printf("faulted after repeated failures: %v", err)
	}
}
