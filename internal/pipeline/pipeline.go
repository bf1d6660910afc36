// Package pipeline runs the authoritative tick loop: it drains commands,
// reads sensor slots, advances calibration, fuses, applies edits, simulates
// and publishes. It is the only writer of the height field.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/fusion"
	"github.com/banshee-data/sandscape/internal/heightfield"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/sensor"
	"github.com/banshee-data/sandscape/internal/sim"
	"github.com/banshee-data/sandscape/internal/timeutil"
)

// ErrCommandQueueFull is returned when the tick loop is too far behind to
// accept another command.
var ErrCommandQueueFull = errors.New("command queue full")

// Sink receives each tick's output. Implementations must not block.
type Sink interface {
	PublishFrame(*heightfield.Snapshot)
	PublishTopography(heightfield.Summary)
}

// CalibrationReply is invoked from the tick loop when a calibration request
// is accepted, completes or fails. It must not block.
type CalibrationReply = func(calibration.Result)

// SensorStatus describes one adapter for collaborators.
type SensorStatus struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Device          string    `json:"device"`
	State           string    `json:"state"`
	Faulted         bool      `json:"faulted"`
	Failures        int       `json:"consecutive_failures"`
	LastError       string    `json:"last_error,omitempty"`
	LastFrame       time.Time `json:"last_frame,omitzero"`
	Stale           bool      `json:"stale"`
	BaselineVersion uint64    `json:"baseline_version,omitempty"`
}

// Deps are the components the tick loop drives.
type Deps struct {
	// Grid seeds the height field. Nil allocates one at rest height.
	Grid        *heightfield.Grid
	Adapters    []*sensor.Adapter
	Calibration *calibration.Manager
	Fusion      *fusion.Engine
	Sim         *sim.Simulator
	Sinks       []Sink
	Clock       timeutil.Clock
	Metrics     *monitoring.Collector
	Tracer      trace.Tracer
}

type command struct {
	edit      *heightfield.Edit
	calibrate *calibrateCmd
}

type calibrateCmd struct {
	sensorID string
	reply    CalibrationReply
}

// Pipeline owns the height field and the tick loop.
type Pipeline struct {
	cfg      Config
	grid     *heightfield.Grid
	adapters []*sensor.Adapter
	calib    *calibration.Manager
	fusion   *fusion.Engine
	sim      *sim.Simulator
	clock    timeutil.Clock
	metrics  *monitoring.Collector
	tracer   trace.Tracer
	log      monitoring.Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	commands chan command

	// Tick loop state.
	tick        uint64
	seq         uint64
	faulted     map[string]bool
	lastSeq     map[string]uint64
	waiters     map[string][]CalibrationReply
	pending     []heightfield.Edit
	lastFusion  error
	lastOverrun bool

	snapshot atomic.Pointer[heightfield.Snapshot]
	summary  atomic.Pointer[heightfield.Summary]
	sensors  atomic.Pointer[[]SensorStatus]
}

// New validates the configuration and wiring. A seed grid whose size differs
// from the configuration yields heightfield.ErrDimensionMismatch.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Calibration == nil || deps.Fusion == nil || deps.Sim == nil {
		return nil, fmt.Errorf("pipeline: calibration, fusion and sim are required")
	}
	grid := deps.Grid
	if grid == nil {
		g, err := heightfield.New(cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
		g.Fill(cfg.RestHeight)
		grid = g
	} else if err := grid.CheckDims(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = monitoring.Tracer()
	}

	p := &Pipeline{
		cfg:      cfg,
		grid:     grid,
		adapters: deps.Adapters,
		calib:    deps.Calibration,
		fusion:   deps.Fusion,
		sim:      deps.Sim,
		sinks:    deps.Sinks,
		clock:    clock,
		metrics:  deps.Metrics,
		tracer:   tracer,
		log:      monitoring.Component("Pipeline"),
		commands: make(chan command, cfg.CommandQueueDepth),
		faulted:  make(map[string]bool),
		lastSeq:  make(map[string]uint64),
		waiters:  make(map[string][]CalibrationReply),
	}
	now := clock.Now()
	p.publishState(now, fusion.Result{Status: heightfield.FusionNoCalibrated}, calibration.View{})
	return p, nil
}

// AddSink registers a sink for subsequent ticks.
func (p *Pipeline) AddSink(s Sink) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Width and Height report the grid size.
func (p *Pipeline) Width() int  { return p.cfg.Width }
func (p *Pipeline) Height() int { return p.cfg.Height }

// TickRate returns ticks per second.
func (p *Pipeline) TickRate() float64 { return float64(time.Second) / float64(p.cfg.TickInterval) }

// Snapshot returns the latest published frame. Never nil.
func (p *Pipeline) Snapshot() *heightfield.Snapshot { return p.snapshot.Load() }

// Topography returns the latest topography summary.
func (p *Pipeline) Topography() heightfield.Summary { return *p.summary.Load() }

// Sensors returns the latest per-sensor status, sorted by id.
func (p *Pipeline) Sensors() []SensorStatus {
	s := *p.sensors.Load()
	out := make([]SensorStatus, len(s))
	copy(out, s)
	return out
}

// SensorIDs lists configured sensor ids.
func (p *Pipeline) SensorIDs() []string { return p.calib.SensorIDs() }

// SubmitEdit queues an edit for the next tick.
func (p *Pipeline) SubmitEdit(e heightfield.Edit) error {
	if err := e.Validate(p.cfg.Width, p.cfg.Height); err != nil {
		return err
	}
	return p.enqueue(command{edit: &e})
}

// SubmitCalibration queues a calibration request. An empty sensorID means
// every sensor. reply is called once when the request is accepted and again
// when the attempt completes or times out.
func (p *Pipeline) SubmitCalibration(sensorID string, reply CalibrationReply) error {
	if reply == nil {
		reply = func(calibration.Result) {}
	}
	return p.enqueue(command{calibrate: &calibrateCmd{sensorID: sensorID, reply: reply}})
}

func (p *Pipeline) enqueue(c command) error {
	select {
	case p.commands <- c:
		return nil
	default:
		p.metrics.CommandRejected("queue_full")
		return ErrCommandQueueFull
	}
}

// Run ticks at the configured rate until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	p.log.Printf("running %dx%d at %.1f Hz", p.cfg.Width, p.cfg.Height, p.TickRate())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			start := p.clock.Now()
			p.Step(ctx)
			elapsed := p.clock.Since(start)
			overrun := elapsed > p.cfg.TickInterval
			p.metrics.ObserveTick(elapsed, overrun)
			if overrun && !p.lastOverrun {
				p.log.Printf("tick %d overran: %v > %v", p.tick, elapsed, p.cfg.TickInterval)
			}
			p.lastOverrun = overrun
		}
	}
}

// Step runs one tick. It is called by Run and directly by tests.
func (p *Pipeline) Step(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "tick")
	defer span.End()

	now := p.clock.Now()
	p.tick++
	tick := p.tick

	p.drainCommands(now)
	reads := p.readSlots(now)
	p.advanceCalibration(reads, now)

	_, fuseSpan := p.tracer.Start(ctx, "fuse")
	view := p.calib.Snapshot()
	res, err := p.fusion.Fuse(p.grid, fusion.Input{Frames: reads.frames, View: view, Now: now, Tick: tick})
	p.logFusion(err)
	fuseSpan.End()

	for _, e := range p.pending {
		if _, err := fusion.ApplyEdit(p.grid, e, tick, p.cfg.WetThreshold); err != nil {
			p.log.Printf("dropping edit: %v", err)
		}
	}
	p.pending = p.pending[:0]

	_, simSpan := p.tracer.Start(ctx, "simulate")
	st := p.sim.Step(p.grid, tick)
	simSpan.End()

	_, pubSpan := p.tracer.Start(ctx, "publish")
	defer pubSpan.End()
	snap, summary := p.publishState(now, res, view)
	span.SetAttributes(
		attribute.Int64("tick", int64(tick)),
		attribute.Int("stale_cells", res.StaleCells),
		attribute.Int("contributing", len(res.Contributing)),
		attribute.Int("ignitions", st.Ignitions),
	)

	p.sinksMu.RLock()
	sinks := p.sinks
	p.sinksMu.RUnlock()
	for _, s := range sinks {
		s.PublishFrame(snap)
		if tick == 1 || tick%uint64(p.cfg.TopographyEvery) == 0 {
			s.PublishTopography(summary)
		}
	}
}

func (p *Pipeline) drainCommands(now time.Time) {
	for {
		select {
		case c := <-p.commands:
			switch {
			case c.edit != nil:
				p.pending = append(p.pending, *c.edit)
			case c.calibrate != nil:
				p.beginCalibration(c.calibrate, now)
			}
		default:
			return
		}
	}
}

func (p *Pipeline) beginCalibration(c *calibrateCmd, now time.Time) {
	ids := []string{c.sensorID}
	if c.sensorID == "" {
		ids = p.calib.SensorIDs()
	}
	for _, id := range ids {
		state, err := p.calib.BeginCalibration(id, now)
		c.reply(calibration.Result{SensorID: id, State: state, Err: err})
		if err == nil {
			p.waiters[id] = append(p.waiters[id], c.reply)
		}
	}
}

// slotReads is one tick's view of every adapter slot. Frames and their
// sequence numbers come from the same Load.
type slotReads struct {
	frames map[string]*sensor.DepthFrame
	seqs   map[string]uint64
}

// readSlots collects the latest frame per adapter and turns slot fault
// edges into calibration faults.
func (p *Pipeline) readSlots(now time.Time) slotReads {
	reads := slotReads{
		frames: make(map[string]*sensor.DepthFrame, len(p.adapters)),
		seqs:   make(map[string]uint64, len(p.adapters)),
	}
	for _, a := range p.adapters {
		id := a.Config.ID
		st := a.Slot.Load()
		if st.Faulted && !p.faulted[id] {
			if p.calib.ReportFault(id, now) {
				p.log.Printf("%s faulted, recalibration required", id)
			}
		}
		p.faulted[id] = st.Faulted
		if st.Frame != nil {
			reads.frames[id] = st.Frame
			reads.seqs[id] = st.Seq
		}
	}
	return reads
}

// advanceCalibration feeds each frame read this tick to calibration once.
func (p *Pipeline) advanceCalibration(reads slotReads, now time.Time) {
	ids := make([]string, 0, len(reads.frames))
	for id := range reads.frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		seq := reads.seqs[id]
		if seq == p.lastSeq[id] {
			continue
		}
		p.lastSeq[id] = seq
		if res, done := p.calib.Observe(reads.frames[id], now); done {
			p.notify(res)
		}
	}
	for _, res := range p.calib.Expire(now) {
		p.notify(res)
	}
}

func (p *Pipeline) notify(res calibration.Result) {
	for _, reply := range p.waiters[res.SensorID] {
		reply(res)
	}
	delete(p.waiters, res.SensorID)
}

func (p *Pipeline) logFusion(err error) {
	switch {
	case err == nil:
		if p.lastFusion != nil {
			p.log.Printf("fusion recovered")
		}
	case p.lastFusion == nil || !errors.Is(err, p.lastFusion):
		p.log.Printf("fusion: %v", err)
	}
	switch {
	case errors.Is(err, fusion.ErrNoCalibratedSensors):
		p.lastFusion = fusion.ErrNoCalibratedSensors
	case errors.Is(err, fusion.ErrStaleData):
		p.lastFusion = fusion.ErrStaleData
	default:
		p.lastFusion = err
	}
}

// publishState stores the snapshot, summary and sensor statuses readers see.
func (p *Pipeline) publishState(now time.Time, res fusion.Result, view calibration.View) (*heightfield.Snapshot, heightfield.Summary) {
	p.seq++
	snap := p.grid.Snapshot(p.seq, p.tick, now)
	p.snapshot.Store(snap)

	summary := heightfield.Summarize(p.grid, p.cfg.Summary)
	summary.Tick = p.tick
	summary.Timestamp = now
	summary.ExcludedCells = res.ExcludedCells
	summary.StaleSensors = res.StaleSensors
	summary.ContributingIDs = res.Contributing
	summary.FusionStatus = res.Status
	p.summary.Store(&summary)
	p.metrics.SetFusion(summary.StaleCells, len(res.Contributing))

	stale := make(map[string]bool, len(res.StaleSensors))
	for _, id := range res.StaleSensors {
		stale[id] = true
	}
	statuses := make([]SensorStatus, 0, len(p.adapters))
	for _, a := range p.adapters {
		id := a.Config.ID
		st := a.Slot.Load()
		s := SensorStatus{
			ID:       id,
			Kind:     a.Config.Kind,
			Device:   a.Config.Device,
			State:    calibration.Uncalibrated.String(),
			Faulted:  st.Faulted,
			Failures: st.Failures,
			Stale:    stale[id],
		}
		if state, ok := view.States[id]; ok {
			s.State = state.String()
		}
		if b := view.Baselines[id]; b != nil {
			s.BaselineVersion = b.Version
		}
		if st.LastErr != nil {
			s.LastError = st.LastErr.Error()
		}
		if st.Frame != nil {
			s.LastFrame = st.Frame.CaptureTimestamp
		}
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	p.sensors.Store(&statuses)
	return snap, summary
}
