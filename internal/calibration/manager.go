// Package calibration tracks per-sensor calibration state and the empty-scene
// baselines fusion measures against.
package calibration

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/sensor"
)

var (
	// ErrNotCalibrated is returned when a sensor has no baseline yet.
	ErrNotCalibrated = errors.New("sensor not calibrated")
	// ErrCalibrationTimeout is reported when an attempt did not settle in
	// time. The sensor stays CALIBRATING and a new attempt begins.
	ErrCalibrationTimeout = errors.New("calibration timeout")
	// ErrUnknownSensor is returned for ids that were never registered.
	ErrUnknownSensor = errors.New("unknown sensor")
)

// State is a sensor's calibration state.
type State int

const (
	Uncalibrated State = iota
	Calibrating
	Ready
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "UNCALIBRATED"
	case Calibrating:
		return "CALIBRATING"
	case Ready:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result reports the end of a calibration attempt.
type Result struct {
	SensorID string
	State    State
	Baseline *Baseline
	// Err is nil on success or wraps ErrCalibrationTimeout.
	Err error
}

type sensorCal struct {
	state    State
	baseline atomic.Pointer[Baseline]
	version  uint64

	// current attempt
	deadline time.Time
	window   [][]float64
	width    int
	height   int
}

func (s *sensorCal) resetAttempt(deadline time.Time) {
	s.deadline = deadline
	s.window = nil
	s.width, s.height = 0, 0
}

// Manager owns the calibration state machine of every sensor. State changes
// happen on the tick loop; baseline reads are lock-free.
type Manager struct {
	cfg     Config
	metrics *monitoring.Collector
	log     monitoring.Logger

	mu      sync.Mutex
	sensors map[string]*sensorCal
}

// NewManager registers ids in the UNCALIBRATED state.
func NewManager(cfg Config, ids []string, metrics *monitoring.Collector) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		metrics: metrics,
		log:     monitoring.Component("Calibration"),
		sensors: make(map[string]*sensorCal, len(ids)),
	}
	for _, id := range ids {
		m.sensors[id] = &sensorCal{}
		metrics.SetCalibrationState(id, int(Uncalibrated))
	}
	return m, nil
}

// SensorIDs returns the registered ids in sorted order.
func (m *Manager) SensorIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sensors))
	for id := range m.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BeginCalibration moves a sensor to CALIBRATING. It is idempotent: calling it
// on a sensor that is already calibrating leaves the running attempt alone.
func (m *Manager) BeginCalibration(id string, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[id]
	if !ok {
		return Uncalibrated, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if s.state == Calibrating {
		return Calibrating, nil
	}
	m.enterCalibrating(id, s, now)
	return Calibrating, nil
}

func (m *Manager) enterCalibrating(id string, s *sensorCal, now time.Time) {
	s.state = Calibrating
	s.resetAttempt(now.Add(m.cfg.Timeout))
	m.metrics.SetCalibrationState(id, int(Calibrating))
	m.log.Printf("%s calibrating (deadline %s)", id, m.cfg.Timeout)
}

// ReportFault sends a READY sensor back to CALIBRATING. It reports whether a
// transition happened.
func (m *Manager) ReportFault(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[id]
	if !ok || s.state != Ready {
		return false
	}
	m.enterCalibrating(id, s, now)
	return true
}

// State returns a sensor's calibration state.
func (m *Manager) State(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[id]
	if !ok {
		return Uncalibrated, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	return s.state, nil
}

// CurrentBaseline returns the committed baseline. While a sensor recalibrates
// the previous baseline is still returned.
func (m *Manager) CurrentBaseline(id string) (*Baseline, error) {
	m.mu.Lock()
	s, ok := m.sensors[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if b := s.baseline.Load(); b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotCalibrated, id)
}

// ReferenceFor implements sensor.BaselineProvider.
func (m *Manager) ReferenceFor(id string) ([]float64, bool) {
	b, err := m.CurrentBaseline(id)
	if err != nil {
		return nil, false
	}
	return b.Samples(), true
}

// Observe feeds a frame to a calibrating sensor. When the frame completes the
// attempt the baseline is swapped in and a Result is returned.
func (m *Manager) Observe(f *sensor.DepthFrame, now time.Time) (Result, bool) {
	if f == nil {
		return Result{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[f.SensorID]
	if !ok || s.state != Calibrating {
		return Result{}, false
	}

	signal := f.CalibrationSignal()
	if len(signal) == 0 {
		return Result{}, false
	}
	if s.width != f.Width || s.height != f.Height {
		s.window = nil
		s.width, s.height = f.Width, f.Height
	}
	frame := make([]float64, len(signal))
	copy(frame, signal)

	if n := len(s.window); n > 0 && relativeChange(s.window[n-1], frame) > m.cfg.Tolerance {
		s.window = s.window[:0]
	}
	s.window = append(s.window, frame)
	if len(s.window) < m.cfg.StableFrames {
		return Result{}, false
	}

	s.version++
	b := &Baseline{
		SensorID:   f.SensorID,
		Width:      f.Width,
		Height:     f.Height,
		ValidSince: now,
		Version:    s.version,
		samples:    medianBaseline(s.window),
	}
	s.baseline.Store(b)
	s.state = Ready
	s.resetAttempt(time.Time{})
	m.metrics.SetCalibrationState(f.SensorID, int(Ready))
	m.log.Printf("%s ready (baseline v%d)", f.SensorID, b.Version)
	return Result{SensorID: f.SensorID, State: Ready, Baseline: b}, true
}

// Expire reports attempts whose deadline has passed and starts a fresh
// attempt for each.
func (m *Manager) Expire(now time.Time) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Result
	for id, s := range m.sensors {
		if s.state != Calibrating || now.Before(s.deadline) {
			continue
		}
		s.resetAttempt(now.Add(m.cfg.Timeout))
		m.log.Printf("%s did not settle, retrying", id)
		out = append(out, Result{
			SensorID: id,
			State:    Calibrating,
			Err:      fmt.Errorf("%w: %s", ErrCalibrationTimeout, id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// View is a consistent copy of every sensor's state and baseline, taken once
// per fusion pass.
type View struct {
	States    map[string]State
	Baselines map[string]*Baseline
}

// Ready reports whether id is READY in the view.
func (v View) Ready(id string) bool { return v.States[id] == Ready }

// Snapshot captures a View.
func (m *Manager) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		States:    make(map[string]State, len(m.sensors)),
		Baselines: make(map[string]*Baseline, len(m.sensors)),
	}
	for id, s := range m.sensors {
		v.States[id] = s.state
		if b := s.baseline.Load(); b != nil {
			v.Baselines[id] = b
		}
	}
	return v
}
