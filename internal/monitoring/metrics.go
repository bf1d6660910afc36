package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the tick loop, sensors and
// broadcast sessions. A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	TickOverruns prometheus.Counter

	StaleCells          prometheus.Gauge
	ContributingSensors prometheus.Gauge
	CaptureErrors       *prometheus.CounterVec
	CalibrationState    *prometheus.GaugeVec

	Sessions         prometheus.Gauge
	FramesDropped    prometheus.Counter
	Disconnects      *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice against the same registry
// returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandscape_ticks_total",
		Help: "Number of completed simulation ticks.",
	}), "sandscape_ticks_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandscape_tick_duration_seconds",
		Help:    "Wall time spent in one tick.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25},
	}), "sandscape_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.TickOverruns, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandscape_tick_overruns_total",
		Help: "Ticks that exceeded the tick interval.",
	}), "sandscape_tick_overruns_total"); err != nil {
		return nil, err
	}
	if c.StaleCells, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandscape_stale_cells",
		Help: "Grid cells without fresh sensor coverage in the last fusion pass.",
	}), "sandscape_stale_cells"); err != nil {
		return nil, err
	}
	if c.ContributingSensors, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandscape_contributing_sensors",
		Help: "Sensors that contributed to the last fusion pass.",
	}), "sandscape_contributing_sensors"); err != nil {
		return nil, err
	}
	if c.CaptureErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandscape_capture_errors_total",
		Help: "Sensor capture failures, labeled by sensor and error kind.",
	}, []string{"sensor", "kind"}), "sandscape_capture_errors_total"); err != nil {
		return nil, err
	}
	if c.CalibrationState, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandscape_calibration_state",
		Help: "Calibration state per sensor: 0 uncalibrated, 1 calibrating, 2 ready.",
	}, []string{"sensor"}), "sandscape_calibration_state"); err != nil {
		return nil, err
	}
	if c.Sessions, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandscape_sessions",
		Help: "Connected broadcast sessions.",
	}), "sandscape_sessions"); err != nil {
		return nil, err
	}
	if c.FramesDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandscape_frames_dropped_total",
		Help: "Frames evicted from session queues by newer frames.",
	}), "sandscape_frames_dropped_total"); err != nil {
		return nil, err
	}
	if c.Disconnects, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandscape_session_disconnects_total",
		Help: "Session disconnects, labeled by reason.",
	}, []string{"reason"}), "sandscape_session_disconnects_total"); err != nil {
		return nil, err
	}
	if c.CommandsRejected, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandscape_commands_rejected_total",
		Help: "Client commands rejected, labeled by reason.",
	}, []string{"reason"}), "sandscape_commands_rejected_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one completed tick.
func (c *Collector) ObserveTick(d time.Duration, overrun bool) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
	if overrun {
		c.TickOverruns.Inc()
	}
}

// SetFusion records the outcome of a fusion pass.
func (c *Collector) SetFusion(staleCells, contributing int) {
	if c == nil {
		return
	}
	c.StaleCells.Set(float64(staleCells))
	c.ContributingSensors.Set(float64(contributing))
}

// CaptureError counts a failed capture.
func (c *Collector) CaptureError(sensor, kind string) {
	if c == nil {
		return
	}
	c.CaptureErrors.WithLabelValues(sensor, kind).Inc()
}

// SetCalibrationState records a sensor's calibration state.
func (c *Collector) SetCalibrationState(sensor string, state int) {
	if c == nil {
		return
	}
	c.CalibrationState.WithLabelValues(sensor).Set(float64(state))
}

// SetSessions records the number of connected sessions.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// FrameDropped counts a frame evicted from a session queue.
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.FramesDropped.Inc()
}

// Disconnected counts a session teardown.
func (c *Collector) Disconnected(reason string) {
	if c == nil {
		return
	}
	c.Disconnects.WithLabelValues(reason).Inc()
}

// CommandRejected counts a rejected client command.
func (c *Collector) CommandRejected(reason string) {
	if c == nil {
		return
	}
	c.CommandsRejected.WithLabelValues(reason).Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
