package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/sandscape/internal/broadcast"
	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/fusion"
	"github.com/banshee-data/sandscape/internal/heightfield"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/sensor"
	"github.com/banshee-data/sandscape/internal/sim"
	"github.com/banshee-data/sandscape/internal/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	frames []*heightfield.Snapshot
	topos  []heightfield.Summary
}

func (s *recordingSink) PublishFrame(f *heightfield.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) PublishTopography(t heightfield.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topos = append(s.topos, t)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), len(s.topos)
}

type replies struct {
	mu  sync.Mutex
	got []calibration.Result
}

func (r *replies) reply(res calibration.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *replies) last() calibration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *replies) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type harness struct {
	p     *Pipeline
	clock *timeutil.MockClock
	sink  *recordingSink
	slots map[string]*sensor.Slot
}

func testConfig() Config {
	cfg := ConfigFromTuning(config.EmptyTuningConfig())
	cfg.Width, cfg.Height = 4, 4
	cfg.CommandQueueDepth = 4
	cfg.TopographyEvery = 3
	return cfg
}

func newHarness(t *testing.T, cfg Config, ids ...string) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	h := &harness{clock: clock, sink: &recordingSink{}, slots: make(map[string]*sensor.Slot)}

	var adapters []*sensor.Adapter
	geoms := make(map[string]fusion.Geometry)
	for _, id := range ids {
		sc := config.SensorConfig{ID: id, Kind: config.KindStructured, Device: config.DeviceSynthetic, Width: 4, Height: 4}
		slot := sensor.NewSlot(1)
		h.slots[id] = slot
		adapters = append(adapters, &sensor.Adapter{Config: sc, Slot: slot, Close: func() error { return nil }})
		geoms[id] = fusion.GeometryFromConfig(sc)
	}

	calib, err := calibration.NewManager(calibration.Config{StableFrames: 2, Tolerance: 0.01, Timeout: 5 * time.Second}, ids, nil)
	require.NoError(t, err)
	fe, err := fusion.NewEngine(fusion.Config{StaleAfter: time.Second, RestHeight: cfg.RestHeight}, geoms)
	require.NoError(t, err)
	s, err := sim.New(sim.DefaultConfig())
	require.NoError(t, err)

	h.p, err = New(cfg, Deps{
		Adapters:    adapters,
		Calibration: calib,
		Fusion:      fe,
		Sim:         s,
		Sinks:       []Sink{h.sink},
		Clock:       clock,
	})
	require.NoError(t, err)
	return h
}

// put stores a uniform depth frame captured now.
func (h *harness) put(id string, depth float64) {
	samples := make([]float64, 16)
	for i := range samples {
		samples[i] = depth
	}
	h.slots[id].Put(sensor.DepthFrame{
		SensorID:         id,
		CaptureTimestamp: h.clock.Now(),
		Width:            4,
		Height:           4,
		Samples:          samples,
	})
}

func (h *harness) step() { h.p.Step(context.Background()) }

// calibrate runs a sensor through a full calibration on a flat scene.
func (h *harness) calibrate(t *testing.T, id string) {
	t.Helper()
	var r replies
	require.NoError(t, h.p.SubmitCalibration(id, r.reply))
	h.step()
	for i := 0; i < 2; i++ {
		h.put(id, 1000)
		h.step()
	}
	require.Equal(t, calibration.Ready, r.last().State)
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig()
	g, err := heightfield.New(5, 5)
	require.NoError(t, err)
	calib, _ := calibration.NewManager(calibration.DefaultConfig(), nil, nil)
	fe, _ := fusion.NewEngine(fusion.Config{StaleAfter: time.Second}, nil)
	s, _ := sim.New(sim.DefaultConfig())

	_, err = New(cfg, Deps{Grid: g, Calibration: calib, Fusion: fe, Sim: s})
	assert.True(t, errors.Is(err, heightfield.ErrDimensionMismatch), "got %v", err)

	bad := cfg
	bad.Width = 0
	_, err = New(bad, Deps{Calibration: calib, Fusion: fe, Sim: s})
	assert.True(t, errors.Is(err, heightfield.ErrInvalidDimensions), "got %v", err)

	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestInitialState(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	snap := h.p.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 4, snap.Width)
	assert.Equal(t, float32(0.5), snap.Elevation[0])
	assert.Equal(t, heightfield.FusionNoCalibrated, h.p.Topography().FusionStatus)

	sensors := h.p.Sensors()
	require.Len(t, sensors, 1)
	assert.Equal(t, "UNCALIBRATED", sensors[0].State)
	assert.InDelta(t, 30.0, h.p.TickRate(), 1e-9)
}

func TestUncalibratedTickKeepsGrid(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	h.put("d", 500)
	h.step()

	snap := h.p.Snapshot()
	for _, v := range snap.Elevation {
		assert.Equal(t, float32(0.5), v)
	}
	assert.Equal(t, uint64(1), snap.Tick)
	assert.Equal(t, heightfield.FusionNoCalibrated, h.p.Topography().FusionStatus)
}

func TestCalibrationThenFusion(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	var r replies
	require.NoError(t, h.p.SubmitCalibration("d", r.reply))
	h.step()
	require.Equal(t, 1, r.len())
	assert.Equal(t, calibration.Calibrating, r.last().State)
	assert.NoError(t, r.last().Err)

	h.put("d", 1000)
	h.step()
	// Same frame seen again must not count toward stability.
	h.step()
	assert.Equal(t, 1, r.len())

	h.put("d", 1000)
	h.step()
	require.Equal(t, 2, r.len())
	assert.Equal(t, calibration.Ready, r.last().State)

	h.put("d", 970)
	h.step()
	snap := h.p.Snapshot()
	assert.InDelta(t, 0.6, snap.Elevation[5], 1e-6)
	topo := h.p.Topography()
	assert.Equal(t, heightfield.FusionOK, topo.FusionStatus)
	assert.Equal(t, []string{"d"}, topo.ContributingIDs)

	sensors := h.p.Sensors()
	assert.Equal(t, "READY", sensors[0].State)
	assert.Equal(t, uint64(1), sensors[0].BaselineVersion)
}

func TestCalibrateAllSensors(t *testing.T) {
	h := newHarness(t, testConfig(), "a", "b")
	var r replies
	require.NoError(t, h.p.SubmitCalibration("", r.reply))
	h.step()
	require.Equal(t, 2, r.len())
	assert.Equal(t, "a", r.got[0].SensorID)
	assert.Equal(t, "b", r.got[1].SensorID)
}

func TestCalibrateUnknownSensor(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	var r replies
	require.NoError(t, h.p.SubmitCalibration("nope", r.reply))
	h.step()
	require.Equal(t, 1, r.len())
	assert.True(t, errors.Is(r.last().Err, calibration.ErrUnknownSensor))
}

func TestCalibrationTimeoutRepliesOnce(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	var r replies
	require.NoError(t, h.p.SubmitCalibration("d", r.reply))
	h.step()

	h.clock.Advance(6 * time.Second)
	h.step()
	require.Equal(t, 2, r.len())
	assert.True(t, errors.Is(r.last().Err, calibration.ErrCalibrationTimeout))

	h.clock.Advance(6 * time.Second)
	h.step()
	assert.Equal(t, 2, r.len(), "waiter is released after the failure")
}

// One sensor stale, one fresh: the stale sensor is reported in the
// topography metadata and its footprint counted as excluded.
func TestStaleSensorReportedInTopography(t *testing.T) {
	h := newHarness(t, testConfig(), "new", "old")
	h.calibrate(t, "old")
	h.calibrate(t, "new")

	h.put("old", 900)
	h.clock.Advance(1500 * time.Millisecond)
	h.put("new", 970)
	h.step()

	topo := h.p.Topography()
	assert.Equal(t, []string{"old"}, topo.StaleSensors)
	assert.Equal(t, []string{"new"}, topo.ContributingIDs)
	assert.Equal(t, 16, topo.ExcludedCells)
	assert.Zero(t, topo.StaleCells)
	assert.InDelta(t, 0.6, h.p.Snapshot().Elevation[0], 1e-6)

	for _, s := range h.p.Sensors() {
		assert.Equal(t, s.ID == "old", s.Stale, s.ID)
	}
}

func TestFaultedSensorRecalibrates(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	h.calibrate(t, "d")

	h.slots["d"].Fail(sensor.ErrCaptureTimeout)
	h.step()
	sensors := h.p.Sensors()
	assert.Equal(t, "CALIBRATING", sensors[0].State)
	assert.True(t, sensors[0].Faulted)
	assert.Contains(t, sensors[0].LastError, "capture timeout")
}

func TestEditsApplyAfterFusion(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	require.NoError(t, h.p.SubmitEdit(heightfield.Edit{Tool: heightfield.ToolWater, X: 1, Y: 1, Strength: 0.5}))
	h.step()
	assert.Positive(t, h.p.Topography().TotalWater)

	err := h.p.SubmitEdit(heightfield.Edit{Tool: heightfield.ToolRaise, X: 9, Y: 9, Strength: 0.5})
	assert.Error(t, err)
}

func TestCommandQueueBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.CommandQueueDepth = 2
	h := newHarness(t, cfg, "d")
	e := heightfield.Edit{Tool: heightfield.ToolRaise, X: 1, Y: 1, Strength: 0.1}

	require.NoError(t, h.p.SubmitEdit(e))
	require.NoError(t, h.p.SubmitEdit(e))
	assert.True(t, errors.Is(h.p.SubmitEdit(e), ErrCommandQueueFull))
	assert.True(t, errors.Is(h.p.SubmitCalibration("d", nil), ErrCommandQueueFull))

	h.step()
	assert.NoError(t, h.p.SubmitEdit(e), "queue drains each tick")
}

func TestTopographyCadence(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	for i := 0; i < 6; i++ {
		h.step()
	}
	frames, topos := h.sink.counts()
	assert.Equal(t, 6, frames)
	// Ticks 1, 3 and 6.
	assert.Equal(t, 3, topos)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	for i := 1; i < len(h.sink.frames); i++ {
		assert.Greater(t, h.sink.frames[i].Sequence, h.sink.frames[i-1].Sequence)
	}
}

func TestRunTicksOnClock(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clock.Tickers() > 0 }, time.Second, time.Millisecond)
	interval := h.p.cfg.TickInterval
	require.Eventually(t, func() bool {
		h.clock.Advance(interval)
		return h.p.Snapshot().Tick >= 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// gatedTransport holds every send until gate is closed.
type gatedTransport struct{ gate chan struct{} }

func (t gatedTransport) Send([]byte) error { <-t.gate; return nil }
func (gatedTransport) Close() error        { return nil }

func TestBlockedClientDoesNotStallTicks(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	metrics, err := monitoring.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	h.p.metrics = metrics

	hubCfg := broadcast.ConfigFromTuning(config.EmptyTuningConfig())
	hubCfg.MaxOverflowStrikes = 1 << 20
	hub, err := broadcast.NewServer(hubCfg, h.p, h.clock, metrics)
	require.NoError(t, err)
	t.Cleanup(hub.Shutdown)
	h.p.AddSink(hub)

	tr := gatedTransport{gate: make(chan struct{})}
	t.Cleanup(func() { close(tr.gate) })
	hub.Subscribe(hub.Open(tr), broadcast.TopicFrames, broadcast.TopicTopography)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clock.Tickers() > 0 }, time.Second, time.Millisecond)
	const ticks = 20
	interval := h.p.cfg.TickInterval
	require.Eventually(t, func() bool {
		h.clock.Advance(interval)
		return h.p.Snapshot().Tick >= ticks
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Ticks), float64(ticks))
	assert.Zero(t, testutil.ToFloat64(metrics.TickOverruns))
	assert.Positive(t, testutil.ToFloat64(metrics.FramesDropped), "frames queued behind the blocked send are dropped")
	assert.Len(t, hub.Sessions(), 1)
}

// A capture landing between the slot read and calibration must neither be
// observed out of step nor skipped on the next tick.
func TestCaptureBetweenSlotReadAndCalibration(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	var r replies
	require.NoError(t, h.p.SubmitCalibration("d", r.reply))
	h.step()

	h.put("d", 1000)
	h.step()

	// Read an unchanged slot, then let a new capture arrive before the
	// calibration pass of the same tick.
	reads := h.p.readSlots(h.clock.Now())
	h.put("d", 1000)
	assert.NotPanics(t, func() { h.p.advanceCalibration(reads, h.clock.Now()) })
	assert.Equal(t, calibration.Calibrating, r.last().State)

	// The late frame is picked up on the following tick and completes the
	// stable window.
	h.step()
	assert.Equal(t, calibration.Ready, r.last().State)
}

func TestEmptySlotReadSkipsCalibration(t *testing.T) {
	h := newHarness(t, testConfig(), "d")
	require.NoError(t, h.p.SubmitCalibration("d", nil))
	h.step()

	reads := h.p.readSlots(h.clock.Now())
	assert.Empty(t, reads.frames)
	h.put("d", 1000)
	assert.NotPanics(t, func() { h.p.advanceCalibration(reads, h.clock.Now()) })
}
