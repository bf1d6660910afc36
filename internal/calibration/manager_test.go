package calibration

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/sandscape/internal/sensor"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{StableFrames: 3, Tolerance: 0.02, Timeout: 5 * time.Second}
}

func frame(id string, samples ...float64) *sensor.DepthFrame {
	return &sensor.DepthFrame{SensorID: id, Width: len(samples), Height: 1, Samples: samples}
}

func newManager(t *testing.T, ids ...string) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(), ids, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	bad := []Config{
		{StableFrames: 0, Tolerance: 0.1, Timeout: time.Second},
		{StableFrames: 1, Tolerance: -1, Timeout: time.Second},
		{StableFrames: 1, Tolerance: 0.1, Timeout: 0},
	}
	for _, c := range bad {
		if c.Validate() == nil {
			t.Errorf("%+v accepted", c)
		}
	}
}

func TestUnknownSensor(t *testing.T) {
	m := newManager(t, "a")
	if _, err := m.BeginCalibration("zz", t0); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("BeginCalibration(zz) = %v, want ErrUnknownSensor", err)
	}
	if _, err := m.CurrentBaseline("zz"); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("CurrentBaseline(zz) = %v, want ErrUnknownSensor", err)
	}
}

func TestUncalibratedHasNoBaseline(t *testing.T) {
	m := newManager(t, "a")
	if st, _ := m.State("a"); st != Uncalibrated {
		t.Fatalf("initial state = %v", st)
	}
	if _, err := m.CurrentBaseline("a"); !errors.Is(err, ErrNotCalibrated) {
		t.Errorf("CurrentBaseline = %v, want ErrNotCalibrated", err)
	}
	if _, ok := m.ReferenceFor("a"); ok {
		t.Error("ReferenceFor reported a baseline for an uncalibrated sensor")
	}
	if _, done := m.Observe(nil, t0); done {
		t.Error("Observe completed on a nil frame")
	}
	// Frames are ignored outside CALIBRATING.
	if _, done := m.Observe(frame("a", 1, 2), t0); done {
		t.Error("Observe completed while UNCALIBRATED")
	}
}

func TestCommitAfterStableFrames(t *testing.T) {
	m := newManager(t, "a")
	if st, err := m.BeginCalibration("a", t0); err != nil || st != Calibrating {
		t.Fatalf("BeginCalibration = %v, %v", st, err)
	}

	m.Observe(frame("a", 1000, 500), t0)
	m.Observe(frame("a", 1002, 501), t0)
	res, done := m.Observe(frame("a", 1001, 499), t0.Add(time.Second))
	if !done {
		t.Fatal("third stable frame did not commit")
	}
	if res.Err != nil || res.State != Ready {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]float64{1001, 500}, res.Baseline.Samples()); diff != "" {
		t.Errorf("median baseline mismatch (-want +got):\n%s", diff)
	}
	if !res.Baseline.ValidSince.Equal(t0.Add(time.Second)) || res.Baseline.Version != 1 {
		t.Errorf("baseline meta = %v v%d", res.Baseline.ValidSince, res.Baseline.Version)
	}
	if st, _ := m.State("a"); st != Ready {
		t.Errorf("state = %v, want READY", st)
	}
	if !m.Snapshot().Ready("a") {
		t.Error("snapshot does not show READY")
	}
}

func TestUnstableFrameRestartsWindow(t *testing.T) {
	m := newManager(t, "a")
	m.BeginCalibration("a", t0)

	m.Observe(frame("a", 1000, 1000), t0)
	m.Observe(frame("a", 1000, 1000), t0)
	// A hand enters the scene: 25% change.
	if _, done := m.Observe(frame("a", 500, 1000), t0); done {
		t.Fatal("unstable frame committed")
	}
	m.Observe(frame("a", 500, 1000), t0)
	if _, done := m.Observe(frame("a", 500, 1000), t0); !done {
		t.Fatal("three stable frames after the disturbance did not commit")
	}
	b, _ := m.CurrentBaseline("a")
	if b.Sample(0) != 500 {
		t.Errorf("baseline built from pre-disturbance frames: %v", b.Sample(0))
	}
}

func TestBeginCalibrationIsIdempotent(t *testing.T) {
	m := newManager(t, "a")
	m.BeginCalibration("a", t0)
	m.Observe(frame("a", 10), t0)
	m.Observe(frame("a", 10), t0)

	// A repeated request neither resets the window nor moves the deadline.
	if st, err := m.BeginCalibration("a", t0.Add(4*time.Second)); err != nil || st != Calibrating {
		t.Fatalf("second BeginCalibration = %v, %v", st, err)
	}
	if _, done := m.Observe(frame("a", 10), t0); !done {
		t.Error("repeated BeginCalibration reset the attempt")
	}
}

func TestTimeoutKeepsCalibratingAndRetries(t *testing.T) {
	m := newManager(t, "a", "b")
	m.BeginCalibration("a", t0)

	if res := m.Expire(t0.Add(4 * time.Second)); len(res) != 0 {
		t.Fatalf("expired early: %+v", res)
	}
	res := m.Expire(t0.Add(5 * time.Second))
	if len(res) != 1 || res[0].SensorID != "a" || !errors.Is(res[0].Err, ErrCalibrationTimeout) {
		t.Fatalf("Expire = %+v", res)
	}
	if res[0].State != Calibrating {
		t.Errorf("state after timeout = %v, want CALIBRATING", res[0].State)
	}
	if st, _ := m.State("a"); st != Calibrating {
		t.Errorf("state = %v, want CALIBRATING", st)
	}
	// The retry gets a fresh deadline.
	if res := m.Expire(t0.Add(9 * time.Second)); len(res) != 0 {
		t.Errorf("retry expired too soon: %+v", res)
	}
	if res := m.Expire(t0.Add(10 * time.Second)); len(res) != 1 {
		t.Errorf("retry did not expire: %+v", res)
	}
}

func TestRecalibrationKeepsPreviousBaseline(t *testing.T) {
	m := newManager(t, "a")
	m.BeginCalibration("a", t0)
	for i := 0; i < 3; i++ {
		m.Observe(frame("a", 800), t0)
	}
	first, err := m.CurrentBaseline("a")
	if err != nil {
		t.Fatalf("CurrentBaseline: %v", err)
	}

	if !m.ReportFault("a", t0) {
		t.Fatal("ReportFault on READY sensor did not transition")
	}
	if m.ReportFault("a", t0) {
		t.Error("ReportFault on CALIBRATING sensor transitioned again")
	}
	during, err := m.CurrentBaseline("a")
	if err != nil || during != first {
		t.Errorf("baseline during recalibration = %v, %v; want previous", during, err)
	}
	if m.Snapshot().Ready("a") {
		t.Error("recalibrating sensor reported READY")
	}

	for i := 0; i < 3; i++ {
		m.Observe(frame("a", 790), t0)
	}
	second, _ := m.CurrentBaseline("a")
	if second.Version != 2 || second.Sample(0) != 790 {
		t.Errorf("second baseline = v%d %v", second.Version, second.Sample(0))
	}
	if first.Sample(0) != 800 {
		t.Error("superseded baseline was mutated")
	}
}

// Calibrating twice over an identical scene produces bit-identical baselines.
func TestCalibrationIdempotence(t *testing.T) {
	scene := [][]float64{
		{1000.25, 997.5, 1003.125},
		{1000.5, 997.25, 1003},
		{1000, 997.75, 1003.25},
	}
	run := func(m *Manager) *Baseline {
		m.BeginCalibration("a", t0)
		var last Result
		for _, s := range scene {
			if r, done := m.Observe(frame("a", s...), t0); done {
				last = r
			}
		}
		if last.Baseline == nil {
			t.Fatal("calibration did not complete")
		}
		return last.Baseline
	}

	m := newManager(t, "a")
	first := run(m)
	m.ReportFault("a", t0)
	second := run(m)
	third := run(newManager(t, "a"))

	if diff := cmp.Diff(first.Samples(), second.Samples()); diff != "" {
		t.Errorf("recalibration differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Samples(), third.Samples()); diff != "" {
		t.Errorf("fresh calibration differs (-first +third):\n%s", diff)
	}
}

func TestObserveUsesReferenceSignal(t *testing.T) {
	m, err := NewManager(Config{StableFrames: 1, Tolerance: 0.01, Timeout: time.Second}, []string{"cam"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.BeginCalibration("cam", t0)
	f := &sensor.DepthFrame{
		SensorID:  "cam",
		Width:     2,
		Height:    1,
		Encoding:  sensor.EncodingHeight,
		Samples:   []float64{0.5, 0.5},
		Reference: []float64{120, 140},
	}
	if _, done := m.Observe(f, t0); !done {
		t.Fatal("single-frame calibration did not commit")
	}
	ref, ok := m.ReferenceFor("cam")
	if !ok {
		t.Fatal("no reference after commit")
	}
	if diff := cmp.Diff([]float64{120, 140}, ref); diff != "" {
		t.Errorf("reference mismatch (-want +got):\n%s", diff)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Uncalibrated: "UNCALIBRATED", Calibrating: "CALIBRATING", Ready: "READY"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
