package sensor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/httputil"
	"github.com/banshee-data/sandscape/internal/serialmux"
	"github.com/banshee-data/sandscape/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDevice returns readings from a script. A nil entry blocks until
// the context is cancelled.
type scriptedDevice struct {
	calls   atomic.Int32
	script  []*Reading
	failErr error
}

func (d *scriptedDevice) ReadDepth(ctx context.Context) (Reading, error) {
	i := int(d.calls.Add(1)) - 1
	if d.failErr != nil {
		return Reading{}, d.failErr
	}
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	if d.script[i] == nil {
		<-ctx.Done()
		return Reading{}, ctx.Err()
	}
	return *d.script[i], nil
}

func (d *scriptedDevice) ReadLuminance(ctx context.Context) (Reading, error) {
	return d.ReadDepth(ctx)
}

func reading(w, h int, v float64) *Reading {
	s := make([]float64, w*h)
	for i := range s {
		s[i] = v
	}
	return &Reading{Width: w, Height: h, Samples: s}
}

func fastOpts(w, h int) SourceOptions {
	return SourceOptions{Width: w, Height: h, Timeout: 20 * time.Millisecond}
}

func TestStructuredCaptureStampsFrame(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	dev := &scriptedDevice{script: []*Reading{reading(2, 2, 900)}}
	src := NewStructuredDepthSource("k1", dev, SourceOptions{Width: 2, Height: 2, Timeout: time.Hour, Clock: clock})

	f, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k1", f.SensorID)
	assert.Equal(t, EncodingDepthMM, f.Encoding)
	assert.Equal(t, time.Unix(100, 0), f.CaptureTimestamp)
	assert.Equal(t, []float64{900, 900, 900, 900}, f.CalibrationSignal())
}

func TestStructuredTimeoutBeforeFirstFrameIsUnavailable(t *testing.T) {
	dev := &scriptedDevice{script: []*Reading{nil}}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))

	_, err := src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrSensorUnavailable)
	assert.NotErrorIs(t, err, ErrCaptureTimeout)
}

func TestStructuredTimeoutAfterDeliveryIsCaptureTimeout(t *testing.T) {
	dev := &scriptedDevice{script: []*Reading{reading(2, 2, 900), nil}}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))

	_, err := src.Capture(context.Background())
	require.NoError(t, err)
	_, err = src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestStructuredAbsentDeviceIsUnavailable(t *testing.T) {
	dev := &scriptedDevice{failErr: ErrDeviceAbsent}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))
	_, err := src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrSensorUnavailable)
}

func TestStructuredRejectsWrongResolution(t *testing.T) {
	dev := &scriptedDevice{script: []*Reading{reading(3, 2, 900)}}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))
	_, err := src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrMalformedReading)
	assert.Equal(t, "malformed", ErrorKind(err))
}

func TestStructuredRejectsNonFiniteSamples(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		r := reading(2, 2, 900)
		r.Samples[3] = v
		dev := &scriptedDevice{script: []*Reading{r}}
		src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))
		_, err := src.Capture(context.Background())
		assert.ErrorIs(t, err, ErrMalformedReading, "sample %v", v)
	}

	r := reading(2, 2, 900)
	r.Confidence = []float64{1, 1, math.NaN(), 1}
	src := NewStructuredDepthSource("k1", &scriptedDevice{script: []*Reading{r}}, fastOpts(2, 2))
	_, err := src.Capture(context.Background())
	assert.ErrorIs(t, err, ErrMalformedReading)
}

type fixedBaseline map[string][]float64

func (b fixedBaseline) ReferenceFor(id string) ([]float64, bool) {
	v, ok := b[id]
	return v, ok
}

func TestBrightnessDiffBlending(t *testing.T) {
	cfg := BrightnessConfig{Threshold: 30, Sensitivity: 1.0 / 128, TriggerAlpha: 0.2, RestAlpha: 0.01, RestLevel: 0.5}
	// Pixel 0 moves 64 levels from baseline, pixel 1 only 10.
	cam := &scriptedDevice{script: []*Reading{{Width: 2, Height: 1, Samples: []float64{164, 110}}}}
	src := NewBrightnessDiffSource("cam", cam, fixedBaseline{"cam": {100, 100}}, cfg, fastOpts(2, 1))

	f, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EncodingHeight, f.Encoding)
	// target = 64/128 = 0.5; 0.5*0.8 + 0.5*0.2 = 0.5
	assert.InDelta(t, 0.5, f.Samples[0], 1e-12)
	assert.InDelta(t, 0.5, f.Samples[1], 1e-12)
	assert.Equal(t, []float64{164, 110}, f.CalibrationSignal())

	// A bigger disturbance pulls height up by a fifth of the gap each capture.
	cam.script = []*Reading{{Width: 2, Height: 1, Samples: []float64{228, 110}}}
	cam.calls.Store(0)
	f, err = src.Capture(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.8+1.0*0.2, f.Samples[0], 1e-12)
}

func TestBrightnessWithoutBaselineRelaxesToRest(t *testing.T) {
	cfg := BrightnessConfig{Threshold: 30, Sensitivity: 1.0 / 128, TriggerAlpha: 0.2, RestAlpha: 0.5, RestLevel: 0}
	cam := &scriptedDevice{script: []*Reading{{Width: 1, Height: 1, Samples: []float64{250}}}}
	src := NewBrightnessDiffSource("cam", cam, fixedBaseline{}, cfg, fastOpts(1, 1))
	src.heights[0] = 0.8

	f, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.4, f.Samples[0], 1e-12)
}

func TestBrightnessConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultBrightnessConfig().Validate())
	bad := DefaultBrightnessConfig()
	bad.TriggerAlpha = 1.5
	assert.Error(t, bad.Validate())
}

func TestParseDepthLine(t *testing.T) {
	r, err := ParseDepthLine("F,2,2,100,200,300,0\r\n")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Width)
	assert.Equal(t, []float64{100, 200, 300, 0}, r.Samples)

	for _, bad := range []string{"X,1,1,5", "F,a,1,5", "F,2,2,1,2,3", "F,1,1,abc", "F,1,1,NaN", "F,2,1,5,+Inf", "F,1,1,-inf"} {
		_, err := ParseDepthLine(bad)
		assert.ErrorIs(t, err, ErrMalformedReading, bad)
	}
}

func TestSerialDepthDeviceReadsNewestFrame(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	dev := NewSerialDepthDevice(mux)
	defer dev.Close()

	port.AddReadData("# boot banner\nF,1,2,500,510\n")
	r, err := dev.ReadDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{500, 510}, r.Samples)

	mux.Close()
	_, err = dev.ReadDepth(ctx)
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestHTTPSnapshotCamera(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.SetGray(x, 0, color.Gray{Y: 200})
		img.SetGray(x, 1, color.Gray{Y: 50})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	client := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "image/png", buf.Bytes())
	cam := &HTTPSnapshotCamera{URL: "http://cam.local/snapshot.png", Width: 2, Height: 2, Client: client}

	r, err := cam.ReadLuminance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 200, r.Samples[0], 0.5)
	assert.InDelta(t, 50, r.Samples[3], 0.5)

	client = httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))
	cam.Client = client
	_, err = cam.ReadLuminance(context.Background())
	assert.ErrorIs(t, err, ErrDeviceAbsent)
}

func TestSlotFaultsAfterConsecutiveFailures(t *testing.T) {
	s := NewSlot(2)
	s.Put(DepthFrame{SensorID: "a"})
	assert.False(t, s.Fail(ErrCaptureTimeout))
	assert.True(t, s.Fail(ErrCaptureTimeout))
	assert.False(t, s.Fail(ErrCaptureTimeout), "fault edge reported once")

	st := s.Load()
	assert.True(t, st.Faulted)
	assert.NotNil(t, st.Frame, "previous frame is kept")
	assert.Equal(t, uint64(1), st.Seq)

	s.Put(DepthFrame{SensorID: "a"})
	st = s.Load()
	assert.False(t, st.Faulted)
	assert.Zero(t, st.Failures)
	assert.Equal(t, uint64(2), st.Seq)
}

func TestRunnerWritesSlot(t *testing.T) {
	dev := &scriptedDevice{script: []*Reading{reading(2, 2, 800)}}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))
	slot := NewSlot(3)
	r := NewRunner(src, slot, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return slot.Load().Seq >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunnerRecordsFailures(t *testing.T) {
	dev := &scriptedDevice{failErr: ErrDeviceAbsent}
	src := NewStructuredDepthSource("k1", dev, fastOpts(2, 2))
	slot := NewSlot(2)
	r := NewRunner(src, slot, time.Millisecond, nil, nil)

	r.CaptureOnce(context.Background())
	r.CaptureOnce(context.Background())
	st := slot.Load()
	assert.True(t, st.Faulted)
	assert.ErrorIs(t, st.LastErr, ErrSensorUnavailable)
}

func TestBuildFromConfig(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	deps := BuildDeps{
		Tuning: config.EmptyTuningConfig(),
		OpenSerial: func(path string, opts serialmux.PortOptions) (SerialLink, error) {
			assert.Equal(t, "/dev/ttyACM0", path)
			assert.Equal(t, 115200, opts.BaudRate)
			return serialmux.NewSerialMux(port), nil
		},
	}

	a, err := Build(config.SensorConfig{ID: "tof", Kind: "structured", Device: "serial", Path: "/dev/ttyACM0", Width: 8, Height: 8}, deps)
	require.NoError(t, err)
	assert.NotNil(t, a.Background)
	assert.NotNil(t, a.AttachAdminRoutes)
	assert.Equal(t, "RES 8 8\nSTREAM ON\n", port.Written())
	assert.NoError(t, a.Close())

	a, err = Build(config.SensorConfig{ID: "cam", Kind: "brightness", Device: "synthetic", Width: 4, Height: 3}, deps)
	require.NoError(t, err)
	f, err := a.Source.Capture(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.Samples, 12)

	_, err = Build(config.SensorConfig{ID: "bad", Kind: "brightness", Device: "serial", Path: "/dev/x", Width: 4, Height: 3}, deps)
	assert.Error(t, err)
}

func TestSyntheticDepthDeviceIsDeterministic(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	a := NewSyntheticDepthDevice(8, 6, clock, 7)
	b := NewSyntheticDepthDevice(8, 6, clock, 7)
	ra, err := a.ReadDepth(context.Background())
	require.NoError(t, err)
	rb, err := b.ReadDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ra.Samples, rb.Samples)
	for _, v := range ra.Samples {
		assert.True(t, v > 600 && v < 1001, "depth %v outside scene", v)
	}
}
