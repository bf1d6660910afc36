// Package sensor turns depth cameras and webcams into DepthFrames and keeps
// the latest frame from each adapter in a last-value-wins slot.
package sensor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSensorUnavailable means the device is absent or has never produced
	// a frame within the capture timeout.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrCaptureTimeout means a device that has delivered before missed the
	// capture deadline.
	ErrCaptureTimeout = errors.New("capture timeout")
	// ErrDeviceAbsent is returned by devices that know they are disconnected.
	ErrDeviceAbsent = errors.New("device absent")
	// ErrMalformedReading is returned when a device produced bytes that do
	// not decode to a frame.
	ErrMalformedReading = errors.New("malformed reading")
)

// Encoding says how DepthFrame samples are interpreted.
type Encoding uint8

const (
	// EncodingDepthMM samples are distances in millimetres; closer is smaller.
	EncodingDepthMM Encoding = iota
	// EncodingHeight samples are already normalized heights in [0, 1].
	EncodingHeight
)

func (e Encoding) String() string {
	if e == EncodingHeight {
		return "height"
	}
	return "depth_mm"
}

// DepthFrame is one capture from one sensor. Frames are immutable once
// published to a Slot.
type DepthFrame struct {
	SensorID         string
	CaptureTimestamp time.Time
	Width            int
	Height           int
	Encoding         Encoding
	// Samples is row-major, Width*Height long.
	Samples []float64
	// Confidence is optional; when present it has the same length as Samples.
	Confidence []float64
	// Reference is the signal a calibration baseline is built from. Nil
	// means the samples themselves.
	Reference []float64
}

// CalibrationSignal returns the samples calibration should observe.
func (f *DepthFrame) CalibrationSignal() []float64 {
	if f.Reference != nil {
		return f.Reference
	}
	return f.Samples
}

// At returns the sample at (x, y).
func (f *DepthFrame) At(x, y int) float64 { return f.Samples[y*f.Width+x] }

// DepthSource is the adapter surface the capture runner drives.
type DepthSource interface {
	ID() string
	Capture(ctx context.Context) (DepthFrame, error)
}

// Reading is what a device returns before it is stamped into a DepthFrame.
type Reading struct {
	Width      int
	Height     int
	Samples    []float64
	Confidence []float64
}

// DepthDevice is a structured-light or time-of-flight device producing depth
// in millimetres.
type DepthDevice interface {
	ReadDepth(ctx context.Context) (Reading, error)
}

// LuminanceCamera is a webcam producing 0-255 luminance.
type LuminanceCamera interface {
	ReadLuminance(ctx context.Context) (Reading, error)
}

// BaselineProvider hands out the calibrated reference signal for a sensor.
// It reports false until the sensor has a baseline.
type BaselineProvider interface {
	ReferenceFor(sensorID string) ([]float64, bool)
}
