package sensor

import "context"

// StructuredDepthSource adapts a depth device delivering millimetres.
type StructuredDepthSource struct {
	id     string
	device DepthDevice
	guard  captureGuard
}

// NewStructuredDepthSource wraps device under the given sensor id.
func NewStructuredDepthSource(id string, device DepthDevice, opts SourceOptions) *StructuredDepthSource {
	return &StructuredDepthSource{
		id:     id,
		device: device,
		guard:  captureGuard{opts: opts.withDefaults()},
	}
}

// ID returns the sensor id.
func (s *StructuredDepthSource) ID() string { return s.id }

// Capture reads one depth frame, bounded by the capture timeout.
func (s *StructuredDepthSource) Capture(ctx context.Context) (DepthFrame, error) {
	r, err := s.guard.read(ctx, s.device.ReadDepth)
	if err != nil {
		return DepthFrame{}, err
	}
	return DepthFrame{
		SensorID:         s.id,
		CaptureTimestamp: s.guard.opts.Clock.Now(),
		Width:            r.Width,
		Height:           r.Height,
		Encoding:         EncodingDepthMM,
		Samples:          r.Samples,
		Confidence:       r.Confidence,
	}, nil
}
