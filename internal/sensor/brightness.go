package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/sandscape/internal/config"
)

// BrightnessConfig tunes the brightness-difference height heuristic.
type BrightnessConfig struct {
	// Threshold is the luminance difference (0-255) above which a pixel is
	// considered disturbed.
	Threshold float64
	// Sensitivity maps a luminance difference to a target height.
	Sensitivity float64
	// TriggerAlpha is the blend weight toward the target on a disturbed pixel.
	TriggerAlpha float64
	// RestAlpha is the blend weight toward RestLevel on a quiet pixel.
	RestAlpha float64
	RestLevel float64
}

// DefaultBrightnessConfig returns the stock heuristic constants.
func DefaultBrightnessConfig() BrightnessConfig {
	return BrightnessConfigFromTuning(config.EmptyTuningConfig())
}

// BrightnessConfigFromTuning reads the heuristic constants from cfg.
func BrightnessConfigFromTuning(cfg *config.TuningConfig) BrightnessConfig {
	return BrightnessConfig{
		Threshold:    cfg.GetBrightnessThreshold(),
		Sensitivity:  cfg.GetBrightnessSensitivity(),
		TriggerAlpha: cfg.GetBrightnessTriggerAlpha(),
		RestAlpha:    cfg.GetBrightnessRestAlpha(),
		RestLevel:    cfg.GetBrightnessRestLevel(),
	}
}

// Validate checks the constants.
func (c BrightnessConfig) Validate() error {
	if c.Threshold < 0 {
		return fmt.Errorf("brightness threshold must be non-negative, got %f", c.Threshold)
	}
	if c.Sensitivity <= 0 {
		return fmt.Errorf("brightness sensitivity must be positive, got %f", c.Sensitivity)
	}
	for name, v := range map[string]float64{"trigger alpha": c.TriggerAlpha, "rest alpha": c.RestAlpha, "rest level": c.RestLevel} {
		if v < 0 || v > 1 {
			return fmt.Errorf("brightness %s must be between 0 and 1, got %f", name, v)
		}
	}
	return nil
}

// BrightnessDiffSource estimates height from how far each pixel's luminance
// has moved away from the calibrated empty-scene luminance. Heights are
// smoothed across captures, so the source is stateful.
type BrightnessDiffSource struct {
	id        string
	camera    LuminanceCamera
	baselines BaselineProvider
	cfg       BrightnessConfig
	guard     captureGuard

	mu      sync.Mutex
	heights []float64
}

// NewBrightnessDiffSource wraps camera under the given sensor id.
func NewBrightnessDiffSource(id string, camera LuminanceCamera, baselines BaselineProvider, cfg BrightnessConfig, opts SourceOptions) *BrightnessDiffSource {
	opts = opts.withDefaults()
	heights := make([]float64, opts.Width*opts.Height)
	for i := range heights {
		heights[i] = cfg.RestLevel
	}
	return &BrightnessDiffSource{
		id:        id,
		camera:    camera,
		baselines: baselines,
		cfg:       cfg,
		guard:     captureGuard{opts: opts},
		heights:   heights,
	}
}

// ID returns the sensor id.
func (s *BrightnessDiffSource) ID() string { return s.id }

// Capture reads luminance and advances the smoothed height estimate. Without
// a baseline every pixel relaxes toward the rest level.
func (s *BrightnessDiffSource) Capture(ctx context.Context) (DepthFrame, error) {
	r, err := s.guard.read(ctx, s.camera.ReadLuminance)
	if err != nil {
		return DepthFrame{}, err
	}

	var ref []float64
	if s.baselines != nil {
		if b, ok := s.baselines.ReferenceFor(s.id); ok && len(b) == len(r.Samples) {
			ref = b
		}
	}

	s.mu.Lock()
	for i, lum := range r.Samples {
		s.heights[i] = s.step(s.heights[i], lum, ref, i)
	}
	out := make([]float64, len(s.heights))
	copy(out, s.heights)
	s.mu.Unlock()

	return DepthFrame{
		SensorID:         s.id,
		CaptureTimestamp: s.guard.opts.Clock.Now(),
		Width:            r.Width,
		Height:           r.Height,
		Encoding:         EncodingHeight,
		Samples:          out,
		Reference:        r.Samples,
	}, nil
}

func (s *BrightnessDiffSource) step(old, lum float64, ref []float64, i int) float64 {
	if ref != nil {
		diff := math.Abs(lum - ref[i])
		if diff > s.cfg.Threshold {
			target := clamp01(diff * s.cfg.Sensitivity)
			return old*(1-s.cfg.TriggerAlpha) + target*s.cfg.TriggerAlpha
		}
	}
	return old*(1-s.cfg.RestAlpha) + s.cfg.RestLevel*s.cfg.RestAlpha
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
