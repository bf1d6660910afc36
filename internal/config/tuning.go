package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the sandbox core.
// Every scalar is a pointer so a partial file leaves the remaining values at
// their defaults; the Get* methods supply those defaults.
type TuningConfig struct {
	// Grid params
	GridWidth  *int     `json:"grid_width,omitempty"`
	GridHeight *int     `json:"grid_height,omitempty"`
	TickRateHz *float64 `json:"tick_rate_hz,omitempty"`
	RestHeight *float64 `json:"rest_height,omitempty"`

	// Sensor capture params
	CaptureTimeout     *string `json:"capture_timeout,omitempty"` // duration string like "200ms"
	FaultAfterFailures *int    `json:"fault_after_failures,omitempty"`

	// Brightness-difference heuristic
	BrightnessThreshold    *float64 `json:"brightness_threshold,omitempty"`
	BrightnessSensitivity  *float64 `json:"brightness_sensitivity,omitempty"`
	BrightnessTriggerAlpha *float64 `json:"brightness_trigger_alpha,omitempty"`
	BrightnessRestAlpha    *float64 `json:"brightness_rest_alpha,omitempty"`
	BrightnessRestLevel    *float64 `json:"brightness_rest_level,omitempty"`

	// Calibration params
	CalibrationStableFrames *int     `json:"calibration_stable_frames,omitempty"`
	CalibrationTolerance    *float64 `json:"calibration_tolerance,omitempty"`
	CalibrationTimeout      *string  `json:"calibration_timeout,omitempty"`

	// Fusion params
	StaleAfter *string `json:"stale_after,omitempty"`
	Sampling   *string `json:"sampling,omitempty"` // nearest | bilinear

	// Simulation params
	FlowFraction     *float64 `json:"flow_fraction,omitempty"`
	TransferFraction *float64 `json:"transfer_fraction,omitempty"`
	WaterEpsilon     *float64 `json:"water_epsilon,omitempty"`
	EvaporationRate  *float64 `json:"evaporation_rate,omitempty"`
	ReposeThreshold  *float64 `json:"repose_threshold,omitempty"`
	RelaxFraction    *float64 `json:"relax_fraction,omitempty"`
	FireDecay        *float64 `json:"fire_decay,omitempty"`
	IgnitionChance   *float64 `json:"ignition_chance,omitempty"`
	SpreadIntensity  *float64 `json:"spread_intensity,omitempty"`
	WetThreshold     *float64 `json:"wet_threshold,omitempty"`
	SimSeed          *uint64  `json:"sim_seed,omitempty"`

	// Broadcast params
	FrameQueueDepth      *int `json:"frame_queue_depth,omitempty"`
	ControlQueueDepth    *int `json:"control_queue_depth,omitempty"`
	MaxOverflowStrikes   *int `json:"max_overflow_strikes,omitempty"`
	MaxMalformedCommands *int `json:"max_malformed_commands,omitempty"`
	CommandQueueDepth    *int `json:"command_queue_depth,omitempty"`
	TopographyEveryTicks *int `json:"topography_every_ticks,omitempty"`

	// Topography summary params
	SlopeVerticalScale *float64 `json:"slope_vertical_scale,omitempty"`
	SteepSlopeDeg      *float64 `json:"steep_slope_deg,omitempty"`

	Sensors []SensorConfig `json:"sensors,omitempty"`
}

// SensorConfig describes one physical or synthetic sensor.
type SensorConfig struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`   // structured | brightness
	Device string `json:"device"` // synthetic | serial | http
	// Path is the serial port for serial devices or the snapshot URL for
	// http cameras.
	Path     string `json:"path,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`

	Width  int `json:"width"`
	Height int `json:"height"`

	// Region is the normalized [x0, y0, x1, y1] footprint of the sensor on
	// the grid. Empty means the whole grid.
	Region        []float64 `json:"region,omitempty"`
	FlipX         bool      `json:"flip_x,omitempty"`
	FlipY         bool      `json:"flip_y,omitempty"`
	ReliefRangeMM float64   `json:"relief_range_mm,omitempty"`

	CaptureInterval string `json:"capture_interval,omitempty"`
}

// Sensor kinds and device types.
const (
	KindStructured = "structured"
	KindBrightness = "brightness"

	DeviceSynthetic = "synthetic"
	DeviceSerial    = "serial"
	DeviceHTTP      = "http"
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/frame-tail/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.GridWidth != nil && *c.GridWidth <= 0 {
		return fmt.Errorf("grid_width must be positive, got %d", *c.GridWidth)
	}
	if c.GridHeight != nil && *c.GridHeight <= 0 {
		return fmt.Errorf("grid_height must be positive, got %d", *c.GridHeight)
	}
	if c.TickRateHz != nil && (*c.TickRateHz <= 0 || *c.TickRateHz > 240) {
		return fmt.Errorf("tick_rate_hz must be in (0, 240], got %f", *c.TickRateHz)
	}

	for name, v := range map[string]*string{
		"capture_timeout":     c.CaptureTimeout,
		"calibration_timeout": c.CalibrationTimeout,
		"stale_after":         c.StaleAfter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	unit := map[string]*float64{
		"rest_height":              c.RestHeight,
		"brightness_trigger_alpha": c.BrightnessTriggerAlpha,
		"brightness_rest_alpha":    c.BrightnessRestAlpha,
		"brightness_rest_level":    c.BrightnessRestLevel,
		"calibration_tolerance":    c.CalibrationTolerance,
		"evaporation_rate":         c.EvaporationRate,
		"fire_decay":               c.FireDecay,
		"ignition_chance":          c.IgnitionChance,
		"spread_intensity":         c.SpreadIntensity,
	}
	for name, v := range unit {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	if c.FlowFraction != nil && (*c.FlowFraction <= 0 || *c.FlowFraction > 0.25) {
		return fmt.Errorf("flow_fraction must be in (0, 0.25], got %f", *c.FlowFraction)
	}
	if c.TransferFraction != nil && (*c.TransferFraction <= 0 || *c.TransferFraction > 0.5) {
		return fmt.Errorf("transfer_fraction must be in (0, 0.5], got %f", *c.TransferFraction)
	}
	if c.RelaxFraction != nil && (*c.RelaxFraction <= 0 || *c.RelaxFraction > 0.25) {
		return fmt.Errorf("relax_fraction must be in (0, 0.25], got %f", *c.RelaxFraction)
	}
	if c.Sampling != nil && *c.Sampling != "" && *c.Sampling != "nearest" && *c.Sampling != "bilinear" {
		return fmt.Errorf("sampling must be nearest or bilinear, got %q", *c.Sampling)
	}
	if c.CalibrationStableFrames != nil && *c.CalibrationStableFrames < 1 {
		return fmt.Errorf("calibration_stable_frames must be at least 1, got %d", *c.CalibrationStableFrames)
	}

	for name, v := range map[string]*int{
		"fault_after_failures":   c.FaultAfterFailures,
		"frame_queue_depth":      c.FrameQueueDepth,
		"control_queue_depth":    c.ControlQueueDepth,
		"max_overflow_strikes":   c.MaxOverflowStrikes,
		"max_malformed_commands": c.MaxMalformedCommands,
		"command_queue_depth":    c.CommandQueueDepth,
		"topography_every_ticks": c.TopographyEveryTicks,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sensors[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("sensors[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Validate checks a single sensor entry.
func (s SensorConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch s.Kind {
	case KindStructured, KindBrightness:
	default:
		return fmt.Errorf("sensor %s: unknown kind %q", s.ID, s.Kind)
	}
	switch s.Device {
	case DeviceSynthetic:
	case DeviceSerial, DeviceHTTP:
		if s.Path == "" {
			return fmt.Errorf("sensor %s: path is required for %s devices", s.ID, s.Device)
		}
	default:
		return fmt.Errorf("sensor %s: unknown device %q", s.ID, s.Device)
	}
	if s.Device == DeviceSerial && s.Kind != KindStructured {
		return fmt.Errorf("sensor %s: serial devices only provide structured depth", s.ID)
	}
	if s.Device == DeviceHTTP && s.Kind != KindBrightness {
		return fmt.Errorf("sensor %s: http devices only provide brightness frames", s.ID)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("sensor %s: width and height must be positive", s.ID)
	}
	if len(s.Region) != 0 {
		if len(s.Region) != 4 {
			return fmt.Errorf("sensor %s: region needs 4 values, got %d", s.ID, len(s.Region))
		}
		for _, v := range s.Region {
			if v < 0 || v > 1 {
				return fmt.Errorf("sensor %s: region values must be in [0, 1]", s.ID)
			}
		}
		if s.Region[2] <= s.Region[0] || s.Region[3] <= s.Region[1] {
			return fmt.Errorf("sensor %s: region is empty", s.ID)
		}
	}
	if s.ReliefRangeMM < 0 {
		return fmt.Errorf("sensor %s: relief_range_mm must be non-negative", s.ID)
	}
	if s.CaptureInterval != "" {
		if _, err := time.ParseDuration(s.CaptureInterval); err != nil {
			return fmt.Errorf("sensor %s: invalid capture_interval: %w", s.ID, err)
		}
	}
	return nil
}

// GetRegion returns the sensor footprint, defaulting to the whole grid.
func (s SensorConfig) GetRegion() [4]float64 {
	if len(s.Region) != 4 {
		return [4]float64{0, 0, 1, 1}
	}
	return [4]float64{s.Region[0], s.Region[1], s.Region[2], s.Region[3]}
}

// GetReliefRangeMM returns the depth span mapped onto the full height range.
func (s SensorConfig) GetReliefRangeMM() float64 {
	if s.ReliefRangeMM <= 0 {
		return 300
	}
	return s.ReliefRangeMM
}

// GetCaptureInterval returns the capture period for this sensor.
func (s SensorConfig) GetCaptureInterval() time.Duration {
	return parseDurationOr(s.CaptureInterval, 33*time.Millisecond)
}

// GetBaudRate returns the serial baud rate.
func (s SensorConfig) GetBaudRate() int {
	if s.BaudRate <= 0 {
		return 115200
	}
	return s.BaudRate
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return parseDurationOr(*v, def)
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
