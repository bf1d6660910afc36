package calibration

import (
	"fmt"
	"time"

	"github.com/banshee-data/sandscape/internal/config"
)

// Config controls when an observed scene is considered settled.
type Config struct {
	// StableFrames consecutive stable frames commit a baseline.
	StableFrames int
	// Tolerance is the largest mean absolute frame-to-frame change, relative
	// to the mean magnitude of the signal, that still counts as stable.
	Tolerance float64
	// Timeout bounds one calibration attempt.
	Timeout time.Duration
}

// DefaultConfig returns the stock calibration settings.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		StableFrames: cfg.GetCalibrationStableFrames(),
		Tolerance:    cfg.GetCalibrationTolerance(),
		Timeout:      cfg.GetCalibrationTimeout(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.StableFrames < 1 {
		return fmt.Errorf("StableFrames must be at least 1, got %d", c.StableFrames)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("Tolerance must be non-negative, got %f", c.Tolerance)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", c.Timeout)
	}
	return nil
}
