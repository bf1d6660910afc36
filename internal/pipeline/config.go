package pipeline

import (
	"fmt"
	"time"

	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/heightfield"
)

// Config controls the tick loop.
type Config struct {
	Width, Height int
	TickInterval  time.Duration
	// RestHeight is the initial height of every cell.
	RestHeight float64
	// CommandQueueDepth bounds commands waiting for the next tick.
	CommandQueueDepth int
	// TopographyEvery publishes topography metadata every N ticks.
	TopographyEvery int
	// WetThreshold blocks fire edits on wet cells.
	WetThreshold float64
	Summary      heightfield.SummaryOptions
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	opts := heightfield.DefaultSummaryOptions()
	opts.VerticalScale = cfg.GetSlopeVerticalScale()
	opts.SteepDeg = cfg.GetSteepSlopeDeg()
	return Config{
		Width:             cfg.GetGridWidth(),
		Height:            cfg.GetGridHeight(),
		TickInterval:      cfg.GetTickInterval(),
		RestHeight:        cfg.GetRestHeight(),
		CommandQueueDepth: cfg.GetCommandQueueDepth(),
		TopographyEvery:   cfg.GetTopographyEveryTicks(),
		WetThreshold:      cfg.GetWetThreshold(),
		Summary:           opts,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", heightfield.ErrInvalidDimensions, c.Width, c.Height)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", c.TickInterval)
	}
	if c.CommandQueueDepth < 1 {
		return fmt.Errorf("CommandQueueDepth must be at least 1, got %d", c.CommandQueueDepth)
	}
	if c.TopographyEvery < 1 {
		return fmt.Errorf("TopographyEvery must be at least 1, got %d", c.TopographyEvery)
	}
	return nil
}
