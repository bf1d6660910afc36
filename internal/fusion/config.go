package fusion

import (
	"fmt"
	"time"

	"github.com/banshee-data/sandscape/internal/config"
)

// Sampling selects how a grid cell is looked up in a sensor image.
type Sampling int

const (
	Nearest Sampling = iota
	Bilinear
)

// ParseSampling maps "nearest" or "bilinear" to a Sampling.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	}
	return Nearest, fmt.Errorf("unknown sampling %q", s)
}

// Geometry places a sensor image on the grid.
type Geometry struct {
	// Region is the normalized [x0, y0, x1, y1] footprint on the grid.
	Region       [4]float64
	FlipX, FlipY bool
	// ReliefRangeMM is the depth change that spans the full height range.
	ReliefRangeMM float64
}

// GeometryFromConfig reads a sensor's placement.
func GeometryFromConfig(sc config.SensorConfig) Geometry {
	return Geometry{
		Region:        sc.GetRegion(),
		FlipX:         sc.FlipX,
		FlipY:         sc.FlipY,
		ReliefRangeMM: sc.GetReliefRangeMM(),
	}
}

// Covers reports whether normalized point (u, v) lies in the footprint.
func (g Geometry) Covers(u, v float64) bool {
	return u >= g.Region[0] && u < g.Region[2] && v >= g.Region[1] && v < g.Region[3]
}

// Config controls fusion.
type Config struct {
	// StaleAfter excludes frames older than this.
	StaleAfter time.Duration
	Sampling   Sampling
	// RestHeight is the height of an undisturbed, calibrated surface.
	RestHeight float64
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	s, err := ParseSampling(cfg.GetSampling())
	if err != nil {
		return Config{}, err
	}
	return Config{
		StaleAfter: cfg.GetStaleAfter(),
		Sampling:   s,
		RestHeight: cfg.GetRestHeight(),
	}, nil
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.StaleAfter <= 0 {
		return fmt.Errorf("StaleAfter must be positive, got %v", c.StaleAfter)
	}
	if c.RestHeight < 0 || c.RestHeight > 1 {
		return fmt.Errorf("RestHeight must be in [0, 1], got %f", c.RestHeight)
	}
	return nil
}
