package sim

import (
	"fmt"

	"github.com/banshee-data/sandscape/internal/config"
)

// Config holds the physical constants of one simulation step.
type Config struct {
	// FlowFraction caps each transfer at this share of the source cell's
	// water. At most 0.25 so four neighbours never drain more than exists.
	FlowFraction float64
	// TransferFraction scales the head difference driving a transfer.
	TransferFraction float64
	// Epsilon is the smallest water or fire amount treated as present.
	Epsilon float64
	// EvaporationRate multiplies all water after transfers.
	EvaporationRate float64

	ReposeThreshold float64
	RelaxFraction   float64

	FireDecay       float64
	IgnitionChance  float64
	SpreadIntensity float64
	WetThreshold    float64

	Seed uint64
}

// DefaultConfig returns the stock simulation constants.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		FlowFraction:     cfg.GetFlowFraction(),
		TransferFraction: cfg.GetTransferFraction(),
		Epsilon:          cfg.GetWaterEpsilon(),
		EvaporationRate:  cfg.GetEvaporationRate(),
		ReposeThreshold:  cfg.GetReposeThreshold(),
		RelaxFraction:    cfg.GetRelaxFraction(),
		FireDecay:        cfg.GetFireDecay(),
		IgnitionChance:   cfg.GetIgnitionChance(),
		SpreadIntensity:  cfg.GetSpreadIntensity(),
		WetThreshold:     cfg.GetWetThreshold(),
		Seed:             cfg.GetSimSeed(),
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.FlowFraction <= 0 || c.FlowFraction > 0.25 {
		return fmt.Errorf("FlowFraction must be in (0, 0.25], got %f", c.FlowFraction)
	}
	if c.TransferFraction <= 0 || c.TransferFraction > 0.5 {
		return fmt.Errorf("TransferFraction must be in (0, 0.5], got %f", c.TransferFraction)
	}
	if c.RelaxFraction <= 0 || c.RelaxFraction > 0.25 {
		return fmt.Errorf("RelaxFraction must be in (0, 0.25], got %f", c.RelaxFraction)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("Epsilon must be non-negative, got %f", c.Epsilon)
	}
	if c.ReposeThreshold < 0 {
		return fmt.Errorf("ReposeThreshold must be non-negative, got %f", c.ReposeThreshold)
	}
	for name, v := range map[string]float64{
		"EvaporationRate": c.EvaporationRate,
		"FireDecay":       c.FireDecay,
		"IgnitionChance":  c.IgnitionChance,
		"SpreadIntensity": c.SpreadIntensity,
		"WetThreshold":    c.WetThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}
	return nil
}
