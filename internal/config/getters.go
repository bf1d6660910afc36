package config

import "time"

// GetGridWidth returns the grid_width value or the default.
func (c *TuningConfig) GetGridWidth() int { return intOr(c.GridWidth, 160) }

// GetGridHeight returns the grid_height value or the default.
func (c *TuningConfig) GetGridHeight() int { return intOr(c.GridHeight, 120) }

// GetTickRateHz returns the tick_rate_hz value or the default.
func (c *TuningConfig) GetTickRateHz() float64 { return floatOr(c.TickRateHz, 30) }

// GetTickInterval converts the tick rate into a period.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTickRateHz())
}

// GetRestHeight returns the rest_height value or the default.
func (c *TuningConfig) GetRestHeight() float64 { return floatOr(c.RestHeight, 0.5) }

// GetCaptureTimeout parses and returns the CaptureTimeout as a time.Duration.
func (c *TuningConfig) GetCaptureTimeout() time.Duration {
	return durationOr(c.CaptureTimeout, 200*time.Millisecond)
}

// GetFaultAfterFailures returns the fault_after_failures value or the default.
func (c *TuningConfig) GetFaultAfterFailures() int { return intOr(c.FaultAfterFailures, 10) }

// GetBrightnessThreshold returns the brightness_threshold value or the default.
func (c *TuningConfig) GetBrightnessThreshold() float64 {
	return floatOr(c.BrightnessThreshold, 30)
}

// GetBrightnessSensitivity returns the brightness_sensitivity value or the default.
func (c *TuningConfig) GetBrightnessSensitivity() float64 {
	return floatOr(c.BrightnessSensitivity, 1.0/128)
}

// GetBrightnessTriggerAlpha returns the brightness_trigger_alpha value or the default.
func (c *TuningConfig) GetBrightnessTriggerAlpha() float64 {
	return floatOr(c.BrightnessTriggerAlpha, 0.2)
}

// GetBrightnessRestAlpha returns the brightness_rest_alpha value or the default.
func (c *TuningConfig) GetBrightnessRestAlpha() float64 {
	return floatOr(c.BrightnessRestAlpha, 0.01)
}

// GetBrightnessRestLevel returns the brightness_rest_level value or the default.
func (c *TuningConfig) GetBrightnessRestLevel() float64 {
	return floatOr(c.BrightnessRestLevel, c.GetRestHeight())
}

// GetCalibrationStableFrames returns the calibration_stable_frames value or the default.
func (c *TuningConfig) GetCalibrationStableFrames() int {
	return intOr(c.CalibrationStableFrames, 30)
}

// GetCalibrationTolerance returns the calibration_tolerance value or the default.
func (c *TuningConfig) GetCalibrationTolerance() float64 {
	return floatOr(c.CalibrationTolerance, 0.02)
}

// GetCalibrationTimeout parses and returns the CalibrationTimeout as a time.Duration.
func (c *TuningConfig) GetCalibrationTimeout() time.Duration {
	return durationOr(c.CalibrationTimeout, 10*time.Second)
}

// GetStaleAfter parses and returns the StaleAfter as a time.Duration.
func (c *TuningConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, time.Second)
}

// GetSampling returns the sampling value or the default.
func (c *TuningConfig) GetSampling() string {
	if c.Sampling == nil || *c.Sampling == "" {
		return "nearest"
	}
	return *c.Sampling
}

// GetFlowFraction returns the flow_fraction value or the default.
func (c *TuningConfig) GetFlowFraction() float64 { return floatOr(c.FlowFraction, 0.2) }

// GetTransferFraction returns the transfer_fraction value or the default.
func (c *TuningConfig) GetTransferFraction() float64 {
	return floatOr(c.TransferFraction, 0.25)
}

// GetWaterEpsilon returns the water_epsilon value or the default.
func (c *TuningConfig) GetWaterEpsilon() float64 { return floatOr(c.WaterEpsilon, 1e-4) }

// GetEvaporationRate returns the evaporation_rate value or the default.
func (c *TuningConfig) GetEvaporationRate() float64 {
	return floatOr(c.EvaporationRate, 0.999)
}

// GetReposeThreshold returns the repose_threshold value or the default.
func (c *TuningConfig) GetReposeThreshold() float64 {
	return floatOr(c.ReposeThreshold, 0.02)
}

// GetRelaxFraction returns the relax_fraction value or the default.
func (c *TuningConfig) GetRelaxFraction() float64 { return floatOr(c.RelaxFraction, 0.1) }

// GetFireDecay returns the fire_decay value or the default.
func (c *TuningConfig) GetFireDecay() float64 { return floatOr(c.FireDecay, 0.97) }

// GetIgnitionChance returns the ignition_chance value or the default.
func (c *TuningConfig) GetIgnitionChance() float64 { return floatOr(c.IgnitionChance, 0.1) }

// GetSpreadIntensity returns the spread_intensity value or the default.
func (c *TuningConfig) GetSpreadIntensity() float64 {
	return floatOr(c.SpreadIntensity, 0.8)
}

// GetWetThreshold returns the wet_threshold value or the default.
func (c *TuningConfig) GetWetThreshold() float64 { return floatOr(c.WetThreshold, 0.05) }

// GetSimSeed returns the sim_seed value or the default.
func (c *TuningConfig) GetSimSeed() uint64 {
	if c.SimSeed == nil {
		return 1
	}
	return *c.SimSeed
}

// GetFrameQueueDepth returns the frame_queue_depth value or the default.
func (c *TuningConfig) GetFrameQueueDepth() int { return intOr(c.FrameQueueDepth, 3) }

// GetControlQueueDepth returns the control_queue_depth value or the default.
func (c *TuningConfig) GetControlQueueDepth() int { return intOr(c.ControlQueueDepth, 32) }

// GetMaxOverflowStrikes returns the max_overflow_strikes value or the default.
func (c *TuningConfig) GetMaxOverflowStrikes() int { return intOr(c.MaxOverflowStrikes, 90) }

// GetMaxMalformedCommands returns the max_malformed_commands value or the default.
func (c *TuningConfig) GetMaxMalformedCommands() int {
	return intOr(c.MaxMalformedCommands, 5)
}

// GetCommandQueueDepth returns the command_queue_depth value or the default.
func (c *TuningConfig) GetCommandQueueDepth() int { return intOr(c.CommandQueueDepth, 64) }

// GetTopographyEveryTicks returns the topography_every_ticks value or the default.
func (c *TuningConfig) GetTopographyEveryTicks() int {
	return intOr(c.TopographyEveryTicks, 15)
}

// GetSlopeVerticalScale returns the slope_vertical_scale value or the default.
func (c *TuningConfig) GetSlopeVerticalScale() float64 {
	return floatOr(c.SlopeVerticalScale, 50)
}

// GetSteepSlopeDeg returns the steep_slope_deg value or the default.
func (c *TuningConfig) GetSteepSlopeDeg() float64 { return floatOr(c.SteepSlopeDeg, 30) }
