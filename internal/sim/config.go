package sim

import (
	"math"
	"time"

	"wastezone/internal/model"
)

// ResetPolicy decides what a confirmed collection does to a zone's fill.
type ResetPolicy string

const (
	// ResetResidual sets fill to ResidualFraction of capacity, modelling an
	// imperfectly emptied bin.
	ResetResidual ResetPolicy = "residual"
	// ResetSubtract removes the collected amount, clamped at zero.
	ResetSubtract ResetPolicy = "subtract"
)

// Thresholds are the fill percentages at which a zone enters each risk level.
type Thresholds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Classify maps a fill percentage onto a risk level.
func (t Thresholds) Classify(pct float64) model.RiskLevel {
	switch {
	case pct >= t.Critical:
		return model.RiskCritical
	case pct >= t.High:
		return model.RiskHigh
	case pct >= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

type Config struct {
	TickInterval      time.Duration
	Thresholds        Thresholds
	OverflowThreshold float64 // percent; overflow is predicted only above it
	ResetPolicy       ResetPolicy
	ResidualFraction  float64
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      3 * time.Second,
		Thresholds:        Thresholds{Medium: 40, High: 70, Critical: 90},
		OverflowThreshold: 80,
		ResetPolicy:       ResetResidual,
		ResidualFraction:  0.02,
	}
}

func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return &model.OutOfRangeError{Field: "tickInterval", Value: c.TickInterval.Seconds()}
	}
	t := c.Thresholds
	for _, v := range []float64{t.Medium, t.High, t.Critical} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return &model.OutOfRangeError{Field: "thresholds", Value: v}
		}
	}
	if !(t.Medium < t.High && t.High < t.Critical) {
		return model.Invalid("thresholds", "must satisfy medium < high < critical")
	}
	if math.IsNaN(c.OverflowThreshold) || c.OverflowThreshold < 0 || c.OverflowThreshold >= 100 {
		return &model.OutOfRangeError{Field: "overflowThreshold", Value: c.OverflowThreshold}
	}
	switch c.ResetPolicy {
	case ResetResidual:
		if math.IsNaN(c.ResidualFraction) || c.ResidualFraction < 0 || c.ResidualFraction >= 1 {
			return &model.OutOfRangeError{Field: "residualFraction", Value: c.ResidualFraction}
		}
	case ResetSubtract:
	default:
		return model.Invalid("resetPolicy", "must be residual or subtract, got "+string(c.ResetPolicy))
	}
	return nil
}
