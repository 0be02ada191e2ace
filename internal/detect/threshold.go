package detect

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
)

// FixedThresholdModel is the registry name of the fixed threshold model.
const FixedThresholdModel = "fixedThreshold"

// Bound is one side of a fixed threshold.
type Bound struct {
	Value     float64 `json:"value"`
	Enabled   bool    `json:"enabled"`
	Inclusive bool    `json:"inclusive"`
}

// FixedThresholdConfig bounds the acceptable range of a variable.
type FixedThresholdConfig struct {
	Min Bound `json:"min"`
	Max Bound `json:"max"`
}

// FixedThreshold flags values outside [min, max]. An inclusive bound
// accepts a value equal to it; an exclusive one flags it.
type FixedThreshold struct {
	cfg FixedThresholdConfig
}

// NewFixedThreshold is the Factory of FixedThreshold.
func NewFixedThreshold(raw json.RawMessage) (Model, error) {
	var cfg FixedThresholdConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Min.Enabled && cfg.Max.Enabled && cfg.Min.Value > cfg.Max.Value {
		return nil, eris.Errorf("min %v is above max %v", cfg.Min.Value, cfg.Max.Value)
	}
	return &FixedThreshold{cfg: cfg}, nil
}

// Evaluate implements Model. History is irrelevant to a fixed threshold.
func (m *FixedThreshold) Evaluate(_ []float64, value float64) (Verdict, error) {
	if b := m.cfg.Min; b.Enabled {
		if value < b.Value || (!b.Inclusive && value == b.Value) {
			return Verdict{Change: true, Description: fmt.Sprintf("Value %g is below %s", value, describe(b, "min"))}, nil
		}
	}
	if b := m.cfg.Max; b.Enabled {
		if value > b.Value || (!b.Inclusive && value == b.Value) {
			return Verdict{Change: true, Description: fmt.Sprintf("Value %g is above %s", value, describe(b, "max"))}, nil
		}
	}
	return Verdict{}, nil
}

func describe(b Bound, side string) string {
	if b.Inclusive {
		return fmt.Sprintf("%s %g (inclusive)", side, b.Value)
	}
	return fmt.Sprintf("%s %g (exclusive)", side, b.Value)
}
