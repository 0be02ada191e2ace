package detect

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/aclements/go-moremath/stats"
	"github.com/rotisserie/eris"
)

// RelativeDifferenceModel is the registry name of the relative difference
// model.
const RelativeDifferenceModel = "relativeDifference"

// Filters reducing the comparison window to one statistic.
const (
	FilterMean = "mean"
	FilterMin  = "min"
)

// RelativeDifferenceConfig tunes the relative difference model.
type RelativeDifferenceConfig struct {
	Threshold   float64 `json:"threshold"`
	Window      int     `json:"window"`
	MinPrevious int     `json:"minPrevious"`
	Filter      string  `json:"filter"`
}

// DefaultRelativeDifference holds the defaults applied to omitted fields.
var DefaultRelativeDifference = RelativeDifferenceConfig{
	Threshold:   0.2,
	Window:      1,
	MinPrevious: 5,
	Filter:      FilterMean,
}

// RelativeDifference flags a value whose relative distance to a statistic of
// the preceding window exceeds the threshold. The window is the last Window
// earlier values and a verdict needs MinPrevious values before it.
type RelativeDifference struct {
	cfg RelativeDifferenceConfig
}

// NewRelativeDifference is the Factory of RelativeDifference.
func NewRelativeDifference(raw json.RawMessage) (Model, error) {
	cfg := DefaultRelativeDifference
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	switch {
	case cfg.Threshold <= 0 || math.IsNaN(cfg.Threshold):
		return nil, eris.Errorf("threshold must be positive, got %v", cfg.Threshold)
	case cfg.Window < 1:
		return nil, eris.Errorf("window must be at least 1, got %d", cfg.Window)
	case cfg.MinPrevious < 1:
		return nil, eris.Errorf("minPrevious must be at least 1, got %d", cfg.MinPrevious)
	case cfg.Filter != FilterMean && cfg.Filter != FilterMin:
		return nil, eris.Errorf("unknown filter %q", cfg.Filter)
	}
	return &RelativeDifference{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (m *RelativeDifference) Config() RelativeDifferenceConfig { return m.cfg }

// Evaluate implements Model.
func (m *RelativeDifference) Evaluate(previous []float64, value float64) (Verdict, error) {
	if len(previous) < m.cfg.Window+m.cfg.MinPrevious {
		return Verdict{}, nil
	}
	window := previous[len(previous)-m.cfg.Window:]
	var stat float64
	if m.cfg.Filter == FilterMin {
		stat, _ = stats.Bounds(window)
	} else {
		stat = stats.Mean(window)
	}

	if stat == 0 {
		if value == 0 {
			return Verdict{}, nil
		}
		return Verdict{Change: true, Description: fmt.Sprintf("Value %g differs from %s of zero", value, m.cfg.Filter)}, nil
	}
	ratio := (value - stat) / math.Abs(stat)
	if math.Abs(ratio) <= m.cfg.Threshold {
		return Verdict{}, nil
	}
	return Verdict{
		Change: true,
		Description: fmt.Sprintf("%+.1f%% change: value %g vs %s %g of last %d",
			ratio*100, value, m.cfg.Filter, stat, len(window)),
	}, nil
}
