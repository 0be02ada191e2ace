package label

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
)

// Value computes a variable's numeric value from label values. ok is false
// when the labels are missing or the result is not a number.
func (e *Extractor) Value(ctx context.Context, v *model.Variable, values map[string]any, log *runlog.Logger) (float64, bool) {
	if len(v.Labels) == 0 {
		return 0, false
	}
	input, present := inputOf(v.Labels, values)
	if !present {
		return 0, false
	}
	result := input
	if v.CalculationFunction != "" {
		out, err := e.eval.Evaluate(ctx, v.CalculationFunction, input)
		if err != nil {
			e.metrics.FunctionFailed("variable")
			log.Errorf("Evaluation of calculation function for variable %s failed: %v", v.Name, err)
			return 0, false
		}
		result = out
	}
	f, ok := Number(result)
	if !ok && result != nil {
		log.Warnf("Value %v of variable %s is not a number.", result, v.Name)
	}
	return f, ok
}

// Number converts a label or function result to a finite float.
func Number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
