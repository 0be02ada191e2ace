package label

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
)

// Timestamp computes the timeline position of a dataset's data points. It
// defaults to the dataset start; timeline labels, optionally passed through
// the timeline function, may override it with epoch milliseconds or an
// RFC 3339 string.
func (e *Extractor) Timestamp(ctx context.Context, test *model.Test, ds *model.Dataset, values map[string]any, log *runlog.Logger) time.Time {
	if len(test.TimelineLabels) == 0 {
		return ds.Start
	}
	input, ok := inputOf(test.TimelineLabels, values)
	if !ok {
		log.Infof("Timeline labels %v are missing, using dataset start.", test.TimelineLabels)
		return ds.Start
	}
	result := input
	if test.TimelineFunction != "" {
		out, err := e.eval.Evaluate(ctx, test.TimelineFunction, input)
		if err != nil {
			e.metrics.FunctionFailed("timeline")
			log.Errorf("Evaluation of timeline function failed, using dataset start: %v", err)
			return ds.Start
		}
		result = out
	}
	ts, ok := ParseTime(result)
	if !ok {
		log.Warnf("Cannot convert timeline value %v to a timestamp, using dataset start.", result)
		return ds.Start
	}
	return ts
}

// ParseTime accepts epoch milliseconds as a number or numeric string, or an
// RFC 3339 string.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	case string:
		s := strings.TrimSpace(t)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
