package label

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
	"github.com/benchtrack/benchtrack/internal/sandbox"
)

// Fingerprint is the grouping result of one dataset.
type Fingerprint struct {
	Value map[string]any
	Key   string
}

// Compute derives the series key of a dataset from its label values. With
// no fingerprint labels configured every dataset shares the empty key.
func Compute(test *model.Test, values map[string]any) (Fingerprint, error) {
	if len(test.FingerprintLabels) == 0 {
		return Fingerprint{}, nil
	}
	value := make(map[string]any, len(test.FingerprintLabels))
	for _, name := range test.FingerprintLabels {
		if v, ok := values[name]; ok {
			value[name] = v
		}
	}
	key, err := Key(value)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{Value: value, Key: key}, nil
}

// Key returns the canonical JSON encoding of a fingerprint value. Object
// keys are sorted, so equal values always produce equal keys.
func Key(value map[string]any) (string, error) {
	if value == nil {
		return "", nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", eris.Wrap(err, "label: encode fingerprint")
	}
	return string(b), nil
}

// Accept applies the test's fingerprint filter. Datasets it rejects take no
// part in change detection. A failing filter rejects the dataset.
func (e *Extractor) Accept(ctx context.Context, test *model.Test, fp Fingerprint, log *runlog.Logger) bool {
	if test.FingerprintFilter == "" || len(test.FingerprintLabels) == 0 {
		return true
	}
	var input any = fp.Value
	if len(test.FingerprintLabels) == 1 {
		input = fp.Value[test.FingerprintLabels[0]]
	}
	out, err := e.eval.Evaluate(ctx, test.FingerprintFilter, input)
	if err != nil {
		e.metrics.FunctionFailed("fingerprint")
		log.Errorf("Evaluation of fingerprint filter failed: %v", err)
		return false
	}
	if !sandbox.Truthy(out) {
		log.Debugf("Fingerprint %s rejected by filter.", fp.Key)
		return false
	}
	return true
}
