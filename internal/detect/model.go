// Package detect flags deviations in per-series data point histories.
package detect

import (
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"

	"github.com/benchtrack/benchtrack/internal/model"
)

// Verdict is a model's classification of a new value.
type Verdict struct {
	Change      bool
	Description string
}

// Model classifies a new value given the time-ordered previous values of its
// series, oldest first. A model lacking enough history returns a zero
// Verdict.
type Model interface {
	Evaluate(previous []float64, value float64) (Verdict, error)
}

// Factory builds a Model from its opaque configuration, validating it.
type Factory func(config json.RawMessage) (Model, error)

// Registry maps model names to their factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in models.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(FixedThresholdModel, NewFixedThreshold)
	r.Register(RelativeDifferenceModel, NewRelativeDifference)
	return r
}

// Register adds or replaces a model factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists the registered models.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the model a detection config names.
func (r *Registry) Build(cd *model.ChangeDetection) (Model, error) {
	if cd == nil {
		return nil, eris.New("detect: no change detection configured")
	}
	f, ok := r.factories[cd.Model]
	if !ok {
		return nil, eris.Errorf("detect: unknown model %q", cd.Model)
	}
	m, err := f(cd.Config)
	if err != nil {
		return nil, eris.Wrapf(err, "detect: model %s", cd.Model)
	}
	return m, nil
}

// Validate checks the detection config of every variable and reports all
// failures together.
func (r *Registry) Validate(vars []model.Variable) error {
	var errs error
	for _, v := range vars {
		if v.ChangeDetection == nil {
			continue
		}
		if _, err := r.Build(v.ChangeDetection); err != nil {
			errs = multierr.Append(errs, eris.Wrapf(err, "variable %s", v.Name))
		}
	}
	return errs
}

// decodeConfig unmarshals raw over the defaults already in dst. An empty
// config keeps the defaults.
func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return eris.Wrap(err, "decode config")
	}
	return nil
}
