// Package label computes label values from dataset fragments and derives
// the fingerprint, timestamp and variable values that feed change
// detection.
package label

import (
	"context"

	"go.uber.org/multierr"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/extract"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
	"github.com/benchtrack/benchtrack/internal/sandbox"
)

// Extractor evaluates labels against datasets.
type Extractor struct {
	cat     catalog.Catalog
	eval    sandbox.Evaluator
	metrics *metrics.Metrics
}

// New creates an Extractor.
func New(cat catalog.Catalog, eval sandbox.Evaluator, m *metrics.Metrics) *Extractor {
	return &Extractor{cat: cat, eval: eval, metrics: m}
}

// Values computes the named labels for ds. A label is present in the result
// only when ds holds a fragment of its schema; a present label whose
// function failed maps to nil.
func (e *Extractor) Values(ctx context.Context, ds *model.Dataset, names []string, log *runlog.Logger) (map[string]any, error) {
	defs, err := e.cat.Labels(ctx, names)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(names))
	for _, def := range defs {
		if _, done := values[def.Name]; done {
			continue
		}
		fragments := fragmentsOf(ds, def.SchemaURI)
		if len(fragments) == 0 {
			continue
		}
		values[def.Name] = e.evaluate(ctx, def, fragments, log)
	}
	return values, nil
}

func (e *Extractor) evaluate(ctx context.Context, def catalog.BoundLabel, fragments []any, log *runlog.Logger) any {
	extracted := make(map[string]any, len(def.Extractors))
	for _, ex := range def.Extractors {
		v, err := collect(fragments, ex)
		if extract.IsMismatch(err) {
			log.Warnf("Extractor %s of label %s did not match: %v", ex.Name, def.Name, err)
		} else if err != nil {
			e.metrics.ExtractionFailed()
			log.Errorf("Failed to extract %s for label %s: %v", ex.Name, def.Name, err)
		}
		extracted[ex.Name] = v
	}

	var input any
	if len(def.Extractors) == 1 {
		input = extracted[def.Extractors[0].Name]
	} else {
		input = extracted
	}
	if def.Function == "" {
		return input
	}
	out, err := e.eval.Evaluate(ctx, def.Function, input)
	if err != nil {
		e.metrics.FunctionFailed("label")
		log.Errorf("Evaluation of label %s failed: %v", def.Name, err)
		return nil
	}
	return out
}

// collect applies ex across fragments. Array extractors concatenate every
// match; others keep the first non-null match. Fragments the path does not
// fit are skipped and their mismatches returned alongside the value.
func collect(fragments []any, ex model.Extractor) (any, error) {
	var mismatches error
	if ex.IsArray {
		all := []any{}
		for _, f := range fragments {
			v, err := extract.Evaluate(f, ex)
			if err != nil && !extract.IsMismatch(err) {
				return all, err
			}
			mismatches = multierr.Append(mismatches, err)
			if arr, ok := v.([]any); ok {
				all = append(all, arr...)
			}
		}
		return all, mismatches
	}
	for _, f := range fragments {
		v, err := extract.Evaluate(f, ex)
		if err != nil && !extract.IsMismatch(err) {
			return nil, err
		}
		mismatches = multierr.Append(mismatches, err)
		if v != nil {
			return v, nil
		}
	}
	return nil, mismatches
}

func fragmentsOf(ds *model.Dataset, uri string) []any {
	var out []any
	for _, f := range ds.Data {
		if s, ok := model.SchemaOf(f); ok && s == uri {
			out = append(out, f)
		}
	}
	return out
}

// Names returns the labels a test and its variables reference, without
// duplicates.
func Names(test *model.Test, vars []model.Variable) []string {
	seen := map[string]bool{}
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	if test != nil {
		add(test.FingerprintLabels)
		add(test.TimelineLabels)
	}
	for _, v := range vars {
		add(v.Labels)
	}
	return out
}

// inputOf builds a function input from the named values: the value itself
// for one name, otherwise an object of the present values. ok is false when
// none is present.
func inputOf(names []string, values map[string]any) (any, bool) {
	if len(names) == 1 {
		v, ok := values[names[0]]
		return v, ok
	}
	obj := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := values[n]; ok {
			obj[n] = v
		}
	}
	return obj, len(obj) > 0
}
