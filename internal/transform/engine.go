// Package transform turns a run document into the fragment lists of its
// datasets, driven by the schema locations resolved in the run.
package transform

import (
	"context"
	"sort"
	"strconv"

	"github.com/benchtrack/benchtrack/internal/extract"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
	"github.com/benchtrack/benchtrack/internal/sandbox"
)

// Engine applies transformers to runs.
type Engine struct {
	eval    sandbox.Evaluator
	metrics *metrics.Metrics
}

// New creates an Engine that runs transformer functions with eval.
func New(eval sandbox.Evaluator, m *metrics.Metrics) *Engine {
	return &Engine{eval: eval, metrics: m}
}

// Transform computes the fragments of every dataset the run yields, in
// ordinal order. Per-location failures are logged to log and never abort the
// run.
func (e *Engine) Transform(ctx context.Context, run *model.Run, locations []model.SchemaLocation, log *runlog.Logger) [][]any {
	if len(locations) == 0 {
		log.Infof("No applicable schema, dataset will be empty.")
		return [][]any{{}}
	}

	results := make(map[int64]any)
	var naked []any

	for _, loc := range locations {
		fragment, ok := locate(run, loc)
		if !ok {
			log.Warnf("Cannot find %s %q with schema %s in run %d", loc.Kind, loc.Key, loc.SchemaURI, run.ID)
			continue
		}
		if loc.Transformer == nil {
			naked = append(naked, model.CloneDocument(fragment))
			continue
		}

		t := loc.Transformer
		result := e.apply(ctx, t, fragment, log)
		result = stamp(t, result, log)

		existing, seen := results[t.ID]
		if !seen {
			results[t.ID] = result
			continue
		}
		results[t.ID] = merge(existing, result)
	}

	return assemble(results, naked, log)
}

// apply runs one transformer against one fragment.
func (e *Engine) apply(ctx context.Context, t *model.Transformer, fragment any, log *runlog.Logger) any {
	extracted, err := extract.EvaluateAll(fragment, t.Extractors)
	if extract.IsMismatch(err) {
		log.Warnf("Extractors of transformer %s (%d) did not match: %v", t.Name, t.ID, err)
	} else if err != nil {
		e.metrics.ExtractionFailed()
		log.Errorf("Failed to extract data for transformer %s (%d): %v", t.Name, t.ID, err)
		if diag := extract.Diagnose(fragment, t.Extractors); diag != nil {
			log.Errorf("Failing extractors of transformer %s: %v", t.Name, diag)
		}
		extracted = map[string]any{}
	}

	var input any
	if len(t.Extractors) == 1 {
		input = extracted[t.Extractors[0].Name]
	} else {
		obj := make(map[string]any, len(extracted))
		for k, v := range extracted {
			obj[k] = v
		}
		input = obj
	}
	input = model.CloneDocument(input)

	if t.Function == "" {
		return input
	}
	out, err := e.eval.Evaluate(ctx, t.Function, input)
	if err != nil {
		e.metrics.FunctionFailed("transformer")
		log.Errorf("Evaluation of transformer %s (%d) failed: %v", t.Name, t.ID, err)
		return nil
	}
	return out
}

// stamp applies the transformer's target schema to its result.
func stamp(t *model.Transformer, result any, log *runlog.Logger) any {
	if t.TargetSchema == "" {
		if !tagged(result) {
			log.Warnf("Transformer %s has no target schema; dataset will contain element without a schema.", t.Name)
		}
		return result
	}
	switch v := result.(type) {
	case map[string]any:
		if _, ok := v[model.SchemaKey]; !ok {
			v[model.SchemaKey] = t.TargetSchema
		}
		return v
	case []any:
		for _, el := range v {
			if obj, ok := el.(map[string]any); ok {
				if _, has := obj[model.SchemaKey]; !has {
					obj[model.SchemaKey] = t.TargetSchema
				}
			} else {
				log.Warnf("Transformer %s produced an array element that is not an object; it will not be tagged.", t.Name)
			}
		}
		return v
	default:
		return map[string]any{model.SchemaKey: t.TargetSchema, "value": result}
	}
}

func tagged(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		_, ok := model.SchemaOf(t)
		return ok
	case []any:
		for _, el := range t {
			if _, ok := model.SchemaOf(el); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// merge combines two results of the same transformer fed by different
// locations.
func merge(existing, result any) any {
	ea, eIsArr := existing.([]any)
	ra, rIsArr := result.([]any)
	switch {
	case eIsArr && rIsArr:
		return append(ea, ra...)
	case eIsArr:
		return append(ea, result)
	case rIsArr:
		return append([]any{existing}, ra...)
	default:
		return []any{existing, result}
	}
}

// assemble fans the merged results out into datasets. Array results are
// spread one element per dataset; other object results and the naked
// fragments are repeated in each.
func assemble(results map[int64]any, naked []any, log *runlog.Logger) [][]any {
	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	count := -1
	for _, id := range ids {
		if arr, ok := results[id].([]any); ok && len(arr) > count {
			count = len(arr)
		}
	}
	if count < 0 {
		count = 1
	}
	if count == 0 {
		log.Warnf("Transformers produced only empty arrays; no dataset will be created.")
	}

	datasets := make([][]any, 0, count)
	for p := 0; p < count; p++ {
		var fragments []any
		for _, id := range ids {
			switch v := results[id].(type) {
			case map[string]any:
				fragments = append(fragments, model.CloneDocument(v))
			case []any:
				if p < len(v) {
					fragments = append(fragments, v[p])
				} else {
					log.Warnf("Transformer %d produced %d results; dataset %d will omit it.", id, len(v), p)
				}
			default:
				log.Warnf("Unexpected result for transformer %d: %v", id, v)
			}
		}
		for _, n := range naked {
			fragments = append(fragments, model.CloneDocument(n))
		}
		if fragments == nil {
			fragments = []any{}
		}
		datasets = append(datasets, fragments)
	}
	return datasets
}

// locate returns the fragment a location points at.
func locate(run *model.Run, loc model.SchemaLocation) (any, bool) {
	doc := run.Data
	if loc.Source == model.SourceMetadata {
		doc = run.Metadata
	}
	switch loc.Kind {
	case model.LocationRoot:
		return doc, doc != nil
	case model.LocationProperty:
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[loc.Key]
		return v, ok
	default:
		arr, ok := doc.([]any)
		if !ok {
			return nil, false
		}
		idx, err := strconv.Atoi(loc.Key)
		if err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		return arr[idx], true
	}
}
