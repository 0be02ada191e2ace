package model

// Documents are decoded JSON values: map[string]any, []any, string, float64,
// bool or nil.

// CloneDocument returns a deep copy of a decoded JSON value.
func CloneDocument(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = CloneDocument(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = CloneDocument(e)
		}
		return s
	default:
		return v
	}
}

// SchemaOf returns the "$schema" tag of an object fragment.
func SchemaOf(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	uri, ok := m[SchemaKey].(string)
	return uri, ok
}

// CloneDatasets deep-copies a slice of datasets, fragments included.
func CloneDatasets(in []Dataset) []Dataset {
	out := make([]Dataset, len(in))
	for i, ds := range in {
		out[i] = ds
		out[i].Data = CloneDocument(ds.Data).([]any)
	}
	return out
}
