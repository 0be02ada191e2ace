package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/benchtrack/benchtrack/internal/model"
)

func sampleDoc() any {
	return map[string]any{
		"$schema": "urn:bench:1",
		"name":    "throughput",
		"config":  map[string]any{"threads": 4.0},
		"results": []any{
			map[string]any{"op": "read", "value": 10.0},
			map[string]any{"op": "write", "value": 20.0},
		},
	}
}

func TestQuery_Definite(t *testing.T) {
	got, err := Query(sampleDoc(), "$.config.threads")
	require.NoError(t, err)
	assert.Equal(t, []any{4.0}, got)
}

func TestQuery_Root(t *testing.T) {
	doc := sampleDoc()
	got, err := Query(doc, "$")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, doc, got[0])
}

// requireMatchOrMismatch fails on anything but success or a mismatch.
func requireMatchOrMismatch(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		require.True(t, IsMismatch(err), "unexpected error: %v", err)
	}
}

func TestQuery_MissingKeyIsMismatch(t *testing.T) {
	for _, path := range []string{"$.nope", "$.nope.deeper", "$.results[5]", "$.name.first"} {
		got, err := Query(sampleDoc(), path)
		require.Error(t, err, path)
		assert.True(t, IsMismatch(err), path)
		assert.Empty(t, got, path)
	}
}

func TestQuery_Paths(t *testing.T) {
	doc := map[string]any{
		"a":       []any{1.0, 2.0, 3.0},
		"$schema": "urn:bench:1",
		"config":  map[string]any{"threads": 4.0, "dotted.key": "x"},
		"results": []any{
			map[string]any{"op": "read", "value": 10.0},
			map[string]any{"op": "write", "value": 20.0},
		},
	}
	cases := []struct {
		name string
		path string
		want []any
	}{
		{"filter on values", "$.a[?(@ > 1)]", []any{2.0, 3.0}},
		{"filter on members", "$.results[?(@.value > 15)].op", []any{"write"}},
		{"slice", "$.a[0:2]", []any{1.0, 2.0}},
		{"slice past the end", "$.a[1:10]", []any{2.0, 3.0}},
		{"union", "$.a[0,2]", []any{1.0, 3.0}},
		{"index", "$.a[1]", []any{2.0}},
		{"bracket key", "$['$schema']", []any{"urn:bench:1"}},
		{"bracket key after dot", "$.config['threads']", []any{4.0}},
		{"bracket key with dot", "$.config['dotted.key']", []any{"x"}},
		{"bracket chain", "$['results'][1]['op']", []any{"write"}},
		{"recursive descent", "$..op", []any{"read", "write"}},
		{"definite array value", "$.a", []any{[]any{1.0, 2.0, 3.0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Query(doc, tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQuery_FilterWithoutMatches(t *testing.T) {
	got, err := Query(map[string]any{"a": []any{1.0}}, "$.a[?(@ > 5)]")
	requireMatchOrMismatch(t, err)
	assert.Empty(t, got)

	got, err = Query(sampleDoc(), "$.results[*].missing")
	requireMatchOrMismatch(t, err)
	assert.Empty(t, got)
}

func TestQuery_MalformedPath(t *testing.T) {
	_, err := Query(sampleDoc(), "results[0]")
	require.Error(t, err)
	assert.False(t, IsMismatch(err))
}

func TestIsMismatch(t *testing.T) {
	m := &MismatchError{Extractor: "x", Path: "$.a", Err: errors.New("field not found")}
	assert.True(t, IsMismatch(m))
	assert.True(t, IsMismatch(multierr.Append(m, &MismatchError{Path: "$.b", Err: errors.New("array expected")})))
	assert.False(t, IsMismatch(multierr.Append(m, errors.New("boom"))))
	assert.False(t, IsMismatch(nil))
	assert.Equal(t, "extract: extractor x: $.a does not match: field not found", m.Error())
}

func TestQuery_Wildcard(t *testing.T) {
	got, err := Query(sampleDoc(), "$.results[*].value")
	require.NoError(t, err)
	assert.Equal(t, []any{10.0, 20.0}, got)
}

func TestQuery_Empty(t *testing.T) {
	_, err := Query(sampleDoc(), "  ")
	assert.Error(t, err)
}

func TestIndefinite(t *testing.T) {
	cases := map[string]bool{
		"$.a.b":           false,
		"$.a[0]":          false,
		"$.a[*]":          true,
		"$..a":            true,
		"$.a[0:2]":        true,
		"$.a[0,1]":        true,
		"$.a[?(@.x > 1)]": true,
		"$['a']":          false,
		"$.a['b,c']":      false,
		"$['a:b'][0]":     false,
	}
	for path, want := range cases {
		assert.Equal(t, want, Indefinite(path), path)
	}
}

func TestEvaluate_ArrayExtractor(t *testing.T) {
	v, err := Evaluate(sampleDoc(), model.Extractor{Name: "ops", Path: "$.results[*].op", IsArray: true})
	require.NoError(t, err)
	assert.Equal(t, []any{"read", "write"}, v)

	v, err = Evaluate(sampleDoc(), model.Extractor{Name: "none", Path: "$.missing", IsArray: true})
	assert.True(t, IsMismatch(err))
	assert.Equal(t, []any{}, v)
}

func TestEvaluate_ScalarExtractorTakesFirst(t *testing.T) {
	v, err := Evaluate(sampleDoc(), model.Extractor{Name: "first", Path: "$.results[*].value"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	v, err = Evaluate(sampleDoc(), model.Extractor{Name: "missing", Path: "$.missing"})
	require.Error(t, err)
	assert.True(t, IsMismatch(err))
	assert.Contains(t, err.Error(), "extractor missing")
	assert.Nil(t, v)
}

func TestEvaluateAll(t *testing.T) {
	got, err := EvaluateAll(sampleDoc(), []model.Extractor{
		{Name: "name", Path: "$.name"},
		{Name: "threads", Path: "$.config.threads"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "throughput", "threads": 4.0}, got)
}

func TestEvaluateAll_KeepsValuesOnMismatch(t *testing.T) {
	got, err := EvaluateAll(sampleDoc(), []model.Extractor{
		{Name: "name", Path: "$.name"},
		{Name: "op", Path: "$.name[0].op"},
	})
	require.Error(t, err)
	assert.True(t, IsMismatch(err))
	require.NotNil(t, got)
	assert.Equal(t, "throughput", got["name"])
	assert.Nil(t, got["op"])
}

func TestEvaluateAll_MalformedPathAborts(t *testing.T) {
	got, err := EvaluateAll(sampleDoc(), []model.Extractor{
		{Name: "name", Path: "$.name"},
		{Name: "bad", Path: "name"},
	})
	require.Error(t, err)
	assert.False(t, IsMismatch(err))
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "extractor bad")
}

func TestDiagnose(t *testing.T) {
	err := Diagnose(sampleDoc(), []model.Extractor{
		{Name: "ok", Path: "$.name"},
		{Name: "bad", Path: ""},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extractor bad")

	assert.NoError(t, Diagnose(sampleDoc(), []model.Extractor{{Name: "ok", Path: "$.name"}}))
}
