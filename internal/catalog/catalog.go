// Package catalog exposes the schema, transformer, label, test and variable
// definitions the derivation pipeline reads.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/benchtrack/benchtrack/internal/model"
)

// ErrNotFound is returned for unknown tests and variables.
var ErrNotFound = errors.New("catalog: not found")

// BoundLabel is a label together with the URI of the schema it applies to.
type BoundLabel struct {
	model.Label
	SchemaURI string
}

// Catalog is the read side of the definition store.
type Catalog interface {
	// Test returns a test's configuration.
	Test(ctx context.Context, id int64) (*model.Test, error)

	// Locate resolves the schema locations of run, each paired with one
	// transformer its test uses for that schema. A schema without such a
	// transformer yields one location with a nil Transformer.
	Locate(ctx context.Context, run *model.Run) ([]model.SchemaLocation, error)

	// Labels returns the definitions of the named labels across all
	// schemas.
	Labels(ctx context.Context, names []string) ([]BoundLabel, error)

	// Variables lists a test's variables ordered by Order.
	Variables(ctx context.Context, testID int64) ([]model.Variable, error)

	// Variable returns one variable.
	Variable(ctx context.Context, id int64) (*model.Variable, error)
}

// Occurrence is a schema-tagged fragment found while scanning a run.
type Occurrence struct {
	Kind   model.LocationKind
	Source model.LocationSource
	Key    string
	URI    string
}

// Scan finds every schema-tagged fragment of run: the root, then first-level
// properties sorted by key, then array elements by index, data before
// metadata.
func Scan(run *model.Run) []Occurrence {
	out := scanDocument(run.Data, model.SourceData)
	return append(out, scanDocument(run.Metadata, model.SourceMetadata)...)
}

func scanDocument(doc any, source model.LocationSource) []Occurrence {
	var out []Occurrence
	switch v := doc.(type) {
	case map[string]any:
		if uri, ok := model.SchemaOf(v); ok {
			out = append(out, Occurrence{Kind: model.LocationRoot, Source: source, URI: uri})
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if uri, ok := model.SchemaOf(v[k]); ok {
				out = append(out, Occurrence{Kind: model.LocationProperty, Source: source, Key: k, URI: uri})
			}
		}
	case []any:
		for i, el := range v {
			if uri, ok := model.SchemaOf(el); ok {
				out = append(out, Occurrence{Kind: model.LocationElement, Source: source, Key: strconv.Itoa(i), URI: uri})
			}
		}
	}
	return out
}

// UsesSchema reports whether run contains a fragment tagged with uri.
func UsesSchema(run *model.Run, uri string) bool {
	for _, occ := range Scan(run) {
		if occ.URI == uri {
			return true
		}
	}
	return false
}
