package model

// SchemaKey is the property that tags a fragment with its schema URI.
const SchemaKey = "$schema"

// LocationKind describes where a schema-tagged fragment sits inside a run.
type LocationKind int

const (
	LocationRoot     LocationKind = iota // the whole document
	LocationProperty                     // a first-level property
	LocationElement                      // an element of a top-level array
)

func (k LocationKind) String() string {
	switch k {
	case LocationRoot:
		return "root"
	case LocationProperty:
		return "property"
	default:
		return "element"
	}
}

// LocationSource selects the run document a location refers to.
type LocationSource int

const (
	SourceData LocationSource = iota
	SourceMetadata
)

// Schema is a named, URI-identified document shape.
type Schema struct {
	ID   int64  `json:"id" yaml:"id"`
	URI  string `json:"uri" yaml:"uri"`
	Name string `json:"name" yaml:"name"`
}

// Extractor is a named path query.
type Extractor struct {
	Name    string `json:"name" yaml:"name"`
	Path    string `json:"jsonpath" yaml:"jsonpath"`
	IsArray bool   `json:"array" yaml:"array"`
}

// Transformer converts fragments of one schema into dataset fragments.
type Transformer struct {
	ID           int64       `json:"id" yaml:"id"`
	SchemaID     int64       `json:"schema_id" yaml:"schema"`
	Name         string      `json:"name" yaml:"name"`
	Extractors   []Extractor `json:"extractors" yaml:"extractors"`
	Function     string      `json:"function,omitempty" yaml:"function"`
	TargetSchema string      `json:"target_schema,omitempty" yaml:"target_schema"`
}

// SchemaLocation is a resolved schema occurrence inside a run, optionally
// matched with a transformer used by the run's test.
type SchemaLocation struct {
	Kind        LocationKind
	Source      LocationSource
	Key         string // property name, or array index for LocationElement
	SchemaID    int64
	SchemaURI   string
	Transformer *Transformer
}

// Label is a named value computed from dataset fragments of one schema.
type Label struct {
	ID         int64       `json:"id" yaml:"id"`
	SchemaID   int64       `json:"schema_id" yaml:"schema"`
	Name       string      `json:"name" yaml:"name"`
	Extractors []Extractor `json:"extractors" yaml:"extractors"`
	Function   string      `json:"function,omitempty" yaml:"function"`
	Filtering  bool        `json:"filtering" yaml:"filtering"`
	Metrics    bool        `json:"metrics" yaml:"metrics"`
}
