package catalog

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/benchtrack/benchtrack/internal/model"
)

// File is the on-disk layout of a catalog.
type File struct {
	Schemas      []model.Schema      `yaml:"schemas"`
	Transformers []model.Transformer `yaml:"transformers"`
	Labels       []model.Label       `yaml:"labels"`
	Tests        []model.Test        `yaml:"tests"`
	Variables    []model.Variable    `yaml:"-"`
}

// fileVariable carries the detection config as a YAML mapping, converted to
// the opaque JSON document the detection registry expects.
type fileVariable struct {
	model.Variable  `yaml:",inline"`
	ChangeDetection *struct {
		Model  string         `yaml:"model"`
		Config map[string]any `yaml:"config"`
	} `yaml:"change_detection"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *File) UnmarshalYAML(node *yaml.Node) error {
	type plain File
	var raw struct {
		plain     `yaml:",inline"`
		Variables []fileVariable `yaml:"variables"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = File(raw.plain)
	for _, fv := range raw.Variables {
		v := fv.Variable
		if fv.ChangeDetection != nil {
			cfg := []byte("{}")
			if fv.ChangeDetection.Config != nil {
				b, err := json.Marshal(fv.ChangeDetection.Config)
				if err != nil {
					return eris.Wrapf(err, "catalog: variable %s: encode config", v.Name)
				}
				cfg = b
			}
			v.ChangeDetection = &model.ChangeDetection{Model: fv.ChangeDetection.Model, Config: cfg}
		}
		f.Variables = append(f.Variables, v)
	}
	return nil
}

// Static is an in-memory Catalog, typically loaded from a YAML file.
type Static struct {
	mu   sync.RWMutex
	file File
}

// NewStatic creates a Static catalog over f.
func NewStatic(f File) *Static {
	s := &Static{file: f}
	s.warnUnflagged()
	return s
}

// Load reads a YAML catalog file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}
	return NewStatic(f), nil
}

// Update applies fn to the catalog contents under the write lock. Callers
// notify the recalculation coordinator afterwards.
func (s *Static) Update(fn func(f *File)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.file)
	s.warnUnflagged()
}

// flagged keeps the names that have at least one label definition with
// the wanted flag. Callers hold s.mu.
func (s *Static) flagged(names []string, want func(model.Label) bool) []string {
	if names == nil {
		return nil
	}
	ok := make(map[string]bool, len(s.file.Labels))
	for _, l := range s.file.Labels {
		if want(l) {
			ok[l.Name] = true
		}
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if ok[n] {
			out = append(out, n)
		}
	}
	return out
}

func filtering(l model.Label) bool { return l.Filtering }
func metrics(l model.Label) bool   { return l.Metrics }

// warnUnflagged logs the label references that Test and Variables drop.
func (s *Static) warnUnflagged() {
	log := zap.L().With(zap.String("component", "catalog"))
	for _, t := range s.file.Tests {
		if kept := s.flagged(t.FingerprintLabels, filtering); len(kept) != len(t.FingerprintLabels) {
			log.Warn("catalog: fingerprint labels must be flagged filtering",
				zap.Int64("test_id", t.ID), zap.Strings("labels", t.FingerprintLabels), zap.Strings("kept", kept))
		}
	}
	for _, v := range s.file.Variables {
		if kept := s.flagged(v.Labels, metrics); len(kept) != len(v.Labels) {
			log.Warn("catalog: variable labels must be flagged metrics",
				zap.Int64("variable_id", v.ID), zap.Strings("labels", v.Labels), zap.Strings("kept", kept))
		}
	}
}

// Test implements Catalog. Fingerprint labels without a filtering
// definition are left out.
func (s *Static) Test(_ context.Context, id int64) (*model.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.file.Tests {
		if t.ID == id {
			t := t
			t.FingerprintLabels = s.flagged(t.FingerprintLabels, filtering)
			return &t, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "test %d", id)
}

// Locate implements Catalog.
func (s *Static) Locate(ctx context.Context, run *model.Run) ([]model.SchemaLocation, error) {
	test, err := s.Test(ctx, run.TestID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byURI := make(map[string]model.Schema, len(s.file.Schemas))
	for _, sc := range s.file.Schemas {
		byURI[sc.URI] = sc
	}

	var locs []model.SchemaLocation
	for _, occ := range Scan(run) {
		sc, ok := byURI[occ.URI]
		if !ok {
			continue
		}
		base := model.SchemaLocation{Kind: occ.Kind, Source: occ.Source, Key: occ.Key, SchemaID: sc.ID, SchemaURI: sc.URI}
		matched := false
		for i := range s.file.Transformers {
			t := &s.file.Transformers[i]
			if t.SchemaID != sc.ID || !test.UsesTransformer(t.ID) {
				continue
			}
			loc := base
			tc := *t
			loc.Transformer = &tc
			locs = append(locs, loc)
			matched = true
		}
		if !matched {
			locs = append(locs, base)
		}
	}
	return locs, nil
}

// Labels implements Catalog.
func (s *Static) Labels(_ context.Context, names []string) ([]BoundLabel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	uris := make(map[int64]string, len(s.file.Schemas))
	for _, sc := range s.file.Schemas {
		uris[sc.ID] = sc.URI
	}
	var out []BoundLabel
	for _, l := range s.file.Labels {
		if want[l.Name] {
			out = append(out, BoundLabel{Label: l, SchemaURI: uris[l.SchemaID]})
		}
	}
	return out, nil
}

// Variables implements Catalog. Variable labels without a metrics
// definition are left out.
func (s *Static) Variables(_ context.Context, testID int64) ([]model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Variable
	for _, v := range s.file.Variables {
		if v.TestID == testID {
			v.Labels = s.flagged(v.Labels, metrics)
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// Variable implements Catalog.
func (s *Static) Variable(_ context.Context, id int64) (*model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.file.Variables {
		if v.ID == id {
			v := v
			v.Labels = s.flagged(v.Labels, metrics)
			return &v, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "variable %d", id)
}
