// Package extract evaluates JSONPath extractors against decoded documents.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bhmj/jsonslice"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"

	"github.com/benchtrack/benchtrack/internal/model"
)

// ErrNoNode is the cause of a mismatch on a definite path that selects
// nothing.
var ErrNoNode = eris.New("no such node")

// MismatchError reports a well-formed path that the document does not
// satisfy: a missing field, an index out of range or a node of the wrong
// type. The extractor's value is empty but the upload is still usable.
type MismatchError struct {
	Extractor string
	Path      string
	Err       error
}

func (e *MismatchError) Error() string {
	msg := "extract: "
	if e.Extractor != "" {
		msg += "extractor " + e.Extractor + ": "
	}
	return msg + e.Path + " does not match: " + e.Err.Error()
}

func (e *MismatchError) Unwrap() error { return e.Err }

// IsMismatch reports whether err consists only of mismatches.
func IsMismatch(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range multierr.Errors(err) {
		var m *MismatchError
		if !errors.As(e, &m) {
			return false
		}
	}
	return true
}

// encoded is a document together with its JSON form, so that several
// extractors share one encoding.
type encoded struct {
	doc  any
	data []byte
}

func encode(doc any) (*encoded, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "extract: encode document")
	}
	return &encoded{doc: doc, data: data}, nil
}

// Query evaluates path against doc and returns every match. An indefinite
// path that selects nothing yields no matches and no error. A path the
// document does not fit yields a *MismatchError, and so does a definite
// path that selects nothing. A malformed path is an error.
func Query(doc any, path string) ([]any, error) {
	enc, err := encode(doc)
	if err != nil {
		return nil, err
	}
	return enc.query(path)
}

func (enc *encoded) query(path string) ([]any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, eris.New("extract: empty path")
	}
	if path == "$" {
		return []any{enc.doc}, nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, eris.Errorf("extract: path %q must start at the root $", path)
	}

	raw, err := jsonslice.Get(enc.data, path)
	if err != nil {
		// jsonslice prefixes every parse failure with "path:"; anything
		// else comes from walking the document.
		if strings.HasPrefix(err.Error(), "path:") {
			return nil, eris.Wrapf(err, "extract: compile %q", path)
		}
		return nil, &MismatchError{Path: path, Err: err}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		if Indefinite(path) {
			return nil, nil
		}
		return nil, &MismatchError{Path: path, Err: ErrNoNode}
	}

	var res any
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, eris.Wrapf(err, "extract: decode result of %q", path)
	}
	if !Indefinite(path) {
		return []any{res}, nil
	}
	matches, ok := res.([]any)
	if !ok {
		return []any{res}, nil
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}

// Indefinite reports whether path may select more than one node: it uses a
// wildcard, recursive descent, a filter, a slice or a union.
func Indefinite(path string) bool {
	if strings.Contains(path, "..") || strings.Contains(path, "*") || strings.Contains(path, "?(") {
		return true
	}
	for {
		open := strings.IndexByte(path, '[')
		if open < 0 {
			return false
		}
		end := strings.IndexByte(path[open:], ']')
		if end < 0 {
			return false
		}
		sel := path[open+1 : open+end]
		if !quoted(sel) && strings.ContainsAny(sel, ":,") {
			return true
		}
		path = path[open+end+1:]
	}
}

// quoted reports whether a bracket selector is a single quoted key.
func quoted(sel string) bool {
	sel = strings.TrimSpace(sel)
	if len(sel) < 2 {
		return false
	}
	q := sel[0]
	return (q == '\'' || q == '"') && sel[len(sel)-1] == q && !strings.ContainsRune(sel[1:len(sel)-1], rune(q))
}

// Evaluate applies one extractor. Array extractors yield every match as a
// slice (empty when nothing matches); others yield the first match or nil.
// On a mismatch the empty value is returned together with the
// *MismatchError.
func Evaluate(doc any, e model.Extractor) (any, error) {
	enc, err := encode(doc)
	if err != nil {
		return nil, err
	}
	return enc.evaluate(e)
}

func (enc *encoded) evaluate(e model.Extractor) (any, error) {
	matches, err := enc.query(e.Path)
	var m *MismatchError
	if errors.As(err, &m) {
		m.Extractor = e.Name
	} else if err != nil {
		return nil, eris.Wrapf(err, "extract: extractor %s", e.Name)
	}
	if e.IsArray {
		if matches == nil {
			return []any{}, err
		}
		return matches, err
	}
	if len(matches) == 0 {
		return nil, err
	}
	return matches[0], err
}

// EvaluateAll runs extractors in order against doc and returns the
// extracted values keyed by extractor name. Mismatching extractors keep
// their empty value and are reported together; any other failure aborts
// and returns no values.
func EvaluateAll(doc any, extractors []model.Extractor) (map[string]any, error) {
	enc, err := encode(doc)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(extractors))
	var mismatches error
	for _, e := range extractors {
		v, err := enc.evaluate(e)
		if err != nil && !IsMismatch(err) {
			return nil, err
		}
		mismatches = multierr.Append(mismatches, err)
		out[e.Name] = v
	}
	return out, mismatches
}

// Diagnose re-runs every extractor independently and collects the errors of
// those that fail.
func Diagnose(doc any, extractors []model.Extractor) error {
	enc, err := encode(doc)
	if err != nil {
		return err
	}
	var errs error
	for _, e := range extractors {
		if _, err := enc.evaluate(e); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
