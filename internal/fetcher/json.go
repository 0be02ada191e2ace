package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"iter"

	"github.com/rotisserie/eris"
)

// Documents streams the elements of a top-level JSON array, one run document
// per element, without holding the whole array in memory. Iteration stops
// at the first error, which is yielded with a nil document.
func Documents(ctx context.Context, r io.Reader) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, eris.Wrap(err, "json: read opening token"))
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			yield(nil, eris.Errorf("json: expected '[', got %v", tok))
			return
		}

		for index := 0; dec.More(); index++ {
			if err := ctx.Err(); err != nil {
				yield(nil, eris.Wrap(err, "json: canceled"))
				return
			}
			var doc any
			if err := dec.Decode(&doc); err != nil {
				yield(nil, eris.Wrapf(err, "json: decode element %d", index))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
		if _, err := dec.Token(); err != nil && err != io.EOF {
			yield(nil, eris.Wrap(err, "json: read closing token"))
		}
	}
}

// DecodeDocument decodes one JSON value of any shape.
func DecodeDocument(r io.Reader) (any, error) {
	var doc any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "json: decode document")
	}
	return doc, nil
}
