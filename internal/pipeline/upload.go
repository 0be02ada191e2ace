package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/extract"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/store"
)

// ErrInvalidUpload is wrapped by every rejection of an upload request.
var ErrInvalidUpload = errors.New("pipeline: invalid upload")

// UploadRequest describes a run document to store.
type UploadRequest struct {
	TestID int64
	// Start and Stop are epoch milliseconds, RFC 3339 timestamps, or JSONPath
	// expressions ("$.…") evaluated against Data.
	Start       string
	Stop        string
	Description string
	// Schema, when set, is stamped as "$schema" on an object Data.
	Schema   string
	Data     any
	Metadata any
}

// Ingest validates an upload and stores it as a new run. Derivation is a
// separate step (ProcessRun).
func (p *Pipeline) Ingest(ctx context.Context, req UploadRequest) (*model.Run, error) {
	if _, err := p.cat.Test(ctx, req.TestID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, eris.Wrapf(ErrInvalidUpload, "unknown test %d", req.TestID)
		}
		return nil, err
	}
	if req.Data == nil {
		return nil, eris.Wrap(ErrInvalidUpload, "empty run data")
	}

	data := model.CloneDocument(req.Data)
	if req.Schema != "" {
		obj, ok := data.(map[string]any)
		if !ok {
			return nil, eris.Wrap(ErrInvalidUpload, "schema can only be set on an object")
		}
		obj[model.SchemaKey] = req.Schema
	}

	start, err := resolveTime(req.Start, data, "start")
	if err != nil {
		return nil, err
	}
	stop, err := resolveTime(req.Stop, data, "stop")
	if err != nil {
		return nil, err
	}
	if stop.Before(start) {
		return nil, eris.Wrapf(ErrInvalidUpload, "stop %s precedes start %s", stop, start)
	}

	metadata, err := normalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		TestID:      req.TestID,
		Start:       start,
		Stop:        stop,
		Description: req.Description,
		Data:        data,
		Metadata:    metadata,
	}
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertRun(ctx, run)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: store run")
	}
	return run, nil
}

func resolveTime(expr string, data any, field string) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, eris.Wrapf(ErrInvalidUpload, "missing %s", field)
	}
	var v any = expr
	if strings.HasPrefix(expr, "$") {
		matches, err := extract.Query(data, expr)
		if err != nil {
			return time.Time{}, eris.Wrapf(ErrInvalidUpload, "%s: %v", field, err)
		}
		if len(matches) == 0 {
			return time.Time{}, eris.Wrapf(ErrInvalidUpload, "%s: %s matches nothing", field, expr)
		}
		v = matches[0]
	}
	ts, ok := label.ParseTime(v)
	if !ok {
		return time.Time{}, eris.Wrapf(ErrInvalidUpload, "%s: cannot parse %v", field, v)
	}
	return ts, nil
}

// normalizeMetadata accepts one object or an array of objects, each carrying
// a "$schema" tag.
func normalizeMetadata(md any) (any, error) {
	if md == nil {
		return nil, nil
	}
	var elems []any
	switch t := md.(type) {
	case map[string]any:
		elems = []any{t}
	case []any:
		elems = t
	default:
		return nil, eris.Wrap(ErrInvalidUpload, "metadata must be an object or an array")
	}
	for i, e := range elems {
		if _, ok := model.SchemaOf(e); !ok {
			return nil, eris.Wrapf(ErrInvalidUpload, "metadata element %d has no $schema", i)
		}
	}
	return model.CloneDocument(elems), nil
}
