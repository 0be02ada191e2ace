// Package pipeline composes the derivation stages for a single run: transform
// the run into datasets, then derive fingerprints, timestamps and data
// points from each dataset and feed them to change detection.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/detect"
	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
	"github.com/benchtrack/benchtrack/internal/store"
	"github.com/benchtrack/benchtrack/internal/transform"
)

// Mode decides where the data points of a new dataset are computed.
type Mode string

const (
	// ModeSync derives data points in the unit that created the dataset.
	ModeSync Mode = "sync"
	// ModeQueued hands each new dataset to the Queue after commit.
	ModeQueued Mode = "queued"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeSync || m == ModeQueued }

// Queue schedules data-point derivation of a dataset off the caller's path.
type Queue interface {
	EnqueueDataset(ctx context.Context, testID, datasetID int64, notify bool) error
}

// Pipeline runs the derivation stages against a store.
type Pipeline struct {
	store     store.Store
	cat       catalog.Catalog
	transform *transform.Engine
	labels    *label.Extractor
	datasets  *dataset.Materializer
	engine    *detect.Engine
	bus       events.Bus
	mode      Mode
	queue     Queue
}

// New creates a Pipeline. A queued pipeline derives data points inline
// until SetQueue provides a worker pool.
func New(
	st store.Store,
	cat catalog.Catalog,
	tr *transform.Engine,
	lx *label.Extractor,
	mat *dataset.Materializer,
	eng *detect.Engine,
	bus events.Bus,
	mode Mode,
) *Pipeline {
	if bus == nil {
		bus = events.Discard{}
	}
	if !mode.Valid() {
		mode = ModeSync
	}
	return &Pipeline{
		store:     st,
		cat:       cat,
		transform: tr,
		labels:    lx,
		datasets:  mat,
		engine:    eng,
		bus:       bus,
		mode:      mode,
	}
}

// SetQueue installs the queue used in ModeQueued.
func (p *Pipeline) SetQueue(q Queue) { p.queue = q }

// Mode returns the configured processing mode.
func (p *Pipeline) Mode() Mode { return p.mode }

// Store returns the backing store.
func (p *Pipeline) Store() store.Store { return p.store }

// Catalog returns the definition catalog.
func (p *Pipeline) Catalog() catalog.Catalog { return p.cat }

// Datasets returns the dataset materializer.
func (p *Pipeline) Datasets() *dataset.Materializer { return p.datasets }

// Engine returns the change-detection engine.
func (p *Pipeline) Engine() *detect.Engine { return p.engine }

// ProcessRun replaces the datasets of a run with a fresh transformation of
// its document, in one unit. The new datasets get their data points either
// inline or through the queue after commit. Every touched series is
// classified once, after the new points are stored.
func (p *Pipeline) ProcessRun(ctx context.Context, runID int64, isRecalculation bool) ([]model.Dataset, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.Int64("run_id", runID))

	var out []model.Dataset
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(dataset.ErrRunGone, "run %d", runID)
		}
		if err != nil {
			return err
		}
		if run.Trashed {
			return eris.Wrapf(dataset.ErrRunGone, "run %d", runID)
		}

		locations, err := p.cat.Locate(ctx, run)
		if err != nil {
			return eris.Wrapf(err, "pipeline: locate schemas of run %d", runID)
		}
		rlog := runlog.New(model.LogSourceTransformation, run.TestID, run.ID)
		fragments := p.transform.Transform(ctx, run, locations, rlog)

		datasets, removed, err := p.datasets.Replace(ctx, tx, runID, fragments, isRecalculation)
		if err != nil {
			return err
		}
		if err := rlog.Flush(ctx, tx); err != nil {
			return err
		}

		notify := !isRecalculation
		pending := newClassification(run.TestID)
		if err := p.removed(ctx, pending, removed.Series); err != nil {
			return err
		}
		if p.mode == ModeQueued && p.queue != nil {
			ids := make([]int64, len(datasets))
			for i, ds := range datasets {
				ids[i] = ds.ID
			}
			testID := run.TestID
			pubCtx := context.WithoutCancel(ctx)
			tx.AfterCommit(func() {
				for _, id := range ids {
					if err := p.queue.EnqueueDataset(pubCtx, testID, id, notify); err != nil {
						log.Error("pipeline: enqueue dataset", zap.Int64("dataset_id", id), zap.Error(err))
					}
				}
			})
		} else {
			for i := range datasets {
				if err := p.deriveDataset(ctx, tx, &datasets[i], notify, pending); err != nil {
					return err
				}
			}
		}
		if err := p.classify(ctx, tx, pending); err != nil {
			return err
		}
		out = datasets
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("pipeline: run processed", zap.Int("datasets", len(out)), zap.Bool("recalculation", isRecalculation))
	return out, nil
}

// ProcessDataset derives the data points of one dataset in its own unit. A
// dataset replaced in the meantime is skipped.
func (p *Pipeline) ProcessDataset(ctx context.Context, datasetID int64, notify bool) error {
	return p.store.InTx(ctx, func(tx store.Tx) error {
		ds, err := tx.GetDataset(ctx, datasetID)
		if errors.Is(err, store.ErrNotFound) {
			zap.L().Debug("pipeline: dataset gone before processing", zap.Int64("dataset_id", datasetID))
			return nil
		}
		if err != nil {
			return err
		}
		pending := newClassification(ds.TestID)
		if err := p.deriveDataset(ctx, tx, ds, notify, pending); err != nil {
			return err
		}
		return p.classify(ctx, tx, pending)
	})
}

// Trash marks a run trashed and tears down its datasets. Series that lost
// data points are classified again.
func (p *Pipeline) Trash(ctx context.Context, runID int64) error {
	return p.store.InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := tx.SetRunTrashed(ctx, runID, true); err != nil {
			return err
		}
		removed, err := p.datasets.Teardown(ctx, tx, runID)
		if err != nil {
			return err
		}
		return p.reclassify(ctx, tx, run.TestID, removed.Series)
	})
}

// Restore clears the trashed flag of a run and derives it again.
func (p *Pipeline) Restore(ctx context.Context, runID int64) ([]model.Dataset, error) {
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		return tx.SetRunTrashed(ctx, runID, false)
	})
	if err != nil {
		return nil, err
	}
	return p.ProcessRun(ctx, runID, true)
}

// Delete removes a run together with everything derived from it.
func (p *Pipeline) Delete(ctx context.Context, runID int64) error {
	return p.store.InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		removed, err := p.datasets.DeleteRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		return p.reclassify(ctx, tx, run.TestID, removed.Series)
	})
}
