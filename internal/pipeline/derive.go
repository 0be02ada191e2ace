package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/runlog"
	"github.com/benchtrack/benchtrack/internal/store"
)

// derived is what one dataset contributes to change detection.
type derived struct {
	fingerprint label.Fingerprint
	accepted    bool
	points      []*model.DataPoint
	variables   []*model.Variable
	missing     []string
}

// definitions loads a test and its variables. ok is false when the test no
// longer exists.
func (p *Pipeline) definitions(ctx context.Context, testID int64) (*model.Test, []model.Variable, bool, error) {
	test, err := p.cat.Test(ctx, testID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	vars, err := p.cat.Variables(ctx, testID)
	if err != nil {
		return nil, nil, false, err
	}
	return test, vars, true, nil
}

// derive computes and stores the fingerprint of ds and computes the data
// points of its variables. Points are returned, not inserted.
func (p *Pipeline) derive(ctx context.Context, tx store.Tx, test *model.Test, vars []model.Variable, ds *model.Dataset, log *runlog.Logger) (*derived, error) {
	values, err := p.labels.Values(ctx, ds, label.Names(test, vars), log)
	if err != nil {
		return nil, err
	}

	fp, err := label.Compute(test, values)
	if err != nil {
		return nil, err
	}
	d := &derived{fingerprint: fp}
	if len(test.FingerprintLabels) > 0 {
		row := &model.Fingerprint{DatasetID: ds.ID, TestID: test.ID, Value: fp.Value, Key: fp.Key}
		if err := tx.UpsertFingerprints(ctx, []*model.Fingerprint{row}); err != nil {
			return nil, eris.Wrapf(err, "pipeline: fingerprint dataset %d", ds.ID)
		}
	}
	if !p.labels.Accept(ctx, test, fp, log) {
		return d, nil
	}
	d.accepted = true

	ts := p.labels.Timestamp(ctx, test, ds, values, log)
	for i := range vars {
		v := &vars[i]
		value, ok := p.labels.Value(ctx, v, values, log)
		if !ok {
			d.missing = append(d.missing, v.Name)
			continue
		}
		d.points = append(d.points, &model.DataPoint{
			VariableID: v.ID,
			DatasetID:  ds.ID,
			Timestamp:  ts,
			Value:      value,
		})
		d.variables = append(d.variables, v)
	}
	return d, nil
}

// deriveDataset clears the data points of ds and schedules its new points
// and the series that lost points on pending.
func (p *Pipeline) deriveDataset(ctx context.Context, tx store.Tx, ds *model.Dataset, notify bool, pending *classification) error {
	test, vars, ok, err := p.definitions(ctx, ds.TestID)
	if err != nil {
		return err
	}
	if !ok {
		zap.L().Warn("pipeline: dataset of unknown test", zap.Int64("dataset_id", ds.ID), zap.Int64("test_id", ds.TestID))
		return nil
	}

	stale, err := p.datasets.ClearDerived(ctx, tx, []int64{ds.ID})
	if err != nil {
		return err
	}
	if err := p.removed(ctx, pending, stale); err != nil {
		return err
	}

	log := runlog.New(model.LogSourceVariables, test.ID, ds.RunID).ForDataset(ds.ID)
	d, err := p.derive(ctx, tx, test, vars, ds, log)
	if err != nil {
		return err
	}
	for i, dp := range d.points {
		pending.add(d.variables[i], d.fingerprint.Key, dp, notify)
	}
	p.announceMissing(ctx, tx, ds, d.missing)
	return log.Flush(ctx, tx)
}

func (p *Pipeline) announceMissing(ctx context.Context, tx store.Tx, ds *model.Dataset, missing []string) {
	if len(missing) == 0 {
		return
	}
	ev := events.MissingValues{DatasetID: ds.ID, RunID: ds.RunID, TestID: ds.TestID, Variables: missing}
	pubCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() { p.bus.Publish(pubCtx, ev) })
}

// RebuildDataPoints clears the data points and changes of a test's datasets
// in [from, to] and rebuilds them in one unit: every point is inserted first
// and each affected series is then classified once in timestamp order.
// progress, when set, is called after each dataset.
func (p *Pipeline) RebuildDataPoints(ctx context.Context, testID int64, from, to *time.Time, progress func(done, total int)) (int, error) {
	var count int
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		count = 0
		test, vars, ok, err := p.definitions(ctx, testID)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(catalog.ErrNotFound, "test %d", testID)
		}
		datasets, err := tx.DatasetsByTest(ctx, testID, from, to)
		if err != nil {
			return err
		}
		ids := make([]int64, len(datasets))
		for i, ds := range datasets {
			ids[i] = ds.ID
		}
		stale, err := p.datasets.ClearDerived(ctx, tx, ids)
		if err != nil {
			return err
		}

		pending := newClassification(testID)
		for i := range datasets {
			ds := &datasets[i]
			log := runlog.New(model.LogSourceVariables, testID, ds.RunID).ForDataset(ds.ID)
			d, err := p.derive(ctx, tx, test, vars, ds, log)
			if err != nil {
				return err
			}
			for j, dp := range d.points {
				pending.add(d.variables[j], d.fingerprint.Key, dp, false)
			}
			p.announceMissing(ctx, tx, ds, d.missing)
			if err := log.Flush(ctx, tx); err != nil {
				return err
			}
			count++
			if progress != nil {
				progress(count, len(datasets))
			}
		}
		// rebuilt series and those that only lost points both get a fresh
		// verdict history
		for _, ref := range pending.order {
			e := pending.items[ref]
			pending.wholeSeries(e.series.Variable, ref.Fingerprint)
		}
		if err := p.removed(ctx, pending, stale); err != nil {
			return err
		}
		return p.classify(ctx, tx, pending)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecomputeFingerprints recomputes the fingerprints of every dataset of a
// test in place, without transforming runs again or filtering existing data
// points. Existing points move to the series of their new key, so every
// series of the test is then classified again, silently.
func (p *Pipeline) RecomputeFingerprints(ctx context.Context, testID int64) (int, error) {
	var n int
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		n = 0
		test, vars, ok, err := p.definitions(ctx, testID)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(catalog.ErrNotFound, "test %d", testID)
		}
		datasets, err := tx.DatasetsByTest(ctx, testID, nil, nil)
		if err != nil {
			return err
		}

		keys := []string{""}
		if len(test.FingerprintLabels) == 0 {
			ids := make([]int64, len(datasets))
			for i, ds := range datasets {
				ids[i] = ds.ID
			}
			if err := tx.DeleteFingerprints(ctx, ids); err != nil {
				return err
			}
		} else {
			rows := make([]*model.Fingerprint, 0, len(datasets))
			seen := map[string]bool{}
			keys = keys[:0]
			for i := range datasets {
				ds := &datasets[i]
				// diagnostics stay in zap; the dataset's persisted logs describe its data points
				log := runlog.New(model.LogSourceVariables, testID, ds.RunID).ForDataset(ds.ID)
				values, err := p.labels.Values(ctx, ds, test.FingerprintLabels, log)
				if err != nil {
					return err
				}
				fp, err := label.Compute(test, values)
				if err != nil {
					return err
				}
				rows = append(rows, &model.Fingerprint{DatasetID: ds.ID, TestID: testID, Value: fp.Value, Key: fp.Key})
				if !seen[fp.Key] {
					seen[fp.Key] = true
					keys = append(keys, fp.Key)
				}
			}
			n = len(rows)
			if n > 0 {
				if err := tx.UpsertFingerprints(ctx, rows); err != nil {
					return err
				}
			}
		}

		pending := newClassification(testID)
		for i := range vars {
			for _, key := range keys {
				pending.wholeSeries(&vars[i], key)
			}
		}
		return p.classify(ctx, tx, pending)
	})
	return n, err
}
