// Package dataset owns the dataset set of each run: atomic replacement,
// ordered teardown of derived state and the bounded wait for a run's first
// datasets.
package dataset

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/store"
)

var (
	// ErrRunGone aborts a replacement whose run was deleted or trashed.
	ErrRunGone = errors.New("dataset: run is missing or trashed")

	// ErrWaitTimeout is returned when no dataset appears in time.
	ErrWaitTimeout = errors.New("dataset: timed out waiting for datasets")
)

// SeriesRef names a detection series touched by a teardown.
type SeriesRef struct {
	VariableID  int64
	Fingerprint string
}

// Removed describes what a teardown deleted.
type Removed struct {
	DatasetIDs []int64
	Series     []SeriesRef
}

// Materializer replaces and tears down dataset sets.
type Materializer struct {
	st      store.Store
	bus     events.Bus
	sub     events.Subscriber
	metrics *metrics.Metrics
}

// New creates a Materializer. sub may be nil when nothing waits for
// datasets.
func New(st store.Store, bus events.Bus, sub events.Subscriber, m *metrics.Metrics) *Materializer {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Materializer{st: st, bus: bus, sub: sub, metrics: m}
}

// Replace swaps the dataset set of a run for one dataset per fragment list,
// inside tx. The run is re-read first so a concurrent delete or trash aborts
// the unit with ErrRunGone. Announcements go out after commit in ordinal
// order.
func (m *Materializer) Replace(ctx context.Context, tx store.Tx, runID int64, fragments [][]any, isRecalculation bool) ([]model.Dataset, Removed, error) {
	run, err := tx.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Removed{}, eris.Wrapf(ErrRunGone, "run %d", runID)
	}
	if err != nil {
		return nil, Removed{}, err
	}
	if run.Trashed {
		return nil, Removed{}, eris.Wrapf(ErrRunGone, "run %d", runID)
	}

	removed, err := m.Teardown(ctx, tx, runID)
	if err != nil {
		return nil, Removed{}, err
	}

	datasets := make([]model.Dataset, 0, len(fragments))
	for ordinal, data := range fragments {
		if data == nil {
			data = []any{}
		}
		ds := model.Dataset{
			RunID:       run.ID,
			TestID:      run.TestID,
			Ordinal:     ordinal,
			Start:       run.Start,
			Stop:        run.Stop,
			Description: run.Description,
			Data:        data,
		}
		if err := tx.InsertDataset(ctx, &ds); err != nil {
			return nil, Removed{}, err
		}
		datasets = append(datasets, ds)
	}

	announce := make([]events.DatasetCreated, len(datasets))
	for i, ds := range datasets {
		announce[i] = events.DatasetCreated{DatasetID: ds.ID, RunID: ds.RunID, TestID: ds.TestID, IsRecalculation: isRecalculation}
	}
	pubCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		m.metrics.DatasetCreated(len(announce))
		for _, ev := range announce {
			m.bus.Publish(pubCtx, ev)
		}
	})
	return datasets, removed, nil
}

// Teardown deletes everything derived from a run's datasets, then the
// datasets, in dependency order: changes, data points, fingerprints, logs,
// datasets. The run itself stays.
func (m *Materializer) Teardown(ctx context.Context, tx store.Tx, runID int64) (Removed, error) {
	existing, err := tx.DatasetsByRun(ctx, runID)
	if err != nil {
		return Removed{}, err
	}
	ids := make([]int64, len(existing))
	for i, ds := range existing {
		ids[i] = ds.ID
	}

	// run-level transformation logs go even when the run had no datasets
	if err := tx.DeleteLogs(ctx, model.LogSourceTransformation, runID, ids); err != nil {
		return Removed{}, eris.Wrapf(err, "dataset: teardown run %d: logs", runID)
	}
	if len(ids) == 0 {
		return Removed{}, nil
	}

	series, err := m.ClearDerived(ctx, tx, ids)
	if err != nil {
		return Removed{}, eris.Wrapf(err, "dataset: teardown run %d", runID)
	}
	if err := tx.DeleteDatasets(ctx, ids); err != nil {
		return Removed{}, eris.Wrapf(err, "dataset: teardown run %d: datasets", runID)
	}
	return Removed{DatasetIDs: ids, Series: series}, nil
}

// ClearDerived deletes the changes, data points, fingerprints and variable
// logs of the given datasets and returns the series that lost points.
// Deleted data points are announced after commit.
func (m *Materializer) ClearDerived(ctx context.Context, tx store.Tx, datasetIDs []int64) ([]SeriesRef, error) {
	if len(datasetIDs) == 0 {
		return nil, nil
	}
	dps, err := tx.DataPointsByDatasets(ctx, datasetIDs)
	if err != nil {
		return nil, err
	}

	var series []SeriesRef
	if len(dps) > 0 {
		keys := make(map[int64]string, len(datasetIDs))
		for _, id := range datasetIDs {
			fp, err := tx.GetFingerprint(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return nil, err
			default:
				keys[id] = fp.Key
			}
		}
		seen := map[SeriesRef]bool{}
		for _, dp := range dps {
			ref := SeriesRef{VariableID: dp.VariableID, Fingerprint: keys[dp.DatasetID]}
			if !seen[ref] {
				seen[ref] = true
				series = append(series, ref)
			}
		}

		dpIDs := make([]int64, len(dps))
		for i, dp := range dps {
			dpIDs[i] = dp.ID
		}
		changes, err := tx.ChangesByDataPoints(ctx, dpIDs)
		if err != nil {
			return nil, err
		}
		changeIDs := make([]int64, len(changes))
		for i, c := range changes {
			changeIDs[i] = c.ID
		}
		if err := tx.DeleteChanges(ctx, changeIDs); err != nil {
			return nil, eris.Wrap(err, "changes")
		}
		if err := tx.DeleteDataPoints(ctx, dpIDs); err != nil {
			return nil, eris.Wrap(err, "data points")
		}

		pubCtx := context.WithoutCancel(ctx)
		tx.AfterCommit(func() {
			for _, dp := range dps {
				m.bus.Publish(pubCtx, events.DataPointDeleted{DataPointID: dp.ID, VariableID: dp.VariableID, DatasetID: dp.DatasetID})
			}
		})
	}

	if err := tx.DeleteFingerprints(ctx, datasetIDs); err != nil {
		return nil, eris.Wrap(err, "fingerprints")
	}
	if err := tx.DeleteLogs(ctx, model.LogSourceVariables, 0, datasetIDs); err != nil {
		return nil, eris.Wrap(err, "logs")
	}
	return series, nil
}

// DeleteRun tears down a run and deletes it.
func (m *Materializer) DeleteRun(ctx context.Context, tx store.Tx, runID int64) (Removed, error) {
	removed, err := m.Teardown(ctx, tx, runID)
	if err != nil {
		return Removed{}, err
	}
	if err := tx.DeleteRun(ctx, runID); err != nil {
		return Removed{}, err
	}
	return removed, nil
}

// WaitForDatasets returns the datasets of a run once at least one exists,
// either already stored or announced while waiting.
func (m *Materializer) WaitForDatasets(ctx context.Context, runID int64, timeout time.Duration) ([]model.Dataset, error) {
	signal := make(chan struct{}, 1)
	if m.sub != nil {
		unsubscribe := m.sub.Subscribe(func(_ context.Context, ev events.Event) {
			if dc, ok := ev.(events.DatasetCreated); ok && dc.RunID == runID {
				select {
				case signal <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		datasets, err := m.datasets(ctx, runID)
		if err != nil {
			return nil, err
		}
		if len(datasets) > 0 {
			return datasets, nil
		}
		select {
		case <-signal:
		case <-timer.C:
			return nil, eris.Wrapf(ErrWaitTimeout, "run %d after %s", runID, timeout)
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "dataset: wait")
		}
	}
}

func (m *Materializer) datasets(ctx context.Context, runID int64) ([]model.Dataset, error) {
	var out []model.Dataset
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.DatasetsByRun(ctx, runID)
		return err
	})
	return out, err
}
