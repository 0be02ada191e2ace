package recalc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/resilience"
	"github.com/benchtrack/benchtrack/internal/store"
)

var notTrashed = func() *bool { b := false; return &b }()
var trashedOnly = func() *bool { b := true; return &b }()

// RecalculateTestDatasets starts a background scan that queues every
// non-trashed run of a test. Progress is reported by DatasetsStatus.
func (c *Coordinator) RecalculateTestDatasets(ctx context.Context, testID int64) (DatasetsStatus, error) {
	status := &DatasetsStatus{TestID: testID, Scanning: true}
	c.mu.Lock()
	prev := c.datasets[testID]
	c.datasets[testID] = status
	c.mu.Unlock()
	id, err := c.background(KindScan, testID, func(ctx context.Context) (any, error) {
		err := c.scanTest(ctx, testID, status)
		c.mu.Lock()
		status.Scanning = false
		total := status.Total
		c.mu.Unlock()
		if err != nil {
			return total, eris.Wrapf(err, "recalc: queue runs of test %d", testID)
		}
		zap.L().Info("recalc: test datasets queued", zap.Int64("test_id", testID), zap.Int("runs", total))
		return total, nil
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if prev != nil {
			c.datasets[testID] = prev
		} else {
			delete(c.datasets, testID)
		}
		return DatasetsStatus{}, err
	}
	status.JobID = id
	return *status, nil
}

func (c *Coordinator) scanTest(ctx context.Context, testID int64, status *DatasetsStatus) error {
	filter := store.RunFilter{TestID: testID, Trashed: notTrashed, BatchSize: c.cfg.ScanBatch}
	return c.pipe.Store().ScanRuns(ctx, filter, func(ref store.RunRef) error {
		runID := ref.ID
		_, err := c.submit(ctx, KindRun, runID, true, func(ctx context.Context) error {
			_, err := c.processRun(ctx, runID, true)
			c.mu.Lock()
			if err != nil {
				status.Failed++
			} else {
				status.Finished++
			}
			c.mu.Unlock()
			return err
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		status.Total++
		c.mu.Unlock()
		return nil
	})
}

// DatasetsStatus returns the progress of the last dataset recalculation of
// a test.
func (c *Coordinator) DatasetsStatus(testID int64) (DatasetsStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.datasets[testID]
	if !ok {
		return DatasetsStatus{}, eris.Wrapf(store.ErrNotFound, "no dataset recalculation for test %d", testID)
	}
	return *s, nil
}

// RecalculateDataPoints queues a rebuild of the test's data points and
// changes for datasets in [from, to]. A rebuild already queued or running
// for the test is returned instead of starting another.
func (c *Coordinator) RecalculateDataPoints(ctx context.Context, testID int64, from, to *time.Time) (DataPointsStatus, error) {
	if from != nil && to != nil && from.After(*to) {
		return DataPointsStatus{}, eris.Wrapf(ErrInvalidRange, "%s after %s", from, to)
	}
	c.mu.Lock()
	if s, ok := c.datapoints[testID]; ok && !s.Done {
		out := *s
		c.mu.Unlock()
		return out, nil
	}
	status := &DataPointsStatus{TestID: testID}
	c.datapoints[testID] = status
	c.mu.Unlock()

	id, err := c.submit(ctx, KindDataPoints, testID, false, func(ctx context.Context) error {
		unlock := c.locks.Lock(testKey(testID))
		defer unlock()
		progress := func(done, total int) {
			c.mu.Lock()
			status.Finished, status.Total = done, total
			c.mu.Unlock()
		}
		_, err := resilience.DoVal(ctx, c.retry("datapoints"), func(ctx context.Context) (int, error) {
			return c.pipe.RebuildDataPoints(ctx, testID, from, to, progress)
		})
		c.mu.Lock()
		status.Done = true
		if err != nil {
			status.Error = err.Error()
		}
		c.mu.Unlock()
		return err
	})
	if err != nil {
		c.mu.Lock()
		delete(c.datapoints, testID)
		c.mu.Unlock()
		return DataPointsStatus{}, err
	}
	c.mu.Lock()
	status.JobID = id
	out := *status
	c.mu.Unlock()
	return out, nil
}

// DataPointsStatus returns the progress of the last data-point rebuild of a
// test.
func (c *Coordinator) DataPointsStatus(testID int64) (DataPointsStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.datapoints[testID]
	if !ok {
		return DataPointsStatus{}, eris.Wrapf(store.ErrNotFound, "no data point recalculation for test %d", testID)
	}
	return *s, nil
}

// RecalculateAll starts a background job that re-derives every run started
// in [from, to] and returns its id. The job's result is a RangeSummary.
func (c *Coordinator) RecalculateAll(ctx context.Context, from, to *time.Time) (uuid.UUID, error) {
	if from == nil || to == nil || from.After(*to) {
		return uuid.Nil, ErrInvalidRange
	}
	start, end := *from, *to
	return c.background(KindScan, 0, func(ctx context.Context) (any, error) {
		return c.recalculateRange(ctx, start, end)
	})
}

// recalculateRange tears down the datasets of trashed runs in the range,
// then streams live runs by start time and queues them at the configured
// pace. Each run is committed in its own unit, so a failure affects only
// that run and finished runs stay done.
func (c *Coordinator) recalculateRange(ctx context.Context, from, to time.Time) (RangeSummary, error) {
	log := zap.L().With(zap.String("component", "recalc"), zap.Time("from", from), zap.Time("to", to))
	var summary RangeSummary

	trashed := store.RunFilter{From: &from, To: &to, Trashed: trashedOnly, BatchSize: c.cfg.ScanBatch}
	err := c.pipe.Store().ScanRuns(ctx, trashed, func(ref store.RunRef) error {
		unlockRun := c.locks.Lock(runKey(ref.ID))
		defer unlockRun()
		unlockTest := c.locks.Lock(testKey(ref.TestID))
		defer unlockTest()
		if err := c.pipe.Trash(ctx, ref.ID); err != nil {
			summary.Failed++
			log.Warn("recalc: tear down trashed run", zap.Int64("run_id", ref.ID), zap.Error(err))
			return nil
		}
		summary.Trashed++
		return nil
	})
	if err != nil {
		return summary, eris.Wrap(err, "recalc: scan trashed runs")
	}

	live := store.RunFilter{From: &from, To: &to, Trashed: notTrashed, BatchSize: c.cfg.ScanBatch}
	err = c.pipe.Store().ScanRuns(ctx, live, func(ref store.RunRef) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		runID := ref.ID
		_, err := c.submit(ctx, KindRun, runID, true, func(ctx context.Context) error {
			_, err := c.processRun(ctx, runID, true)
			if errors.Is(err, dataset.ErrRunGone) {
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		summary.Queued++
		return nil
	})
	if err != nil {
		return summary, eris.Wrap(err, "recalc: scan runs")
	}
	log.Info("recalc: range queued", zap.Int("queued", summary.Queued), zap.Int("trashed", summary.Trashed))
	return summary, nil
}

// SchemaUpdated starts a background job that queues a recalculation of
// every run carrying a fragment tagged with uri. The job's result is a
// RangeSummary.
func (c *Coordinator) SchemaUpdated(ctx context.Context, uri string) (uuid.UUID, error) {
	return c.background(KindScan, 0, func(ctx context.Context) (any, error) {
		return c.schemaScan(ctx, uri)
	})
}

func (c *Coordinator) schemaScan(ctx context.Context, uri string) (RangeSummary, error) {
	var summary RangeSummary
	filter := store.RunFilter{Trashed: notTrashed, BatchSize: c.cfg.ScanBatch}
	err := c.pipe.Store().ScanRuns(ctx, filter, func(ref store.RunRef) error {
		var uses bool
		err := c.pipe.Store().InTx(ctx, func(tx store.Tx) error {
			run, err := tx.GetRun(ctx, ref.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			uses = catalog.UsesSchema(run, uri)
			return nil
		})
		if err != nil || !uses {
			return err
		}
		runID := ref.ID
		if _, err := c.submit(ctx, KindRun, runID, true, func(ctx context.Context) error {
			_, err := c.processRun(ctx, runID, true)
			return err
		}); err != nil {
			return err
		}
		summary.Queued++
		return nil
	})
	if err != nil {
		return summary, eris.Wrapf(err, "recalc: schema %s", uri)
	}
	zap.L().Info("recalc: schema update queued runs", zap.String("uri", uri), zap.Int("runs", summary.Queued))
	return summary, nil
}

// FingerprintConfigUpdated recomputes the fingerprints of a test's datasets
// in place.
func (c *Coordinator) FingerprintConfigUpdated(ctx context.Context, testID int64) (int, error) {
	unlock := c.locks.Lock(testKey(testID))
	defer unlock()
	return resilience.DoVal(ctx, c.retry("fingerprints"), func(ctx context.Context) (int, error) {
		return c.pipe.RecomputeFingerprints(ctx, testID)
	})
}

// VariablesUpdated validates the detection configs of a test's variables
// and schedules a rebuild of its data points.
func (c *Coordinator) VariablesUpdated(ctx context.Context, testID int64) (DataPointsStatus, error) {
	vars, err := c.pipe.Catalog().Variables(ctx, testID)
	if err != nil {
		return DataPointsStatus{}, err
	}
	if err := c.reg.Validate(vars); err != nil {
		return DataPointsStatus{}, eris.Wrapf(err, "recalc: variables of test %d", testID)
	}
	return c.RecalculateDataPoints(ctx, testID, nil, nil)
}

// TrashRun trashes a run, tearing down its datasets, or restores it and
// derives it again.
func (c *Coordinator) TrashRun(ctx context.Context, runID int64, trashed bool) error {
	unlockRun := c.locks.Lock(runKey(runID))
	defer unlockRun()
	testID, err := c.testOf(ctx, runID)
	if err != nil {
		return err
	}
	unlockTest := c.locks.Lock(testKey(testID))
	defer unlockTest()

	if trashed {
		return resilience.Do(ctx, c.retry("trash"), func(ctx context.Context) error {
			return c.pipe.Trash(ctx, runID)
		})
	}
	_, err = resilience.DoVal(ctx, c.retry("restore"), func(ctx context.Context) (int, error) {
		ds, err := c.pipe.Restore(ctx, runID)
		return len(ds), err
	})
	return err
}

// DeleteRun removes a run and everything derived from it.
func (c *Coordinator) DeleteRun(ctx context.Context, runID int64) error {
	unlockRun := c.locks.Lock(runKey(runID))
	defer unlockRun()
	testID, err := c.testOf(ctx, runID)
	if err != nil {
		return err
	}
	unlockTest := c.locks.Lock(testKey(testID))
	defer unlockTest()
	return resilience.Do(ctx, c.retry("delete"), func(ctx context.Context) error {
		return c.pipe.Delete(ctx, runID)
	})
}

// JobIDs returns the id of every job still known, for diagnostics.
func (c *Coordinator) JobIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses.Keys()
}
