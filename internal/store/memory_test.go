package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchtrack/benchtrack/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, s Store, testID int64, start time.Time) *model.Run {
	t.Helper()
	run := &model.Run{TestID: testID, Start: start, Stop: start.Add(time.Minute), Data: map[string]any{"v": 1.0}}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertRun(context.Background(), run)
	}))
	return run
}

func TestMemory_InTx_CommitAndHooks(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	var order []string

	err := s.InTx(ctx, func(tx Tx) error {
		run := &model.Run{TestID: 1, Start: t0, Data: map[string]any{}}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		tx.AfterCommit(func() { order = append(order, "first") })
		tx.AfterCommit(func() { order = append(order, "second") })
		order = append(order, "body")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "first", "second"}, order)
}

func TestMemory_InTx_RollbackDiscardsState(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")
	var id int64
	hooked := false

	err := s.InTx(ctx, func(tx Tx) error {
		run := &model.Run{TestID: 1, Start: t0}
		require.NoError(t, tx.InsertRun(ctx, run))
		id = run.ID
		tx.AfterCommit(func() { hooked = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hooked)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetRun(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_InTx_PanicReleasesLock(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var id int64
	assert.Panics(t, func() {
		_ = s.InTx(ctx, func(tx Tx) error {
			run := &model.Run{TestID: 1, Start: t0}
			require.NoError(t, tx.InsertRun(ctx, run))
			id = run.ID
			panic("transform blew up")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx Tx) error {
			_, err := tx.GetRun(ctx, id)
			return err
		})
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("store still locked after a panicking unit")
	}
}

func TestMemory_InTx_CanceledContextRollsBack(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InTx(ctx, func(tx Tx) error {
		cancel()
		return tx.InsertRun(ctx, &model.Run{TestID: 1, Start: t0})
	})
	require.Error(t, err)

	n := 0
	require.NoError(t, s.ScanRuns(context.Background(), RunFilter{}, func(RunRef) error { n++; return nil }))
	assert.Zero(t, n)
}

func TestMemory_TxUnusableAfterUnit(t *testing.T) {
	s := NewMemory()
	var leaked Tx
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		leaked = tx
		return nil
	}))
	assert.ErrorIs(t, leaked.InsertRun(context.Background(), &model.Run{}), ErrTxDone)
}

func TestMemory_DocumentsAreIsolated(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)
	run.Data.(map[string]any)["v"] = 99.0

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, got.Data.(map[string]any)["v"])
		got.Data.(map[string]any)["v"] = 5.0
		again, err := tx.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, again.Data.(map[string]any)["v"])
		return nil
	}))
}

func TestMemory_ForeignKeysEnforceTeardownOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	err := s.InTx(ctx, func(tx Tx) error {
		ds := &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: 0, Start: t0, Data: []any{}}
		require.NoError(t, tx.InsertDataset(ctx, ds))
		require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: ds.ID, TestID: 1}}))
		dp := &model.DataPoint{VariableID: 1, DatasetID: ds.ID, Timestamp: t0, Value: 1}
		require.NoError(t, tx.InsertDataPoints(ctx, []*model.DataPoint{dp}))
		c := &model.Change{VariableID: 1, DatasetID: ds.ID, DataPointID: dp.ID, Timestamp: t0}
		require.NoError(t, tx.InsertChange(ctx, c))

		assert.Error(t, tx.DeleteRun(ctx, run.ID))
		assert.Error(t, tx.DeleteDatasets(ctx, []int64{ds.ID}))
		assert.Error(t, tx.DeleteDataPoints(ctx, []int64{dp.ID}))

		require.NoError(t, tx.DeleteChanges(ctx, []int64{c.ID}))
		require.NoError(t, tx.DeleteDataPoints(ctx, []int64{dp.ID}))
		require.NoError(t, tx.DeleteFingerprints(ctx, []int64{ds.ID}))
		require.NoError(t, tx.DeleteDatasets(ctx, []int64{ds.ID}))
		return tx.DeleteRun(ctx, run.ID)
	})
	require.NoError(t, err)
}

func TestMemory_DatasetOrdinalUnique(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertDataset(ctx, &model.Dataset{RunID: run.ID, Ordinal: 0, Data: []any{}}))
		return tx.InsertDataset(ctx, &model.Dataset{RunID: run.ID, Ordinal: 0, Data: []any{}})
	})
	assert.Error(t, err)
}

func TestMemory_SeriesPartitionedByFingerprint(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, key := range []string{`{"a":1}`, `{"a":2}`, `{"a":1}`, ""} {
			ds := &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: i, Start: t0, Data: []any{}}
			require.NoError(t, tx.InsertDataset(ctx, ds))
			if key != "" {
				require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: ds.ID, TestID: 1, Key: key}}))
			}
			dp := &model.DataPoint{VariableID: 7, DatasetID: ds.ID, Timestamp: t0.Add(time.Duration(3-i) * time.Hour), Value: float64(i)}
			require.NoError(t, tx.InsertDataPoints(ctx, []*model.DataPoint{dp}))
		}
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		a1, err := tx.DataPointsBySeries(ctx, 7, `{"a":1}`)
		require.NoError(t, err)
		require.Len(t, a1, 2)
		// ordered by timestamp, not insertion
		assert.Equal(t, 2.0, a1[0].Value)
		assert.Equal(t, 0.0, a1[1].Value)

		bare, err := tx.DataPointsBySeries(ctx, 7, "")
		require.NoError(t, err)
		require.Len(t, bare, 1)
		assert.Equal(t, 3.0, bare[0].Value)
		return nil
	}))
}

func TestMemory_ScanRuns_KeysetAndFilter(t *testing.T) {
	s := NewMemory()
	for i := 0; i < 5; i++ {
		seedRun(t, s, 1, t0.Add(time.Duration(4-i)*time.Hour))
	}
	seedRun(t, s, 2, t0)

	var starts []time.Time
	err := s.ScanRuns(context.Background(), RunFilter{TestID: 1, BatchSize: 2}, func(r RunRef) error {
		starts = append(starts, r.Start)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, starts, 5)
	for i := 1; i < len(starts); i++ {
		assert.True(t, starts[i-1].Before(starts[i]))
	}

	stop := errors.New("stop")
	n := 0
	err = s.ScanRuns(context.Background(), RunFilter{}, func(RunRef) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestRunFilter_Match(t *testing.T) {
	trashed := true
	from := t0
	r := &model.Run{TestID: 1, Start: t0.Add(time.Hour), Trashed: true}

	assert.True(t, RunFilter{}.Match(r))
	assert.True(t, RunFilter{TestID: 1, From: &from, Trashed: &trashed}.Match(r))
	assert.False(t, RunFilter{TestID: 2}.Match(r))
	to := t0
	assert.False(t, RunFilter{To: &to}.Match(r))
}

func TestMemory_Logs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.AppendLogs(ctx, []model.LogEntry{
			{Source: model.LogSourceTransformation, TestID: 1, RunID: 1, Message: "run-level"},
			{Source: model.LogSourceTransformation, TestID: 1, RunID: 1, DatasetID: 10, Message: "dataset-level"},
			{Source: model.LogSourceVariables, TestID: 1, RunID: 1, DatasetID: 10, Message: "other source"},
		})
	}))

	logs, err := s.Logs(ctx, model.LogSourceTransformation, 1, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.DeleteLogs(ctx, model.LogSourceTransformation, 1, []int64{10})
	}))
	logs, err = s.Logs(ctx, model.LogSourceTransformation, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	logs, err = s.Logs(ctx, model.LogSourceVariables, 0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
