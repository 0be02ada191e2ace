package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchtrack/benchtrack/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	run := seedRun(t, s, 1, t0)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.True(t, t0.Equal(got.Start))
		return nil
	}))
}

func TestSQLite_RunRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := &model.Run{
		TestID:      3,
		Start:       t0,
		Stop:        t0.Add(time.Minute),
		Description: "nightly",
		Data:        map[string]any{"v": 1.5, "tags": []any{"a"}},
		Metadata:    []any{map[string]any{model.SchemaKey: "urn:meta"}},
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertRun(ctx, run) }))
	require.NotZero(t, run.ID)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.TestID, got.TestID)
		assert.True(t, run.Start.Equal(got.Start))
		assert.True(t, run.Stop.Equal(got.Stop))
		assert.Equal(t, "nightly", got.Description)
		assert.Equal(t, run.Data, got.Data)
		assert.Equal(t, run.Metadata, got.Metadata)
		assert.False(t, got.Trashed)

		require.NoError(t, tx.SetRunTrashed(ctx, run.ID, true))
		got, err = tx.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.Trashed)

		assert.ErrorIs(t, tx.SetRunTrashed(ctx, 999, true), ErrNotFound)
		_, err = tx.GetRun(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestSQLite_InTx_RollbackDiscardsState(t *testing.T) {
	s := newTestSQLite(t)
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

func TestSQLite_HooksRunAfterCommit(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	var seen int64

	var run model.Run
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		run = model.Run{TestID: 1, Start: t0, Data: map[string]any{}}
		if err := tx.InsertRun(ctx, &run); err != nil {
			return err
		}
		// the hook opens its own unit, so the connection must be free
		tx.AfterCommit(func() {
			_ = s.InTx(ctx, func(tx Tx) error {
				got, err := tx.GetRun(ctx, run.ID)
				if err == nil {
					seen = got.ID
				}
				return err
			})
		})
		return nil
	}))
	assert.Equal(t, run.ID, seen)
}

func TestSQLite_TxUnusableAfterUnit(t *testing.T) {
	s := newTestSQLite(t)
	var leaked Tx
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		leaked = tx
		return nil
	}))
	assert.ErrorIs(t, leaked.InsertRun(context.Background(), &model.Run{}), ErrTxDone)
}

func TestSQLite_ForeignKeysEnforceTeardownOrder(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	var ds model.Dataset
	var dp model.DataPoint
	var c model.Change
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ds = model.Dataset{RunID: run.ID, TestID: 1, Ordinal: 0, Start: t0, Data: []any{map[string]any{"x": 1.0}}}
		require.NoError(t, tx.InsertDataset(ctx, &ds))
		require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: ds.ID, TestID: 1}}))
		dp = model.DataPoint{VariableID: 1, DatasetID: ds.ID, Timestamp: t0, Value: 1}
		require.NoError(t, tx.InsertDataPoints(ctx, []*model.DataPoint{&dp}))
		c = model.Change{VariableID: 1, DatasetID: ds.ID, DataPointID: dp.ID, Timestamp: t0}
		return tx.InsertChange(ctx, &c)
	}))

	assert.Error(t, s.InTx(ctx, func(tx Tx) error { return tx.DeleteRun(ctx, run.ID) }))
	assert.Error(t, s.InTx(ctx, func(tx Tx) error { return tx.DeleteDataPoints(ctx, []int64{dp.ID}) }))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.DeleteChanges(ctx, []int64{c.ID}))
		require.NoError(t, tx.DeleteDataPoints(ctx, []int64{dp.ID}))
		require.NoError(t, tx.DeleteFingerprints(ctx, []int64{ds.ID}))
		require.NoError(t, tx.DeleteDatasets(ctx, []int64{ds.ID}))
		return tx.DeleteRun(ctx, run.ID)
	}))
}

func TestSQLite_DatasetsAndFingerprints(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i := range 3 {
			ds := &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: 2 - i, Start: t0.Add(time.Duration(i) * time.Hour), Data: []any{}}
			require.NoError(t, tx.InsertDataset(ctx, ds))
		}
		assert.Error(t, tx.InsertDataset(ctx, &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: 0, Data: []any{}}))
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		byRun, err := tx.DatasetsByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, byRun, 3)
		for i, ds := range byRun {
			assert.Equal(t, i, ds.Ordinal)
			assert.Equal(t, []any{}, ds.Data)
		}

		from := t0.Add(30 * time.Minute)
		byTest, err := tx.DatasetsByTest(ctx, 1, &from, nil)
		require.NoError(t, err)
		assert.Len(t, byTest, 2)

		id := byRun[0].ID
		require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: id, TestID: 1, Value: map[string]any{"a": 1.0}, Key: `{"a":1}`}}))
		require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: id, TestID: 1, Value: map[string]any{"a": 2.0}, Key: `{"a":2}`}}))
		fp, err := tx.GetFingerprint(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, fp.Key)
		assert.Equal(t, map[string]any{"a": 2.0}, fp.Value)

		_, err = tx.GetFingerprint(ctx, byRun[1].ID)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestSQLite_SeriesPartitionedByFingerprint(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	var dpIDs []int64
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, key := range []string{`{"a":1}`, `{"a":2}`, `{"a":1}`, ""} {
			ds := &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: i, Start: t0, Data: []any{}}
			require.NoError(t, tx.InsertDataset(ctx, ds))
			if key != "" {
				require.NoError(t, tx.UpsertFingerprints(ctx, []*model.Fingerprint{{DatasetID: ds.ID, TestID: 1, Key: key}}))
			}
			dp := &model.DataPoint{VariableID: 7, DatasetID: ds.ID, Timestamp: t0.Add(time.Duration(3-i) * time.Hour), Value: float64(i)}
			require.NoError(t, tx.InsertDataPoints(ctx, []*model.DataPoint{dp}))
			dpIDs = append(dpIDs, dp.ID)
		}
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		a1, err := tx.DataPointsBySeries(ctx, 7, `{"a":1}`)
		require.NoError(t, err)
		require.Len(t, a1, 2)
		assert.Equal(t, 2.0, a1[0].Value)
		assert.Equal(t, 0.0, a1[1].Value)

		bare, err := tx.DataPointsBySeries(ctx, 7, "")
		require.NoError(t, err)
		require.Len(t, bare, 1)
		assert.Equal(t, 3.0, bare[0].Value)

		c := &model.Change{VariableID: 7, DatasetID: a1[1].DatasetID, DataPointID: a1[1].ID, Timestamp: a1[1].Timestamp}
		require.NoError(t, tx.InsertChange(ctx, c))
		series, err := tx.ChangesBySeries(ctx, 7, `{"a":1}`)
		require.NoError(t, err)
		require.Len(t, series, 1)
		assert.True(t, c.Timestamp.Equal(series[0].Timestamp))

		byDP, err := tx.ChangesByDataPoints(ctx, dpIDs)
		require.NoError(t, err)
		assert.Len(t, byDP, 1)

		c.Confirmed, c.Description = true, "known regression"
		require.NoError(t, tx.UpdateChange(ctx, c))
		got, err := tx.GetChange(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Confirmed)
		assert.Equal(t, "known regression", got.Description)

		assert.ErrorIs(t, tx.UpdateChange(ctx, &model.Change{ID: 999}), ErrNotFound)
		return nil
	}))
}

func TestSQLite_DataPointsByDatasetsChunks(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := seedRun(t, s, 1, t0)

	n := sqliteChunk + 20
	var ids []int64
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i := range n {
			ds := &model.Dataset{RunID: run.ID, TestID: 1, Ordinal: i, Start: t0, Data: []any{}}
			require.NoError(t, tx.InsertDataset(ctx, ds))
			ids = append(ids, ds.ID)
			require.NoError(t, tx.InsertDataPoints(ctx, []*model.DataPoint{{VariableID: 1, DatasetID: ds.ID, Timestamp: t0, Value: 1}}))
		}
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		dps, err := tx.DataPointsByDatasets(ctx, ids)
		require.NoError(t, err)
		assert.Len(t, dps, n)

		none, err := tx.DataPointsByDatasets(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))
}

func TestSQLite_ScanRuns_KeysetAndFilter(t *testing.T) {
	s := newTestSQLite(t)
	for i := range 5 {
		seedRun(t, s, 1, t0.Add(time.Duration(4-i)*time.Hour))
	}
	seedRun(t, s, 1, t0) // same start as another run, ordered by id
	seedRun(t, s, 2, t0)

	var refs []RunRef
	err := s.ScanRuns(context.Background(), RunFilter{TestID: 1, BatchSize: 2}, func(r RunRef) error {
		refs = append(refs, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, refs, 6)
	for i := 1; i < len(refs); i++ {
		prev, cur := refs[i-1], refs[i]
		assert.True(t, prev.Start.Before(cur.Start) || (prev.Start.Equal(cur.Start) && prev.ID < cur.ID))
	}

	from, to := t0.Add(time.Hour), t0.Add(3*time.Hour)
	n := 0
	require.NoError(t, s.ScanRuns(context.Background(), RunFilter{From: &from, To: &to}, func(RunRef) error {
		n++
		return nil
	}))
	assert.Equal(t, 3, n)

	trashed := true
	n = 0
	require.NoError(t, s.ScanRuns(context.Background(), RunFilter{Trashed: &trashed}, func(RunRef) error {
		n++
		return nil
	}))
	assert.Zero(t, n)

	stop := errors.New("stop")
	err = s.ScanRuns(context.Background(), RunFilter{}, func(RunRef) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestSQLite_Logs(t *testing.T) {
	s := newTestSQLite(t)
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
	require.Len(t, logs, 2)
	assert.Equal(t, "run-level", logs[0].Message)
	assert.False(t, logs[0].Timestamp.IsZero())

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

func TestInList(t *testing.T) {
	list, args := inList([]int64{4, 5, 6})
	assert.Equal(t, "(?,?,?)", list)
	assert.Equal(t, []any{int64(4), int64(5), int64(6)}, args)

	assert.Empty(t, chunks(nil))
	assert.Len(t, chunks(make([]int64, sqliteChunk*2+1)), 3)
}
