package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/detect"
	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/sandbox"
	"github.com/benchtrack/benchtrack/internal/store"
	"github.com/benchtrack/benchtrack/internal/transform"
)

const benchURI = "urn:bench:1"

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func relDiff(cfg string) *model.ChangeDetection {
	return &model.ChangeDetection{Model: detect.RelativeDifferenceModel, Config: json.RawMessage(cfg)}
}

func testCatalog() *catalog.Static {
	return catalog.NewStatic(catalog.File{
		Schemas: []model.Schema{{ID: 1, URI: benchURI, Name: "bench"}},
		Transformers: []model.Transformer{{
			ID:           10,
			SchemaID:     1,
			Name:         "rows",
			Extractors:   []model.Extractor{{Name: "rows", Path: "$.rows", IsArray: true}},
			TargetSchema: "urn:row:1",
		}},
		Labels: []model.Label{
			{ID: 100, SchemaID: 1, Name: "value", Extractors: []model.Extractor{{Name: "value", Path: "$.value"}}, Metrics: true},
			{ID: 101, SchemaID: 1, Name: "arch", Extractors: []model.Extractor{{Name: "arch", Path: "$.arch"}}, Filtering: true},
			{ID: 102, SchemaID: 1, Name: "build", Extractors: []model.Extractor{{Name: "build", Path: "$.build"}}, Filtering: true},
			{ID: 103, SchemaID: 1, Name: "missing", Extractors: []model.Extractor{{Name: "missing", Path: "$.nothing"}}, Metrics: true},
		},
		Tests: []model.Test{
			{ID: 1, Name: "plain"},
			{ID: 2, Name: "grouped", FingerprintLabels: []string{"arch"}, FingerprintFilter: `. != "skip"`},
			{ID: 3, Name: "rows", TransformerIDs: []int64{10}},
		},
		Variables: []model.Variable{
			{ID: 1, TestID: 1, Name: "Value", Labels: []string{"value"}, ChangeDetection: relDiff(`{"threshold":0.1,"minPrevious":2,"window":2,"filter":"mean"}`)},
			{ID: 2, TestID: 2, Name: "Value", Labels: []string{"value"}, ChangeDetection: relDiff(`{"threshold":0.1,"minPrevious":1,"window":1}`)},
			{ID: 3, TestID: 2, Name: "Ghost", Order: 1, Labels: []string{"missing"}},
		},
	})
}

type harness struct {
	t         *testing.T
	store     *store.MemoryStore
	cat       *catalog.Static
	bus       *events.Local
	pipe      *Pipeline
	published []events.Event
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	eval, err := sandbox.NewJQ(sandbox.Config{})
	require.NoError(t, err)

	h := &harness{t: t, store: store.NewMemory(), cat: testCatalog(), bus: events.NewLocal()}
	h.bus.Subscribe(func(_ context.Context, ev events.Event) { h.published = append(h.published, ev) })
	h.pipe = New(
		h.store,
		h.cat,
		transform.New(eval, nil),
		label.New(h.cat, eval, nil),
		dataset.New(h.store, h.bus, h.bus, nil),
		detect.NewEngine(detect.NewRegistry(), h.bus, nil),
		h.bus,
		mode,
	)
	return h
}

// upload stores and derives a run whose data is one tagged object.
func (h *harness) upload(testID int64, at time.Time, data map[string]any) (*model.Run, []model.Dataset) {
	h.t.Helper()
	ctx := context.Background()
	data[model.SchemaKey] = benchURI
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	run, err := h.pipe.Ingest(ctx, UploadRequest{TestID: testID, Start: ms, Stop: ms, Data: data})
	require.NoError(h.t, err)
	datasets, err := h.pipe.ProcessRun(ctx, run.ID, false)
	require.NoError(h.t, err)
	return run, datasets
}

// changeValues returns the values of the data points flagged in a series,
// in timestamp order.
func (h *harness) changeValues(variableID int64, fp string) []float64 {
	h.t.Helper()
	ctx := context.Background()
	var out []float64
	require.NoError(h.t, h.store.InTx(ctx, func(tx store.Tx) error {
		points, err := tx.DataPointsBySeries(ctx, variableID, fp)
		if err != nil {
			return err
		}
		changes, err := tx.ChangesBySeries(ctx, variableID, fp)
		if err != nil {
			return err
		}
		flagged := map[int64]bool{}
		for _, c := range changes {
			flagged[c.DataPointID] = true
		}
		for _, dp := range points {
			if flagged[dp.ID] {
				out = append(out, dp.Value)
			}
		}
		return nil
	}))
	return out
}

func (h *harness) changeDatasets(variableID int64, fp string) []int64 {
	h.t.Helper()
	ctx := context.Background()
	var out []int64
	require.NoError(h.t, h.store.InTx(ctx, func(tx store.Tx) error {
		changes, err := tx.ChangesBySeries(ctx, variableID, fp)
		for _, c := range changes {
			out = append(out, c.DatasetID)
		}
		return err
	}))
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestScenario_RelativeDifference(t *testing.T) {
	h := newHarness(t, ModeSync)
	var carrying []int64
	for i, v := range []float64{1, 2, 1, 2} {
		_, ds := h.upload(1, base.Add(time.Duration(i)*time.Hour), map[string]any{"value": v})
		require.Len(t, ds, 1)
		carrying = append(carrying, ds[0].ID)
	}
	assert.Empty(t, h.changeDatasets(1, ""))

	// 3 is +100% against the mean 1.5 of the two values before it
	_, ds := h.upload(1, base.Add(4*time.Hour), map[string]any{"value": 3.0})
	require.Len(t, ds, 1)
	got := h.changeDatasets(1, "")
	assert.Equal(t, []int64{ds[0].ID}, got)
	assert.NotContains(t, got, carrying[3])

	var notified []events.ChangeCreated
	for _, ev := range h.published {
		if c, ok := ev.(events.ChangeCreated); ok {
			notified = append(notified, c)
		}
	}
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Notify)
	assert.Contains(t, notified[0].Change.Description, "+100.0%")
}

func TestFingerprintPartitioning(t *testing.T) {
	h := newHarness(t, ModeSync)
	h.upload(2, base, map[string]any{"value": 10.0, "arch": "x86", "build": "a"})
	h.upload(2, base.Add(time.Hour), map[string]any{"value": 10.0, "arch": "x86", "build": "b"})
	h.upload(2, base.Add(2*time.Hour), map[string]any{"value": 50.0, "arch": "arm", "build": "a"})
	h.upload(2, base.Add(3*time.Hour), map[string]any{"value": 50.0, "arch": "arm", "build": "b"})

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		x86, err := tx.DataPointsBySeries(ctx, 2, `{"arch":"x86"}`)
		require.NoError(t, err)
		assert.Len(t, x86, 2, "build differences share a series")
		arm, err := tx.DataPointsBySeries(ctx, 2, `{"arch":"arm"}`)
		require.NoError(t, err)
		assert.Len(t, arm, 2)
		return nil
	}))
	assert.Empty(t, h.changeValues(2, `{"arch":"x86"}`))
	assert.Empty(t, h.changeValues(2, `{"arch":"arm"}`))

	h.upload(2, base.Add(4*time.Hour), map[string]any{"value": 20.0, "arch": "x86"})
	assert.Equal(t, []float64{20}, h.changeValues(2, `{"arch":"x86"}`))
	assert.Empty(t, h.changeValues(2, `{"arch":"arm"}`))
}

func TestFingerprintFilterExcludesDataset(t *testing.T) {
	h := newHarness(t, ModeSync)
	_, ds := h.upload(2, base, map[string]any{"value": 1.0, "arch": "skip"})
	require.Len(t, ds, 1)

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		dps, err := tx.DataPointsByDatasets(ctx, []int64{ds[0].ID})
		require.NoError(t, err)
		assert.Empty(t, dps)
		fp, err := tx.GetFingerprint(ctx, ds[0].ID)
		require.NoError(t, err)
		assert.Equal(t, `{"arch":"skip"}`, fp.Key)
		return nil
	}))
}

func TestFingerprintIgnoresNonFilteringLabels(t *testing.T) {
	h := newHarness(t, ModeSync)
	h.cat.Update(func(f *catalog.File) { f.Tests[1].FingerprintLabels = []string{"arch", "value"} })
	_, ds := h.upload(2, base, map[string]any{"value": 1.0, "arch": "x86"})
	require.Len(t, ds, 1)

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		fp, err := tx.GetFingerprint(ctx, ds[0].ID)
		require.NoError(t, err)
		assert.Equal(t, `{"arch":"x86"}`, fp.Key)
		dps, err := tx.DataPointsBySeries(ctx, 2, `{"arch":"x86"}`)
		require.NoError(t, err)
		assert.Len(t, dps, 1)
		return nil
	}))
}

func TestMissingValuesAnnounced(t *testing.T) {
	h := newHarness(t, ModeSync)
	_, ds := h.upload(2, base, map[string]any{"value": 1.0, "arch": "x86"})

	var missing []events.MissingValues
	for _, ev := range h.published {
		if m, ok := ev.(events.MissingValues); ok {
			missing = append(missing, m)
		}
	}
	require.Len(t, missing, 1)
	assert.Equal(t, ds[0].ID, missing[0].DatasetID)
	assert.Equal(t, []string{"Ghost"}, missing[0].Variables)
}

func TestProcessRun_IdempotentAndContiguous(t *testing.T) {
	h := newHarness(t, ModeSync)
	run, first := h.upload(3, base, map[string]any{
		"rows": []any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}, map[string]any{"n": 3.0}},
	})
	require.Len(t, first, 3)

	second, err := h.pipe.ProcessRun(context.Background(), run.ID, true)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range second {
		assert.Equal(t, i, second[i].Ordinal)
		assert.Equal(t, first[i].Data, second[i].Data)
		assert.NotEqual(t, first[i].ID, second[i].ID)
	}

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		all, err := tx.DatasetsByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))

	var recalcFlags []bool
	for _, ev := range h.published {
		if dc, ok := ev.(events.DatasetCreated); ok {
			recalcFlags = append(recalcFlags, dc.IsRecalculation)
		}
	}
	assert.Equal(t, []bool{false, false, false, true, true, true}, recalcFlags)
}

func TestProcessRun_ReplacingKeepsSeriesConsistent(t *testing.T) {
	h := newHarness(t, ModeSync)
	h.upload(2, base, map[string]any{"value": 10.0, "arch": "x86"})
	h.upload(2, base.Add(time.Hour), map[string]any{"value": 10.0, "arch": "x86"})
	run, _ := h.upload(2, base.Add(2*time.Hour), map[string]any{"value": 20.0, "arch": "x86"})
	_, last := h.upload(2, base.Add(3*time.Hour), map[string]any{"value": 20.0, "arch": "x86"})
	assert.Equal(t, []float64{20}, h.changeValues(2, `{"arch":"x86"}`))
	assert.NotContains(t, h.changeDatasets(2, `{"arch":"x86"}`), last[0].ID)

	// trashing the first 20 moves the change to the later one
	ctx := context.Background()
	require.NoError(t, h.pipe.Trash(ctx, run.ID))
	assert.Equal(t, []int64{last[0].ID}, h.changeDatasets(2, `{"arch":"x86"}`))
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		dps, err := tx.DataPointsBySeries(ctx, 2, `{"arch":"x86"}`)
		require.NoError(t, err)
		assert.Len(t, dps, 3)
		return nil
	}))

	_, err := h.pipe.ProcessRun(ctx, run.ID, true)
	assert.ErrorIs(t, err, dataset.ErrRunGone)

	restored, err := h.pipe.Restore(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, []float64{20}, h.changeValues(2, `{"arch":"x86"}`))

	require.NoError(t, h.pipe.Delete(ctx, run.ID))
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetRun(ctx, run.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
	assert.Equal(t, []float64{20}, h.changeValues(2, `{"arch":"x86"}`))
}

func TestRebuildDataPoints_ConvergesToSortedOrder(t *testing.T) {
	values := []float64{1, 2, 2, 2, 1, 1, 2, 1, 1, 2}
	order := []int{5, 0, 1, 7, 4, 8, 2, 3, 9, 6}

	h := newHarness(t, ModeSync)
	for _, ts := range order {
		h.upload(2, base.Add(time.Duration(ts)*time.Minute), map[string]any{"value": values[ts], "arch": "x86"})
	}
	incremental := h.changeValues(2, `{"arch":"x86"}`)

	var progressed []int
	n, err := h.pipe.RebuildDataPoints(context.Background(), 2, nil, nil, func(done, _ int) { progressed = append(progressed, done) })
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Len(t, progressed, 10)
	rebuilt := h.changeValues(2, `{"arch":"x86"}`)

	sorted := newHarness(t, ModeSync)
	for ts, v := range values {
		sorted.upload(2, base.Add(time.Duration(ts)*time.Minute), map[string]any{"value": v, "arch": "x86"})
	}
	want := sorted.changeValues(2, `{"arch":"x86"}`)

	// flagged at minutes 4, 6 and 9
	assert.Equal(t, []float64{1, 2, 2}, want)
	assert.Equal(t, want, incremental)
	assert.Equal(t, want, rebuilt)
}

func TestRecomputeFingerprints(t *testing.T) {
	h := newHarness(t, ModeSync)
	_, ds := h.upload(2, base, map[string]any{"value": 1.0, "arch": "x86", "build": "b7"})

	h.cat.Update(func(f *catalog.File) {
		f.Tests[1].FingerprintLabels = []string{"arch", "build"}
	})
	n, err := h.pipe.RecomputeFingerprints(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		fp, err := tx.GetFingerprint(ctx, ds[0].ID)
		require.NoError(t, err)
		assert.Equal(t, `{"arch":"x86","build":"b7"}`, fp.Key)
		return nil
	}))

	h.cat.Update(func(f *catalog.File) { f.Tests[1].FingerprintLabels = nil })
	n, err = h.pipe.RecomputeFingerprints(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetFingerprint(ctx, ds[0].ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestRecomputeFingerprints_MovesChangesWithSeries(t *testing.T) {
	h := newHarness(t, ModeSync)
	h.upload(2, base, map[string]any{"value": 10.0, "arch": "x86"})
	h.upload(2, base.Add(time.Hour), map[string]any{"value": 10.0, "arch": "x86"})
	h.upload(2, base.Add(2*time.Hour), map[string]any{"value": 20.0, "arch": "arm"})
	assert.Empty(t, h.changeValues(2, `{"arch":"x86"}`))
	assert.Empty(t, h.changeValues(2, `{"arch":"arm"}`))

	ctx := context.Background()
	h.cat.Update(func(f *catalog.File) { f.Tests[1].FingerprintLabels = nil })
	_, err := h.pipe.RecomputeFingerprints(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{20}, h.changeValues(2, ""))

	// split again: the arm series holds one point and has no history
	h.cat.Update(func(f *catalog.File) { f.Tests[1].FingerprintLabels = []string{"arch"} })
	_, err = h.pipe.RecomputeFingerprints(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, h.changeValues(2, `{"arch":"arm"}`))
	assert.Empty(t, h.changeValues(2, `{"arch":"x86"}`))
}

func TestProcessRun_AnnouncesOnlySurvivingChanges(t *testing.T) {
	h := newHarness(t, ModeSync)
	h.upload(2, base, map[string]any{"value": 10.0, "arch": "x86"})
	h.upload(2, base.Add(time.Hour), map[string]any{"value": 10.0, "arch": "x86"})
	run, first := h.upload(2, base.Add(2*time.Hour), map[string]any{"value": 20.0, "arch": "x86"})
	h.upload(2, base.Add(3*time.Hour), map[string]any{"value": 20.0, "arch": "x86"})
	require.Equal(t, []int64{first[0].ID}, h.changeDatasets(2, `{"arch":"x86"}`))

	// without its run the change would sit on the last point; the run comes
	// back in the same unit, so that intermediate change is never announced
	h.published = nil
	again, err := h.pipe.ProcessRun(context.Background(), run.ID, true)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, []int64{again[0].ID}, h.changeDatasets(2, `{"arch":"x86"}`))

	var announced []events.ChangeCreated
	for _, ev := range h.published {
		if c, ok := ev.(events.ChangeCreated); ok {
			announced = append(announced, c)
		}
	}
	require.Len(t, announced, 1)
	assert.Equal(t, again[0].ID, announced[0].Change.DatasetID)
	assert.False(t, announced[0].Notify)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) EnqueueDataset(ctx context.Context, testID, datasetID int64, notify bool) error {
	args := m.Called(ctx, testID, datasetID, notify)
	return args.Error(0)
}

func TestQueuedMode_EnqueuesAfterCommit(t *testing.T) {
	h := newHarness(t, ModeQueued)
	q := &mockQueue{}
	q.On("EnqueueDataset", mock.Anything, int64(3), mock.AnythingOfType("int64"), true).Return(nil).Times(3)
	h.pipe.SetQueue(q)

	_, ds := h.upload(3, base, map[string]any{
		"rows":  []any{map[string]any{"n": 1.0}, map[string]any{"n": 2.0}, map[string]any{"n": 3.0}},
		"value": 5.0,
	})
	require.Len(t, ds, 3)
	q.AssertExpectations(t)

	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		dps, err := tx.DataPointsByDatasets(ctx, []int64{ds[0].ID})
		require.NoError(t, err)
		assert.Empty(t, dps, "derivation is left to the queue")
		return nil
	}))
	require.NoError(t, h.pipe.ProcessDataset(ctx, ds[0].ID, true))
	require.NoError(t, h.pipe.ProcessDataset(ctx, 9999, true))
}

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t, ModeSync)
	ctx := context.Background()
	data := map[string]any{"ts": "2024-06-01T10:00:00Z", "end": 1717236000000.0}

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"unknown test", UploadRequest{TestID: 99, Start: "0", Stop: "0", Data: data}},
		{"no data", UploadRequest{TestID: 1, Start: "0", Stop: "0"}},
		{"missing start", UploadRequest{TestID: 1, Stop: "0", Data: data}},
		{"stop before start", UploadRequest{TestID: 1, Start: "1000", Stop: "10", Data: data}},
		{"path matches nothing", UploadRequest{TestID: 1, Start: "$.nope", Stop: "0", Data: data}},
		{"untagged metadata", UploadRequest{TestID: 1, Start: "0", Stop: "0", Data: data, Metadata: []any{map[string]any{"a": 1.0}}}},
		{"schema on array", UploadRequest{TestID: 1, Start: "0", Stop: "0", Data: []any{1.0}, Schema: benchURI}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.pipe.Ingest(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalidUpload)
		})
	}
}

func TestIngest_ResolvesPathsAndStampsSchema(t *testing.T) {
	h := newHarness(t, ModeSync)
	data := map[string]any{"ts": "2024-06-01T10:00:00Z", "end": 1717236000000.0}
	run, err := h.pipe.Ingest(context.Background(), UploadRequest{
		TestID:   1,
		Start:    "$.ts",
		Stop:     "$.end",
		Schema:   benchURI,
		Data:     data,
		Metadata: map[string]any{model.SchemaKey: "urn:env:1"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), run.Start)
	assert.Equal(t, time.UnixMilli(1717236000000).UTC(), run.Stop)
	assert.Equal(t, benchURI, run.Data.(map[string]any)[model.SchemaKey])
	assert.NotContains(t, data, model.SchemaKey, "caller's document is not modified")
	assert.Len(t, run.Metadata, 1)
}
