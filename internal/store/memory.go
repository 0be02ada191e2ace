package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/benchtrack/benchtrack/internal/model"
)

// MemoryStore is an in-process arena store. Each unit of work runs against a
// private copy of the state that replaces the shared state on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	seq          int64
	runs         map[int64]model.Run
	datasets     map[int64]model.Dataset
	fingerprints map[int64]model.Fingerprint
	datapoints   map[int64]model.DataPoint
	changes      map[int64]model.Change
	logs         []model.LogEntry
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{state: memState{
		runs:         map[int64]model.Run{},
		datasets:     map[int64]model.Dataset{},
		fingerprints: map[int64]model.Fingerprint{},
		datapoints:   map[int64]model.DataPoint{},
		changes:      map[int64]model.Change{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		seq:          s.seq,
		runs:         make(map[int64]model.Run, len(s.runs)),
		datasets:     make(map[int64]model.Dataset, len(s.datasets)),
		fingerprints: make(map[int64]model.Fingerprint, len(s.fingerprints)),
		datapoints:   make(map[int64]model.DataPoint, len(s.datapoints)),
		changes:      make(map[int64]model.Change, len(s.changes)),
		logs:         append([]model.LogEntry(nil), s.logs...),
	}
	for k, v := range s.runs {
		out.runs[k] = v
	}
	for k, v := range s.datasets {
		out.datasets[k] = v
	}
	for k, v := range s.fingerprints {
		out.fingerprints[k] = v
	}
	for k, v := range s.datapoints {
		out.datapoints[k] = v
	}
	for k, v := range s.changes {
		out.changes[k] = v
	}
	return out
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// InTx implements Store. Hooks run after the lock is released.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.unit(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// unit runs fn against a snapshot and publishes the snapshot on success. A
// panic in fn leaves the state untouched and the store unlocked.
func (s *MemoryStore) unit(ctx context.Context, fn func(tx Tx) error) (*memTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{state: s.state.clone()}
	defer func() { tx.done = true }()
	if err := fn(tx); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "memory: commit")
	}
	s.state = tx.state
	return tx, nil
}

// ScanRuns implements Store using keyset pagination over a read lock per
// batch.
func (s *MemoryStore) ScanRuns(ctx context.Context, filter RunFilter, fn func(RunRef) error) error {
	batch := filter.BatchSize
	if batch <= 0 {
		batch = 100
	}
	var last *RunRef
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "memory: scan runs")
		}
		page := s.runPage(filter, last, batch)
		for _, ref := range page {
			if err := fn(ref); err != nil {
				return err
			}
		}
		if len(page) < batch {
			return nil
		}
		last = &page[len(page)-1]
	}
}

func (s *MemoryStore) runPage(filter RunFilter, after *RunRef, limit int) []RunRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []RunRef
	for _, r := range s.state.runs {
		r := r
		if !filter.Match(&r) {
			continue
		}
		ref := RunRef{ID: r.ID, TestID: r.TestID, Start: r.Start}
		if after != nil && !refAfter(ref, *after) {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refAfter(refs[j], refs[i]) })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

func refAfter(a, b RunRef) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.After(b.Start)
	}
	return a.ID > b.ID
}

// Logs implements Store.
func (s *MemoryStore) Logs(_ context.Context, source model.LogSource, testID, runID int64) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LogEntry
	for _, e := range s.state.logs {
		if e.Source != source {
			continue
		}
		if testID != 0 && e.TestID != testID {
			continue
		}
		if runID != 0 && e.RunID != runID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Migrate is a no-op for the memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	state memState
	hooks []func()
	done  bool
}

func (tx *memTx) check() error {
	if tx.done {
		return ErrTxDone
	}
	return nil
}

func (tx *memTx) AfterCommit(fn func()) { tx.hooks = append(tx.hooks, fn) }

func (tx *memTx) InsertRun(_ context.Context, run *model.Run) error {
	if err := tx.check(); err != nil {
		return err
	}
	run.ID = tx.state.nextID()
	stored := *run
	stored.Data = model.CloneDocument(run.Data)
	stored.Metadata = model.CloneDocument(run.Metadata)
	tx.state.runs[run.ID] = stored
	return nil
}

func (tx *memTx) GetRun(_ context.Context, id int64) (*model.Run, error) {
	r, ok := tx.state.runs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "run %d", id)
	}
	r.Data = model.CloneDocument(r.Data)
	r.Metadata = model.CloneDocument(r.Metadata)
	return &r, nil
}

func (tx *memTx) SetRunTrashed(_ context.Context, id int64, trashed bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	r, ok := tx.state.runs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "run %d", id)
	}
	r.Trashed = trashed
	tx.state.runs[id] = r
	return nil
}

func (tx *memTx) DeleteRun(_ context.Context, id int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.runs[id]; !ok {
		return eris.Wrapf(ErrNotFound, "run %d", id)
	}
	for _, ds := range tx.state.datasets {
		if ds.RunID == id {
			return eris.Errorf("memory: run %d still has dataset %d", id, ds.ID)
		}
	}
	delete(tx.state.runs, id)
	return nil
}

func (tx *memTx) InsertDataset(_ context.Context, ds *model.Dataset) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.runs[ds.RunID]; !ok {
		return eris.Wrapf(ErrNotFound, "run %d", ds.RunID)
	}
	for _, other := range tx.state.datasets {
		if other.RunID == ds.RunID && other.Ordinal == ds.Ordinal {
			return eris.Errorf("memory: dataset (%d, %d) already exists", ds.RunID, ds.Ordinal)
		}
	}
	ds.ID = tx.state.nextID()
	stored := *ds
	stored.Data = model.CloneDocument(ds.Data).([]any)
	tx.state.datasets[ds.ID] = stored
	return nil
}

func (tx *memTx) GetDataset(_ context.Context, id int64) (*model.Dataset, error) {
	ds, ok := tx.state.datasets[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "dataset %d", id)
	}
	ds.Data = model.CloneDocument(ds.Data).([]any)
	return &ds, nil
}

func (tx *memTx) DatasetsByRun(_ context.Context, runID int64) ([]model.Dataset, error) {
	var out []model.Dataset
	for _, ds := range tx.state.datasets {
		if ds.RunID == runID {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return model.CloneDatasets(out), nil
}

func (tx *memTx) DatasetsByTest(_ context.Context, testID int64, from, to *time.Time) ([]model.Dataset, error) {
	var out []model.Dataset
	for _, ds := range tx.state.datasets {
		if ds.TestID != testID {
			continue
		}
		if from != nil && ds.Start.Before(*from) {
			continue
		}
		if to != nil && ds.Start.After(*to) {
			continue
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return model.CloneDatasets(out), nil
}

func (tx *memTx) DeleteDatasets(_ context.Context, ids []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	set := idSet(ids)
	for _, dp := range tx.state.datapoints {
		if set[dp.DatasetID] {
			return eris.Errorf("memory: dataset %d still has data point %d", dp.DatasetID, dp.ID)
		}
	}
	for dsID := range tx.state.fingerprints {
		if set[dsID] {
			return eris.Errorf("memory: dataset %d still has a fingerprint", dsID)
		}
	}
	for id := range set {
		delete(tx.state.datasets, id)
	}
	return nil
}

func (tx *memTx) UpsertFingerprints(_ context.Context, fps []*model.Fingerprint) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, fp := range fps {
		if _, ok := tx.state.datasets[fp.DatasetID]; !ok {
			return eris.Wrapf(ErrNotFound, "dataset %d", fp.DatasetID)
		}
		stored := *fp
		if fp.Value != nil {
			stored.Value = model.CloneDocument(fp.Value).(map[string]any)
		}
		tx.state.fingerprints[fp.DatasetID] = stored
	}
	return nil
}

func (tx *memTx) GetFingerprint(_ context.Context, datasetID int64) (*model.Fingerprint, error) {
	fp, ok := tx.state.fingerprints[datasetID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "fingerprint of dataset %d", datasetID)
	}
	return &fp, nil
}

func (tx *memTx) DeleteFingerprints(_ context.Context, datasetIDs []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, id := range datasetIDs {
		delete(tx.state.fingerprints, id)
	}
	return nil
}

func (tx *memTx) InsertDataPoints(_ context.Context, dps []*model.DataPoint) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, dp := range dps {
		if _, ok := tx.state.datasets[dp.DatasetID]; !ok {
			return eris.Wrapf(ErrNotFound, "dataset %d", dp.DatasetID)
		}
		dp.ID = tx.state.nextID()
		tx.state.datapoints[dp.ID] = *dp
	}
	return nil
}

func (tx *memTx) seriesKey(datasetID int64) string {
	if fp, ok := tx.state.fingerprints[datasetID]; ok {
		return fp.Key
	}
	return ""
}

func (tx *memTx) DataPointsBySeries(_ context.Context, variableID int64, fingerprint string) ([]model.DataPoint, error) {
	var out []model.DataPoint
	for _, dp := range tx.state.datapoints {
		if dp.VariableID == variableID && tx.seriesKey(dp.DatasetID) == fingerprint {
			out = append(out, dp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

func (tx *memTx) DataPointsByDatasets(_ context.Context, datasetIDs []int64) ([]model.DataPoint, error) {
	set := idSet(datasetIDs)
	var out []model.DataPoint
	for _, dp := range tx.state.datapoints {
		if set[dp.DatasetID] {
			out = append(out, dp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) DeleteDataPoints(_ context.Context, ids []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	set := idSet(ids)
	for _, c := range tx.state.changes {
		if set[c.DataPointID] {
			return eris.Errorf("memory: data point %d still has change %d", c.DataPointID, c.ID)
		}
	}
	for id := range set {
		delete(tx.state.datapoints, id)
	}
	return nil
}

func (tx *memTx) InsertChange(_ context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.datapoints[c.DataPointID]; !ok {
		return eris.Wrapf(ErrNotFound, "data point %d", c.DataPointID)
	}
	c.ID = tx.state.nextID()
	tx.state.changes[c.ID] = *c
	return nil
}

func (tx *memTx) GetChange(_ context.Context, id int64) (*model.Change, error) {
	c, ok := tx.state.changes[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "change %d", id)
	}
	return &c, nil
}

func (tx *memTx) ChangesBySeries(_ context.Context, variableID int64, fingerprint string) ([]model.Change, error) {
	var out []model.Change
	for _, c := range tx.state.changes {
		if c.VariableID == variableID && tx.seriesKey(c.DatasetID) == fingerprint {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out, nil
}

func (tx *memTx) ChangesByDataPoints(_ context.Context, dataPointIDs []int64) ([]model.Change, error) {
	set := idSet(dataPointIDs)
	var out []model.Change
	for _, c := range tx.state.changes {
		if set[c.DataPointID] {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out, nil
}

func (tx *memTx) UpdateChange(_ context.Context, c *model.Change) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.state.changes[c.ID]; !ok {
		return eris.Wrapf(ErrNotFound, "change %d", c.ID)
	}
	tx.state.changes[c.ID] = *c
	return nil
}

func (tx *memTx) DeleteChanges(_ context.Context, ids []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(tx.state.changes, id)
	}
	return nil
}

func (tx *memTx) AppendLogs(_ context.Context, entries []model.LogEntry) error {
	if err := tx.check(); err != nil {
		return err
	}
	for _, e := range entries {
		e.ID = tx.state.nextID()
		tx.state.logs = append(tx.state.logs, e)
	}
	return nil
}

func (tx *memTx) DeleteLogs(_ context.Context, source model.LogSource, runID int64, datasetIDs []int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	set := idSet(datasetIDs)
	kept := tx.state.logs[:0:0]
	for _, e := range tx.state.logs {
		drop := e.Source == source && ((runID != 0 && e.RunID == runID && e.DatasetID == 0) || set[e.DatasetID])
		if !drop {
			kept = append(kept, e)
		}
	}
	tx.state.logs = kept
	return nil
}

func sortChanges(cs []model.Change) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.Before(cs[j].Timestamp)
		}
		return cs[i].DatasetID < cs[j].DatasetID
	})
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
