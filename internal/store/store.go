package store

import (
	"context"
	"errors"
	"time"

	"github.com/benchtrack/benchtrack/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrTxDone is returned when a transaction handle is used after its unit
// finished.
var ErrTxDone = errors.New("store: transaction already finished")

// RunFilter selects runs for streaming scans.
type RunFilter struct {
	TestID    int64      `json:"test_id,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Trashed   *bool      `json:"trashed,omitempty"`
	BatchSize int        `json:"batch_size,omitempty"`
}

// Match reports whether r satisfies the filter.
func (f RunFilter) Match(r *model.Run) bool {
	if f.TestID != 0 && r.TestID != f.TestID {
		return false
	}
	if f.From != nil && r.Start.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Start.After(*f.To) {
		return false
	}
	if f.Trashed != nil && r.Trashed != *f.Trashed {
		return false
	}
	return true
}

// RunRef is the projection yielded by run scans.
type RunRef struct {
	ID     int64
	TestID int64
	Start  time.Time
}

// Tx is the set of operations available inside a unit of work. Every
// mutation of derived state goes through a Tx so that readers never observe
// a partially replaced unit.
type Tx interface {
	// Runs
	InsertRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id int64) (*model.Run, error)
	SetRunTrashed(ctx context.Context, id int64, trashed bool) error
	DeleteRun(ctx context.Context, id int64) error

	// Datasets
	InsertDataset(ctx context.Context, ds *model.Dataset) error
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
	DatasetsByRun(ctx context.Context, runID int64) ([]model.Dataset, error)
	DatasetsByTest(ctx context.Context, testID int64, from, to *time.Time) ([]model.Dataset, error)
	DeleteDatasets(ctx context.Context, ids []int64) error

	// Fingerprints
	UpsertFingerprints(ctx context.Context, fps []*model.Fingerprint) error
	GetFingerprint(ctx context.Context, datasetID int64) (*model.Fingerprint, error)
	DeleteFingerprints(ctx context.Context, datasetIDs []int64) error

	// Data points
	InsertDataPoints(ctx context.Context, dps []*model.DataPoint) error
	DataPointsBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.DataPoint, error)
	DataPointsByDatasets(ctx context.Context, datasetIDs []int64) ([]model.DataPoint, error)
	DeleteDataPoints(ctx context.Context, ids []int64) error

	// Changes
	InsertChange(ctx context.Context, c *model.Change) error
	GetChange(ctx context.Context, id int64) (*model.Change, error)
	ChangesBySeries(ctx context.Context, variableID int64, fingerprint string) ([]model.Change, error)
	ChangesByDataPoints(ctx context.Context, dataPointIDs []int64) ([]model.Change, error)
	UpdateChange(ctx context.Context, c *model.Change) error
	DeleteChanges(ctx context.Context, ids []int64) error

	// Logs
	AppendLogs(ctx context.Context, entries []model.LogEntry) error
	DeleteLogs(ctx context.Context, source model.LogSource, runID int64, datasetIDs []int64) error

	// AfterCommit registers fn to run once the unit has committed. It never
	// runs for a unit that rolls back.
	AfterCommit(fn func())
}

// Store provides transactional units and streaming reads.
type Store interface {
	// InTx runs fn in one unit of work. The unit commits if fn returns nil
	// and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ScanRuns streams runs matching filter ordered by start time, reading
	// at most filter.BatchSize rows at a time. Returning an error from fn
	// stops the scan.
	ScanRuns(ctx context.Context, filter RunFilter, fn func(RunRef) error) error

	// Logs lists persisted diagnostics, most recent last.
	Logs(ctx context.Context, source model.LogSource, testID, runID int64) ([]model.LogEntry, error)

	Migrate(ctx context.Context) error
	Close() error
}
