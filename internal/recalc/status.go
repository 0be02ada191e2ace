package recalc

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the work a job performs.
type Kind string

const (
	KindRun        Kind = "run"
	KindDataset    Kind = "dataset"
	KindDataPoints Kind = "datapoints"
	// KindScan streams runs and queues a KindRun job for each.
	KindScan Kind = "scan"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// JobStatus describes one queued unit of work.
type JobStatus struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	Key      int64     `json:"key"`
	State    State     `json:"state"`
	Error    string    `json:"error,omitempty"`
	Queued   time.Time `json:"queued"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
	// Result is set by scan jobs once they finish.
	Result any `json:"result,omitempty"`
}

// DatasetsStatus reports the progress of a test-wide dataset recalculation.
// Total grows while the scan is still queuing runs.
type DatasetsStatus struct {
	TestID   int64     `json:"test_id"`
	JobID    uuid.UUID `json:"job_id"`
	Scanning bool      `json:"scanning"`
	Total    int       `json:"total"`
	Finished int       `json:"finished"`
	Failed   int       `json:"failed"`
}

// Done reports whether the scan ended and every queued run was processed.
func (s DatasetsStatus) Done() bool { return !s.Scanning && s.Finished+s.Failed >= s.Total }

// DataPointsStatus reports the progress of a test's data-point rebuild.
type DataPointsStatus struct {
	TestID   int64     `json:"test_id"`
	JobID    uuid.UUID `json:"job_id"`
	Total    int       `json:"total"`
	Finished int       `json:"finished"`
	Done     bool      `json:"done"`
	Error    string    `json:"error,omitempty"`
}

// RangeSummary is the outcome of a range or schema recalculation scan.
type RangeSummary struct {
	Queued  int `json:"queued"`
	Trashed int `json:"trashed"`
	Failed  int `json:"failed"`
}
