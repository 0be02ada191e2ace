package model

import "time"

// Dataset is one normalized view derived from a run. Data holds the ordered
// schema-tagged fragments.
type Dataset struct {
	ID          int64     `json:"id"`
	RunID       int64     `json:"run_id"`
	TestID      int64     `json:"test_id"`
	Ordinal     int       `json:"ordinal"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Description string    `json:"description,omitempty"`
	Data        []any     `json:"data"`
}

// Fingerprint is the grouping key of a dataset. Key is the canonical JSON
// encoding of Value; equal keys share a detection series.
type Fingerprint struct {
	DatasetID int64          `json:"dataset_id"`
	TestID    int64          `json:"test_id"`
	Value     map[string]any `json:"value"`
	Key       string         `json:"key"`
}
