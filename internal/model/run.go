package model

import "time"

// Run is one uploaded benchmark-result document.
type Run struct {
	ID          int64     `json:"id"`
	TestID      int64     `json:"test_id"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Description string    `json:"description,omitempty"`
	Data        any       `json:"data"`
	Metadata    any       `json:"metadata,omitempty"` // array of schema-tagged fragments, or nil
	Trashed     bool      `json:"trashed"`
}

// Test is the portion of a test's configuration consulted while deriving
// data points.
type Test struct {
	ID                int64    `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	FingerprintLabels []string `json:"fingerprint_labels,omitempty" yaml:"fingerprint_labels"`
	FingerprintFilter string   `json:"fingerprint_filter,omitempty" yaml:"fingerprint_filter"`
	TimelineLabels    []string `json:"timeline_labels,omitempty" yaml:"timeline_labels"`
	TimelineFunction  string   `json:"timeline_function,omitempty" yaml:"timeline_function"`
	TransformerIDs    []int64  `json:"transformer_ids,omitempty" yaml:"transformers"`
}

// UsesTransformer reports whether the test has the transformer enabled.
func (t *Test) UsesTransformer(id int64) bool {
	for _, tid := range t.TransformerIDs {
		if tid == id {
			return true
		}
	}
	return false
}

// LogSource identifies the stage that produced a LogEntry.
type LogSource string

const (
	LogSourceTransformation LogSource = "transformation"
	LogSourceVariables      LogSource = "variables"
)

// LogLevel mirrors the persisted severity of a LogEntry.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	default:
		return "error"
	}
}

// LogEntry is a diagnostic attached to a run, dataset or test.
type LogEntry struct {
	ID        int64     `json:"id"`
	Source    LogSource `json:"source"`
	TestID    int64     `json:"test_id"`
	RunID     int64     `json:"run_id,omitempty"`
	DatasetID int64     `json:"dataset_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
