package model

import (
	"encoding/json"
	"time"
)

// ChangeDetection selects a detection model and its opaque configuration.
type ChangeDetection struct {
	Model  string          `json:"model" yaml:"model"`
	Config json.RawMessage `json:"config" yaml:"-"`
}

// Variable is a monitored metric of a test.
type Variable struct {
	ID                  int64            `json:"id" yaml:"id"`
	TestID              int64            `json:"test_id" yaml:"test"`
	Name                string           `json:"name" yaml:"name"`
	Group               string           `json:"group,omitempty" yaml:"group"`
	Order               int              `json:"order" yaml:"order"`
	Labels              []string         `json:"labels" yaml:"labels"`
	CalculationFunction string           `json:"calculation,omitempty" yaml:"calculation"`
	ChangeDetection     *ChangeDetection `json:"change_detection,omitempty" yaml:"-"`
}

// DataPoint is one observation of a variable for one dataset.
type DataPoint struct {
	ID         int64     `json:"id"`
	VariableID int64     `json:"variable_id"`
	DatasetID  int64     `json:"dataset_id"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
}

// Before orders data points by timestamp, breaking ties by dataset.
func (dp *DataPoint) Before(other *DataPoint) bool {
	if !dp.Timestamp.Equal(other.Timestamp) {
		return dp.Timestamp.Before(other.Timestamp)
	}
	return dp.DatasetID < other.DatasetID
}

// Change marks the data point where a detection model flagged a deviation.
type Change struct {
	ID          int64     `json:"id"`
	VariableID  int64     `json:"variable_id"`
	DatasetID   int64     `json:"dataset_id"`
	DataPointID int64     `json:"datapoint_id"`
	Timestamp   time.Time `json:"timestamp"`
	Confirmed   bool      `json:"confirmed"`
	Description string    `json:"description,omitempty"`
}
