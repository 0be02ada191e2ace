// Package events defines the announcements the derivation pipeline publishes
// and an in-process bus to deliver them.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/model"
)

// Kind identifies the kind of event.
type Kind string

const (
	KindDatasetCreated   Kind = "dataset-created"
	KindDataPointCreated Kind = "datapoint-created"
	KindDataPointDeleted Kind = "datapoint-deleted"
	KindChangeCreated    Kind = "change-created"
	KindMissingValues    Kind = "missing-values"
)

// Event is implemented by every announcement.
type Event interface {
	Kind() Kind
}

// DatasetCreated is published once per dataset after the replacement of its
// run's dataset set commits.
type DatasetCreated struct {
	DatasetID       int64 `json:"dataset_id"`
	RunID           int64 `json:"run_id"`
	TestID          int64 `json:"test_id"`
	IsRecalculation bool  `json:"is_recalculation"`
}

func (DatasetCreated) Kind() Kind { return KindDatasetCreated }

// DataPointCreated announces a persisted data point.
type DataPointCreated struct {
	DataPoint   model.DataPoint `json:"datapoint"`
	TestID      int64           `json:"test_id"`
	Fingerprint string          `json:"fingerprint"`
	Notify      bool            `json:"notify"`
}

func (DataPointCreated) Kind() Kind { return KindDataPointCreated }

// DataPointDeleted announces removal of a data point during a rebuild.
type DataPointDeleted struct {
	DataPointID int64 `json:"datapoint_id"`
	VariableID  int64 `json:"variable_id"`
	DatasetID   int64 `json:"dataset_id"`
}

func (DataPointDeleted) Kind() Kind { return KindDataPointDeleted }

// ChangeCreated announces a detected change.
type ChangeCreated struct {
	Change      model.Change `json:"change"`
	TestID      int64        `json:"test_id"`
	Variable    string       `json:"variable"`
	Fingerprint string       `json:"fingerprint"`
	Model       string       `json:"model"`
	Notify      bool         `json:"notify"`
}

func (ChangeCreated) Kind() Kind { return KindChangeCreated }

// MissingValues lists the variables of a dataset that produced no value.
type MissingValues struct {
	DatasetID int64    `json:"dataset_id"`
	RunID     int64    `json:"run_id"`
	TestID    int64    `json:"test_id"`
	Variables []string `json:"variables"`
}

func (MissingValues) Kind() Kind { return KindMissingValues }

// Bus delivers events to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event)
}

// Handler receives published events.
type Handler func(ctx context.Context, ev Event)

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(h Handler) (unsubscribe func())
}

// Local is a synchronous in-process Bus. Handlers run on the publishing
// goroutine in subscription order, which keeps per-publisher ordering.
type Local struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int
}

// NewLocal creates an empty Local bus.
func NewLocal() *Local {
	return &Local{handlers: map[int]Handler{}}
}

// Subscribe registers h and returns a function that removes it.
func (b *Local) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish implements Bus.
func (b *Local) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, ev)
	}
}

// Discard is a Bus that drops every event.
type Discard struct{}

// Publish implements Bus.
func (Discard) Publish(context.Context, Event) {}

// LogChanges returns a Handler that writes detected changes and missing
// values to the global logger.
func LogChanges() Handler {
	return func(_ context.Context, ev Event) {
		switch e := ev.(type) {
		case ChangeCreated:
			if !e.Notify {
				return
			}
			zap.L().Info("events: change detected",
				zap.Int64("test_id", e.TestID),
				zap.String("variable", e.Variable),
				zap.String("fingerprint", e.Fingerprint),
				zap.String("model", e.Model),
				zap.Int64("dataset_id", e.Change.DatasetID),
				zap.String("description", e.Change.Description),
			)
		case MissingValues:
			zap.L().Warn("events: missing values",
				zap.Int64("dataset_id", e.DatasetID),
				zap.Strings("variables", e.Variables),
			)
		}
	}
}
