// Package runlog collects diagnostics for a run, dataset or test so they can
// be persisted alongside the derived data they describe.
package runlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/benchtrack/benchtrack/internal/model"
)

// Writer persists log entries.
type Writer interface {
	AppendLogs(ctx context.Context, entries []model.LogEntry) error
}

// Logger buffers entries for one subject and mirrors them to zap.
type Logger struct {
	mu      sync.Mutex
	base    model.LogEntry
	entries []model.LogEntry
	zl      *zap.Logger
	now     func() time.Time
}

// New creates a Logger for diagnostics of the given source.
func New(source model.LogSource, testID, runID int64) *Logger {
	return &Logger{
		base: model.LogEntry{Source: source, TestID: testID, RunID: runID},
		zl: zap.L().With(
			zap.String("component", string(source)),
			zap.Int64("test_id", testID),
			zap.Int64("run_id", runID),
		),
		now: time.Now,
	}
}

// ForDataset returns an empty Logger whose entries are tied to a dataset.
func (l *Logger) ForDataset(datasetID int64) *Logger {
	base := l.base
	base.DatasetID = datasetID
	return &Logger{
		base: base,
		zl:   l.zl.With(zap.Int64("dataset_id", datasetID)),
		now:  l.now,
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.add(model.LogDebug, format, args) }
func (l *Logger) Infof(format string, args ...any)  { l.add(model.LogInfo, format, args) }
func (l *Logger) Warnf(format string, args ...any)  { l.add(model.LogWarn, format, args) }
func (l *Logger) Errorf(format string, args ...any) { l.add(model.LogError, format, args) }

func (l *Logger) add(level model.LogLevel, format string, args []any) {
	msg := fmt.Sprintf(format, args...)
	e := l.base
	e.Level = level
	e.Message = msg
	e.Timestamp = l.now().UTC()

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	var zl zapcore.Level
	switch level {
	case model.LogDebug:
		zl = zapcore.DebugLevel
	case model.LogInfo:
		zl = zapcore.InfoLevel
	case model.LogWarn:
		zl = zapcore.WarnLevel
	default:
		zl = zapcore.ErrorLevel
	}
	if ce := l.zl.Check(zl, msg); ce != nil {
		ce.Write()
	}
}

// Entries returns a copy of the buffered entries.
func (l *Logger) Entries() []model.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.LogEntry(nil), l.entries...)
}

// Count returns the number of buffered entries at or above level.
func (l *Logger) Count(level model.LogLevel) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Level >= level {
			n++
		}
	}
	return n
}

// Flush writes the buffered entries and clears the buffer.
func (l *Logger) Flush(ctx context.Context, w Writer) error {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	if err := w.AppendLogs(ctx, entries); err != nil {
		return eris.Wrap(err, "runlog: flush")
	}
	return nil
}
