package detect

import (
	"context"

	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/store"
)

// Series identifies one detection history: a variable restricted to one
// fingerprint.
type Series struct {
	TestID      int64
	Variable    *model.Variable
	Fingerprint string
}

// Engine inserts data points into their series and classifies them.
type Engine struct {
	reg     *Registry
	bus     events.Bus
	metrics *metrics.Metrics
}

// NewEngine creates an Engine.
func NewEngine(reg *Registry, bus events.Bus, m *metrics.Metrics) *Engine {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Engine{reg: reg, bus: bus, metrics: m}
}

// Registry returns the model registry the engine dispatches through.
func (e *Engine) Registry() *Registry { return e.reg }

// Insert persists data points without classifying them. Callers rebuilding a
// series insert all of its points first and then call Classify once.
func (e *Engine) Insert(ctx context.Context, tx store.Tx, s Series, dps []*model.DataPoint, notify bool) error {
	if err := tx.InsertDataPoints(ctx, dps); err != nil {
		return err
	}
	for _, dp := range dps {
		ev := events.DataPointCreated{DataPoint: *dp, TestID: s.TestID, Fingerprint: s.Fingerprint, Notify: notify}
		e.afterCommit(ctx, tx, ev)
		e.metrics.DataPointCreated()
	}
	return nil
}

// Record inserts one data point and classifies it. When it lands before
// existing points of the series, every later point is classified again so
// that arrival order never changes the outcome.
func (e *Engine) Record(ctx context.Context, tx store.Tx, s Series, dp *model.DataPoint, notify bool) error {
	if err := e.Insert(ctx, tx, s, []*model.DataPoint{dp}, notify); err != nil {
		return err
	}
	return e.Classify(ctx, tx, s, dp, notify)
}

// Classify runs the series' model over its points starting at from, or over
// the whole series when from is nil. Unconfirmed changes at or after the
// starting position are dropped first; confirmed ones are kept.
func (e *Engine) Classify(ctx context.Context, tx store.Tx, s Series, from *model.DataPoint, notify bool) error {
	v := s.Variable
	if v.ChangeDetection == nil {
		return nil
	}
	log := zap.L().With(
		zap.String("component", "detect"),
		zap.Int64("variable_id", v.ID),
		zap.String("fingerprint", s.Fingerprint),
	)
	m, err := e.reg.Build(v.ChangeDetection)
	if err != nil {
		// malformed configs were rejected on registration; here they mean no verdict
		log.Warn("detect: skipping series with invalid config", zap.Error(err))
		return nil
	}

	points, err := tx.DataPointsBySeries(ctx, v.ID, s.Fingerprint)
	if err != nil {
		return err
	}
	start := 0
	if from != nil {
		start = position(points, from)
	}
	if start >= len(points) {
		return nil
	}

	changes, err := tx.ChangesBySeries(ctx, v.ID, s.Fingerprint)
	if err != nil {
		return err
	}
	index := make(map[int64]int, len(points))
	for i := range points {
		index[points[i].ID] = i
	}

	// changeAt[i] marks points carrying a change that survives this pass
	changeAt := make([]bool, len(points))
	var stale []int64
	for _, c := range changes {
		i, ok := index[c.DataPointID]
		if !ok {
			continue
		}
		if i >= start && !c.Confirmed {
			stale = append(stale, c.ID)
			continue
		}
		changeAt[i] = true
	}
	if err := tx.DeleteChanges(ctx, stale); err != nil {
		return err
	}

	values := make([]float64, len(points))
	for i := range points {
		values[i] = points[i].Value
	}

	base := 0
	for i := 0; i < start; i++ {
		if changeAt[i] {
			base = i
		}
	}
	for i := start; i < len(points); i++ {
		if changeAt[i] {
			base = i
			continue
		}
		verdict, err := m.Evaluate(values[base:i], values[i])
		if err != nil {
			log.Warn("detect: model failed", zap.Int64("datapoint_id", points[i].ID), zap.Error(err))
			continue
		}
		if !verdict.Change {
			continue
		}
		dp := points[i]
		c := &model.Change{
			VariableID:  v.ID,
			DatasetID:   dp.DatasetID,
			DataPointID: dp.ID,
			Timestamp:   dp.Timestamp,
			Description: verdict.Description,
		}
		if err := tx.InsertChange(ctx, c); err != nil {
			return err
		}
		changeAt[i] = true
		base = i
		e.metrics.ChangeDetected(v.ChangeDetection.Model)
		e.afterCommit(ctx, tx, events.ChangeCreated{
			Change:      *c,
			TestID:      s.TestID,
			Variable:    v.Name,
			Fingerprint: s.Fingerprint,
			Model:       v.ChangeDetection.Model,
			Notify:      notify,
		})
	}
	return nil
}

// Confirm marks a change as confirmed so later reclassification keeps it.
// A non-empty description replaces the generated one.
func (e *Engine) Confirm(ctx context.Context, tx store.Tx, changeID int64, description string) (*model.Change, error) {
	c, err := tx.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	c.Confirmed = true
	if description != "" {
		c.Description = description
	}
	if err := tx.UpdateChange(ctx, c); err != nil {
		return nil, err
	}
	zap.L().Debug("detect: change confirmed", zap.Int64("change_id", c.ID), zap.Int64("variable_id", c.VariableID))
	return c, nil
}

// position returns the index of dp in the time-ordered points.
func position(points []model.DataPoint, dp *model.DataPoint) int {
	for i := range points {
		if points[i].ID == dp.ID || !points[i].Before(dp) {
			return i
		}
	}
	return len(points)
}

func (e *Engine) afterCommit(ctx context.Context, tx store.Tx, ev events.Event) {
	ctx = context.WithoutCancel(ctx)
	tx.AfterCommit(func() { e.bus.Publish(ctx, ev) })
}
