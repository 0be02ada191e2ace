package pipeline

import (
	"context"
	"errors"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/detect"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/store"
)

// classification collects the series a unit touches so that each is
// classified once, after all of its new points are stored. Classifying a
// series more than once per unit could announce a change that a later pass
// in the same unit deletes.
type classification struct {
	testID int64
	order  []dataset.SeriesRef
	items  map[dataset.SeriesRef]*pendingSeries
}

type pendingSeries struct {
	series detect.Series
	points []*model.DataPoint
	// earliest new point; ignored when whole is set
	from   *model.DataPoint
	whole  bool
	notify bool
}

func newClassification(testID int64) *classification {
	return &classification{testID: testID, items: map[dataset.SeriesRef]*pendingSeries{}}
}

func (c *classification) entry(v *model.Variable, fingerprint string) *pendingSeries {
	ref := dataset.SeriesRef{VariableID: v.ID, Fingerprint: fingerprint}
	e, ok := c.items[ref]
	if !ok {
		e = &pendingSeries{series: detect.Series{TestID: c.testID, Variable: v, Fingerprint: fingerprint}}
		c.items[ref] = e
		c.order = append(c.order, ref)
	}
	return e
}

// add schedules dp for insertion and classification from its position.
func (c *classification) add(v *model.Variable, fingerprint string, dp *model.DataPoint, notify bool) {
	e := c.entry(v, fingerprint)
	e.points = append(e.points, dp)
	if e.from == nil || dp.Before(e.from) {
		e.from = dp
	}
	e.notify = e.notify || notify
}

// wholeSeries schedules a silent classification of an entire series.
func (c *classification) wholeSeries(v *model.Variable, fingerprint string) {
	c.entry(v, fingerprint).whole = true
}

// removed schedules the series that lost points. Variables no longer
// defined are skipped.
func (p *Pipeline) removed(ctx context.Context, c *classification, refs []dataset.SeriesRef) error {
	for _, ref := range refs {
		v, err := p.cat.Variable(ctx, ref.VariableID)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		c.wholeSeries(v, ref.Fingerprint)
	}
	return nil
}

// classify inserts the pending points of every series and classifies it.
// A series scheduled whole is classified silently from its first point,
// since its earlier verdicts are recomputed rather than new.
func (p *Pipeline) classify(ctx context.Context, tx store.Tx, c *classification) error {
	for _, ref := range c.order {
		e := c.items[ref]
		if len(e.points) > 0 {
			if err := p.engine.Insert(ctx, tx, e.series, e.points, e.notify && !e.whole); err != nil {
				return err
			}
		}
		from, notify := e.from, e.notify
		if e.whole {
			from, notify = nil, false
		}
		if err := p.engine.Classify(ctx, tx, e.series, from, notify); err != nil {
			return err
		}
	}
	return nil
}

// reclassify reruns detection over whole series.
func (p *Pipeline) reclassify(ctx context.Context, tx store.Tx, testID int64, series []dataset.SeriesRef) error {
	c := newClassification(testID)
	if err := p.removed(ctx, c, series); err != nil {
		return err
	}
	return p.classify(ctx, tx, c)
}
