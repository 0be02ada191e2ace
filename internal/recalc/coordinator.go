// Package recalc keeps derived datasets, data points and changes consistent
// with the definitions they were computed from. Work is serialized per run
// and per test, queued with backpressure and processed by a worker pool.
package recalc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/detect"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/pipeline"
	"github.com/benchtrack/benchtrack/internal/resilience"
	"github.com/benchtrack/benchtrack/internal/store"
)

var (
	// ErrQueueFull is returned when a job cannot be queued without waiting.
	ErrQueueFull = errors.New("recalc: queue is full")

	// ErrInvalidRange rejects a time range that is open or reversed.
	ErrInvalidRange = errors.New("recalc: invalid time range")

	// ErrClosed is returned once the coordinator stopped accepting work.
	ErrClosed = errors.New("recalc: coordinator closed")
)

// Config sizes the worker pool and its queue.
type Config struct {
	Workers    int
	QueueSize  int
	ScanBatch  int
	RatePerSec float64
	Retry      resilience.RetryConfig
	// StatusSize bounds how many finished jobs stay queryable.
	StatusSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = 100
	}
	if c.StatusSize <= 0 {
		c.StatusSize = 4096
	}
	return c
}

type job struct {
	status *JobStatus
	run    func(ctx context.Context) error
}

// Coordinator schedules recalculations.
type Coordinator struct {
	pipe    *pipeline.Pipeline
	reg     *detect.Registry
	cfg     Config
	locks   *KeyedMutex
	jobs    chan job
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu         sync.Mutex
	closed     bool
	inflight   int
	idle       chan struct{}
	statuses   *lru.Cache[uuid.UUID, *JobStatus]
	datasets   map[int64]*DatasetsStatus
	datapoints map[int64]*DataPointsStatus

	startOnce sync.Once
	base      context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New creates a Coordinator and installs it as the pipeline's dataset
// queue. Call Start before queuing work.
func New(pipe *pipeline.Pipeline, reg *detect.Registry, cfg Config, m *metrics.Metrics) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	statuses, err := lru.New[uuid.UUID, *JobStatus](cfg.StatusSize)
	if err != nil {
		return nil, eris.Wrap(err, "recalc: status cache")
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	idle := make(chan struct{})
	close(idle)
	c := &Coordinator{
		pipe:       pipe,
		reg:        reg,
		cfg:        cfg,
		locks:      NewKeyedMutex(),
		jobs:       make(chan job, cfg.QueueSize),
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
		idle:       idle,
		base:       context.Background(),
		statuses:   statuses,
		datasets:   map[int64]*DatasetsStatus{},
		datapoints: map[int64]*DataPointsStatus{},
	}
	pipe.SetQueue(c)
	return c, nil
}

// Start launches the workers. They stop when ctx is canceled or Close is
// called.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.mu.Lock()
		c.base = ctx
		c.mu.Unlock()
		g, gctx := errgroup.WithContext(ctx)
		for range c.cfg.Workers {
			g.Go(func() error {
				c.work(gctx)
				return nil
			})
		}
		c.group = g
		zap.L().Info("recalc: workers started", zap.Int("workers", c.cfg.Workers), zap.Int("queue_size", c.cfg.QueueSize))
	})
}

// Drain waits until every queued job has finished.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "recalc: drain")
	}
}

// Close stops accepting work, waits for queued jobs within ctx and stops
// the workers.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Drain(ctx)
	if c.cancel != nil {
		c.cancel()
		_ = c.group.Wait()
	}
	return err
}

func (c *Coordinator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			c.metrics.QueueDepth(len(c.jobs))
			c.execute(ctx, j)
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, j job) {
	log := zap.L().With(
		zap.String("component", "recalc"),
		zap.String("job_id", j.status.ID.String()),
		zap.String("kind", string(j.status.Kind)),
		zap.Int64("key", j.status.Key),
	)
	c.setState(j.status, StateRunning, nil)

	start := time.Now()
	err := runJob(ctx, j)
	c.metrics.JobDone(string(j.status.Kind), err)
	if err != nil {
		c.setState(j.status, StateFailed, err)
		log.Error("recalc: job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	} else {
		c.setState(j.status, StateDone, nil)
		log.Debug("recalc: job done", zap.Duration("elapsed", time.Since(start)))
	}
	c.finish()
}

// runJob turns a panic in a job into its failure so the worker survives.
func runJob(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("recalc: job panicked: %v", r)
		}
	}()
	return j.run(ctx)
}

func (c *Coordinator) setState(s *JobStatus, state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.State = state
	switch state {
	case StateRunning:
		s.Started = time.Now().UTC()
	case StateDone, StateFailed:
		s.Finished = time.Now().UTC()
	}
	if err != nil {
		s.Error = err.Error()
	}
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// submit queues fn. With wait set it blocks for room in the queue;
// otherwise a full queue yields ErrQueueFull.
func (c *Coordinator) submit(ctx context.Context, kind Kind, key int64, wait bool, fn func(ctx context.Context) error) (uuid.UUID, error) {
	status := &JobStatus{ID: uuid.New(), Kind: kind, Key: key, State: StateQueued, Queued: time.Now().UTC()}
	j := job{status: status, run: fn}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	c.statuses.Add(status.ID, status)
	c.mu.Unlock()

	var err error
	if wait {
		select {
		case c.jobs <- j:
		case <-ctx.Done():
			err = eris.Wrap(ctx.Err(), "recalc: enqueue")
		}
	} else {
		select {
		case c.jobs <- j:
		default:
			err = ErrQueueFull
		}
	}
	if err != nil {
		c.mu.Lock()
		c.statuses.Remove(status.ID)
		c.mu.Unlock()
		c.finish()
		return uuid.Nil, err
	}
	c.metrics.QueueDepth(len(c.jobs))
	return status.ID, nil
}

// background runs fn as a tracked job on its own goroutine rather than on a
// worker, so a scan waiting for queue room never holds a worker. The job
// outlives the request that started it and stops with the coordinator.
func (c *Coordinator) background(kind Kind, key int64, fn func(ctx context.Context) (any, error)) (uuid.UUID, error) {
	status := &JobStatus{ID: uuid.New(), Kind: kind, Key: key, State: StateQueued, Queued: time.Now().UTC()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	c.statuses.Add(status.ID, status)
	ctx := c.base
	c.mu.Unlock()

	j := job{status: status, run: func(ctx context.Context) error {
		result, err := fn(ctx)
		c.mu.Lock()
		status.Result = result
		c.mu.Unlock()
		return err
	}}
	go c.execute(ctx, j)
	return status.ID, nil
}

// Job returns a snapshot of a job's status.
func (c *Coordinator) Job(id uuid.UUID) (JobStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses.Get(id)
	if !ok {
		return JobStatus{}, false
	}
	return *s, true
}

// Upload stores a run and derives it synchronously.
func (c *Coordinator) Upload(ctx context.Context, req pipeline.UploadRequest) (*model.Run, []model.Dataset, error) {
	run, err := c.pipe.Ingest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	datasets, err := c.processRun(ctx, run.ID, false)
	if err != nil {
		return run, nil, err
	}
	return run, datasets, nil
}

// RecalculateRun derives a run's datasets again and returns their ids.
func (c *Coordinator) RecalculateRun(ctx context.Context, runID int64) ([]int64, error) {
	datasets, err := c.processRun(ctx, runID, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(datasets))
	for i, ds := range datasets {
		ids[i] = ds.ID
	}
	return ids, nil
}

// QueueRun schedules a recalculation of a run's datasets.
func (c *Coordinator) QueueRun(ctx context.Context, runID int64) (uuid.UUID, error) {
	return c.submit(ctx, KindRun, runID, false, func(ctx context.Context) error {
		_, err := c.processRun(ctx, runID, true)
		return err
	})
}

// QueueRunAfterCommit schedules a run recalculation once tx commits.
func (c *Coordinator) QueueRunAfterCommit(ctx context.Context, tx store.Tx, runID int64) {
	ctx = context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		if _, err := c.QueueRun(ctx, runID); err != nil {
			zap.L().Error("recalc: queue run after commit", zap.Int64("run_id", runID), zap.Error(err))
		}
	})
}

// EnqueueDataset implements pipeline.Queue.
func (c *Coordinator) EnqueueDataset(ctx context.Context, testID, datasetID int64, notify bool) error {
	fn := func(ctx context.Context) error {
		unlock := c.locks.Lock(testKey(testID))
		defer unlock()
		return resilience.Do(ctx, c.retry("dataset"), func(ctx context.Context) error {
			return c.pipe.ProcessDataset(ctx, datasetID, notify)
		})
	}
	_, err := c.submit(ctx, KindDataset, datasetID, false, fn)
	if !errors.Is(err, ErrQueueFull) {
		return err
	}
	// the caller may be a worker itself, so wait for room elsewhere
	go func() {
		if _, err := c.submit(ctx, KindDataset, datasetID, true, fn); err != nil {
			zap.L().Error("recalc: enqueue dataset", zap.Int64("dataset_id", datasetID), zap.Error(err))
		}
	}()
	return nil
}

// processRun holds the run lock, then the test lock, for one derivation.
func (c *Coordinator) processRun(ctx context.Context, runID int64, isRecalculation bool) ([]model.Dataset, error) {
	unlockRun := c.locks.Lock(runKey(runID))
	defer unlockRun()

	testID, err := c.testOf(ctx, runID)
	if err != nil {
		return nil, err
	}
	unlockTest := c.locks.Lock(testKey(testID))
	defer unlockTest()

	return resilience.DoVal(ctx, c.retry("run"), func(ctx context.Context) ([]model.Dataset, error) {
		return c.pipe.ProcessRun(ctx, runID, isRecalculation)
	})
}

func (c *Coordinator) testOf(ctx context.Context, runID int64) (int64, error) {
	var testID int64
	err := c.pipe.Store().InTx(ctx, func(tx store.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(dataset.ErrRunGone, "run %d", runID)
		}
		if err != nil {
			return err
		}
		testID = run.TestID
		return nil
	})
	return testID, err
}

func (c *Coordinator) retry(unit string) resilience.RetryConfig {
	cfg := c.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger("recalc", unit)
	return cfg
}

// WaitForDatasets blocks until the run has at least one dataset.
func (c *Coordinator) WaitForDatasets(ctx context.Context, runID int64, timeout time.Duration) ([]model.Dataset, error) {
	return c.pipe.Datasets().WaitForDatasets(ctx, runID, timeout)
}
