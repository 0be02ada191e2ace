package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/detect"
	"github.com/benchtrack/benchtrack/internal/events"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/metrics"
	"github.com/benchtrack/benchtrack/internal/monitoring"
	"github.com/benchtrack/benchtrack/internal/pipeline"
	"github.com/benchtrack/benchtrack/internal/recalc"
	"github.com/benchtrack/benchtrack/internal/resilience"
	"github.com/benchtrack/benchtrack/internal/sandbox"
	"github.com/benchtrack/benchtrack/internal/store"
	"github.com/benchtrack/benchtrack/internal/transform"
)

// pipelineEnv holds the store, definitions and workers needed by the
// serve/upload/recalc commands.
type pipelineEnv struct {
	Store       store.Store
	Catalog     catalog.Catalog
	Pipeline    *pipeline.Pipeline
	Coordinator *recalc.Coordinator
	Registry    *prometheus.Registry
	Bus         *events.Local
	Alerter     *monitoring.Alerter
}

// Close drains queued work and releases the store.
func (pe *pipelineEnv) Close() {
	if pe.Coordinator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout())
		if err := pe.Coordinator.Close(ctx); err != nil {
			zap.L().Warn("recalc: close", zap.Error(err))
		}
		cancel()
	}
	if pe.Alerter != nil {
		pe.Alerter.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens the store, loads the catalog and builds the pipeline
// with its recalculation workers. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env, err := buildEnv(ctx, st, cat)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline stages around an open store and catalog.
func buildEnv(ctx context.Context, st store.Store, cat catalog.Catalog) (*pipelineEnv, error) {
	eval, err := sandbox.NewJQ(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewLocal()
	bus.Subscribe(events.LogChanges())

	var alerter *monitoring.Alerter
	if cfg.Monitoring.WebhookURL != "" {
		alerter = monitoring.NewAlerter(cfg.Monitoring)
		alerter.Start(context.WithoutCancel(ctx))
		bus.Subscribe(alerter.Handler())
	}

	models := detect.NewRegistry()
	pipe := pipeline.New(
		st,
		cat,
		transform.New(eval, m),
		label.New(cat, eval, m),
		dataset.New(st, bus, bus, m),
		detect.NewEngine(models, bus, m),
		bus,
		pipeline.Mode(cfg.Pipeline.Mode),
	)

	coord, err := recalc.New(pipe, models, recalc.Config{
		Workers:    cfg.Recalc.Workers,
		QueueSize:  cfg.Recalc.QueueSize,
		ScanBatch:  cfg.Recalc.ScanBatch,
		RatePerSec: cfg.Recalc.RatePerSec,
		Retry:      resilience.FromSettings(cfg.Recalc.Retry),
	}, m)
	if err != nil {
		if alerter != nil {
			alerter.Close()
		}
		return nil, err
	}
	coord.Start(context.WithoutCancel(ctx))

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("mode", cfg.Pipeline.Mode),
		zap.Int("workers", cfg.Recalc.Workers),
		zap.Duration("sandbox_timeout", cfg.Sandbox.Timeout),
		zap.Bool("webhook", alerter != nil),
	)

	return &pipelineEnv{
		Store:       st,
		Catalog:     cat,
		Pipeline:    pipe,
		Coordinator: coord,
		Registry:    reg,
		Bus:         bus,
		Alerter:     alerter,
	}, nil
}

func shutdownTimeout() time.Duration {
	if cfg != nil && cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
