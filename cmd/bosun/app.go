package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/CZERTAINLY/Bosun/internal/broadcast"
	"github.com/CZERTAINLY/Bosun/internal/dedup"
	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/CZERTAINLY/Bosun/internal/metrics"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/CZERTAINLY/Bosun/internal/service"
)

// app wires the execution core together.
type app struct {
	cfg         model.Config
	store       history.Store
	broadcaster *broadcast.Broadcaster
	registry    *service.Registry
	launcher    *service.Launcher
	metrics     metrics.Sink
	gatherer    prometheus.Gatherer
}

func newApp(ctx context.Context, cfg model.Config) (*app, error) {
	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var gatherer prometheus.Gatherer
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(reg)
		gatherer = reg
	}

	b := broadcast.New().WithSink(sink)
	registry := service.NewRegistry(cfg.Bosh, store, b).WithMetrics(sink)
	guard := dedup.New(cfg.Dedup.WindowDuration(), cfg.Dedup.RetentionDuration())
	launcher := service.NewLauncher(guard, registry, cfg.History).WithMetrics(sink)

	return &app{
		cfg:         cfg,
		store:       store,
		broadcaster: b,
		registry:    registry,
		launcher:    launcher,
		metrics:     sink,
		gatherer:    gatherer,
	}, nil
}

// close cancels running executions, waits until they are recorded and
// closes the history.
func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.Grace()+a.cfg.Bosh.Grace())
	defer cancel()
	var errs []error
	if err := a.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing executions: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing history: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		slog.ErrorContext(ctx, "shutdown incomplete", "error", err)
	}
	return err
}
