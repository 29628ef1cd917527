package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Bosun/internal/dedup"
	"github.com/CZERTAINLY/Bosun/internal/metrics"
	"github.com/CZERTAINLY/Bosun/internal/model"
)

const StatusStarted = "started"

type LaunchResult struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// Launcher admits launch requests. Identical requests arriving within the
// dedup window resolve to the execution created by the first one.
type Launcher struct {
	guard    *dedup.Guard
	registry *Registry
	cfg      model.History
	metrics  metrics.Sink
}

func NewLauncher(guard *dedup.Guard, registry *Registry, cfg model.History) *Launcher {
	return &Launcher{
		guard:    guard,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics.NewNoopSink(),
	}
}

func (l *Launcher) WithMetrics(m metrics.Sink) *Launcher {
	l.metrics = m
	return l
}

// Launch validates req and starts a new execution unless an identical one
// was admitted within the dedup window.
func (l *Launcher) Launch(ctx context.Context, req model.LaunchRequest) (LaunchResult, error) {
	if err := req.Validate(); err != nil {
		return LaunchResult{}, err
	}
	key, err := dedup.Fingerprint(req)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}

	id, duplicate, err := l.guard.Admit(key, func() (string, error) {
		return l.registry.Create(ctx, req)
	})
	if err != nil {
		return LaunchResult{}, err
	}
	l.metrics.LaunchAdmitted(duplicate)
	if duplicate {
		slog.InfoContext(ctx, "duplicate launch request: returning existing execution", "execution_id", id)
	}
	return LaunchResult{ExecutionID: id, Status: StatusStarted, Duplicate: duplicate}, nil
}

// Start runs the housekeeping jobs until ctx is done: expiring dedup
// fingerprints and, when history.max_records is set, pruning the history.
func (l *Launcher) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(l.guard.Retention()),
		gocron.NewTask(l.sweep),
	)
	if err != nil {
		return fmt.Errorf("initializing dedup sweep job: %w", err)
	}

	if l.cfg.MaxRecords > 0 {
		_, err = s.NewJob(
			gocron.CronJob(l.cfg.PruneSchedule, false),
			gocron.NewTask(l.prune, ctx),
		)
		if err != nil {
			return fmt.Errorf("initializing history prune job: %w", err)
		}
		slog.DebugContext(ctx, "history pruning enabled", "schedule", l.cfg.PruneSchedule, "keep", l.cfg.MaxRecords)
	}

	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		return err
	}
	return nil
}

func (l *Launcher) sweep() {
	l.guard.Sweep()
	l.metrics.DedupEntriesUpdate(l.guard.Len())
}

// Prune removes history records beyond history.max_records.
func (l *Launcher) Prune(ctx context.Context) (int, error) {
	if l.cfg.MaxRecords <= 0 {
		return 0, nil
	}
	return l.registry.history.Prune(ctx, l.cfg.MaxRecords)
}

func (l *Launcher) prune(ctx context.Context) {
	n, err := l.Prune(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "pruning history failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "history pruned", "removed", n)
	}
}

func (l *Launcher) Get(ctx context.Context, id string) (model.Execution, error) {
	return l.registry.Get(ctx, id)
}

func (l *Launcher) ListActive() []model.Execution {
	return l.registry.ListActive()
}

func (l *Launcher) History(ctx context.Context) ([]model.Execution, error) {
	return l.registry.History(ctx)
}

func (l *Launcher) Cancel(id string) error {
	return l.registry.Cancel(id)
}

func (l *Launcher) Wait(ctx context.Context, id string) (model.Execution, error) {
	return l.registry.Wait(ctx, id)
}
