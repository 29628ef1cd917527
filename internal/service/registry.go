package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Bosun/internal/broadcast"
	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/CZERTAINLY/Bosun/internal/log"
	"github.com/CZERTAINLY/Bosun/internal/metrics"
	"github.com/CZERTAINLY/Bosun/internal/model"
)

var ErrClosed = errors.New("registry is closed")

// entry is the live side of an Execution. Only the coordination goroutine
// of the entry writes exec, everyone else reads under Registry.mx.
type entry struct {
	exec            model.Execution
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

// Registry is the table of in-flight executions.
type Registry struct {
	mx      sync.RWMutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup

	cfg         model.Bosh
	runner      *Runner
	descriptors DescriptorSource
	history     history.Store
	broadcaster *broadcast.Broadcaster
	metrics     metrics.Sink
	now         func() time.Time
}

func NewRegistry(cfg model.Bosh, store history.Store, b *broadcast.Broadcaster) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		cfg:         cfg,
		runner:      NewRunner(),
		descriptors: DirDescriptors(cfg.Descriptors),
		history:     store,
		broadcaster: b,
		metrics:     metrics.NewNoopSink(),
		now:         time.Now,
	}
}

func (r *Registry) WithDescriptors(d DescriptorSource) *Registry {
	r.descriptors = d
	return r
}

func (r *Registry) WithMetrics(m metrics.Sink) *Registry {
	r.metrics = m
	return r
}

// Create registers a new running execution and returns its id. The process
// is spawned asynchronously, spawn failures are reported through the
// execution state. The execution outlives ctx. subs are subscribed before
// the process starts, so they observe the complete output.
func (r *Registry) Create(ctx context.Context, req model.LaunchRequest, subs ...broadcast.Subscriber) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	base := log.Execution(context.WithoutCancel(ctx), id, req.ToolID)
	procCtx, cancel := context.WithCancel(base)

	e := &entry{
		exec: model.Execution{
			ID:            id,
			ToolID:        req.ToolID,
			Invocation:    append([]byte(nil), req.Invocation...),
			ContainerMode: req.ContainerMode,
			OutputDir:     req.OutputDir,
			StartTime:     r.now().UTC(),
			Status:        model.StatusRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		cancel()
		return "", ErrClosed
	}
	r.entries[id] = e
	for _, sub := range subs {
		r.broadcaster.Subscribe(id, sub)
	}
	r.wg.Go(func() {
		r.run(base, procCtx, e)
	})
	return id, nil
}

// Get returns a live execution or the persisted record of a finished one.
func (r *Registry) Get(ctx context.Context, id string) (model.Execution, error) {
	r.mx.RLock()
	e, ok := r.entries[id]
	if ok {
		exec := e.exec.Clone()
		r.mx.RUnlock()
		return exec, nil
	}
	r.mx.RUnlock()
	return r.history.Get(ctx, id)
}

// ListActive returns the executions in running state ordered by start time.
func (r *Registry) ListActive() []model.Execution {
	r.mx.RLock()
	out := make([]model.Execution, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.exec.Status.Terminal() {
			out = append(out, e.exec.Clone())
		}
	}
	r.mx.RUnlock()
	slices.SortFunc(out, func(a, b model.Execution) int {
		return cmp.Or(a.StartTime.Compare(b.StartTime), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// History returns the persisted executions, most recent first.
func (r *Registry) History(ctx context.Context) ([]model.Execution, error) {
	return r.history.List(ctx)
}

// Cancel asks the process of a running execution to terminate. The
// execution ends in cancelled state once the process is gone.
func (r *Registry) Cancel(id string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.entries[id]
	if !ok || e.exec.Status.Terminal() {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	e.cancelRequested = true
	e.cancel()
	return nil
}

// Wait blocks until the execution is terminal and returns its final view.
func (r *Registry) Wait(ctx context.Context, id string) (model.Execution, error) {
	r.mx.RLock()
	e, ok := r.entries[id]
	r.mx.RUnlock()
	if !ok {
		return r.history.Get(ctx, id)
	}
	select {
	case <-ctx.Done():
		return model.Execution{}, ctx.Err()
	case <-e.done:
	}
	r.mx.RLock()
	defer r.mx.RUnlock()
	return e.exec.Clone(), nil
}

// Close cancels all live executions and waits until they are recorded.
// Create fails with ErrClosed afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mx.Lock()
	r.closed = true
	for _, e := range r.entries {
		if !e.exec.Status.Terminal() {
			e.cancelRequested = true
			e.cancel()
		}
	}
	r.mx.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the coordination goroutine of one execution. It is the only
// place where the execution leaves the running state.
func (r *Registry) run(ctx, procCtx context.Context, e *entry) {
	defer close(e.done)
	defer e.cancel()
	id := e.exec.ID
	r.metrics.ExecutionStarted()
	slog.InfoContext(ctx, "execution admitted")

	if procCtx.Err() != nil {
		r.finish(ctx, e, nil, nil)
		return
	}

	proc, err := r.spawn(procCtx, e)
	if err != nil {
		if r.isCancelled(e) && errors.Is(err, context.Canceled) {
			r.finish(ctx, e, nil, nil)
			return
		}
		r.finish(ctx, e, nil, err)
		return
	}
	slog.DebugContext(ctx, "process started", "pid", proc.Pid())

	for chunk := range proc.Output() {
		r.mx.Lock()
		if chunk.Stream == model.EventStderr {
			e.exec.Stderr += chunk.Data
		} else {
			e.exec.Stdout += chunk.Data
		}
		r.mx.Unlock()
		r.broadcaster.Publish(ctx, id, model.OutputEvent(id, chunk.Stream, chunk.Data))
	}
	res := <-proc.Done()
	slog.DebugContext(ctx, "process exited",
		"path", res.Path,
		"args", res.Args,
		"started", res.Started,
		"runtime", res.Stopped.Sub(res.Started),
		"error", res.Err,
	)
	r.finish(ctx, e, res.ExitCode(), nil)
}

func (r *Registry) spawn(ctx context.Context, e *entry) (*Process, error) {
	descriptor, err := r.descriptors.Path(ctx, e.exec.ToolID)
	if err != nil {
		return nil, err
	}
	invocation, err := WriteInvocation(r.cfg.Workdir, e.exec.ID, e.exec.Invocation)
	if err != nil {
		return nil, err
	}
	req := model.LaunchRequest{
		ToolID:        e.exec.ToolID,
		ContainerMode: e.exec.ContainerMode,
		OutputDir:     e.exec.OutputDir,
	}
	cmd := LaunchCommand(r.cfg, descriptor, invocation, req)
	slog.InfoContext(ctx, "executing", "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir)
	return r.runner.Start(ctx, cmd)
}

func (r *Registry) isCancelled(e *entry) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return e.cancelRequested
}

// finish records the terminal state, persists the execution and publishes
// the final event. A non-nil fault means the process never ran.
func (r *Registry) finish(ctx context.Context, e *entry, exitCode *int, fault error) {
	id := e.exec.ID
	end := r.now().UTC()

	r.mx.Lock()
	switch {
	case fault != nil:
		e.exec.Status = model.StatusError
		e.exec.Stderr += "\nProcess error: " + fault.Error()
	case e.cancelRequested:
		e.exec.Status = model.StatusCancelled
	case exitCode != nil && *exitCode == 0:
		e.exec.Status = model.StatusCompleted
	default:
		e.exec.Status = model.StatusFailed
	}
	e.exec.ExitCode = exitCode
	e.exec.EndTime = &end
	rec := e.exec.Clone()
	r.mx.Unlock()

	r.metrics.ExecutionFinished(rec.Status, end.Sub(rec.StartTime))
	logger := slog.Default().With("status", rec.Status)
	if exitCode != nil {
		logger = logger.With("exit_code", *exitCode)
	}
	if fault != nil {
		logger.ErrorContext(ctx, "execution could not be started", "error", fault)
	} else {
		logger.InfoContext(ctx, "execution finished")
	}

	if err := r.history.Append(ctx, rec); err != nil {
		r.metrics.HistoryAppendFailed()
		slog.ErrorContext(ctx, "persisting execution failed: keeping it in memory", "error", err)
	} else {
		r.mx.Lock()
		delete(r.entries, id)
		r.mx.Unlock()
	}

	if fault != nil {
		r.broadcaster.Publish(ctx, id, model.ErrorEvent(id, fault.Error()))
	} else {
		r.broadcaster.Publish(ctx, id, model.CompleteEvent(id, rec.ExitCode, rec.Status))
	}
	r.broadcaster.Release(id)
}
