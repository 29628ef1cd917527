package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Bosun/internal/broadcast"
	"github.com/CZERTAINLY/Bosun/internal/dedup"
	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/CZERTAINLY/Bosun/internal/service"
)

type fixture struct {
	cfg         model.Bosh
	store       history.Store
	broadcaster *broadcast.Broadcaster
	registry    *service.Registry
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()

	store, err := history.NewFile(filepath.Join(dir, "execution-history.json"))
	require.NoError(t, err)
	f := &fixture{
		cfg: model.Bosh{
			Path:        fakeBosh,
			Descriptors: descriptors,
			Workdir:     filepath.Join(dir, "cache"),
			CancelGrace: "2s",
		},
		store:       store,
		broadcaster: broadcast.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.registry = service.NewRegistry(f.cfg, f.store, f.broadcaster)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, f.registry.Close(ctx))
	})
	return f
}

func (f *fixture) run(t *testing.T, req model.LaunchRequest) model.Execution {
	t.Helper()
	id, err := f.registry.Create(t.Context(), req)
	require.NoError(t, err)
	return f.wait(t, id)
}

func (f *fixture) wait(t *testing.T, id string) model.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	exec, err := f.registry.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func (f *fixture) invocationFiles(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.cfg.Workdir, "invocation-*.json"))
	require.NoError(t, err)
	return matches
}

func launch(tool string) model.LaunchRequest {
	return model.LaunchRequest{
		ToolID:     tool,
		Invocation: json.RawMessage(`{"subject":"sub-01","verbose":true}`),
	}
}

// recorder is a broadcast.Subscriber keeping everything it got.
type recorder struct {
	mx     sync.Mutex
	events []model.Event
}

func (r *recorder) Send(e model.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Open() bool { return true }

func (r *recorder) Events() []model.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Event(nil), r.events...)
}

type failingStore struct {
	history.Store
}

func (failingStore) Append(context.Context, model.Execution) error {
	return errors.New("disk full")
}

func TestRegistry_Completed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.run(t, launch("hello"))
	require.Equal(t, model.StatusCompleted, exec.Status)
	require.NotNil(t, exec.ExitCode)
	require.Equal(t, 0, *exec.ExitCode)
	require.Equal(t, "A", exec.Stdout)
	require.Empty(t, exec.Stderr)
	require.NotNil(t, exec.EndTime)
	require.False(t, exec.EndTime.Before(exec.StartTime))
	require.Equal(t, "hello", exec.ToolID)

	got, err := f.registry.Get(t.Context(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, exec.ID, got.ID)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Empty(t, f.registry.ListActive())

	records, err := f.registry.History(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, exec.ID, records[0].ID)
}

func TestRegistry_Failed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.run(t, launch("exit3"))
	require.Equal(t, model.StatusFailed, exec.Status)
	require.Equal(t, 3, *exec.ExitCode)
	require.Equal(t, "boom\n", exec.Stderr)
}

func TestRegistry_Streams(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.run(t, launch("streams"))
	require.Equal(t, "out\n", exec.Stdout)
	require.Equal(t, "err\n", exec.Stderr)
}

func TestRegistry_ArgsAndDir(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out := t.TempDir()

	req := launch("args")
	req.ContainerMode = model.ContainerNative
	req.OutputDir = out
	exec := f.run(t, req)
	require.Equal(t, model.StatusCompleted, exec.Status)

	lines := strings.Split(strings.TrimSpace(exec.Stdout), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasSuffix(lines[0], ".json --verbose --no-container"), lines[0])
	want, err := filepath.EvalSymlinks(out)
	require.NoError(t, err)
	require.Equal(t, want, lines[1])
}

func TestRegistry_InvocationFileRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.run(t, launch("invocation"))
	require.Equal(t, model.StatusCompleted, exec.Status)
	path, body, ok := strings.Cut(exec.Stdout, "\n")
	require.True(t, ok)
	require.Equal(t, "invocation-"+exec.ID+".json", filepath.Base(path))
	require.JSONEq(t, `{"subject":"sub-01","verbose":true}`, body)

	require.NoFileExists(t, path)
	require.Empty(t, f.invocationFiles(t))
}

func TestRegistry_SpawnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(f *fixture) {
		f.cfg.Path = filepath.Join(t.TempDir(), "bosh-not-installed")
	})
	rec := &recorder{}

	id, err := f.registry.Create(t.Context(), launch("delayed"), rec)
	require.NoError(t, err, "spawn errors are never returned to the caller")
	exec := f.wait(t, id)

	require.Equal(t, model.StatusError, exec.Status)
	require.Nil(t, exec.ExitCode)
	require.NotNil(t, exec.EndTime)
	require.True(t, strings.HasPrefix(exec.Stderr, "\nProcess error: "), exec.Stderr)
	require.Empty(t, f.invocationFiles(t))

	stored, err := f.store.Get(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, stored.Status)

	events := rec.Events()
	require.Len(t, events, 1)
	require.Equal(t, model.EventError, events[0].Type)
	require.Equal(t, id, events[0].ExecutionID)
	require.NotEmpty(t, events[0].Error)
}

func TestRegistry_DescriptorMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	exec := f.run(t, launch("not-cached"))
	require.Equal(t, model.StatusError, exec.Status)
	require.Contains(t, exec.Stderr, model.ErrDescriptorMissing.Error())
	require.Empty(t, f.invocationFiles(t))
}

func TestRegistry_Events(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := &recorder{}

	id, err := f.registry.Create(t.Context(), launch("delayed"), rec)
	require.NoError(t, err)
	f.wait(t, id)

	events := rec.Events()
	require.NotEmpty(t, events)
	var stdout, stderr strings.Builder
	for _, e := range events[:len(events)-1] {
		require.Equal(t, id, e.ExecutionID)
		switch e.Type {
		case model.EventStdout:
			stdout.WriteString(e.Data)
		case model.EventStderr:
			stderr.WriteString(e.Data)
		default:
			t.Fatalf("unexpected event before the last one: %+v", e)
		}
	}
	require.Equal(t, "A", stdout.String())
	require.Equal(t, "B", stderr.String())

	last := events[len(events)-1]
	require.Equal(t, model.EventComplete, last.Type)
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, 0, *last.ExitCode)
	require.Zero(t, f.broadcaster.Subscribers(id), "subscriptions end with the execution")
}

func TestRegistry_GetAfterCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.registry.Create(t.Context(), launch("delayed"))
	require.NoError(t, err)

	exec, err := f.registry.Get(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, id, exec.ID)
	require.Equal(t, "delayed", exec.ToolID)
	require.Equal(t, model.StatusRunning, exec.Status)
	require.Empty(t, exec.Stdout)
	require.Empty(t, exec.Stderr)
	require.Nil(t, exec.ExitCode)
	require.Nil(t, exec.EndTime)
	require.NotZero(t, exec.StartTime)

	active := f.registry.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, id, active[0].ID)

	require.Equal(t, model.StatusCompleted, f.wait(t, id).Status)
}

func TestRegistry_CancelBeforeSpawn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	const rounds = 10
	ids := make(map[string]struct{}, rounds)
	for range rounds {
		id, err := f.registry.Create(t.Context(), launch("delayed"))
		require.NoError(t, err)
		require.NoError(t, f.registry.Cancel(id))
		ids[id] = struct{}{}
	}

	for id := range ids {
		exec := f.wait(t, id)
		require.Equal(t, model.StatusCancelled, exec.Status)
		require.Nil(t, exec.ExitCode)
		require.NotNil(t, exec.EndTime)
	}
	require.Empty(t, f.invocationFiles(t))
	require.Empty(t, f.registry.ListActive())

	records, err := f.registry.History(t.Context())
	require.NoError(t, err)
	require.Len(t, records, rounds)
	for _, rec := range records {
		require.Contains(t, ids, rec.ID)
		require.Equal(t, model.StatusCancelled, rec.Status)
	}
}

func TestRegistry_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.registry.Create(t.Context(), launch("sleeper"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, err := f.registry.Get(t.Context(), id)
		return err == nil && exec.Stdout == "started\n"
	}, 10*time.Second, 20*time.Millisecond)

	active := f.registry.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, model.StatusRunning, active[0].Status)

	require.Len(t, f.invocationFiles(t), 1)

	require.NoError(t, f.registry.Cancel(id))
	exec := f.wait(t, id)
	require.Equal(t, model.StatusCancelled, exec.Status)
	require.NotNil(t, exec.ExitCode)
	require.Equal(t, 7, *exec.ExitCode, "exit code is kept, the status is not derived from it")
	require.Empty(t, f.invocationFiles(t))

	records, err := f.registry.History(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, id, records[0].ID)
	require.Equal(t, model.StatusCancelled, records[0].Status)

	require.ErrorIs(t, f.registry.Cancel(id), model.ErrNotFound)
	require.ErrorIs(t, f.registry.Cancel("unknown"), model.ErrNotFound)
	require.Empty(t, f.registry.ListActive())
}

func TestRegistry_HistoryFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(f *fixture) {
		f.store = failingStore{Store: f.store}
	})

	id, err := f.registry.Create(t.Context(), launch("hello"))
	require.NoError(t, err)
	exec := f.wait(t, id)
	require.Equal(t, model.StatusCompleted, exec.Status)

	got, err := f.registry.Get(t.Context(), id)
	require.NoError(t, err, "unpersisted executions stay queryable")
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Empty(t, f.registry.ListActive())
	require.ErrorIs(t, f.registry.Cancel(id), model.ErrNotFound)
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.registry.Create(t.Context(), launch("sleeper"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, err := f.registry.Get(t.Context(), id)
		return err == nil && exec.Stdout != ""
	}, 10*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.registry.Close(ctx))

	stored, err := f.store.Get(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, stored.Status)

	_, err = f.registry.Create(t.Context(), launch("hello"))
	require.ErrorIs(t, err, service.ErrClosed)
}

func TestRegistry_Invalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.registry.Create(t.Context(), model.LaunchRequest{Invocation: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = f.registry.Get(t.Context(), "unknown")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestLauncher_Dedup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	guard := dedup.New(2*time.Second, 5*time.Second).WithClock(func() time.Time { return now })
	launcher := service.NewLauncher(guard, f.registry, model.History{})

	first, err := launcher.Launch(t.Context(), launch("hello"))
	require.NoError(t, err)
	require.Equal(t, service.StatusStarted, first.Status)
	require.False(t, first.Duplicate)

	reordered := launch("hello")
	reordered.Invocation = json.RawMessage(`{"verbose": true, "subject": "sub-01"}`)
	now = now.Add(1900 * time.Millisecond)
	second, err := launcher.Launch(t.Context(), reordered)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.ExecutionID, second.ExecutionID)

	other := launch("hello")
	other.ContainerMode = model.ContainerDocker
	third, err := launcher.Launch(t.Context(), other)
	require.NoError(t, err)
	require.NotEqual(t, first.ExecutionID, third.ExecutionID)

	now = now.Add(200 * time.Millisecond)
	fourth, err := launcher.Launch(t.Context(), launch("hello"))
	require.NoError(t, err)
	require.False(t, fourth.Duplicate)
	require.NotEqual(t, first.ExecutionID, fourth.ExecutionID)

	for _, id := range []string{first.ExecutionID, third.ExecutionID, fourth.ExecutionID} {
		f.wait(t, id)
	}
}

func TestLauncher_Invalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	guard := dedup.New(dedup.DefaultWindow, dedup.DefaultRetention)
	launcher := service.NewLauncher(guard, f.registry, model.History{})

	_, err := launcher.Launch(t.Context(), model.LaunchRequest{ToolID: "hello", Invocation: json.RawMessage(`[1]`)})
	require.ErrorIs(t, err, model.ErrInvalidRequest)
	require.Zero(t, guard.Len())
	require.Empty(t, f.registry.ListActive())
}

func TestLauncher_Prune(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	guard := dedup.New(0, time.Second)
	launcher := service.NewLauncher(guard, f.registry, model.History{MaxRecords: 1, PruneSchedule: "@hourly"})

	for _, tool := range []string{"hello", "streams", "exit3"} {
		res, err := launcher.Launch(t.Context(), launch(tool))
		require.NoError(t, err)
		f.wait(t, res.ExecutionID)
	}
	removed, err := launcher.Prune(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	records, err := f.registry.History(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "exit3", records[0].ToolID)
}

func TestLauncher_Start(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	guard := dedup.New(50*time.Millisecond, 100*time.Millisecond)
	launcher := service.NewLauncher(guard, f.registry, model.History{MaxRecords: 10, PruneSchedule: "@hourly"})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- launcher.Start(ctx)
	}()

	res, err := launcher.Launch(t.Context(), launch("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return guard.Len() == 0
	}, 5*time.Second, 20*time.Millisecond, "sweep job expires fingerprints")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("launcher scheduler did not stop")
	}
	f.wait(t, res.ExecutionID)
}

func TestRegistry_NoInvocationLeftovers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, tool := range []string{"hello", "exit3", "not-cached"} {
		f.run(t, launch(tool))
	}
	_, err := os.Stat(f.cfg.Workdir)
	if err == nil {
		require.Empty(t, f.invocationFiles(t))
	}
}
