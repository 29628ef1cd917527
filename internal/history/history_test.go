package history_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/stretchr/testify/require"
)

func record(i int) model.Execution {
	code := i % 2
	start := time.Date(2026, 3, 1, 10, 0, i, 0, time.UTC)
	end := start.Add(time.Second)
	status := model.StatusCompleted
	if code != 0 {
		status = model.StatusFailed
	}
	return model.Execution{
		ID:            fmt.Sprintf("exec-%02d", i),
		ToolID:        "7654321",
		Invocation:    json.RawMessage(`{"subject":"sub-01"}`),
		ContainerMode: model.ContainerNative,
		StartTime:     start,
		Status:        status,
		Stdout:        "out\n",
		Stderr:        "",
		ExitCode:      &code,
		EndTime:       &end,
	}
}

// testStore is the contract every backend must satisfy
func testStore(t *testing.T, store history.Store) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, store.Ping(ctx))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = store.Get(ctx, "exec-00")
	require.ErrorIs(t, err, model.ErrNotFound)

	for i := range 5 {
		require.NoError(t, store.Append(ctx, record(i)))
	}

	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	require.Equal(t, "exec-04", list[0].ID, "most recent first")
	require.Equal(t, "exec-00", list[4].ID)

	got, err := store.Get(ctx, "exec-03")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 1, *got.ExitCode)
	require.JSONEq(t, `{"subject":"sub-01"}`, string(got.Invocation))
	require.True(t, record(3).StartTime.Equal(got.StartTime))

	removed, err := store.Prune(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 3, removed)
	list, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "exec-04", list[0].ID)
	require.Equal(t, "exec-03", list[1].ID)

	removed, err = store.Prune(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestFilePing(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := history.NewFile(filepath.Join(dir, "execution-history.json"))
	require.NoError(t, err)
	require.NoError(t, store.Ping(t.Context()))

	require.NoError(t, os.RemoveAll(dir))
	require.ErrorContains(t, store.Ping(t.Context()), "history directory")
}

func TestFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache", "execution-history.json")
	store, err := history.NewFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	testStore(t, store)

	// the file is a plain JSON array readable by other tools
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Len(t, raw, 2)
	require.Equal(t, "exec-04", raw[0]["id"])
}

func TestFileCorrupted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	store, err := history.NewFile(path)
	require.NoError(t, err)
	_, err = store.List(t.Context())
	require.Error(t, err)
	require.Error(t, store.Append(t.Context(), record(1)))
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	store, err := history.OpenSQL(t.Context(), history.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	testStore(t, store)

	err = store.Append(t.Context(), record(4))
	require.Error(t, err, "ids are unique")
}

func TestOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := history.Open(context.Background(), model.History{Driver: model.HistoryDriverFile, Path: filepath.Join(dir, "h.json")})
	require.NoError(t, err)
	require.IsType(t, &history.File{}, store)

	store, err = history.Open(context.Background(), model.History{Driver: model.HistoryDriverSQLite, Path: filepath.Join(dir, "h.db")})
	require.NoError(t, err)
	require.IsType(t, &history.SQL{}, store)
	require.NoError(t, store.Close())

	_, err = history.Open(context.Background(), model.History{Driver: "mongo"})
	require.Error(t, err)
}
