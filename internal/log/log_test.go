package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Bosun/internal/log"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, model.Service{Verbose: true, LogFormat: model.LogFormatJSON})

	ctx := log.Execution(context.Background(), "e-1", "tool-9")
	logger.With("component", "test").DebugContext(ctx, "hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "test", line["component"])
	exec, ok := line["execution"].(map[string]any)
	require.True(t, ok, "execution group missing: %s", buf.String())
	require.Equal(t, "e-1", exec["id"])
	require.Equal(t, "tool-9", exec["tool"])
}

func TestContextAttrsSiblings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, model.Service{LogFormat: model.LogFormatText})

	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	left := log.ContextAttrs(parent, slog.String("b", "left"))
	_ = log.ContextAttrs(parent, slog.String("b", "right"))

	logger.InfoContext(left, "x")
	require.Contains(t, buf.String(), "b=left")
	require.NotContains(t, buf.String(), "b=right")
}

func TestLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, model.Service{})
	logger.Debug("invisible")
	require.Empty(t, buf.String())
}
