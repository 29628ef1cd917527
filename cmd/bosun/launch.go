package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Bosun/internal/log"
	"github.com/CZERTAINLY/Bosun/internal/model"
	"github.com/CZERTAINLY/Bosun/internal/parallel"
)

var launchCmd = &cobra.Command{
	Use:   "launch <toolId> <invocation.json>...",
	Short: "launch runs a tool for each invocation, streams the output and exits with the tool's exit code",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doLaunch,
}

func doLaunch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("bosun",
		slog.String("cmd", "launch"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	mode, _ := cmd.Flags().GetString("container-mode")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	limit, _ := cmd.Flags().GetInt("parallel")

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.close(ctx)
	}()

	out := &printer{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
	launch := func(ctx context.Context, path string) (model.Execution, error) {
		invocation, err := os.ReadFile(path)
		if err != nil {
			return model.Execution{}, fmt.Errorf("reading invocation: %w", err)
		}
		req := model.LaunchRequest{
			ToolID:        args[0],
			Invocation:    json.RawMessage(invocation),
			ContainerMode: model.ContainerMode(mode),
			OutputDir:     outputDir,
		}
		return launchOne(ctx, a, req, out)
	}

	// the first unsuccessful execution decides the exit code
	var first error
	for exec, err := range parallel.Map(ctx, limit, slices.Values(args[1:]), launch) {
		if err == nil {
			slog.InfoContext(ctx, "execution finished", "execution_id", exec.ID, "status", exec.Status)
			err = exitCode(exec)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	if first == nil && ctx.Err() != nil {
		return exitCodeError{code: 130}
	}
	return first
}

// launchOne runs req to its end. An interrupt cancels the execution and
// still waits until it is recorded.
func launchOne(ctx context.Context, a *app, req model.LaunchRequest, out *printer) (model.Execution, error) {
	id, err := a.registry.Create(ctx, req, out)
	if err != nil {
		return model.Execution{}, err
	}
	exec, err := a.registry.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "interrupted: cancelling execution", "execution_id", id)
		_ = a.registry.Cancel(id)
		exec, err = a.registry.Wait(context.WithoutCancel(ctx), id)
	}
	return exec, err
}

func exitCode(exec model.Execution) error {
	switch exec.Status {
	case model.StatusCompleted:
		return nil
	case model.StatusFailed:
		if exec.ExitCode != nil {
			return exitCodeError{code: *exec.ExitCode}
		}
		return exitCodeError{code: 1}
	case model.StatusCancelled:
		return exitCodeError{code: 130}
	default:
		return fmt.Errorf("execution %s ended in state %s", exec.ID, exec.Status)
	}
}

// printer copies output events to the terminal.
type printer struct {
	mx     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func (p *printer) Open() bool { return true }

func (p *printer) Send(e model.Event) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	var err error
	switch e.Type {
	case model.EventStdout:
		_, err = io.WriteString(p.stdout, e.Data)
	case model.EventStderr:
		_, err = io.WriteString(p.stderr, e.Data)
	case model.EventError:
		_, err = fmt.Fprintf(p.stderr, "Process error: %s\n", e.Error)
	}
	return err
}
