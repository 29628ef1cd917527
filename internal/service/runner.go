package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// DefaultCancelGrace is how long a cancelled process gets between SIGTERM and
// SIGKILL.
const DefaultCancelGrace = 10 * time.Second

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// CancelGrace is the time between the termination signal and a kill,
	// zero means DefaultCancelGrace.
	CancelGrace time.Duration
	// Files are removed once the process is gone, including when it never
	// started.
	Files []string
}

// Chunk is a piece of output exactly as the process wrote it.
type Chunk struct {
	Stream model.EventType // model.EventStdout or model.EventStderr
	Data   string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit status of the process or nil when it did not
// exit normally (killed by a signal or never started).
func (r Result) ExitCode() *int {
	if r.State == nil || !r.State.Exited() {
		return nil
	}
	code := r.State.ExitCode()
	return &code
}

// BuildArgs returns the bosh argument vector for a launch.
func BuildArgs(descriptor, invocation string, mode model.ContainerMode) []string {
	args := []string{"exec", "launch", descriptor, invocation, "--verbose"}
	switch mode {
	case model.ContainerDocker:
		args = append(args, "--force-docker")
	case model.ContainerSingularity:
		args = append(args, "--force-singularity")
	case model.ContainerNative:
		args = append(args, "--no-container")
	}
	return args
}

// WriteInvocation stores the parameter set of execution id in dir and
// returns its absolute path.
func WriteInvocation(dir, id string, invocation json.RawMessage) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating invocation directory: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, "invocation-"+id+".json"))
	if err != nil {
		return "", err
	}
	var pretty any
	if err := json.Unmarshal(invocation, &pretty); err != nil {
		return "", fmt.Errorf("decoding invocation: %w", err)
	}
	b, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding invocation: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("writing invocation: %w", err)
	}
	return path, nil
}

// Runner spawns external processes and streams their output.
type Runner struct {
	buffer int
}

func NewRunner() *Runner {
	return &Runner{buffer: 64}
}

// Process is a started command. Output is closed once the process is gone
// and all its output was delivered, the Result is sent after that.
type Process struct {
	pid    int
	output chan Chunk
	done   chan Result
}

func (p *Process) Pid() int             { return p.pid }
func (p *Process) Output() <-chan Chunk { return p.output }
func (p *Process) Done() <-chan Result  { return p.done }

// Start runs the command. Cancelling ctx sends SIGTERM to the process and
// kills it when it is still alive after CancelGrace. Output must be
// consumed, the process blocks on writes otherwise. Does NOT wait on the
// command to finish.
func (r *Runner) Start(ctx context.Context, proto Command) (*Process, error) {
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = proto.CancelGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultCancelGrace
	}

	p := &Process{
		output: make(chan Chunk, r.buffer),
		done:   make(chan Result, 1),
	}
	stdout := &chunkWriter{stream: model.EventStdout, out: p.output}
	stderr := &chunkWriter{stream: model.EventStderr, out: p.output}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := Result{
		Path:    proto.Path,
		Args:    append([]string(nil), proto.Args...),
		Started: time.Now().UTC(),
	}
	if err := cmd.Start(); err != nil {
		removeFiles(ctx, proto.Files)
		return nil, err
	}
	p.pid = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		removeFiles(ctx, proto.Files)
		result.Stopped = time.Now().UTC()
		result.State = cmd.ProcessState
		result.Err = err
		close(p.output)
		p.done <- result
		close(p.done)
	}()
	return p, nil
}

func removeFiles(ctx context.Context, files []string) {
	for _, f := range files {
		err := os.Remove(f)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "removing temporary file failed", "path", f, "error", err)
		}
	}
}

// chunkWriter forwards every write as one Chunk. A UTF-8 sequence cut at
// the end of a write is held back until the next write or flush. Writes are
// serialised by os/exec per stream.
type chunkWriter struct {
	stream  model.EventType
	out     chan<- Chunk
	pending []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	if len(w.pending) > 0 {
		p = append(w.pending, p...)
		w.pending = nil
	}
	cut := completeRunes(p)
	if cut < len(p) {
		w.pending = append([]byte(nil), p[cut:]...)
	}
	if cut > 0 {
		w.out <- Chunk{Stream: w.stream, Data: string(p[:cut])}
	}
	return n, nil
}

// flush sends the held back bytes, called once the process is gone.
func (w *chunkWriter) flush() {
	if len(w.pending) > 0 {
		w.out <- Chunk{Stream: w.stream, Data: string(w.pending)}
		w.pending = nil
	}
}

// completeRunes returns the length of the longest prefix of p which does not
// end in the middle of a UTF-8 sequence.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
