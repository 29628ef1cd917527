// Package service runs bosh executions and tracks their lifecycle.
//
// Overview
// The Launcher is the entry point of transports. It fingerprints a launch
// request and lets the dedup guard decide whether a new execution is created
// or a recent identical one is returned.
//
// The Registry owns the table of live executions. Create registers an entry
// in running state and starts one coordination goroutine for it, so the
// caller never waits for the spawn. The coordination goroutine is the only
// writer of the entry's output and state: it appends chunks, publishes them,
// decides the terminal state, persists the record and publishes the final
// event.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process in the requested working directory
//   - forwards stdout and stderr chunks as they are written
//   - sends SIGTERM on cancellation and kills after a grace period
//   - removes the temporary invocation file on every exit path
//
// Data flow:
//
//	Launcher             Registry{entry}           Runner{cmd}
//	    |                    |                        |
//	Admit -> Create -------->| run() goroutine        |
//	    |<----- id ----------|  descriptor+invocation |
//	    |                    |  Start() ------------->| os/exec.Start
//	    |                    |<------- Chunk ---------| stdout/stderr
//	    |                    |  Publish(chunk)        |
//	    |                    |<------- Result --------| (process exits)
//	    |                    |  state, history.Append |
//	    |                    |  Publish(complete)     |
//
// Invariants:
//   - Terminal states are entered once, by the coordination goroutine.
//   - A cancelled execution ends in cancelled state whatever the exit code.
//   - The final event of an execution is published after all its output.
//   - An execution leaves the table only once it was persisted.
//
// internal/service/service_test.go is the best source about how to properly
// use the Registry.
package service
