package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// ContainerMode tells bosh how the tool isolates itself. The value is only
// mapped to a command line flag.
type ContainerMode string

const (
	ContainerDefault     ContainerMode = ""
	ContainerDocker      ContainerMode = "docker"
	ContainerSingularity ContainerMode = "singularity"
	ContainerNative      ContainerMode = "native"
)

func (m ContainerMode) Valid() bool {
	switch m {
	case ContainerDefault, ContainerDocker, ContainerSingularity, ContainerNative:
		return true
	default:
		return false
	}
}

// LaunchRequest is the payload of a launch. Invocation is passed verbatim to
// the tool.
type LaunchRequest struct {
	ToolID        string          `json:"toolId"`
	Invocation    json.RawMessage `json:"invocation"`
	ContainerMode ContainerMode   `json:"containerMode"`
	OutputDir     string          `json:"outputDir"`
}

// Validate performs the admission checks. All errors wrap ErrInvalidRequest.
func (r LaunchRequest) Validate() error {
	id := strings.TrimSpace(r.ToolID)
	switch {
	case id == "":
		return fmt.Errorf("%w: toolId is required", ErrInvalidRequest)
	case id != r.ToolID, strings.ContainsAny(id, `/\`), strings.Contains(id, ".."):
		return fmt.Errorf("%w: toolId %q is not a valid identifier", ErrInvalidRequest, r.ToolID)
	}

	inv := bytes.TrimSpace(r.Invocation)
	if len(inv) == 0 || inv[0] != '{' || !json.Valid(inv) {
		return fmt.Errorf("%w: invocation must be a JSON object", ErrInvalidRequest)
	}

	if !r.ContainerMode.Valid() {
		return fmt.Errorf("%w: unsupported containerMode %q", ErrInvalidRequest, r.ContainerMode)
	}

	if r.OutputDir != "" {
		info, err := os.Stat(r.OutputDir)
		if err != nil {
			return fmt.Errorf("%w: outputDir: %w", ErrInvalidRequest, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: outputDir %s is not a directory", ErrInvalidRequest, r.OutputDir)
		}
	}
	return nil
}

// Execution is the externally visible view of one launch. The process
// handle is never part of it.
type Execution struct {
	ID            string          `json:"id"`
	ToolID        string          `json:"toolId"`
	Invocation    json.RawMessage `json:"invocation"`
	ContainerMode ContainerMode   `json:"containerMode"`
	OutputDir     string          `json:"outputDir"`
	StartTime     time.Time       `json:"startTime"`
	Status        Status          `json:"status"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	ExitCode      *int            `json:"exitCode"`
	EndTime       *time.Time      `json:"endTime"`
}

// Clone returns a copy which shares no mutable memory with e.
func (e Execution) Clone() Execution {
	out := e
	out.Invocation = append(json.RawMessage(nil), e.Invocation...)
	if e.ExitCode != nil {
		code := *e.ExitCode
		out.ExitCode = &code
	}
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	return out
}
