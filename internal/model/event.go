package model

import "encoding/json"

type EventType string

const (
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is a frame pushed to live observers of an execution.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"executionId"`
	Data        string    `json:"data,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// MarshalJSON keeps exitCode on complete frames even when it is null.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventComplete {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		Type        EventType `json:"type"`
		ExecutionID string    `json:"executionId"`
		ExitCode    *int      `json:"exitCode"`
		Status      Status    `json:"status"`
	}{e.Type, e.ExecutionID, e.ExitCode, e.Status})
}

func OutputEvent(id string, typ EventType, data string) Event {
	return Event{Type: typ, ExecutionID: id, Data: data}
}

func CompleteEvent(id string, exitCode *int, status Status) Event {
	return Event{Type: EventComplete, ExecutionID: id, ExitCode: exitCode, Status: status}
}

func ErrorEvent(id string, msg string) Event {
	return Event{Type: EventError, ExecutionID: id, Error: msg}
}

// ClientMessage is a frame sent by an observer.
type ClientMessage struct {
	Type        string `json:"type"` // "subscribe" | "unsubscribe"
	ExecutionID string `json:"executionId"`
}
