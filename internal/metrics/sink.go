// Package metrics records operational counters of the execution core.
package metrics

import (
	"time"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Launcher metrics
	LaunchAdmitted(duplicate bool)
	DedupEntriesUpdate(count int)

	// Registry metrics
	ExecutionStarted()
	ExecutionFinished(status model.Status, duration time.Duration)
	HistoryAppendFailed()

	// Broadcaster metrics
	SubscribersUpdate(count int)
	DeliveryFailed()

	// API metrics
	HTTPRequest(method, route string, status int, duration time.Duration)
}
