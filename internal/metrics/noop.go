package metrics

import (
	"time"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) LaunchAdmitted(bool)                            {}
func (n *NoopSink) DedupEntriesUpdate(int)                         {}
func (n *NoopSink) ExecutionStarted()                              {}
func (n *NoopSink) ExecutionFinished(model.Status, time.Duration)  {}
func (n *NoopSink) HistoryAppendFailed()                           {}
func (n *NoopSink) SubscribersUpdate(int)                          {}
func (n *NoopSink) DeliveryFailed()                                {}
func (n *NoopSink) HTTPRequest(string, string, int, time.Duration) {}
