// Package broadcast fans execution events out to live observers.
//
// A Broadcaster keeps, per execution id, the set of subscribed connections
// and, per connection, the set of execution ids it follows, so a connection
// that goes away is removed from all of them at once. There is no backlog:
// a subscriber only gets events published after it subscribed.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// Subscriber is one observer connection. Send must not block for long,
// implementations are expected to queue. Events for one execution are
// always sent from a single goroutine, in publish order.
type Subscriber interface {
	Send(model.Event) error
	Open() bool
}

// Sink receives observability signals.
type Sink interface {
	SubscribersUpdate(count int)
	DeliveryFailed()
}

type nopSink struct{}

func (nopSink) SubscribersUpdate(int) {}
func (nopSink) DeliveryFailed()       {}

type Broadcaster struct {
	mx     sync.RWMutex
	byExec map[string]map[Subscriber]struct{}
	bySub  map[Subscriber]map[string]struct{}
	sink   Sink
}

func New() *Broadcaster {
	return &Broadcaster{
		byExec: make(map[string]map[Subscriber]struct{}),
		bySub:  make(map[Subscriber]map[string]struct{}),
		sink:   nopSink{},
	}
}

func (b *Broadcaster) WithSink(sink Sink) *Broadcaster {
	if sink != nil {
		b.sink = sink
	}
	return b
}

func (b *Broadcaster) Subscribe(executionID string, sub Subscriber) {
	b.mx.Lock()
	defer b.mx.Unlock()

	subs, ok := b.byExec[executionID]
	if !ok {
		subs = make(map[Subscriber]struct{})
		b.byExec[executionID] = subs
	}
	subs[sub] = struct{}{}

	ids, ok := b.bySub[sub]
	if !ok {
		ids = make(map[string]struct{})
		b.bySub[sub] = ids
	}
	ids[executionID] = struct{}{}
	b.sink.SubscribersUpdate(len(b.bySub))
}

func (b *Broadcaster) Unsubscribe(executionID string, sub Subscriber) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.unsubscribe(executionID, sub)
	b.sink.SubscribersUpdate(len(b.bySub))
}

func (b *Broadcaster) unsubscribe(executionID string, sub Subscriber) {
	if subs, ok := b.byExec[executionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.byExec, executionID)
		}
	}
	if ids, ok := b.bySub[sub]; ok {
		delete(ids, executionID)
		if len(ids) == 0 {
			delete(b.bySub, sub)
		}
	}
}

// Drop removes sub from every execution it was subscribed to.
func (b *Broadcaster) Drop(sub Subscriber) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for id := range b.bySub[sub] {
		b.unsubscribe(id, sub)
	}
	b.sink.SubscribersUpdate(len(b.bySub))
}

// Release forgets every subscription to executionID. It is called once the
// final event of the execution was published.
func (b *Broadcaster) Release(executionID string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for sub := range b.byExec[executionID] {
		b.unsubscribe(executionID, sub)
	}
	b.sink.SubscribersUpdate(len(b.bySub))
}

// Publish sends event to every current subscriber of executionID.
// Subscribers which are not open are skipped. A subscriber whose Send
// fails is dropped.
func (b *Broadcaster) Publish(ctx context.Context, executionID string, event model.Event) {
	b.mx.RLock()
	subs := make([]Subscriber, 0, len(b.byExec[executionID]))
	for sub := range b.byExec[executionID] {
		subs = append(subs, sub)
	}
	b.mx.RUnlock()

	for _, sub := range subs {
		if !sub.Open() {
			continue
		}
		if err := sub.Send(event); err != nil {
			slog.DebugContext(ctx, "dropping subscriber", "event", event.Type, "error", err)
			b.sink.DeliveryFailed()
			b.Drop(sub)
		}
	}
}

func (b *Broadcaster) Subscribers(executionID string) int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.byExec[executionID])
}
