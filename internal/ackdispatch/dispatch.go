// Package ackdispatch implements the Ack Dispatcher: the single task that
// turns an acknowledged alarm name, regardless of which of the three
// sources it arrived from (broker, client websocket, Admin API), into a
// persisted ack record and a synthetic projection event.
package ackdispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/tripwire/alarmd/internal/alarm"
	"github.com/tripwire/alarmd/internal/metrics"
)

// Store is the subset of history.Store the dispatcher depends on.
type Store interface {
	RecordAck(ctx context.Context, name string)
}

// Dispatcher reads names from the shared ack channel fed by the broker ack
// consumer, client websocket sessions, and the Admin API, and for each one
// records the ack and emits a synthetic event to the projection. It never
// consults or mutates any evaluator's in-memory state: the authority for a
// later reset is the persisted row and the projection, not the dispatcher.
type Dispatcher struct {
	store  Store
	events chan<- alarm.Event
	log    *slog.Logger
	now    func() time.Time
	m      *metrics.Metrics
}

// New constructs a Dispatcher. events is the shared channel also fed by
// every Evaluator and read by the Status Projection & Subscription
// Broadcaster. m may be nil to disable metrics collection.
func New(store Store, events chan<- alarm.Event, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{store: store, events: events, log: log, now: time.Now, m: m}
}

// Run reads names from acks until it is closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, acks <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-acks:
			if !ok {
				return
			}
			d.dispatch(ctx, name)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, name string) {
	d.store.RecordAck(ctx, name)
	if d.m != nil {
		d.m.AcksProcessed.Add(1)
	}

	evt := alarm.AckEvent(name, d.now())
	select {
	case d.events <- evt:
	case <-ctx.Done():
	}
}
