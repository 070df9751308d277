package alarm

import (
	"context"
	"log/slog"

	"github.com/tripwire/alarmd/internal/metrics"
)

// Store is the subset of the History Store an Evaluator depends on.
type Store interface {
	InsertEvent(ctx context.Context, e Event)
	Latest(ctx context.Context, name string) (Event, bool)
}

// Evaluator runs the per-alarm state machine described in the alarm
// evaluation component: one goroutine per configured alarm, consuming
// measurement values from a broadcast subscription and emitting AlarmEvent
// values onto a shared projection channel.
type Evaluator struct {
	cfg    Config
	store  Store
	log    *slog.Logger
	meas   <-chan int64
	events chan<- Event
	m      *metrics.Metrics
}

// NewEvaluator constructs an Evaluator for cfg. meas is the broadcast
// receiver for cfg.Measurement; events is the shared channel read by the
// Status Projection & Broadcaster. m may be nil to disable metrics
// collection.
func NewEvaluator(cfg Config, store Store, log *slog.Logger, meas <-chan int64, events chan<- Event, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		store:  store,
		log:    log.With("alarm", cfg.Name),
		meas:   meas,
		events: events,
		m:      m,
	}
}

// Run consumes measurement values until meas is closed or ctx is
// cancelled. It never terminates on a per-event error.
func (e *Evaluator) Run(ctx context.Context) {
	state := StateReset
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-e.meas:
			if !ok {
				return
			}
			state = e.handle(ctx, state, v)
		}
	}
}

func (e *Evaluator) handle(ctx context.Context, state AlarmState, v int64) AlarmState {
	switch {
	case v == e.cfg.SetValue:
		evt := Event{
			Name:      e.cfg.Name,
			Severity:  e.cfg.Severity,
			State:     StateSet,
			Ack:       AckNotAck,
			Value:     v,
			Timestamp: timeNow(),
		}
		e.emit(evt)
		e.store.InsertEvent(ctx, evt)
		e.incTransition("set")
		return StateSet

	case v == e.cfg.ResetValue:
		latest, ok := e.store.Latest(ctx, e.cfg.Name)
		if !ok {
			// Store query failure or no prior row: suppress emission, per
			// the reset-query gate.
			return state
		}
		if latest.State == StateReset {
			return state
		}
		ack := AckNone
		if latest.Ack == AckAck {
			ack = AckAck
		}
		evt := Event{
			Name:      e.cfg.Name,
			Severity:  e.cfg.Severity,
			State:     StateReset,
			Ack:       ack,
			Value:     v,
			Timestamp: timeNow(),
		}
		e.emit(evt)
		e.store.InsertEvent(ctx, evt)
		e.incTransition("reset")
		return StateReset

	default:
		return state
	}
}

// emit sends to the projection channel, blocking if full — this is the
// intentional backpressure point between evaluators and the broadcaster.
func (e *Evaluator) emit(evt Event) {
	e.events <- evt
}

func (e *Evaluator) incTransition(state string) {
	if e.m != nil {
		e.m.IncEvaluatorTransition(state)
	}
}
