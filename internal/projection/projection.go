// Package projection implements the Status Projection & Subscription
// Broadcaster: a single task that fans out alarm events to subscribed
// clients and maintains the current-status snapshot used to answer
// GetAllSubscribed queries.
package projection

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tripwire/alarmd/internal/alarm"
	"github.com/tripwire/alarmd/internal/metrics"
)

// OutboundCap is the recommended bounded capacity for per-client outbound
// channels; a full channel drops the event for that client only.
const OutboundCap = 5

// Broadcaster owns the projection map and the subscription map. Both are
// guarded by their own independent mutex, held only for the duration of the
// map mutation — never across network or channel I/O — per the
// shared-resource policy: no two locks are ever held simultaneously and
// there is no lock nesting.
type Broadcaster struct {
	log *slog.Logger
	m   *metrics.Metrics
	pub Publisher

	projMu sync.Mutex
	proj   map[string]alarm.Event

	subMu sync.Mutex
	subs  map[string]map[string]chan<- []byte
}

// Publisher republishes a processed event onto the broker's alarms
// exchange. A failure is logged, never treated as fatal: the History
// Store insert performed by the evaluator, not this outbound publish, is
// the engine's durability guarantee.
type Publisher interface {
	Publish(evt alarm.Event) error
}

// Option configures optional Broadcaster behavior.
type Option func(*Broadcaster)

// WithMetrics attaches a metrics sink. Without it, Broadcaster runs with
// metrics collection disabled (all hooks become no-ops).
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.m = m }
}

// WithPublisher attaches the broker connection used to republish every
// processed event onto the alarms exchange.
func WithPublisher(p Publisher) Option {
	return func(b *Broadcaster) { b.pub = p }
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(log *slog.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		log:  log,
		proj: make(map[string]alarm.Event),
		subs: make(map[string]map[string]chan<- []byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run reads events from the shared channel fed by every Evaluator and the
// Ack Dispatcher, and processes each one to completion before reading the
// next — this single task is what gives the engine a total order on
// projection updates despite evaluators running concurrently. Run returns
// when events is closed.
func (b *Broadcaster) Run(events <-chan alarm.Event) {
	for e := range events {
		b.process(e)
	}
}

func (b *Broadcaster) process(e alarm.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("projection: marshal event failed", slog.String("name", e.Name), slog.Any("error", err))
		return
	}

	b.fanOut(e.Name, payload)
	b.project(e)

	if b.pub != nil {
		if err := b.pub.Publish(e); err != nil {
			b.log.Warn("projection: republish to alarms exchange failed", slog.String("name", e.Name), slog.Any("error", err))
		}
	}
}

// fanOut copies the current subscriber set for name under the subscription
// lock, then sends to each subscriber's outbound channel after releasing
// the lock — a full channel drops the event for that subscriber only.
func (b *Broadcaster) fanOut(name string, payload []byte) {
	b.subMu.Lock()
	set := b.subs[name]
	clients := make([]chan<- []byte, 0, len(set))
	ids := make([]string, 0, len(set))
	for id, ch := range set {
		clients = append(clients, ch)
		ids = append(ids, id)
	}
	b.subMu.Unlock()

	for i, ch := range clients {
		select {
		case ch <- payload:
		default:
			b.log.Warn("projection: dropping event for slow client", slog.String("client", ids[i]), slog.String("name", name))
			if b.m != nil {
				b.m.IncBroadcastDrop(name)
				b.m.IncClientOutboundDrop(ids[i])
			}
		}
	}
}

// project applies the remove-on-reset-plus-none rule, otherwise
// insert-or-replace, under the projection lock.
func (b *Broadcaster) project(e alarm.Event) {
	b.projMu.Lock()
	defer b.projMu.Unlock()
	if e.State == alarm.StateReset && e.Ack == alarm.AckNone {
		delete(b.proj, e.Name)
		return
	}
	b.proj[e.Name] = e
}

// Subscribe adds client (identified by clientID, the remote socket address
// per the data model) to the subscription set for name, delivering future
// events for name on ch. It returns whether the client was newly added;
// repeated calls with the same clientID for the same name are idempotent.
func (b *Broadcaster) Subscribe(name, clientID string, ch chan<- []byte) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[name]
	if !ok {
		set = make(map[string]chan<- []byte)
		b.subs[name] = set
	}
	if _, already := set[clientID]; already {
		return false
	}
	set[clientID] = ch
	if b.m != nil {
		b.m.Subscriptions.Add(1)
	}
	return true
}

// Unsubscribe removes every subscription held by clientID. Client sessions
// are responsible for calling this on disconnect; callers that skip it
// leave stale channel references until process restart.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for name, set := range b.subs {
		if _, ok := set[clientID]; !ok {
			continue
		}
		delete(set, clientID)
		if b.m != nil {
			b.m.Subscriptions.Add(-1)
		}
		if len(set) == 0 {
			delete(b.subs, name)
		}
	}
}

// GetAllSubscribed reads the current projection for each name in names
// under the projection lock and returns present entries only, preserving
// input order.
func (b *Broadcaster) GetAllSubscribed(names []string) []alarm.Event {
	b.projMu.Lock()
	defer b.projMu.Unlock()
	out := make([]alarm.Event, 0, len(names))
	for _, n := range names {
		if e, ok := b.proj[n]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns every currently-projected event, used by the Admin API's
// status endpoint.
func (b *Broadcaster) Snapshot() []alarm.Event {
	b.projMu.Lock()
	defer b.projMu.Unlock()
	out := make([]alarm.Event, 0, len(b.proj))
	for _, e := range b.proj {
		out = append(out, e)
	}
	return out
}
