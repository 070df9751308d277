// Package metrics is a dependency-free Prometheus text-exposition endpoint
// for alarmd.
//
// # Overview
//
// Metrics tracks operational counters and gauges for the whole daemon. All
// fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics
// in the standard Prometheus text exposition format on every GET request.
// Wire it into the Admin API mux at /metrics:
//
//	m := metrics.New()
//	r.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	alarmd_measurements_consumed_total      – counter: measurements read off the broker
//	alarmd_parse_failures_total             – counter: measurements that failed to decode
//	alarmd_broadcast_drops_total            – counter, labelled by measurement: projection events dropped because a subscriber's outbound queue was full
//	alarmd_evaluator_transitions_total      – counter, labelled by state: set/reset events emitted by evaluators
//	alarmd_store_query_failures_total       – counter: History Store queries that returned an error
//	alarmd_acks_processed_total             – counter: acks read off the shared ack channel
//	alarmd_client_outbound_drops_total      – counter, labelled by client: per-client outbound frames dropped
//	alarmd_websocket_clients                – gauge: currently connected websocket clients
//	alarmd_subscriptions                    – gauge: currently active alarm subscriptions across all clients
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges tracked by alarmd. The
// zero value is ready to use; all counters start at zero.
type Metrics struct {
	MeasurementsConsumed atomic.Int64
	ParseFailures        atomic.Int64
	StoreQueryFailures   atomic.Int64
	AcksProcessed        atomic.Int64
	WebsocketClients     atomic.Int64
	Subscriptions        atomic.Int64

	mu                sync.Mutex
	broadcastDrops    map[string]int64 // keyed by measurement name
	evaluatorEvents   map[string]int64 // keyed by state ("set"/"reset")
	clientOutboundDrops map[string]int64 // keyed by client id
}

// New allocates a Metrics value with all counters at zero.
func New() *Metrics {
	return &Metrics{
		broadcastDrops:      make(map[string]int64),
		evaluatorEvents:     make(map[string]int64),
		clientOutboundDrops: make(map[string]int64),
	}
}

// IncBroadcastDrop records a dropped projection event for measurement.
func (m *Metrics) IncBroadcastDrop(measurement string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastDrops[measurement]++
}

// IncEvaluatorTransition records a set or reset event emitted by an
// evaluator. state should be "set" or "reset".
func (m *Metrics) IncEvaluatorTransition(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluatorEvents[state]++
}

// IncClientOutboundDrop records a dropped outbound frame for clientID.
func (m *Metrics) IncClientOutboundDrop(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientOutboundDrops[clientID]++
}

// metricLine is a single Prometheus metric family descriptor plus its
// current value and optional label.
type metricLine struct {
	help      string
	kind      string // "counter" or "gauge"
	name      string
	labelName string
	labelVal  string
	value     int64
}

// snapshot captures the current values of all metrics in a consistent,
// deterministic order.
func (m *Metrics) snapshot() []metricLine {
	lines := []metricLine{
		{
			help:  "Total number of measurements consumed off the broker.",
			kind:  "counter",
			name:  "alarmd_measurements_consumed_total",
			value: m.MeasurementsConsumed.Load(),
		},
		{
			help:  "Total number of measurements that failed to decode.",
			kind:  "counter",
			name:  "alarmd_parse_failures_total",
			value: m.ParseFailures.Load(),
		},
		{
			help:  "Total number of History Store queries that returned an error.",
			kind:  "counter",
			name:  "alarmd_store_query_failures_total",
			value: m.StoreQueryFailures.Load(),
		},
		{
			help:  "Total number of acks read off the shared ack channel.",
			kind:  "counter",
			name:  "alarmd_acks_processed_total",
			value: m.AcksProcessed.Load(),
		},
		{
			help:  "Number of currently connected websocket clients.",
			kind:  "gauge",
			name:  "alarmd_websocket_clients",
			value: m.WebsocketClients.Load(),
		},
		{
			help:  "Number of currently active alarm subscriptions across all clients.",
			kind:  "gauge",
			name:  "alarmd_subscriptions",
			value: m.Subscriptions.Load(),
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for meas, v := range m.broadcastDrops {
		lines = append(lines, metricLine{
			help:      "Total number of projection events dropped because a subscriber's outbound queue was full, by measurement.",
			kind:      "counter",
			name:      "alarmd_broadcast_drops_total",
			labelName: "measurement",
			labelVal:  meas,
			value:     v,
		})
	}
	for state, v := range m.evaluatorEvents {
		lines = append(lines, metricLine{
			help:      "Total number of set/reset events emitted by alarm evaluators.",
			kind:      "counter",
			name:      "alarmd_evaluator_transitions_total",
			labelName: "state",
			labelVal:  state,
			value:     v,
		})
	}
	for client, v := range m.clientOutboundDrops {
		lines = append(lines, metricLine{
			help:      "Total number of outbound frames dropped per websocket client.",
			kind:      "counter",
			name:      "alarmd_client_outbound_drops_total",
			labelName: "client",
			labelVal:  client,
			value:     v,
		})
	}

	return lines
}

// Handler returns an [http.Handler] that writes every metric in the
// Prometheus text exposition format on each GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
// HELP/TYPE comments are only written once per metric family name.
func writeMetrics(w io.Writer, lines []metricLine) {
	seen := make(map[string]bool)
	for _, l := range lines {
		if !seen[l.name] {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
			seen[l.name] = true
		}
		if l.labelName != "" {
			fmt.Fprintf(w, "%s{%s=%q} %d\n", l.name, l.labelName, l.labelVal, l.value)
		} else {
			fmt.Fprintf(w, "%s %d\n", l.name, l.value)
		}
	}
}
