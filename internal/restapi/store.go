// Package rest implements the Admin/Introspection API: a small read-mostly
// surface for listing configured alarms, querying current status, and
// issuing manual acks, gated by an optional RS256 JWT bearer requirement.
package rest

import "github.com/tripwire/alarmd/internal/alarm"

// StatusSource is the subset of projection.Broadcaster the status endpoint
// depends on.
type StatusSource interface {
	Snapshot() []alarm.Event
}

// AckRoute validates that a name is a configured alarm before a manual ack
// is accepted.
type AckRoute interface {
	Valid(name string) bool
}

// Auditor records a manual-ack event to the audit trail. Implementations
// must not block the HTTP response on a slow secondary sink.
type Auditor interface {
	RecordManualAck(name, actor string)
}
