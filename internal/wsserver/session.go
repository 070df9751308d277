package wsserver

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tripwire/alarmd/internal/alarm"
)

// Broadcaster is the subset of projection.Broadcaster a session depends on.
type Broadcaster interface {
	Subscribe(name, clientID string, ch chan<- []byte) bool
	Unsubscribe(clientID string)
	GetAllSubscribed(names []string) []alarm.Event
}

// AckRoute validates that a name is a configured alarm before a client ack
// is forwarded. It is populated once at startup from the loaded
// configuration and never mutated afterward.
type AckRoute interface {
	Valid(name string) bool
}

// session holds the per-connection state a Handler needs to dispatch
// commands: the set of names this connection has subscribed to (so ::ga::
// can answer with exactly its own subscriptions).
type session struct {
	clientID string
	bc       Broadcaster
	route    AckRoute
	acks     chan<- string
	log      *slog.Logger

	subscribed []string
}

// newSession constructs a session for one accepted connection.
func newSession(clientID string, bc Broadcaster, route AckRoute, acks chan<- string, log *slog.Logger) *session {
	return &session{clientID: clientID, bc: bc, route: route, acks: acks, log: log}
}

// handle dispatches one inbound text frame. send is this connection's
// outbound channel, passed through so a ::subscribe:: command can register
// it with the Broadcaster. It returns an optional reply frame to write
// back to the client; ok is false when no reply is due.
func (s *session) handle(msg string, send chan<- []byte) (reply string, ok bool) {
	cmd := parseCommand(msg)
	switch cmd.kind {
	case cmdKindKeepAlive:
		return "", false

	case cmdKindSubscribe:
		if s.bc.Subscribe(cmd.arg, s.clientID, send) {
			s.subscribed = append(s.subscribed, cmd.arg)
		}
		return "", false

	case cmdKindAck:
		if !s.route.Valid(cmd.arg) {
			return "Couldn't find " + cmd.arg + " to ack", true
		}
		s.acks <- cmd.arg
		return "", false

	case cmdKindGetAll:
		return s.getAll(), true

	default:
		s.log.Info("wsserver: unknown command", slog.String("client", s.clientID), slog.String("message", msg))
		return "", false
	}
}

func (s *session) getAll() string {
	events := s.bc.GetAllSubscribed(s.subscribed)
	lines := make([]string, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n")
}

// close releases every subscription this session holds.
func (s *session) close() {
	s.bc.Unsubscribe(s.clientID)
}
