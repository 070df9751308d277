package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/alarmd/internal/alarm"
)

// Server holds the dependencies needed by the Admin API handlers.
type Server struct {
	alarms []alarm.Config
	status StatusSource
	route  AckRoute
	acks   chan<- string
	audit  Auditor
}

// NewServer creates a new Server. alarms is the fixed set of configured
// alarms (loaded once at startup); status, route, and acks wire into the
// running Status Projection and Ack Dispatcher; audit may be nil, in which
// case manual acks are not audited.
func NewServer(alarms []alarm.Config, status StatusSource, route AckRoute, acks chan<- string, audit Auditor) *Server {
	return &Server{alarms: alarms, status: status, route: route, acks: acks, audit: audit}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and always returns 200 so orchestrators can use it as a
// liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetAlarms responds to GET /api/v1/alarms with the fixed set of
// configured alarms.
func (s *Server) handleGetAlarms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alarms)
}

// handleGetStatus responds to GET /api/v1/status with every entry currently
// in the projection; an alarm whose entry was removed (a reset with no
// pending ack) is absent.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	if snap == nil {
		snap = []alarm.Event{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePostAck responds to POST /api/v1/ack/{name}. It validates the name
// against the configured alarm set, enqueues it on the same shared ack
// channel broker- and client-sourced acks use, and records a manual_ack
// audit entry if an Auditor is configured.
func (s *Server) handlePostAck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.route.Valid(name) {
		writeError(w, http.StatusNotFound, "no such alarm: "+name)
		return
	}

	select {
	case s.acks <- name:
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "request cancelled before ack was accepted")
		return
	}

	if s.audit != nil {
		s.audit.RecordManualAck(name, actorFromRequest(r))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"name": name, "status": "accepted"})
}

// actorFromRequest returns the JWT subject claim when present, otherwise
// the caller's remote address.
func actorFromRequest(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
