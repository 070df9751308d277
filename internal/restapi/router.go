package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the Admin/Introspection API.
//
// Route layout:
//
//	GET  /healthz            – liveness probe (no authentication required)
//	GET  /api/v1/alarms       – list configured alarms (no authentication required)
//	GET  /api/v1/status       – current projected status of every alarm (no authentication required)
//	POST /api/v1/ack/{name}   – manual ack of a configured alarm (JWT required if pubKey is set)
//
// Only the mutating ack route is ever gated; pubKey governs that route
// alone. Pass nil to run with auth disabled entirely (dev mode).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(EchoRequestID)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alarms", srv.handleGetAlarms)
		r.Get("/status", srv.handleGetStatus)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(JWTMiddleware(pubKey))
			}
			// Fully-qualified alarm names contain a slash
			// ("<area>/<alarm>"), so the name segment is matched with an
			// unrestricted wildcard pattern rather than chi's default
			// single-segment {name}.
			r.Post("/ack/{name:.*}", srv.handlePostAck)
		})
	})

	return r
}
