// Package server wires the HTTP surface: the gateway WebSocket endpoint,
// the login route that issues the tokens the gateway consumes, health, and
// metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lantern-chat/lantern/internal/gateway"
	"github.com/lantern-chat/lantern/internal/metrics"
	"github.com/lantern-chat/lantern/internal/mfa"
	"github.com/lantern-chat/lantern/internal/middleware"
)

// Server is the HTTP front of the realtime core.
type Server struct {
	state *gateway.State
	mfa   *mfa.Engine
	http  *http.Server
}

// New assembles the routing table.
func New(state *gateway.State, engine *mfa.Engine) *Server {
	s := &Server{state: state, mfa: engine}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/gateway", gateway.NewHandler(state))
	mux.HandleFunc("POST /api/v1/user/@me/login", s.handleLogin)
	mux.HandleFunc("DELETE /api/v1/user/@me/login", s.requireAuth(s.handleLogout))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	handler := middleware.RequestID(middleware.SecurityHeaders(mux))

	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving on the port until Shutdown.
func (s *Server) ListenAndServe(port int) error {
	s.http.Addr = fmt.Sprintf(":%d", port)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests. Open WebSockets are closed by the
// gateway's own shutdown signal, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Auth(s.state.Auth)(next).ServeHTTP
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DB.Ping(r.Context()); err != nil {
		http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
