// Package api provides HTTP handlers and routing for the conductor service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Task graph management
	api.HandleFunc("/tasks", s.handlers.SubmitTask).Methods("POST")
	api.HandleFunc("/tasks", s.handlers.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", s.handlers.CancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Capability discovery
	api.HandleFunc("/capabilities", s.handlers.ListCapabilities).Methods("GET")

	// Self-improvement surface
	api.HandleFunc("/patterns", s.handlers.ListPatterns).Methods("GET")
	api.HandleFunc("/proposals", s.handlers.ListProposals).Methods("GET")
	api.HandleFunc("/proposals/{id}", s.handlers.GetProposal).Methods("GET")
	api.HandleFunc("/proposals/{id}/approve", s.handlers.ApproveProposal).Methods("POST")
	api.HandleFunc("/proposals/{id}/reject", s.handlers.RejectProposal).Methods("POST")
	api.HandleFunc("/proposals/{id}/apply", s.handlers.ApplyProposal).Methods("POST")

	// GraphStore diagnostics
	api.HandleFunc("/graphstore/info", s.handlers.StoreInfo).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
