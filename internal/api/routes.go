// Package api provides HTTP handlers and routing for the orchestrator service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *PerIPRateLimiter
	auth     *auth.Middleware
}

// ServerOption configures optional server middleware.
type ServerOption func(*Server)

// WithRateLimiter limits /api/v1 requests per client IP.
func WithRateLimiter(l *PerIPRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithAuth requires a bearer token on /api/v1 requests.
func WithAuth(m *auth.Middleware) ServerOption {
	return func(s *Server) { s.auth = m }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "orchestrator",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

// Limiter returns the rate limiter, if any.
func (s *Server) Limiter() *PerIPRateLimiter { return s.limiter }

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Handler)
	}
	if s.auth != nil {
		api.Use(s.auth.Handler)
	}

	// Workflow management
	api.HandleFunc("/workflows", s.handlers.SubmitWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}/cancel", s.handlers.CancelWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/retry", s.handlers.RetryWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/workflows/{id}/ws", s.handlers.StreamWebSocket).Methods("GET")

	// Executor nodes
	api.HandleFunc("/nodes", s.handlers.ListNodes).Methods("GET")
	api.Handle("/nodes/{name}/drain", s.operator(s.handlers.DrainNode)).Methods("POST")

	// Backend pools
	api.HandleFunc("/pools", s.handlers.ListPools).Methods("GET")
	api.Handle("/pools/{pool}/members", s.operator(s.handlers.RegisterMember)).Methods("POST")
	api.HandleFunc("/pools/{pool}/select", s.handlers.SelectMember).Methods("POST")
	api.Handle("/pools/{pool}/members/{name}/report", s.operator(s.handlers.ReportMember)).Methods("POST")

	// Preflight requests are answered by CORSMiddleware.
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Apply middleware
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.RequestIDMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
}

// operator restricts membership changes to the operator role when auth is
// configured.
func (s *Server) operator(fn http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return fn
	}
	return s.auth.Operator(fn)
}
