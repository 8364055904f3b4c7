package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Server holds the router and the dependencies shared by all middleware.
// Route mounting happens after construction so tests can register their own
// subsets.
type Server struct {
	Logger *slog.Logger

	// HealthProbes are checked concurrently by HandleHealth. Optional.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer creates a Server with an empty router.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
