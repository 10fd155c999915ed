// Package httpapi exposes the operational surface: liveness and a readiness
// probe that round-trips the broker. The platform's CRUD API lives elsewhere.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type SelfTester interface {
	SelfTest(ctx context.Context, timeout time.Duration) error
}

type Server struct {
	transport SelfTester
}

func New(transport SelfTester) *Server {
	return &Server{transport: transport}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.transport.SelfTest(req.Context(), 3*time.Second); err != nil {
			http.Error(w, "broker self-test failed: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return r
}
