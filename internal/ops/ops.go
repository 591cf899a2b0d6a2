// Package ops serves the minimal read-only operational endpoints. These
// sit outside the control loop: nothing in the pipeline reads them and
// they never mutate state.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts /health plus any registered read-only JSON endpoints and
// the prometheus /metrics handler.
type Server struct {
	service string
	version string
	router  *mux.Router
	httpSrv *http.Server
	health  func() map[string]any
}

// NewServer creates an ops server for a component.
func NewServer(service, version, addr string) *Server {
	s := &Server{
		service: service,
		version: version,
		router:  mux.NewRouter(),
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetHealthFields registers extra fields merged into the /health body,
// e.g. the edge agent's safety flags.
func (s *Server) SetHealthFields(fn func() map[string]any) {
	s.health = fn
}

// HandleJSON registers a read-only GET endpoint serving fn's result.
func (s *Server) HandleJSON(path string, fn func() (any, error)) {
	s.router.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		body, err := fn()
		if err != nil {
			http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": s.service,
		"version": s.version,
	}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Start serves in the background. Listen failures are logged, not fatal:
// the control loop must not die because an ops port is taken.
func (s *Server) Start() {
	go func() {
		slog.Info("[Ops] HTTP endpoints listening", "service", s.service, "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Ops] HTTP server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("[Ops] Response encode failed", "error", err)
	}
}
