// Package web is the HTTP surface: webhook ingress, the run/validation JSON
// API, and the live event stream.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasnoah/mergefactory/internal/bus"
	"github.com/lucasnoah/mergefactory/internal/ingress"
	"github.com/lucasnoah/mergefactory/internal/orchestrator"
	"github.com/lucasnoah/mergefactory/internal/pipeline"
	"github.com/lucasnoah/mergefactory/internal/registry"
	"github.com/lucasnoah/mergefactory/internal/telemetry"
)

// Submitter queues pipeline events for asynchronous processing.
// Implemented by the supervisor.
type Submitter interface {
	Submit(ev *pipeline.Event) error
}

// Control is the subset of orchestrator operations the API exposes
// synchronously.
type Control interface {
	CreateAgentRun(ctx context.Context, projectID, prompt string) (*pipeline.AgentRun, error)
	Cancel(ctx context.Context, runID, reason string) (*orchestrator.Outcome, error)
}

// Server serves webhook ingress and the read API.
type Server struct {
	ingress *ingress.Ingress
	submit  Submitter
	control Control
	reg     *registry.Registry
	bus     *bus.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	srv *http.Server
}

// Opts configures a Server.
type Opts struct {
	Port    int
	Ingress *ingress.Ingress
	Submit  Submitter
	Control Control
	Reg     *registry.Registry
	Bus     *bus.Bus
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// NewServer creates a Server with its routes registered.
func NewServer(opts Opts) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &telemetry.Metrics{}
	}
	s := &Server{
		ingress: opts.Ingress,
		submit:  opts.Submit,
		control: opts.Control,
		reg:     opts.Reg,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logger,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the HTTP mux. Exposed for handler tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /validations", s.handleListValidations)
	mux.HandleFunc("GET /validations/{id}", s.handleGetValidation)
	mux.HandleFunc("GET /validations/{id}/events", s.handleValidationEvents)
	mux.HandleFunc("POST /validations/{id}/cancel", s.handleCancelValidation)
	mux.HandleFunc("POST /validations/{id}/retry", s.handleRetryValidation)
	mux.HandleFunc("GET /events/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start listens until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
