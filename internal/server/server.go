// Package server exposes the orchestrator over HTTP: status and session
// listings for the CLI, and an endpoint platform bridges post events to.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhubert/relay/internal/agent"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

// maxEventBytes bounds the size of a posted event.
const maxEventBytes = 1 << 20

// Orchestrator is the part of agent.Orchestrator the server uses.
type Orchestrator interface {
	HandleInboundEvent(ctx context.Context, ev agent.Event) error
	GetStatus() agent.Status
	SessionSummaries() []agent.SessionSummary
	SessionSummary(id string) (agent.SessionSummary, error)
}

// Server serves the relay HTTP API.
type Server struct {
	addr   string
	orch   Orchestrator
	router chi.Router
	logger *slog.Logger
}

// New returns a server for orch listening on addr.
func New(addr string, orch Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = logger.ComponentLogger("server")
	}
	s := &Server{addr: addr, orch: orch, logger: log}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Get("/{id}", s.handleSession)
	})
	r.Post("/events", s.handleEvent)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetStatus())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.SessionSummaries())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.orch.SessionSummary(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev agent.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, errors.E(errors.Op("server.Event"), errors.KindInvalid, "malformed event", err))
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, errors.E(errors.Op("server.Event"), errors.KindInvalid, "event type is required"))
		return
	}

	// The event outlives a client that hangs up mid-request.
	ctx := context.WithoutCancel(r.Context())
	if err := s.orch.HandleInboundEvent(ctx, ev); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindRouting:
		return http.StatusUnprocessableEntity
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.ComponentLogger("server").Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  errors.GetKind(err).Code(),
	})
}
