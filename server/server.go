// Package server exposes the HTTP and WebSocket API: routine CRUD, the
// regeneration schedule, job spawn/stream, and session control.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/crystal"
	"github.com/fathom-vault/fathom/ping"
)

// Session is the live agent session as the API sees it.
type Session interface {
	IsRunning() bool
	EnsureRunning() error
	Restart() error
}

// MementoStatus reports external memory store connectivity.
type MementoStatus interface {
	GetStatus(ctx context.Context, workspace string) crystal.Status
}

// Config configures the API server.
type Config struct {
	Port             int
	AllowedOrigins   []string
	DefaultWorkspace string
}

// Server serves the activation API.
type Server struct {
	cfg          Config
	routines     *ping.Store
	schedule     *crystal.ScheduleStore
	orchestrator *crystal.Orchestrator
	session      Session
	memento      MementoStatus
	logger       *zap.SugaredLogger
	httpServer   *http.Server
}

// New creates the API server
func New(cfg Config, routines *ping.Store, schedule *crystal.ScheduleStore, orchestrator *crystal.Orchestrator, sess Session, memento MementoStatus, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:          cfg,
		routines:     routines,
		schedule:     schedule,
		orchestrator: orchestrator,
		session:      sess,
		memento:      memento,
		logger:       logger,
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the stream endpoint holds its connection open
	}
	return s
}

// routes wires the API surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/activation/status", s.handleStatus)

	mux.HandleFunc("GET /api/activation/ping/routines", s.handleListRoutines)
	mux.HandleFunc("POST /api/activation/ping/routines", s.handleCreateRoutine)
	mux.HandleFunc("GET /api/activation/ping/routines/{id}", s.handleGetRoutine)
	mux.HandleFunc("POST /api/activation/ping/routines/{id}", s.handlePatchRoutine)
	mux.HandleFunc("DELETE /api/activation/ping/routines/{id}", s.handleDeleteRoutine)
	mux.HandleFunc("POST /api/activation/ping/routines/{id}/now", s.handleFireRoutineNow)

	mux.HandleFunc("GET /api/activation/schedule", s.handleGetSchedule)
	mux.HandleFunc("POST /api/activation/schedule", s.handleSetSchedule)

	mux.HandleFunc("POST /api/activation/crystal/spawn", s.handleCrystalSpawn)
	mux.HandleFunc("GET /api/activation/crystal/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/activation/crystal/stream/{id}", s.handleCrystalStream)

	mux.HandleFunc("GET /api/activation/session", s.handleGetSession)
	mux.HandleFunc("POST /api/activation/session/restart", s.handleRestartSession)

	return mux
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// workspace resolves the target workspace for a request.
func (s *Server) workspace(r *http.Request) string {
	if ws := r.URL.Query().Get("workspace"); ws != "" {
		return ws
	}
	return s.cfg.DefaultWorkspace
}

// handleStatus reports session, memento, and active-job state in one shot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspace := s.workspace(r)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"workspace":      workspace,
		"sessionRunning": s.session.IsRunning(),
		"memento":        s.memento.GetStatus(ctx, workspace),
		"activeJob":      s.orchestrator.ActiveJob(workspace),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.session.IsRunning()})
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Restart(); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.session.IsRunning()})
}
