package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fathom-vault/fathom/crystal"
)

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedule.Get(s.workspace(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled      bool `json:"enabled"`
		IntervalDays int  `json:"intervalDays"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	sched, err := s.schedule.Set(s.workspace(r), req.Enabled, req.IntervalDays)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.logger.Infow("Crystal schedule updated",
		"workspace", sched.Workspace,
		"enabled", sched.Enabled,
		"interval_days", sched.IntervalDays)
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleCrystalSpawn(w http.ResponseWriter, r *http.Request) {
	var req crystal.SpawnRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}

	job, err := s.orchestrator.Spawn(s.workspace(r), req)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// upgrader for the progress stream. Origin checking honors the configured
// allow-list; an empty list admits same-host requests only.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(s.cfg.AllowedOrigins) == 0 {
				return true
			}
			for _, allowed := range s.cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// handleCrystalStream pushes a job's progress events over a WebSocket.
// The subscription is cancelled when the client goes away; the connection
// closes after the terminal event.
func (s *Server) handleCrystalStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	events, cancel, err := s.orchestrator.Subscribe(jobID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	defer cancel()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debugw("Crystal stream opened", "job_id", jobID)

	// Reader goroutine notices client disconnects
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Terminal event already sent; close politely
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("Crystal stream write failed", "job_id", jobID, "error", err)
				return
			}
		case <-clientGone:
			s.logger.Debugw("Crystal stream client disconnected", "job_id", jobID)
			return
		case <-r.Context().Done():
			return
		}
	}
}
