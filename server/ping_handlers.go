package server

import (
	"net/http"

	"github.com/fathom-vault/fathom/ping"
)

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	routines, err := s.routines.List(s.workspace(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if routines == nil {
		routines = []*ping.Routine{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routines": routines})
}

func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var req ping.CreateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	routine, err := s.routines.Create(s.workspace(r), req)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.logger.Infow("Routine created",
		"routine_id", routine.ID,
		"workspace", routine.Workspace,
		"name", routine.Name)
	writeJSON(w, http.StatusCreated, routine)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	routine, err := s.routines.Get(s.workspace(r), r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handlePatchRoutine(w http.ResponseWriter, r *http.Request) {
	var patch ping.RoutinePatch
	if err := readJSON(w, r, &patch); err != nil {
		return
	}

	routine, err := s.routines.Patch(s.workspace(r), r.PathValue("id"), patch)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	if err := s.routines.Delete(s.workspace(r), r.PathValue("id")); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleFireRoutineNow(w http.ResponseWriter, r *http.Request) {
	routine, err := s.routines.FireNow(s.workspace(r), r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	s.logger.Infow("Routine armed for immediate fire",
		"routine_id", routine.ID,
		"workspace", routine.Workspace)
	writeJSON(w, http.StatusOK, routine)
}
