package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/camdash/camdash/internal/tasks"
	"github.com/camdash/camdash/internal/viewer"
)

func (s *Server) registerAPIRoutes() {
	s.mux.HandleFunc("GET /api/grid", s.handleGridStatus)
	s.mux.HandleFunc("POST /api/grid/page", s.handleSetPage)
	s.mux.HandleFunc("POST /api/cameras/{id}/reconnect", s.handleReconnect)

	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/fail", s.handleFailTask)
	s.mux.HandleFunc("GET /api/tasks/records", s.handleListRecords)
	s.mux.HandleFunc("GET /api/tasks/auto-mode", s.handleGetAutoMode)
	s.mux.HandleFunc("POST /api/tasks/auto-mode", s.handleSetAutoMode)

	s.mux.HandleFunc("GET /api/stats", s.handleStats)
}

func (s *Server) handleGridStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Grid.Status())
}

func (s *Server) handleSetPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Page int `json:"page"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Grid.SetPage(req.Page); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, s.deps.Grid.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Grid.Reconnect(r.PathValue("id"))
	if errors.Is(err, viewer.ErrUnknownCamera) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"reconnecting": true})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Tasks.Tasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		CameraID     string `json:"cameraId"`
		TargetObject string `json:"targetObject"`
		IsManual     *bool  `json:"isManual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	manual := true
	if req.IsManual != nil {
		manual = *req.IsManual
	}
	task, err := s.deps.Tasks.Create(r.Context(), req.Name, req.Description, req.CameraID, req.TargetObject, manual)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Details string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.finishTask(w, r, func() error {
		return s.deps.Tasks.Complete(r.Context(), r.PathValue("id"), req.Details)
	})
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.finishTask(w, r, func() error {
		return s.deps.Tasks.Fail(r.Context(), r.PathValue("id"), req.Error)
	})
}

func (s *Server) finishTask(w http.ResponseWriter, r *http.Request, finish func() error) {
	err := finish()
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	records, err := s.deps.Tasks.Records(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetAutoMode(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"enabled": s.deps.Tasks.AutoMode()})
}

func (s *Server) handleSetAutoMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.deps.Tasks.SetAutoMode(req.Enabled)
	WriteJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	accuracy, err := s.deps.Tasks.AccuracyByCamera(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"streams":  s.deps.Stats.Snapshot(),
		"accuracy": accuracy,
	})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}
