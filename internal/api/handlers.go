package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meetrec/meetrec-control-plane/internal/model"
	"github.com/meetrec/meetrec-control-plane/internal/session"
)

type joinRequest struct {
	MeetingURL         string `json:"meeting_url"`
	DisplayName        string `json:"display_name"`
	RecordAudio        *bool  `json:"record_audio"`
	MaxDurationMinutes *int   `json:"max_duration_minutes"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            serviceName,
		"version":         s.cfg.Version,
		"status":          "running",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusUnprocessableEntity, "invalid_request", "invalid JSON payload")
		return
	}

	create := session.CreateRequest{
		MeetingURL:  req.MeetingURL,
		DisplayName: req.DisplayName,
		RecordAudio: true,
	}
	if req.RecordAudio != nil {
		create.RecordAudio = *req.RecordAudio
	}
	if req.MaxDurationMinutes != nil {
		if *req.MaxDurationMinutes <= 0 {
			writeAPIError(w, r, http.StatusUnprocessableEntity, "invalid_request", "max_duration_minutes must be a positive integer")
			return
		}
		create.MaxDuration = time.Duration(*req.MaxDurationMinutes) * time.Minute
	}

	v, err := s.sessions.Create(r.Context(), create)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidInput):
			writeAPIError(w, r, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		case errors.Is(err, session.ErrShuttingDown):
			writeAPIError(w, r, http.StatusServiceUnavailable, "unavailable", "service is shutting down")
		default:
			log.Printf("event=join_failed err=%q", err.Error())
			writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to create session")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Bot joining with session ID: %s", v.ID),
		"session": toSessionResponse(v),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"session_id":                 v.ID,
		"status":                     string(v.Status),
		"uptime_seconds":             v.UptimeSeconds(),
		"recording_duration_seconds": v.RecordingDurationSeconds(),
		"recording_file":             nullable(v.RecordingFile()),
		"error_message":              nullable(v.ErrorDetail),
	}
	if v.StopReason != "" {
		resp["stop_reason"] = string(v.StopReason)
	}
	if v.StorageBackend != "" {
		resp["storage_backend"] = v.StorageBackend
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := make([]map[string]any, 0)
	active := 0
	for v := range s.sessions.List() {
		if v.Status.Active() {
			active++
		}
		sessions = append(sessions, map[string]any{
			"session_id":     v.ID,
			"display_name":   v.DisplayName,
			"status":         string(v.Status),
			"uptime_seconds": v.UptimeSeconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": active,
		"sessions":        sessions,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Stop(id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Session %s not found", id))
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to stop session")
		return
	}
	v, err := s.sessions.Get(id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("Recording stopped for %s", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Recording stopped for %s", id),
		"session": toSessionResponse(v),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	path := localRecording(v)
	if path == "" {
		writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Recording for %s not found", v.ID))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Recording for %s not found", v.ID))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Recording for %s not found", v.ID))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Delete(id); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Session %s not found", id))
		case errors.Is(err, model.ErrConflict):
			writeAPIError(w, r, http.StatusConflict, "conflict", err.Error())
		default:
			writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to delete session")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Session %s deleted", id)})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (model.SessionView, bool) {
	id := chi.URLParam(r, "session_id")
	v, err := s.sessions.Get(id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("Session %s not found", id))
			return model.SessionView{}, false
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query session")
		return model.SessionView{}, false
	}
	return v, true
}

// localRecording returns a local file for v, or "" once the recording lives
// only in object storage.
func localRecording(v model.SessionView) string {
	if v.StorageLocation != "" && filepath.IsAbs(v.StorageLocation) {
		return v.StorageLocation
	}
	if v.OutputPath != "" {
		if _, err := os.Stat(v.OutputPath); err == nil {
			return v.OutputPath
		}
	}
	return ""
}

func toSessionResponse(v model.SessionView) map[string]any {
	resp := map[string]any{
		"session_id":   v.ID,
		"meeting_url":  v.MeetingURL,
		"display_name": v.DisplayName,
		"status":       string(v.Status),
		"started_at":   v.StartedAt.UTC().Format(time.RFC3339),
	}
	if v.StoppedAt != nil {
		resp["stopped_at"] = v.StoppedAt.UTC().Format(time.RFC3339)
	}
	if file := v.RecordingFile(); file != "" {
		resp["recording_file"] = file
	}
	return resp
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
