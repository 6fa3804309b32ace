package api

import (
	"encoding/json"
	"net/http"

	"github.com/visiona/argus/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsRecordingConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cameras": s.hub.Status(),
	})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.hub.CameraStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	clip, err := s.hub.StartRecording(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera_id": id,
		"recording": true,
		"clip":      clip,
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.StopRecording(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera_id": id,
		"recording": false,
	})
}

func (s *Server) handleRestartStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.RestartCamera(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"camera_id": id,
		"message":   "stream restart requested",
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	path, err := s.hub.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	clips, err := s.hub.ListClips(r.URL.Query().Get("camera_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": clips,
	})
}

func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	path, err := s.hub.Store().GetClipPath(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, path)
}
