package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/callscribe/internal/audio"
	"github.com/audiolibrelab/callscribe/internal/config"
	"github.com/audiolibrelab/callscribe/internal/service"
	"github.com/audiolibrelab/callscribe/internal/session"
)

// Server exposes recording control as a JSON API
type Server struct {
	service service.Service
	cfg     *config.Config
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    string          `json:"status"` // "RECORDING" or "IDLE"
	Message   string          `json:"message,omitempty"`
	Session   *session.Status `json:"session,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Config    ConfigInfo      `json:"config"`
}

// ConfigInfo contains the parts of the resolved configuration clients show
type ConfigInfo struct {
	Profile    string `json:"profile,omitempty"`
	Backend    string `json:"backend"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	OutputDir  string `json:"output_dir"`
}

// StartRequest is the optional body of POST /api/recording/start
type StartRequest struct {
	LoopbackIndex *int `json:"loopback_index,omitempty"`
	MicIndex      *int `json:"mic_index,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, cfg *config.Config) *Server {
	s := &Server{service: svc, cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
	s.mux.HandleFunc("POST /api/recording/start", s.handleStartRecording)
	s.mux.HandleFunc("POST /api/recording/stop", s.handleStopRecording)
	s.mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	s.mux.HandleFunc("GET /api/recordings/{id}/audio", s.handleRecordingAudio)
	s.mux.HandleFunc("DELETE /api/recordings/{id}", s.handleDeleteRecording)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting CallScribe API server", "url", fmt.Sprintf("http://%s", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Shutting down API server")
	return srv.Shutdown(shutdownCtx)
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.service.GetRecordingStatus()

	response := StatusResponse{
		Status:    "IDLE",
		Message:   "Ready to record",
		LastError: s.service.GetLastError(),
		Config:    s.configInfo(),
	}
	if st.Recording {
		response.Status = "RECORDING"
		response.Message = fmt.Sprintf("Recording for %s", st.Elapsed.Round(time.Second))
		response.Session = &st
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *Server) configInfo() ConfigInfo {
	info := ConfigInfo{
		Backend:    s.service.Backend(),
		SampleRate: s.cfg.Audio.SampleRate,
		Format:     s.cfg.Output.Format,
		OutputDir:  s.cfg.Output.Directory,
	}
	if s.cfg.Inheritance != nil {
		info.Profile = s.cfg.Inheritance.Profile
	}
	return info
}

// handleDevices lists loopback and input devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListDevices()
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to list devices: %v", err), "operation", "list_devices")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleStartRecording starts a recording session
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON body", "operation", "start_recording", "error", err)
		return
	}

	id, err := s.service.StartRecording(req.LoopbackIndex, req.MicIndex)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start_recording")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
		"status":  "recording",
	})
}

// handleStopRecording stops the current recording session. The stop runs to
// completion even if the client goes away.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.StopRecording(context.WithoutCancel(r.Context()))
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to stop recording: %v", err), "operation", "stop_recording")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"id":            res.ID,
		"status":        "stopped",
		"path":          res.Path,
		"duration_secs": res.DurationSecs,
		"started_at":    res.StartedAt,
		"audio_url":     fmt.Sprintf("/api/recordings/%s/audio", res.ID),
	})
}

// handleRecordings lists delivered recordings
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list recordings: %v", err), "operation", "list_recordings")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recs,
		"count":      len(recs),
	})
}

// handleRecordingAudio streams a recording file
func (s *Server) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	path, err := s.service.RecordingPath(r.PathValue("id"))
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	ext := strings.ToLower(filepath.Ext(path))
	contentType := mime.TypeByExtension(ext)

	// Some systems don't have these MIME types registered
	switch ext {
	case ".flac":
		contentType = "audio/flac"
	case ".wav":
		contentType = "audio/wav"
	case ".mp3":
		contentType = "audio/mpeg"
	case ".ogg":
		contentType = "audio/ogg"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeFile(w, r, path)
}

// handleDeleteRecording removes a recording
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if current := s.service.GetRecordingStatus(); current.Recording && current.SessionID == id {
		s.sendErrorResponse(w, http.StatusConflict, "Cannot delete the recording in progress", "id", id)
		return
	}
	if err := s.service.DeleteRecording(id); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to delete recording: %v", err), "id", id)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": id})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var stateErr *session.StateError
	var mixErr *session.MixingError
	switch {
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoDevice), errors.Is(err, audio.ErrTerminated):
		return http.StatusServiceUnavailable
	case errors.As(err, &mixErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientDiskSpace):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
