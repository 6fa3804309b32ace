// Package api exposes the HTTP surface: the REST control endpoints, the
// HLS/thumbnail/clip file servers, the health probes, and a websocket
// event feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/visiona/argus/internal/core"
)

// Server wraps the HTTP listener around the hub.
type Server struct {
	hub *core.Hub
	srv *http.Server
}

// NewServer builds the routing table and the listener.
func NewServer(hub *core.Hub) *Server {
	s := &Server{hub: hub}

	mux := http.NewServeMux()

	// Health probes, unauthenticated.
	mux.HandleFunc("GET /health", hub.LivenessHandler)
	mux.HandleFunc("GET /readiness", hub.ReadinessHandler)

	// Control endpoints.
	mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	mux.HandleFunc("GET /api/cameras/{id}/status", s.handleCameraStatus)
	mux.HandleFunc("POST /api/cameras/{id}/recording/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/cameras/{id}/recording/stop", s.handleStopRecording)
	mux.HandleFunc("POST /api/cameras/{id}/stream/restart", s.handleRestartStream)
	mux.HandleFunc("GET /api/cameras/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/recordings", s.handleListRecordings)
	mux.HandleFunc("GET /api/recordings/{name}", s.handleDownloadRecording)

	// Artifact file servers.
	store := hub.Store()
	mux.Handle("/streams/", http.StripPrefix("/streams/", noCache(http.FileServer(http.Dir(store.LiveRoot())))))
	mux.Handle("/thumbs/", http.StripPrefix("/thumbs/", noCache(http.FileServer(http.Dir(store.ThumbsRoot())))))
	mux.Handle("/clips/", http.StripPrefix("/clips/", http.FileServer(http.Dir(store.ClipsDir()))))

	// Websocket event feed.
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	s.srv = &http.Server{
		Addr:        hub.Config().HTTP.Addr,
		Handler:     s.withAuth(mux),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving. Non-blocking; listener errors are reported on the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	slog.Info("http server starting", "addr", s.srv.Addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()
	return errCh
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}

// withAuth enforces the bearer token on /api routes. Health probes and
// artifact file servers stay open; an empty configured token disables the
// check entirely.
func (s *Server) withAuth(next http.Handler) http.Handler {
	token := s.hub.Config().HTTP.APIToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// noCache disables caching for live artifacts, which change in place.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
