// Package session tracks the live per-camera sessions. The registry is
// the single coordination point: exactly one session exists per camera,
// and all per-camera workers hang off it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/motion"
	"github.com/visiona/argus/internal/supervisor"
	"github.com/visiona/argus/internal/thumbnail"
)

// ErrSessionExists is returned when a session is registered for a camera
// that already has one.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned when no session is registered for the
// camera.
var ErrSessionNotFound = errors.New("session not found")

// Session bundles one camera's workers. The cancel function stops the
// sampler and detector loops; the supervisor has its own Stop.
type Session struct {
	Camera     config.Camera
	Supervisor *supervisor.Supervisor
	Sampler    *thumbnail.Sampler
	Detector   *motion.Detector
	Cancel     context.CancelFunc
}

// Registry is a concurrency-safe map of camera ID to session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session. Exactly one caller wins for a given camera;
// the rest get ErrSessionExists.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.Camera.ID
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("camera %s: %w", id, ErrSessionExists)
	}
	r.sessions[id] = s
	return nil
}

// Get returns the session for the camera.
func (r *Registry) Get(cameraID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.sessions[cameraID]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrSessionNotFound)
	}
	return s, nil
}

// Remove deletes and returns the session for the camera. The caller owns
// the teardown of the returned session.
func (r *Registry) Remove(cameraID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, exists := r.sessions[cameraID]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrSessionNotFound)
	}
	delete(r.sessions, cameraID)
	return s, nil
}

// List returns a snapshot of all sessions ordered by camera ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Camera.ID < out[j].Camera.ID })
	return out
}

// IDs returns the registered camera IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
