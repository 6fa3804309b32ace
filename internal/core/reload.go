package core

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/visiona/argus/internal/config"
)

// Reload re-reads the configuration file and reconciles the camera set:
// removed or disabled cameras are torn down, new ones started, and
// changed ones restarted with their new settings. Global settings other
// than the camera list require a process restart.
func (h *Hub) Reload(ctx context.Context) error {
	h.mu.RLock()
	running := h.isRunning
	h.mu.RUnlock()
	if !running {
		return fmt.Errorf("service not running")
	}

	newCfg, err := config.Load(h.configPath)
	if err != nil {
		return fmt.Errorf("reload aborted: %w", err)
	}

	desired := make(map[string]config.Camera)
	for _, cam := range newCfg.Cameras {
		if cam.Enabled {
			desired[cam.ID] = cam
		}
	}

	var stopped, started, restarted int

	// Tear down sessions that are gone or changed.
	for _, sess := range h.registry.List() {
		cam, keep := desired[sess.Camera.ID]
		if keep && reflect.DeepEqual(cam, sess.Camera) {
			delete(desired, sess.Camera.ID)
			continue
		}
		if err := h.StopCamera(ctx, sess.Camera.ID); err != nil {
			slog.Error("reload: failed to stop camera", "camera_id", sess.Camera.ID, "error", err)
			delete(desired, sess.Camera.ID)
			continue
		}
		stopped++
		if keep {
			restarted++
		}
	}

	// Start new and changed sessions with their fresh settings.
	for _, cam := range desired {
		if err := h.StartCamera(cam); err != nil {
			slog.Error("reload: failed to start camera", "camera_id", cam.ID, "error", err)
			continue
		}
		started++
	}

	h.mu.Lock()
	h.cfg.Cameras = newCfg.Cameras
	h.mu.Unlock()

	slog.Info("configuration reloaded",
		"stopped", stopped,
		"started", started,
		"restarted", restarted,
	)
	return nil
}
