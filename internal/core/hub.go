// Package core wires the per-camera pipelines together: it owns the
// session registry, the recording controller, the event bus, and the
// optional MQTT surfaces, and drives the global retention and health
// loops.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/bus"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/control"
	"github.com/visiona/argus/internal/emitter"
	"github.com/visiona/argus/internal/motion"
	"github.com/visiona/argus/internal/recorder"
	"github.com/visiona/argus/internal/session"
	"github.com/visiona/argus/internal/supervisor"
	"github.com/visiona/argus/internal/thumbnail"
	"github.com/visiona/argus/internal/types"
)

// Hub is the main service orchestrator
type Hub struct {
	cfg        *config.Config
	configPath string

	// Core components
	store          *artifact.Store
	events         *bus.Bus
	recorder       *recorder.Controller
	registry       *session.Registry
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context    // parent context for per-camera sessions
	cancelCtx context.CancelFunc // for the MQTT shutdown command
}

// NewHub creates a new hub from a configuration file
func NewHub(configPath string) (*Hub, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"cameras", len(cfg.Cameras),
		"storage_root", cfg.Storage.Root,
	)

	store, err := artifact.NewStore(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	events := bus.New()

	h := &Hub{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		events:     events,
		recorder:   recorder.NewController(store, cfg.Stream, events),
		registry:   session.NewRegistry(),
	}
	if cfg.MQTT.Broker != "" {
		h.emitter = emitter.NewMQTTEmitter(cfg)
	}
	return h, nil
}

// Store exposes the artifact store for the HTTP file surfaces.
func (h *Hub) Store() *artifact.Store { return h.store }

// Events exposes the event bus for the websocket feed.
func (h *Hub) Events() *bus.Bus { return h.events }

// Config returns the active configuration.
func (h *Hub) Config() *config.Config { return h.cfg }

// Run starts the hub and blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	h.isRunning = true
	h.started = time.Now()
	h.mu.Unlock()

	// Cancellable context so the MQTT shutdown command can stop the run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.mu.Lock()
	h.runCtx = ctx
	h.cancelCtx = cancel
	h.mu.Unlock()

	slog.Info("argus service starting", "instance_id", h.cfg.InstanceID)

	if h.emitter != nil {
		if err := h.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		h.controlHandler = control.NewHandler(h.cfg, h.emitter.Client, control.CommandCallbacks{
			OnGetStatus:      h.GetStatus,
			OnStartRecording: h.StartRecording,
			OnStopRecording:  h.StopRecording,
			OnRestartStream:  h.RestartCamera,
			OnSnapshot:       h.Snapshot,
			OnShutdown:       h.shutdownViaControl,
		})
		if err := h.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		h.wg.Add(1)
		go h.consumeEvents(ctx)

		h.wg.Add(1)
		go h.healthLoop(ctx)
	}

	// Start a session per enabled camera. A camera that fails to start is
	// logged and skipped, not fatal for the rest.
	for _, cam := range h.cfg.Cameras {
		if !cam.Enabled {
			slog.Info("camera disabled, skipping", "camera_id", cam.ID)
			continue
		}
		if err := h.StartCamera(cam); err != nil {
			slog.Error("failed to start camera session", "camera_id", cam.ID, "error", err)
		}
	}

	if h.cfg.Storage.AutoCleanup {
		h.wg.Add(1)
		go h.sweepLoop(ctx)
	}

	slog.Info("argus service running",
		"sessions", h.registry.Len(),
		"auto_cleanup", h.cfg.Storage.AutoCleanup,
		"mqtt", h.emitter != nil,
	)

	<-ctx.Done()

	slog.Info("argus service run loop exiting")
	return nil
}

// StartCamera creates and launches the session for one camera: the
// transcoding supervisor, the thumbnail sampler, and the motion detector
// when enabled. Exactly one session may exist per camera.
func (h *Hub) StartCamera(cam config.Camera) error {
	h.mu.RLock()
	runCtx := h.runCtx
	h.mu.RUnlock()
	if runCtx == nil {
		return fmt.Errorf("service not running")
	}

	sup := supervisor.New(cam, h.cfg.Stream, h.cfg.Health, h.store, h.events)
	sampler := thumbnail.NewSampler(cam, h.cfg.Stream, h.store, sup.Streaming)

	sessCtx, cancel := context.WithCancel(runCtx)
	sess := &session.Session{
		Camera:     cam,
		Supervisor: sup,
		Sampler:    sampler,
		Cancel:     cancel,
	}
	if cam.Motion.Enabled {
		sess.Detector = motion.NewDetector(cam, h.store, h.recorder, h.events, sup.Streaming)
	}

	// Register before launching so concurrent starts resolve to one winner.
	if err := h.registry.Put(sess); err != nil {
		cancel()
		return err
	}

	if err := sup.Start(sessCtx); err != nil {
		cancel()
		h.registry.Remove(cam.ID)
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sampler.Run(sessCtx)
	}()

	if sess.Detector != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			sess.Detector.Run(sessCtx)
		}()
	}

	slog.Info("camera session started",
		"camera_id", cam.ID,
		"name", cam.Name,
		"motion", cam.Motion.Enabled,
	)
	return nil
}

// StopCamera tears down the session for one camera in order: the sampler
// and detector loops stop first, any active clip is finalized, then the
// transcoding pipeline is terminated and the session released.
func (h *Hub) StopCamera(ctx context.Context, cameraID string) error {
	sess, err := h.registry.Get(cameraID)
	if err != nil {
		return err
	}

	sess.Cancel()

	if err := h.recorder.Stop(cameraID); err != nil {
		slog.Error("failed to finalize recording during teardown",
			"camera_id", cameraID,
			"error", err,
		)
	}

	if err := sess.Supervisor.Stop(ctx); err != nil {
		slog.Error("failed to stop supervisor during teardown",
			"camera_id", cameraID,
			"error", err,
		)
	}

	if _, err := h.registry.Remove(cameraID); err != nil {
		return err
	}

	slog.Info("camera session stopped", "camera_id", cameraID)
	return nil
}

// RestartCamera asks the camera's pipeline to respawn.
func (h *Hub) RestartCamera(cameraID string) error {
	sess, err := h.registry.Get(cameraID)
	if err != nil {
		return err
	}
	sess.Supervisor.Restart()
	return nil
}

// StartRecording begins a manual recording for the camera.
func (h *Hub) StartRecording(cameraID string) (string, error) {
	sess, err := h.registry.Get(cameraID)
	if err != nil {
		return "", err
	}
	return h.recorder.StartManual(sess.Camera)
}

// StopRecording finalizes the camera's active clip, if any.
func (h *Hub) StopRecording(cameraID string) error {
	if _, err := h.registry.Get(cameraID); err != nil {
		return err
	}
	return h.recorder.Stop(cameraID)
}

// IsRecordingConflict reports whether the error is a recording conflict,
// for HTTP status mapping.
func IsRecordingConflict(err error) bool {
	return errors.Is(err, recorder.ErrAlreadyRecording)
}

// IsNotFound reports whether the error means an unknown camera.
func IsNotFound(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound)
}

// Snapshot captures an on-demand still for the camera and returns its
// path.
func (h *Hub) Snapshot(cameraID string) (string, error) {
	sess, err := h.registry.Get(cameraID)
	if err != nil {
		return "", err
	}
	h.mu.RLock()
	runCtx := h.runCtx
	h.mu.RUnlock()
	if runCtx == nil {
		return "", fmt.Errorf("service not running")
	}
	path, err := sess.Sampler.SampleOnce(runCtx)
	if err != nil {
		return "", err
	}
	h.events.Publish(types.Event{
		Type:     types.EventSnapshot,
		CameraID: cameraID,
		Fields:   map[string]any{"path": path},
	})
	return path, nil
}

// CameraStatus returns the session status for one camera, with recording
// state merged in.
func (h *Hub) CameraStatus(cameraID string) (types.SessionStatus, error) {
	sess, err := h.registry.Get(cameraID)
	if err != nil {
		return types.SessionStatus{}, err
	}
	return h.mergeStatus(sess), nil
}

// Status returns the status of every session, ordered by camera ID.
func (h *Hub) Status() []types.SessionStatus {
	sessions := h.registry.List()
	out := make([]types.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, h.mergeStatus(sess))
	}
	return out
}

func (h *Hub) mergeStatus(sess *session.Session) types.SessionStatus {
	st := sess.Supervisor.Status()
	mode := h.recorder.Mode(sess.Camera.ID)
	st.Recording = mode != types.ModeIdle
	st.RecordingMode = mode.String()
	return st
}

// ListClips returns recorded clips, newest first, optionally filtered by
// camera.
func (h *Hub) ListClips(cameraID string) ([]types.Clip, error) {
	return h.store.ListClips(cameraID)
}

// GetStatus returns the service status for the control plane.
func (h *Hub) GetStatus() map[string]interface{} {
	h.mu.RLock()
	started := h.started
	running := h.isRunning
	h.mu.RUnlock()

	return map[string]interface{}{
		"instance_id": h.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"sessions":    h.Status(),
	}
}

// shutdownViaControl handles the MQTT shutdown command.
func (h *Hub) shutdownViaControl() error {
	h.mu.RLock()
	cancel := h.cancelCtx
	h.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service not running")
	}
	cancel()
	return nil
}

// Shutdown performs graceful shutdown of all components
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	slog.Info("shutting down argus service")

	// Shutdown sequence (order is important!):
	// 1. Stop the control plane so no new commands arrive mid-teardown.
	if h.controlHandler != nil {
		slog.Info("stopping control handler")
		if err := h.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Tear down camera sessions; each finalizes its clip before the
	// pipeline goes away.
	for _, id := range h.registry.IDs() {
		if err := h.StopCamera(ctx, id); err != nil {
			slog.Error("failed to stop camera session", "camera_id", id, "error", err)
		}
	}

	// 3. Finalize any clip left over from a session that failed teardown.
	h.recorder.Shutdown(ctx)

	// 4. Wait for loops to finish, then release the bus and MQTT.
	slog.Info("waiting for goroutines to finish")
	h.wg.Wait()
	slog.Info("all goroutines finished")

	h.events.Close()

	if h.emitter != nil {
		if err := h.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	h.mu.Lock()
	uptime := time.Since(h.started)
	h.isRunning = false
	h.mu.Unlock()

	slog.Info("argus service shutdown complete", "uptime", uptime)
	return nil
}

// consumeEvents forwards bus events to the MQTT emitter.
func (h *Hub) consumeEvents(ctx context.Context) {
	defer h.wg.Done()

	ch, unsubscribe, err := h.events.Subscribe("mqtt-emitter")
	if err != nil {
		slog.Error("failed to subscribe event consumer", "error", err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := h.emitter.Publish(ev); err != nil {
				slog.Debug("event publish failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// healthLoop periodically publishes a health report.
func (h *Hub) healthLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(h.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health report", "error", err)
				continue
			}
			if err := h.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}

// sweepLoop runs the retention sweep on its configured cadence.
func (h *Hub) sweepLoop(ctx context.Context) {
	defer h.wg.Done()

	interval := time.Duration(h.cfg.Storage.SweepIntervalS) * time.Second
	retention := time.Duration(h.cfg.Storage.RetentionHours) * time.Hour

	slog.Info("retention sweep enabled",
		"interval", interval,
		"retention_hours", h.cfg.Storage.RetentionHours,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.recorder.Sweep(retention)
		}
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (h *Hub) ShutdownTimeout() time.Duration {
	timeout := time.Duration(h.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 10 * time.Second
	}
	return timeout
}
