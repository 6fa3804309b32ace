// Package recorder owns the per-camera recording state machine and clip
// retention. At most one clip is active per camera; manual and
// motion-triggered starts go through the same conflict check, so
// concurrent start attempts resolve to one winner and one
// ErrAlreadyRecording.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/bus"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/transcode"
	"github.com/visiona/argus/internal/types"
)

// stopTimeout bounds how long a clip writer may take to finalize after the
// quit command before it is killed.
const stopTimeout = 10 * time.Second

var (
	// ErrAlreadyRecording is returned when a start is requested while a
	// clip is active for the camera.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is reported internally when a stop finds no active
	// clip; Stop treats it as an idempotent no-op.
	ErrNotRecording = errors.New("no recording in progress")
)

// activeClip is the exclusively-owned state of one in-progress recording.
type activeClip struct {
	clipID    string
	mode      types.RecordingMode
	path      string
	startedAt time.Time
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	waitCh    chan error

	// ready is closed once the spawn settled. cmd stays nil on a failed
	// spawn; readers must wait on ready before touching cmd or stdin.
	ready chan struct{}
}

// Controller manages recording state for all cameras.
type Controller struct {
	store  *artifact.Store
	stream config.StreamConfig
	events *bus.Bus

	mu     sync.Mutex
	active map[string]*activeClip

	// Test seams.
	now      func() time.Time
	buildCmd func(rtspURL, clipPath string) *exec.Cmd
}

// NewController creates a recording controller.
func NewController(store *artifact.Store, stream config.StreamConfig, events *bus.Bus) *Controller {
	c := &Controller{
		store:  store,
		stream: stream,
		events: events,
		active: make(map[string]*activeClip),
		now:    time.Now,
	}
	c.buildCmd = func(rtspURL, clipPath string) *exec.Cmd {
		args := transcode.ClipArgs(rtspURL, stream.Transport, clipPath)
		return exec.Command(stream.FFmpegPath, args...)
	}
	return c
}

// StartManual begins an operator-requested recording for the camera.
func (c *Controller) StartManual(cam config.Camera) (string, error) {
	return c.start(cam, types.ModeManual)
}

// StartMotion begins a motion-triggered recording for the camera. The
// resulting clip is tagged as motion-triggered for later classification.
func (c *Controller) StartMotion(cam config.Camera) (string, error) {
	return c.start(cam, types.ModeMotion)
}

func (c *Controller) start(cam config.Camera, mode types.RecordingMode) (string, error) {
	c.mu.Lock()
	if _, exists := c.active[cam.ID]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("camera %s: %w", cam.ID, ErrAlreadyRecording)
	}

	startedAt := c.now()
	clip := &activeClip{
		clipID:    uuid.New().String(),
		mode:      mode,
		path:      c.store.ClipPath(cam.ID, mode, startedAt),
		startedAt: startedAt,
		waitCh:    make(chan error, 1),
		ready:     make(chan struct{}),
	}
	// Reserve the slot under the lock so the conflict check stays atomic,
	// then spawn outside it. A slow spawn for one camera must not stall
	// starts and stops for the others.
	c.active[cam.ID] = clip
	c.mu.Unlock()

	cmd := c.buildCmd(cam.StreamURL(), clip.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.abortStart(cam.ID, clip)
		return "", fmt.Errorf("failed to open clip writer stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		c.abortStart(cam.ID, clip)
		return "", fmt.Errorf("failed to start clip writer: %w", err)
	}

	clip.cmd = cmd
	clip.stdin = stdin
	go func() { clip.waitCh <- cmd.Wait() }()
	close(clip.ready)

	slog.Info("recording started",
		"camera_id", cam.ID,
		"mode", mode.String(),
		"clip", clip.path,
	)
	c.publish(types.EventRecordingStart, cam.ID, map[string]any{
		"mode":    mode.String(),
		"clip_id": clip.clipID,
		"path":    clip.path,
	})

	return clip.path, nil
}

// abortStart releases a reserved slot after a failed spawn.
func (c *Controller) abortStart(cameraID string, clip *activeClip) {
	c.mu.Lock()
	if c.active[cameraID] == clip {
		delete(c.active, cameraID)
	}
	c.mu.Unlock()
	close(clip.ready)
}

// Stop finalizes the active clip for the camera and returns to Idle.
// Idempotent: stopping an idle camera is a no-op.
func (c *Controller) Stop(cameraID string) error {
	c.mu.Lock()
	clip, exists := c.active[cameraID]
	if !exists {
		c.mu.Unlock()
		slog.Debug("stop requested with no active recording", "camera_id", cameraID)
		return nil
	}
	delete(c.active, cameraID)
	c.mu.Unlock()

	// A concurrent start may still be spawning; its outcome decides
	// whether there is a process to finalize.
	<-clip.ready
	if clip.cmd == nil {
		return nil
	}

	c.finalize(cameraID, clip)
	return nil
}

// finalize asks the clip writer to quit, waits out the grace period, and
// writes the metadata sidecar.
func (c *Controller) finalize(cameraID string, clip *activeClip) {
	// ffmpeg finalizes the MP4 on 'q'; closing stdin covers writers that
	// only watch for EOF.
	if _, err := clip.stdin.Write([]byte("q")); err != nil {
		slog.Debug("clip writer stdin write failed", "camera_id", cameraID, "error", err)
	}
	clip.stdin.Close()

	select {
	case err := <-clip.waitCh:
		if err != nil {
			slog.Warn("clip writer exited with error",
				"camera_id", cameraID,
				"clip", clip.path,
				"error", err,
			)
		}
	case <-time.After(stopTimeout):
		slog.Warn("clip writer did not exit within grace period, killing",
			"camera_id", cameraID,
			"clip", clip.path,
		)
		clip.cmd.Process.Kill()
		<-clip.waitCh
	}

	duration := c.now().Sub(clip.startedAt)
	var size int64
	if info, err := os.Stat(clip.path); err == nil {
		size = info.Size()
	}

	meta := types.ClipMeta{
		ClipID:     clip.clipID,
		CameraID:   cameraID,
		Mode:       clip.mode.String(),
		DurationMS: duration.Milliseconds(),
		SizeBytes:  size,
	}
	if err := c.store.WriteClipMeta(clip.path, meta); err != nil {
		slog.Warn("failed to write clip meta", "clip", clip.path, "error", err)
	}

	slog.Info("recording stopped",
		"camera_id", cameraID,
		"mode", clip.mode.String(),
		"clip", clip.path,
		"duration", duration.Truncate(time.Millisecond),
		"size_bytes", size,
	)
	c.publish(types.EventRecordingStop, cameraID, map[string]any{
		"mode":        clip.mode.String(),
		"clip_id":     clip.clipID,
		"path":        clip.path,
		"duration_ms": duration.Milliseconds(),
		"size_bytes":  size,
	})
}

// Mode returns the current recording mode for the camera.
func (c *Controller) Mode(cameraID string) types.RecordingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clip, exists := c.active[cameraID]; exists {
		return clip.mode
	}
	return types.ModeIdle
}

// ActivePaths returns the clip paths currently being written, keyed for
// exclusion by the retention sweep.
func (c *Controller) ActivePaths() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make(map[string]bool, len(c.active))
	for _, clip := range c.active {
		paths[clip.path] = true
	}
	return paths
}

// Sweep deletes clips older than the retention window, never the active
// ones. Tolerant of per-file failures.
func (c *Controller) Sweep(retention time.Duration) artifact.SweepResult {
	cutoff := c.now().Add(-retention)
	res, err := c.store.SweepClips(cutoff, c.ActivePaths())
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return res
	}

	if res.Deleted > 0 || res.Errors > 0 {
		slog.Info("retention sweep finished",
			"deleted", res.Deleted,
			"skipped", res.Skipped,
			"errors", res.Errors,
			"cutoff", cutoff,
		)
	}
	c.publish(types.EventSweep, "", map[string]any{
		"deleted": res.Deleted,
		"skipped": res.Skipped,
		"errors":  res.Errors,
	})
	return res
}

// Shutdown finalizes every active clip. Used during ordered teardown; the
// context bounds the total wait only via the per-clip grace period.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	clips := make(map[string]*activeClip, len(c.active))
	for id, clip := range c.active {
		clips[id] = clip
		delete(c.active, id)
	}
	c.mu.Unlock()

	for id, clip := range clips {
		<-clip.ready
		if clip.cmd == nil {
			continue
		}
		c.finalize(id, clip)
		if ctx.Err() != nil {
			slog.Warn("shutdown context expired during clip finalization")
		}
	}
}

func (c *Controller) publish(evType types.EventType, cameraID string, fields map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Publish(types.Event{
		Type:     evType,
		CameraID: cameraID,
		Fields:   fields,
	})
}
