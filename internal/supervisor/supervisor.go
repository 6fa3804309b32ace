// Package supervisor keeps one transcoding subprocess alive per camera.
//
// Each Supervisor owns an ffmpeg process pulling the camera's RTSP stream
// and writing HLS output into the artifact store. A run loop restarts the
// process on crash or staleness with exponential backoff; restarts for one
// camera are serialized by construction since only the run loop spawns.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/bus"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/transcode"
	"github.com/visiona/argus/internal/types"
)

// stopGracePeriod bounds how long a terminated subprocess may take to exit
// before it is killed.
const stopGracePeriod = 3 * time.Second

// fastFailWindow is the uptime below which a process exit counts as an
// immediate failure. Repeated immediate failures indicate a configuration
// problem (bad address, bad credentials) rather than a flaky network.
const fastFailWindow = time.Second

var (
	// errStale is returned by runOnce when the pipeline stopped producing
	// output within the staleness window.
	errStale = errors.New("pipeline output stale")
	// errRestartRequested is returned by runOnce on an external restart.
	errRestartRequested = errors.New("restart requested")
)

// Supervisor runs and monitors the transcoding pipeline for one camera.
type Supervisor struct {
	cam     config.Camera
	stream  config.StreamConfig
	health  config.HealthConfig
	store   *artifact.Store
	events  *bus.Bus
	backoff Backoff

	mu         sync.RWMutex
	state      types.SessionState
	failures   int
	shortFails int
	restarts   uint64
	lastErr    string
	category   types.FailureCategory
	startedAt  time.Time
	lastOutput time.Time

	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}

	// Test seams.
	now      func() time.Time
	buildCmd func() *exec.Cmd
}

// New creates a supervisor for one camera. Call Start to launch it.
func New(cam config.Camera, stream config.StreamConfig, health config.HealthConfig, store *artifact.Store, events *bus.Bus) *Supervisor {
	s := &Supervisor{
		cam:    cam,
		stream: stream,
		health: health,
		store:  store,
		events: events,
		backoff: Backoff{
			Base: time.Duration(health.BackoffBaseS) * time.Second,
			Cap:  time.Duration(health.BackoffCapS) * time.Second,
		},
		state: types.StateStarting,
		done:  make(chan struct{}),
		kick:  make(chan struct{}, 1),
		now:   time.Now,
	}
	// exec.Command rather than CommandContext: cancellation must go
	// through terminate so the process gets a graceful signal first.
	s.buildCmd = func() *exec.Cmd {
		args := transcode.HLSArgs(cam.StreamURL(), store.LiveDir(cam.ID), stream)
		return exec.Command(stream.FFmpegPath, args...)
	}
	return s
}

// CameraID returns the camera this supervisor serves.
func (s *Supervisor) CameraID() string { return s.cam.ID }

// Start launches the run loop. It does not block waiting for the pipeline
// to connect; state transitions are observable via Status.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor for camera %s already started", s.cam.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = s.now()
	s.mu.Unlock()

	if err := s.store.EnsureCameraDirs(s.cam.ID); err != nil {
		cancel()
		return fmt.Errorf("failed to prepare artifact dirs: %w", err)
	}

	go s.run(runCtx)

	slog.Info("supervisor started",
		"camera_id", s.cam.ID,
		"staleness_timeout_s", s.health.StalenessTimeoutS,
	)
	return nil
}

// Stop terminates the subprocess and waits for the run loop to exit.
// The context bounds the wait; the subprocess itself is force-killed after
// the grace period regardless.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor for camera %s not started", s.cam.ID)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	select {
	case <-s.done:
		slog.Info("supervisor stopped", "camera_id", s.cam.ID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for supervisor of camera %s to stop: %w", s.cam.ID, ctx.Err())
	}
}

// Restart asks the run loop to terminate the current process and respawn.
// Non-blocking; a pending request is not duplicated.
func (s *Supervisor) Restart() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Streaming reports whether the pipeline is currently producing output.
func (s *Supervisor) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == types.StateStreaming
}

// Status returns a snapshot of the pipeline state. Recording fields are
// filled in by the caller that owns recording state.
func (s *Supervisor) Status() types.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.SessionStatus{
		CameraID:     s.cam.ID,
		State:        s.state.String(),
		Failures:     s.failures,
		LastError:    s.lastErr,
		LastCategory: s.category.String(),
		LastOutputAt: s.lastOutput,
		StartedAt:    s.startedAt,
		Restarts:     s.restarts,
	}
}

// run is the per-camera restart loop. It exits only on context
// cancellation, leaving the session in Stopped state.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			s.setState(types.StateStopped)
			return
		}

		spawnedAt := s.now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(types.StateStopped)
			return
		}

		if errors.Is(err, errRestartRequested) {
			slog.Info("pipeline restart requested", "camera_id", s.cam.ID)
			s.mu.Lock()
			s.state = types.StateRestarting
			s.restarts++
			s.mu.Unlock()
			s.publishState(types.StateRestarting)
			continue
		}

		uptime := s.now().Sub(spawnedAt)
		s.recordFailure(err, uptime)

		delay := s.backoff.Next(s.failureCount())
		slog.Warn("pipeline down, restarting after backoff",
			"camera_id", s.cam.ID,
			"error", err,
			"uptime", uptime,
			"failures", s.failureCount(),
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(types.StateStopped)
			return
		}

		s.mu.Lock()
		s.state = types.StateRestarting
		s.restarts++
		s.mu.Unlock()
		s.publishState(types.StateRestarting)
	}
}

// runOnce spawns the transcoder and blocks until it exits, goes stale, or
// the context is cancelled. It always reaps the subprocess before
// returning.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := s.buildCmd()

	tail := newStderrTail(20)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start transcoder: %w", err)
	}

	var tailWG sync.WaitGroup
	tailWG.Add(1)
	go func() {
		defer tailWG.Done()
		tail.consume(stderr)
	}()

	s.setState(types.StateStarting)
	spawnedAt := s.now()

	waitCh := make(chan error, 1)
	go func() {
		tailWG.Wait()
		waitCh <- cmd.Wait()
	}()

	interval := time.Duration(s.health.CheckIntervalS) * time.Second
	staleness := time.Duration(s.health.StalenessTimeoutS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate(cmd, waitCh)
			return ctx.Err()

		case <-s.kick:
			s.terminate(cmd, waitCh)
			return errRestartRequested

		case err := <-waitCh:
			out := tail.String()
			if err != nil {
				return fmt.Errorf("transcoder exited: %w: %s", err, out)
			}
			return fmt.Errorf("transcoder exited unexpectedly: %s", out)

		case <-ticker.C:
			now := s.now()
			last := s.store.LastOutputAt(s.cam.ID)
			if last.After(spawnedAt) {
				s.observeOutput(last)
			}

			// Staleness covers both a hung-but-alive pipeline and one
			// that never produced output after spawn.
			ref := spawnedAt
			if last.After(spawnedAt) {
				ref = last
			}
			if now.Sub(ref) > staleness {
				s.terminate(cmd, waitCh)
				return fmt.Errorf("%w: no output for %s: %s", errStale, now.Sub(ref).Truncate(time.Second), tail.String())
			}
		}
	}
}

// terminate signals the subprocess, waits for the grace period, then
// escalates to a kill. Always reaps the process.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-waitCh:
	case <-time.After(stopGracePeriod):
		slog.Warn("transcoder did not exit within grace period, killing",
			"camera_id", s.cam.ID,
			"grace_period", stopGracePeriod,
		)
		cmd.Process.Kill()
		<-waitCh
	}
}

// observeOutput records fresh pipeline output, transitioning to Streaming
// and resetting failure counters on the first output after a (re)start.
func (s *Supervisor) observeOutput(at time.Time) {
	s.mu.Lock()
	s.lastOutput = at
	if s.state == types.StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = types.StateStreaming
	s.failures = 0
	s.shortFails = 0
	s.lastErr = ""
	s.category = types.FailureNone
	s.mu.Unlock()

	slog.Info("pipeline streaming", "camera_id", s.cam.ID)
	s.publishState(types.StateStreaming)
}

// recordFailure classifies the failure and transitions to Error state.
func (s *Supervisor) recordFailure(err error, uptime time.Duration) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	category := transcode.Classify(msg)
	if errors.Is(err, errStale) {
		category = types.FailureNetwork
	}

	s.mu.Lock()
	s.failures++
	if uptime < fastFailWindow {
		s.shortFails++
	} else {
		s.shortFails = 0
	}
	if s.shortFails >= s.health.FastFailThreshold {
		category = types.FailureConfig
	}
	s.state = types.StateError
	s.lastErr = msg
	s.category = category
	s.mu.Unlock()

	s.publishState(types.StateError)
}

func (s *Supervisor) failureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

func (s *Supervisor) setState(state types.SessionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.publishState(state)
	}
}

func (s *Supervisor) publishState(state types.SessionState) {
	if s.events == nil {
		return
	}
	s.mu.RLock()
	fields := map[string]any{
		"state":    state.String(),
		"failures": s.failures,
	}
	if s.lastErr != "" {
		fields["error"] = s.lastErr
		fields["category"] = s.category.String()
	}
	s.mu.RUnlock()

	s.events.Publish(types.Event{
		Type:     types.EventSessionState,
		CameraID: s.cam.ID,
		Fields:   fields,
	})
}
