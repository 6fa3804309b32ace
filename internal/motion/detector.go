// Package motion detects movement by comparing successive thumbnail
// frames and triggers motion recordings through the recording controller.
// Detection is best-effort at thumbnail cadence, not frame accurate.
package motion

import (
	"context"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/bus"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/types"
)

// Recorder is the slice of the recording controller the detector needs.
type Recorder interface {
	Mode(cameraID string) types.RecordingMode
	StartMotion(cam config.Camera) (string, error)
}

// Detector runs frame-difference motion detection for one camera. It
// reuses the thumbnail sampler's output instead of decoding the stream a
// second time.
type Detector struct {
	cam      config.Camera
	store    *artifact.Store
	recorder Recorder
	events   *bus.Bus

	// streaming gates detection on the session being live.
	streaming func() bool

	prev          *image.Gray
	prevMod       time.Time
	cooldownUntil time.Time

	// Test seam.
	now func() time.Time
}

// NewDetector creates a detector for one camera.
func NewDetector(cam config.Camera, store *artifact.Store, rec Recorder, events *bus.Bus, streaming func() bool) *Detector {
	return &Detector{
		cam:       cam,
		store:     store,
		recorder:  rec,
		events:    events,
		streaming: streaming,
		now:       time.Now,
	}
}

// Run loops until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	interval := time.Duration(d.cam.Motion.SampleIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("motion detector started",
		"camera_id", d.cam.ID,
		"min_area", d.cam.Motion.MinArea,
		"cooldown_s", d.cam.Motion.CooldownS,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("motion detector stopped", "camera_id", d.cam.ID)
			return
		case <-ticker.C:
			if !d.streaming() {
				// Frames across an outage are not comparable.
				d.prev = nil
				continue
			}
			d.Tick()
		}
	}
}

// Tick runs one detection cycle: load the latest frame, compare against
// the previous one, and trigger a recording when warranted.
func (d *Detector) Tick() {
	path := d.store.ThumbPath(d.cam.ID)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if !info.ModTime().After(d.prevMod) {
		// Sampler has not produced a new frame yet.
		return
	}

	frame, err := loadGray(path)
	if err != nil {
		slog.Warn("failed to load motion frame", "camera_id", d.cam.ID, "error", err)
		return
	}

	prev := d.prev
	d.prev = frame
	d.prevMod = info.ModTime()
	if prev == nil {
		return
	}

	changed := countChangedPixels(prev, frame, d.cam.Motion.DiffThreshold)
	if changed < 0 {
		// Resolution changed, baseline is useless.
		return
	}
	if changed < d.cam.Motion.MinArea {
		return
	}

	slog.Info("motion detected",
		"camera_id", d.cam.ID,
		"changed_pixels", changed,
		"min_area", d.cam.Motion.MinArea,
	)
	d.publishMotion(changed)

	// Already recording (either mode): ignore the event entirely, leaving
	// the cooldown untouched.
	if d.recorder.Mode(d.cam.ID) != types.ModeIdle {
		return
	}

	now := d.now()
	if now.Before(d.cooldownUntil) {
		slog.Debug("motion trigger suppressed by cooldown",
			"camera_id", d.cam.ID,
			"cooldown_until", d.cooldownUntil,
		)
		return
	}

	// Advance the cooldown even if the start fails, so a broken recorder
	// does not get hammered at detection cadence.
	d.cooldownUntil = now.Add(time.Duration(d.cam.Motion.CooldownS) * time.Second)

	if _, err := d.recorder.StartMotion(d.cam); err != nil {
		slog.Warn("motion recording start failed", "camera_id", d.cam.ID, "error", err)
	}
}

func (d *Detector) publishMotion(changed int) {
	if d.events == nil {
		return
	}
	d.events.Publish(types.Event{
		Type:     types.EventMotion,
		CameraID: d.cam.ID,
		Fields: map[string]any{
			"changed_pixels": changed,
			"min_area":       d.cam.Motion.MinArea,
		},
	})
}
