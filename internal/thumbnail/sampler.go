// Package thumbnail produces a recent still image per camera for UI
// polling, independent of client connections. Each cycle extracts one
// frame from the newest live segment and atomically replaces the camera's
// latest.jpg.
package thumbnail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/transcode"
)

// DefaultInterval is the sampling cadence.
const DefaultInterval = 10 * time.Second

// extractTimeout bounds one ffmpeg frame extraction.
const extractTimeout = 10 * time.Second

// Sampler periodically writes the latest-thumbnail artifact for one
// camera. No state machine; each run simply overwrites the artifact.
type Sampler struct {
	cam      config.Camera
	store    *artifact.Store
	interval time.Duration

	// streaming gates sampling on the session being live; when false the
	// cycle is skipped without error.
	streaming func() bool

	// Test seam.
	buildCmd func(ctx context.Context, input, outPath string) *exec.Cmd
}

// NewSampler creates a sampler for one camera.
func NewSampler(cam config.Camera, stream config.StreamConfig, store *artifact.Store, streaming func() bool) *Sampler {
	s := &Sampler{
		cam:       cam,
		store:     store,
		interval:  DefaultInterval,
		streaming: streaming,
	}
	s.buildCmd = func(ctx context.Context, input, outPath string) *exec.Cmd {
		return exec.CommandContext(ctx, stream.FFmpegPath, transcode.SnapshotArgs(input, outPath)...)
	}
	return s
}

// Run loops until the context is cancelled. A failed cycle is logged and
// skipped; the session is unaffected.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Debug("thumbnail sampler started", "camera_id", s.cam.ID, "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("thumbnail sampler stopped", "camera_id", s.cam.ID)
			return
		case <-ticker.C:
			if !s.streaming() {
				continue
			}
			if _, err := s.SampleOnce(ctx); err != nil {
				slog.Warn("thumbnail sample failed",
					"camera_id", s.cam.ID,
					"error", err,
				)
			}
		}
	}
}

// SampleOnce extracts one frame from the newest live segment into the
// camera's latest-thumbnail artifact and returns its path. Also serves
// on-demand snapshot requests.
func (s *Sampler) SampleOnce(ctx context.Context) (string, error) {
	seg, err := s.newestSegment()
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	// Write into the thumbnail directory so the publish rename stays on
	// one filesystem.
	tmp := filepath.Join(s.store.ThumbDir(s.cam.ID), ".latest.tmp.jpg")
	cmd := s.buildCmd(runCtx, seg, tmp)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("frame extraction failed: %w: %s", err, out)
	}

	if err := s.store.ReplaceThumb(s.cam.ID, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return s.store.ThumbPath(s.cam.ID), nil
}

// newestSegment returns the most recently written media segment of the
// camera's live pipeline.
func (s *Sampler) newestSegment() (string, error) {
	dir := s.store.LiveDir(s.cam.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read live dir: %w", err)
	}

	var newest string
	var newestAt time.Time
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".ts" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestAt) {
			newestAt = info.ModTime()
			newest = filepath.Join(dir, entry.Name())
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no live segments for camera %s", s.cam.ID)
	}
	return newest, nil
}
