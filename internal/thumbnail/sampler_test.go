package thumbnail

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/config"
)

func newTestSampler(t *testing.T, streaming func() bool) (*Sampler, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureCameraDirs("cam-1"); err != nil {
		t.Fatal(err)
	}

	cam := config.Camera{ID: "cam-1", RTSPURL: "rtsp://test/stream"}
	s := NewSampler(cam, config.StreamConfig{FFmpegPath: "ffmpeg"}, store, streaming)
	// Stand-in for frame extraction: copy the segment to the output path.
	s.buildCmd = func(ctx context.Context, input, outPath string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", `cp "$0" "$1"`, input, outPath)
	}
	return s, store
}

func writeSegment(t *testing.T, store *artifact.Store, name, content string, age time.Duration) {
	t.Helper()
	path := filepath.Join(store.LiveDir("cam-1"), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSampleOncePicksNewestSegment(t *testing.T) {
	s, store := newTestSampler(t, func() bool { return true })

	writeSegment(t, store, "seg000.ts", "old", time.Minute)
	writeSegment(t, store, "seg001.ts", "new", time.Second)
	// The playlist must never be picked as a frame source.
	writeSegment(t, store, "index.m3u8", "#EXTM3U", 0)

	path, err := s.SampleOnce(context.Background())
	if err != nil {
		t.Fatalf("SampleOnce failed: %v", err)
	}
	if path != store.ThumbPath("cam-1") {
		t.Errorf("path = %q, want %q", path, store.ThumbPath("cam-1"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("thumbnail taken from %q, want newest segment", data)
	}
}

func TestSampleOnceNoSegments(t *testing.T) {
	s, _ := newTestSampler(t, func() bool { return true })
	if _, err := s.SampleOnce(context.Background()); err == nil {
		t.Fatal("SampleOnce should fail with no segments")
	}
}

func TestSampleOnceExtractionFailure(t *testing.T) {
	s, store := newTestSampler(t, func() bool { return true })
	writeSegment(t, store, "seg000.ts", "data", time.Second)

	s.buildCmd = func(ctx context.Context, input, outPath string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 1")
	}
	if _, err := s.SampleOnce(context.Background()); err == nil {
		t.Fatal("SampleOnce should surface extraction failure")
	}
	if _, err := os.Stat(store.ThumbPath("cam-1")); !os.IsNotExist(err) {
		t.Error("failed extraction must not publish a thumbnail")
	}
}

func TestRunSamplesWhileStreaming(t *testing.T) {
	s, store := newTestSampler(t, func() bool { return true })
	s.interval = 20 * time.Millisecond
	writeSegment(t, store, "seg000.ts", "live", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(store.ThumbPath("cam-1")); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sampler never produced a thumbnail")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}

func TestRunSkipsWhenNotStreaming(t *testing.T) {
	s, store := newTestSampler(t, func() bool { return false })
	s.interval = 10 * time.Millisecond
	writeSegment(t, store, "seg000.ts", "stale", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if _, err := os.Stat(store.ThumbPath("cam-1")); !os.IsNotExist(err) {
		t.Error("sampler must not run while the pipeline is down")
	}
}
