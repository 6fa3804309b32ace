package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/bus"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/types"
)

// newTestController wires a controller whose clip writer is a shell
// stand-in: it copies stdin into the clip file and exits on EOF, which
// matches the quit-then-close finalize protocol.
func newTestController(t *testing.T, events *bus.Bus) (*Controller, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	c := NewController(store, config.StreamConfig{FFmpegPath: "ffmpeg", Transport: "tcp"}, events)
	c.buildCmd = func(rtspURL, clipPath string) *exec.Cmd {
		return exec.Command("sh", "-c", `cat > "$0"`, clipPath)
	}
	return c, store
}

func testCamera(id string) config.Camera {
	return config.Camera{ID: id, RTSPURL: "rtsp://test/stream"}
}

func TestStartStopFinalizesClip(t *testing.T) {
	events := bus.New()
	ch, unsub, err := events.Subscribe("test")
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	c, _ := newTestController(t, events)
	cam := testCamera("cam-1")

	clipPath, err := c.StartManual(cam)
	if err != nil {
		t.Fatalf("StartManual failed: %v", err)
	}
	if got := c.Mode("cam-1"); got != types.ModeManual {
		t.Errorf("Mode = %v, want manual", got)
	}

	if err := c.Stop("cam-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := c.Mode("cam-1"); got != types.ModeIdle {
		t.Errorf("Mode after stop = %v, want idle", got)
	}

	// The clip file must be closed and non-empty (the quit command was
	// written into it by the stand-in).
	info, err := os.Stat(clipPath)
	if err != nil {
		t.Fatalf("clip file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("clip file is empty")
	}

	// Metadata sidecar.
	data, err := os.ReadFile(clipPath + ".meta")
	if err != nil {
		t.Fatalf("meta sidecar missing: %v", err)
	}
	var meta types.ClipMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("meta sidecar invalid: %v", err)
	}
	if meta.CameraID != "cam-1" || meta.Mode != "manual" {
		t.Errorf("meta = %+v", meta)
	}

	// Start and stop events were published.
	var seen []types.EventType
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing event, got %v", seen)
		}
	}
	if seen[0] != types.EventRecordingStart || seen[1] != types.EventRecordingStop {
		t.Errorf("events = %v", seen)
	}
}

func TestConcurrentStartsOneWinner(t *testing.T) {
	c, _ := newTestController(t, nil)
	cam := testCamera("cam-1")

	var wins, conflicts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := func(f func(config.Camera) (string, error)) {
		defer wg.Done()
		_, err := f(cam)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyRecording):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Add(2)
	go start(c.StartManual)
	go start(c.StartMotion)
	wg.Wait()

	if wins != 1 || conflicts != 1 {
		t.Errorf("wins=%d conflicts=%d, want 1/1", wins, conflicts)
	}

	if err := c.Stop("cam-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSlowStartDoesNotBlockOtherCameras(t *testing.T) {
	c, _ := newTestController(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	defaultBuild := c.buildCmd
	c.buildCmd = func(rtspURL, clipPath string) *exec.Cmd {
		if strings.Contains(clipPath, "cam-slow") {
			close(entered)
			<-release
		}
		return defaultBuild(rtspURL, clipPath)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.StartManual(testCamera("cam-slow"))
		slowDone <- err
	}()
	<-entered

	// While cam-slow is stuck spawning, another camera must complete a
	// full start/stop cycle.
	fastDone := make(chan error, 1)
	go func() {
		if _, err := c.StartManual(testCamera("cam-fast")); err != nil {
			fastDone <- err
			return
		}
		fastDone <- c.Stop("cam-fast")
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("cam-fast cycle failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cam-fast blocked behind cam-slow's spawn")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("cam-slow start failed: %v", err)
	}
	if err := c.Stop("cam-slow"); err != nil {
		t.Fatal(err)
	}
}

func TestStopIdempotent(t *testing.T) {
	c, _ := newTestController(t, nil)
	if err := c.Stop("cam-1"); err != nil {
		t.Errorf("Stop on idle camera = %v, want nil", err)
	}
}

func TestMotionModeTagged(t *testing.T) {
	c, _ := newTestController(t, nil)
	cam := testCamera("cam-1")

	clipPath, err := c.StartMotion(cam)
	if err != nil {
		t.Fatalf("StartMotion failed: %v", err)
	}
	if got := c.Mode("cam-1"); got != types.ModeMotion {
		t.Errorf("Mode = %v, want motion", got)
	}
	if err := c.Stop("cam-1"); err != nil {
		t.Fatal(err)
	}

	var meta types.ClipMeta
	data, err := os.ReadFile(clipPath + ".meta")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Mode != "motion" {
		t.Errorf("meta mode = %q, want motion", meta.Mode)
	}
}

func TestSweepNeverDeletesActiveClip(t *testing.T) {
	c, store := newTestController(t, nil)
	cam := testCamera("cam-1")

	clipPath, err := c.StartManual(cam)
	if err != nil {
		t.Fatalf("StartManual failed: %v", err)
	}

	// The stand-in writer creates the clip file asynchronously after
	// Start returns; wait for it before backdating.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(clipPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("clip file never created: %s", clipPath)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Age the active clip past the retention window.
	old := time.Now().Add(-200 * time.Hour)
	if err := os.Chtimes(clipPath, old, old); err != nil {
		t.Fatal(err)
	}

	res := c.Sweep(168 * time.Hour)
	if res.Deleted != 0 || res.Skipped != 1 {
		t.Errorf("sweep result = %+v, want active clip skipped", res)
	}
	if _, err := os.Stat(clipPath); err != nil {
		t.Fatalf("active clip deleted by sweep: %v", err)
	}
	if got := c.Mode("cam-1"); got != types.ModeManual {
		t.Errorf("recording interrupted by sweep: %v", got)
	}

	if err := c.Stop("cam-1"); err != nil {
		t.Fatal(err)
	}

	// Stopped and still old: the next sweep may delete it.
	if err := os.Chtimes(clipPath, old, old); err != nil {
		t.Fatal(err)
	}
	res = c.Sweep(168 * time.Hour)
	if res.Deleted != 1 {
		t.Errorf("sweep after stop = %+v, want 1 deleted", res)
	}
	_ = store
}

func TestShutdownFinalizesAllActive(t *testing.T) {
	c, _ := newTestController(t, nil)

	clip1, err := c.StartManual(testCamera("cam-1"))
	if err != nil {
		t.Fatal(err)
	}
	clip2, err := c.StartMotion(testCamera("cam-2"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.Shutdown(ctx)

	for _, id := range []string{"cam-1", "cam-2"} {
		if got := c.Mode(id); got != types.ModeIdle {
			t.Errorf("Mode(%s) after shutdown = %v", id, got)
		}
	}
	for _, path := range []string{clip1, clip2} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("clip %s missing: %v", path, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("clip %s is empty", path)
		}
		if _, err := os.Stat(path + ".meta"); err != nil {
			t.Errorf("meta for %s missing: %v", path, err)
		}
	}
}
