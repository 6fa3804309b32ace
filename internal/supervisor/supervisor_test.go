package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/visiona/argus/internal/artifact"
	"github.com/visiona/argus/internal/config"
	"github.com/visiona/argus/internal/types"
)

func fastHealth() config.HealthConfig {
	return config.HealthConfig{
		CheckIntervalS:    1,
		StalenessTimeoutS: 2,
		BackoffBaseS:      1,
		BackoffCapS:       2,
		FastFailThreshold: 3,
	}
}

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cam := config.Camera{ID: "cam-1", RTSPURL: "rtsp://test/stream"}
	s := New(cam, config.StreamConfig{FFmpegPath: "ffmpeg"}, fastHealth(), store, nil)
	s.buildCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
	return s, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisorReachesStreaming(t *testing.T) {
	var s *Supervisor
	var store *artifact.Store
	s, store = newTestSupervisor(t, "")
	manifest := store.ManifestPath("cam-1")
	// Stand-in pipeline: keep refreshing the playlist like a live encoder.
	s.buildCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c", fmt.Sprintf(`while true; do touch %q; sleep 0.3; done`, manifest))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 5*time.Second, s.Streaming, "pipeline never reached streaming state")

	st := s.Status()
	if st.Failures != 0 {
		t.Errorf("failures = %d, want 0", st.Failures)
	}
	if st.LastOutputAt.IsZero() {
		t.Error("last output time not recorded")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := s.Status().State; got != types.StateStopped.String() {
		t.Errorf("state after stop = %q, want stopped", got)
	}
}

func TestSupervisorStartTwice(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSupervisorStopBeforeStart(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep 30")
	if err := s.Stop(context.Background()); err == nil {
		t.Error("Stop before Start should fail")
	}
}

func TestSupervisorCrashLoopClassifiesConfigError(t *testing.T) {
	// Exits immediately with an auth-looking error: repeated sub-second
	// failures must escalate the category to a configuration problem.
	s, _ := newTestSupervisor(t, `echo "401 Unauthorized" >&2; exit 1`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 15*time.Second, func() bool {
		return s.Status().Failures >= 3
	}, "failure count never reached the fast-fail threshold")

	st := s.Status()
	if st.State != types.StateError.String() && st.State != types.StateRestarting.String() {
		t.Errorf("state = %q, want error or restarting", st.State)
	}
	if !strings.Contains(st.LastError, "401") {
		t.Errorf("last error %q should carry the stderr tail", st.LastError)
	}
	if st.LastCategory != types.FailureConfig.String() {
		t.Errorf("category = %q, want config after repeated fast failures", st.LastCategory)
	}
	if st.Restarts == 0 {
		t.Error("restart counter never advanced")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSupervisorFailureCountResetsOnRecovery(t *testing.T) {
	var s *Supervisor
	var store *artifact.Store
	s, store = newTestSupervisor(t, "")
	manifest := store.ManifestPath("cam-1")
	counter := filepath.Join(t.TempDir(), "attempts")
	// Stand-in pipeline: crash the first two attempts, then stream.
	script := fmt.Sprintf(`
n=$(cat %[1]q 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > %[1]q
if [ "$n" -le 2 ]; then echo "Connection refused" >&2; exit 1; fi
while true; do touch %[2]q; sleep 0.3; done`, counter, manifest)
	s.buildCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 15*time.Second, func() bool {
		return s.Status().Failures >= 2
	}, "failure count never advanced")

	waitFor(t, 15*time.Second, s.Streaming, "pipeline never recovered")

	st := s.Status()
	if st.Failures != 0 {
		t.Errorf("failures = %d after recovery, want 0", st.Failures)
	}
	if st.LastError != "" {
		t.Errorf("last error = %q after recovery, want cleared", st.LastError)
	}
	if st.LastCategory != types.FailureNone.String() {
		t.Errorf("category = %q after recovery, want none", st.LastCategory)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSupervisorOperatorRestart(t *testing.T) {
	var s *Supervisor
	var store *artifact.Store
	s, store = newTestSupervisor(t, "")
	manifest := store.ManifestPath("cam-1")
	s.buildCmd = func() *exec.Cmd {
		return exec.Command("sh", "-c", fmt.Sprintf(`while true; do touch %q; sleep 0.3; done`, manifest))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, s.Streaming, "pipeline never reached streaming state")

	s.Restart()
	waitFor(t, 5*time.Second, func() bool {
		return s.Status().Restarts >= 1
	}, "restart request was not honored")

	// An operator restart is not a failure and takes no backoff.
	waitFor(t, 5*time.Second, s.Streaming, "pipeline did not come back after restart")
	if st := s.Status(); st.Failures != 0 {
		t.Errorf("failures = %d after operator restart, want 0", st.Failures)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
