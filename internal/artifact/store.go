// Package artifact owns the on-disk layout of everything the orchestration
// core produces: HLS output per camera, latest thumbnails, and recorded
// clips. The tree is partitioned by camera so cross-camera writes never
// contend:
//
//	<root>/live/<camera_id>/index.m3u8, seg000.ts, ...
//	<root>/thumbs/<camera_id>/latest.jpg
//	<root>/clips/<camera_id>_<timestamp>_<mode>.mp4 (+ .meta sidecar)
//
// Writers replace files with write-temp-then-rename so readers and the
// retention sweep never observe a half-written artifact.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/visiona/argus/internal/types"
)

const (
	liveDirName   = "live"
	thumbsDirName = "thumbs"
	clipsDirName  = "clips"

	// ManifestName is the HLS playlist file the transcoder writes; its
	// mtime is the staleness signal for health checks.
	ManifestName = "index.m3u8"

	// ThumbName is the single overwritten latest-frame image per camera.
	ThumbName = "latest.jpg"
)

// Store is the filesystem artifact area. Pure storage, no goroutines.
type Store struct {
	root string
}

// NewStore creates the store and its top-level directories.
func NewStore(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.LiveRoot(), s.ThumbsRoot(), s.ClipsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) LiveRoot() string   { return filepath.Join(s.root, liveDirName) }
func (s *Store) ThumbsRoot() string { return filepath.Join(s.root, thumbsDirName) }

// ClipsDir returns the directory holding all recorded clips.
func (s *Store) ClipsDir() string { return filepath.Join(s.root, clipsDirName) }

// LiveDir returns the per-camera HLS output directory.
func (s *Store) LiveDir(cameraID string) string {
	return filepath.Join(s.LiveRoot(), cameraID)
}

// ManifestPath returns the per-camera HLS playlist path.
func (s *Store) ManifestPath(cameraID string) string {
	return filepath.Join(s.LiveDir(cameraID), ManifestName)
}

// ThumbDir returns the per-camera thumbnail directory.
func (s *Store) ThumbDir(cameraID string) string {
	return filepath.Join(s.ThumbsRoot(), cameraID)
}

// ThumbPath returns the per-camera latest-thumbnail path.
func (s *Store) ThumbPath(cameraID string) string {
	return filepath.Join(s.ThumbDir(cameraID), ThumbName)
}

// EnsureCameraDirs creates the per-camera live and thumbnail directories.
func (s *Store) EnsureCameraDirs(cameraID string) error {
	for _, dir := range []string{s.LiveDir(cameraID), s.ThumbDir(cameraID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create camera dir %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveLiveDir deletes a camera's HLS output tree. Called when a camera is
// removed; clips are left for the retention sweep.
func (s *Store) RemoveLiveDir(cameraID string) error {
	return os.RemoveAll(s.LiveDir(cameraID))
}

// LastOutputAt reports the manifest mtime for a camera, the primary
// liveness signal for the pipeline. Returns the zero time when the
// transcoder has not produced output yet.
func (s *Store) LastOutputAt(cameraID string) time.Time {
	info, err := os.Stat(s.ManifestPath(cameraID))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// ClipPath builds the path for a new clip file.
func (s *Store) ClipPath(cameraID string, mode types.RecordingMode, at time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.mp4", cameraID, at.Format("20060102-150405"), mode)
	return filepath.Join(s.ClipsDir(), name)
}

// WriteClipMeta writes the JSON sidecar next to a finalized clip.
func (s *Store) WriteClipMeta(clipPath string, meta types.ClipMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal clip meta: %w", err)
	}
	return writeFileAtomic(clipPath+".meta", data)
}

// ReplaceThumb atomically replaces a camera's latest thumbnail with the
// file at srcPath. srcPath must be on the same filesystem (the sampler
// writes its temp file inside the thumbnail directory).
func (s *Store) ReplaceThumb(cameraID, srcPath string) error {
	if err := os.Rename(srcPath, s.ThumbPath(cameraID)); err != nil {
		return fmt.Errorf("failed to publish thumbnail: %w", err)
	}
	return nil
}

// ListClips returns clips for one camera, or all cameras when cameraID is
// empty, newest first. Unreadable entries are skipped.
func (s *Store) ListClips(cameraID string) ([]types.Clip, error) {
	entries, err := os.ReadDir(s.ClipsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read clips dir: %w", err)
	}

	var clips []types.Clip
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		owner, mode := parseClipName(entry.Name())
		if cameraID != "" && owner != cameraID {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		clips = append(clips, types.Clip{
			CameraID:   owner,
			Filename:   entry.Name(),
			Path:       filepath.Join(s.ClipsDir(), entry.Name()),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
			Mode:       mode,
		})
	}

	sort.Slice(clips, func(i, j int) bool {
		return clips[i].ModifiedAt.After(clips[j].ModifiedAt)
	})
	return clips, nil
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Deleted int
	Skipped int
	Errors  int
}

// SweepClips deletes clip files (and their sidecars) modified before
// cutoff, except paths present in exclude. One undeletable file does not
// abort the sweep.
func (s *Store) SweepClips(cutoff time.Time, exclude map[string]bool) (SweepResult, error) {
	var res SweepResult

	entries, err := os.ReadDir(s.ClipsDir())
	if err != nil {
		return res, fmt.Errorf("failed to read clips dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		path := filepath.Join(s.ClipsDir(), entry.Name())
		if exclude[path] {
			res.Skipped++
			continue
		}
		info, err := entry.Info()
		if err != nil {
			res.Errors++
			continue
		}
		if !info.ModTime().Before(cutoff) {
			res.Skipped++
			continue
		}
		if err := os.Remove(path); err != nil {
			res.Errors++
			continue
		}
		os.Remove(path + ".meta") // best effort, sidecar may not exist
		res.Deleted++
	}

	return res, nil
}

// GetClipPath resolves a clip filename to its full path, rejecting
// traversal attempts and missing files.
func (s *Store) GetClipPath(filename string) (string, error) {
	filename = filepath.Base(filename)
	if filepath.Ext(filename) != ".mp4" {
		return "", fmt.Errorf("invalid clip file type")
	}
	path := filepath.Join(s.ClipsDir(), filename)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("clip not found: %w", err)
	}
	return path, nil
}

// parseClipName extracts camera id and mode from
// "<camera_id>_<timestamp>_<mode>.mp4". Camera ids cannot contain
// underscores, so the first segment is unambiguous.
func parseClipName(name string) (cameraID, mode string) {
	base := strings.TrimSuffix(name, ".mp4")
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		if len(parts) > 0 {
			return parts[0], ""
		}
		return "", ""
	}
	return parts[0], parts[len(parts)-1]
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
