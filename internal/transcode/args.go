// Package transcode builds ffmpeg invocations for the orchestration core
// and classifies ffmpeg failures for telemetry. All video work happens in
// subprocesses; this package never touches pixels itself.
package transcode

import (
	"path/filepath"
	"strconv"

	"github.com/visiona/argus/internal/config"
)

// HLSArgs builds the argument list for the live transcoding pipeline:
// pull the camera's RTSP stream and write a rolling HLS playlist plus
// segments into outDir.
func HLSArgs(rtspURL, outDir string, cfg config.StreamConfig) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-rtsp_transport", cfg.Transport,
		"-i", rtspURL,
	}

	if cfg.UseNVENC {
		args = append(args,
			"-hwaccel", "cuda", "-hwaccel_output_format", "cuda",
			"-c:v", "h264_nvenc", "-preset", "p1", "-b:v", cfg.VideoBitrate,
		)
	} else {
		args = append(args,
			"-c:v", "libx264", "-preset", "veryfast", "-b:v", cfg.VideoBitrate,
		)
	}

	args = append(args,
		"-an",
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentTimeS),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outDir, "seg%03d.ts"),
		filepath.Join(outDir, "index.m3u8"),
	)
	return args
}

// ClipArgs builds the argument list for clip capture: re-consume the
// source stream and copy it into a single MP4 without re-encoding. The
// process finalizes the file when it receives 'q' on stdin.
func ClipArgs(rtspURL, transport, clipPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-rtsp_transport", transport,
		"-i", rtspURL,
		"-c", "copy",
		"-map", "0",
		"-movflags", "+faststart",
		"-y",
		clipPath,
	}
}

// SnapshotArgs builds the argument list for extracting one still frame
// from input (a recorded segment or a stream URL) into outPath.
func SnapshotArgs(input, outPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-i", input,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		outPath,
	}
}
