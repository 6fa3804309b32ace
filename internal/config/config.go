package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Argus configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Storage          StorageConfig `yaml:"storage"`
	Stream           StreamConfig  `yaml:"stream"`
	Health           HealthConfig  `yaml:"health"`
	HTTP             HTTPConfig    `yaml:"http"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Cameras          []Camera      `yaml:"cameras"`
}

// StorageConfig contains artifact store and retention settings
type StorageConfig struct {
	Root           string `yaml:"root"`             // root directory for live/, thumbs/, clips/
	RetentionHours int    `yaml:"retention_hours"`  // clip retention window (default: 168)
	AutoCleanup    bool   `yaml:"auto_cleanup"`     // enable the retention sweep
	SweepIntervalS int    `yaml:"sweep_interval_s"` // sweep cadence (default: 3600)
}

// StreamConfig contains transcoding settings shared by all cameras
type StreamConfig struct {
	FFmpegPath   string `yaml:"ffmpeg_path"`    // ffmpeg binary (default: "ffmpeg")
	UseNVENC     bool   `yaml:"use_nvenc"`      // h264_nvenc instead of libx264
	VideoBitrate string `yaml:"video_bitrate"`  // default: "2M"
	SegmentTimeS int    `yaml:"segment_time_s"` // HLS segment length (default: 4)
	ListSize     int    `yaml:"list_size"`      // HLS playlist depth (default: 6)
	Transport    string `yaml:"transport"`      // rtsp transport, tcp or udp (default: tcp)
}

// HealthConfig tunes pipeline failure detection and restart behavior
type HealthConfig struct {
	CheckIntervalS    int `yaml:"check_interval_s"`    // health poll cadence (default: 5)
	StalenessTimeoutS int `yaml:"staleness_timeout_s"` // no-output window before restart (default: 15)
	BackoffBaseS      int `yaml:"backoff_base_s"`      // restart backoff base (default: 2)
	BackoffCapS       int `yaml:"backoff_cap_s"`       // restart backoff cap (default: 60)
	FastFailThreshold int `yaml:"fast_fail_threshold"` // consecutive sub-1s failures before flagging config error (default: 3)
}

// HTTPConfig contains the API server settings
type HTTPConfig struct {
	Addr     string `yaml:"addr"`      // listen address (default: ":8080")
	APIToken string `yaml:"api_token"` // bearer token for /api routes; empty disables the check
}

// MQTTConfig contains MQTT broker settings. Empty broker disables MQTT.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// Camera describes one camera and its per-camera orchestration settings.
// The core treats this as an immutable-per-session view; edits go through
// Hub.Reload which restarts the affected session.
type Camera struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	IP       string `yaml:"ip"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	RTSPPort int    `yaml:"rtsp_port"` // default: 554
	RTSPPath string `yaml:"rtsp_path"` // default: "/stream1"
	RTSPURL  string `yaml:"rtsp_url"`  // explicit URL overrides the constructed one
	Enabled  bool   `yaml:"enabled"`
	Motion   Motion `yaml:"motion"`
}

// Motion contains per-camera motion detection settings
type Motion struct {
	Enabled         bool `yaml:"enabled"`
	MinArea         int  `yaml:"min_area"`          // changed-pixel count to raise a motion event (default: 500)
	DiffThreshold   int  `yaml:"diff_threshold"`    // per-pixel grayscale delta to count as changed (default: 30)
	CooldownS       int  `yaml:"cooldown_s"`        // minimum gap between motion-triggered starts (default: 60)
	SampleIntervalS int  `yaml:"sample_interval_s"` // frame compare cadence (default: 10)
}

// StreamURL returns the RTSP URL for the camera, constructing one from
// credentials, IP, port and path when no explicit URL is configured.
func (c Camera) StreamURL() string {
	if c.RTSPURL != "" {
		return c.RTSPURL
	}
	u := &url.URL{
		Scheme: "rtsp",
		Host:   fmt.Sprintf("%s:%d", c.IP, c.RTSPPort),
		Path:   c.RTSPPath,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
