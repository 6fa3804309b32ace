package config

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !idPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	// Storage defaults
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Storage.RetentionHours <= 0 {
		cfg.Storage.RetentionHours = 168 // one week
	}
	if cfg.Storage.SweepIntervalS <= 0 {
		cfg.Storage.SweepIntervalS = 3600
	}

	// Stream defaults
	if cfg.Stream.FFmpegPath == "" {
		cfg.Stream.FFmpegPath = "ffmpeg"
	}
	if cfg.Stream.VideoBitrate == "" {
		cfg.Stream.VideoBitrate = "2M"
	}
	if cfg.Stream.SegmentTimeS <= 0 {
		cfg.Stream.SegmentTimeS = 4
	}
	if cfg.Stream.ListSize <= 0 {
		cfg.Stream.ListSize = 6
	}
	switch cfg.Stream.Transport {
	case "":
		cfg.Stream.Transport = "tcp"
	case "tcp", "udp":
	default:
		return fmt.Errorf("stream.transport must be tcp or udp, got %q", cfg.Stream.Transport)
	}

	// Health defaults
	if cfg.Health.CheckIntervalS <= 0 {
		cfg.Health.CheckIntervalS = 5
	}
	if cfg.Health.StalenessTimeoutS <= 0 {
		cfg.Health.StalenessTimeoutS = 15
	}
	if cfg.Health.BackoffBaseS <= 0 {
		cfg.Health.BackoffBaseS = 2
	}
	if cfg.Health.BackoffCapS <= 0 {
		cfg.Health.BackoffCapS = 60
	}
	if cfg.Health.BackoffCapS < cfg.Health.BackoffBaseS {
		return fmt.Errorf("health.backoff_cap_s must be >= health.backoff_base_s")
	}
	if cfg.Health.FastFailThreshold <= 0 {
		cfg.Health.FastFailThreshold = 3
	}

	// HTTP defaults
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	// MQTT defaults only apply when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("argus/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("argus/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Health == "" {
			cfg.MQTT.Topics.Health = fmt.Sprintf("argus/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"events":  1,
				"health":  0,
			}
		}
	}

	// Cameras
	seen := make(map[string]bool, len(cfg.Cameras))
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if err := validateCamera(cam); err != nil {
			return fmt.Errorf("camera %d: %w", i, err)
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}

	return nil
}

func validateCamera(cam *Camera) error {
	if cam.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(cam.ID) {
		return fmt.Errorf("id %q must match pattern [a-z0-9-]+", cam.ID)
	}
	if cam.RTSPURL == "" && cam.IP == "" {
		return fmt.Errorf("either rtsp_url or ip is required")
	}
	if cam.RTSPPort <= 0 {
		cam.RTSPPort = 554
	}
	if cam.RTSPPath == "" {
		cam.RTSPPath = "/stream1"
	}

	if cam.Motion.MinArea <= 0 {
		cam.Motion.MinArea = 500
	}
	if cam.Motion.DiffThreshold <= 0 {
		cam.Motion.DiffThreshold = 30
	}
	if cam.Motion.CooldownS <= 0 {
		cam.Motion.CooldownS = 60
	}
	if cam.Motion.SampleIntervalS <= 0 {
		cam.Motion.SampleIntervalS = 10
	}

	return nil
}
