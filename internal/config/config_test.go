package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-posture/pkg/posture"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	eng, err := cfg.Engine.Posture()
	if err != nil {
		t.Fatalf("Posture() error = %v", err)
	}
	if eng != posture.DefaultConfig() {
		t.Errorf("default engine = %+v, want posture.DefaultConfig()", eng)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "posture.yaml", `
source: ingest
log_level: debug
engine:
  preset: relaxed
  slouch_threshold: 0.15
  persistence_frames: 5
camera:
  device: 2
web:
  enabled: true
  port: "9090"
ingest:
  stale_after: 1500ms
alert:
  sound: false
  webhook:
    url: http://localhost/hook
    cooldown: 2m
`)

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source != SourceIngest || cfg.LogLevel != "debug" {
		t.Errorf("Source, LogLevel = %q, %q", cfg.Source, cfg.LogLevel)
	}
	if cfg.Camera.Device != 2 || cfg.Camera.Width != 640 {
		t.Errorf("Camera = %+v, want device 2 with default width", cfg.Camera)
	}
	if cfg.Web.Port != "9090" {
		t.Errorf("Web.Port = %q", cfg.Web.Port)
	}
	if cfg.Ingest.StaleAfter != 1500*time.Millisecond {
		t.Errorf("Ingest.StaleAfter = %v", cfg.Ingest.StaleAfter)
	}
	if cfg.Alert.Sound || cfg.Alert.Webhook.URL != "http://localhost/hook" || cfg.Alert.Webhook.Cooldown != 2*time.Minute {
		t.Errorf("Alert = %+v", cfg.Alert)
	}

	eng, err := cfg.Engine.Posture()
	if err != nil {
		t.Fatalf("Posture() error = %v", err)
	}
	if eng.MonitorInterval != 3*time.Second {
		t.Errorf("MonitorInterval = %v, want relaxed 3s", eng.MonitorInterval)
	}
	if eng.SlouchThreshold != 0.15 || eng.PersistenceFrames != 5 {
		t.Errorf("overrides not applied: %+v", eng)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", "POSTURE_WEB_PORT=7000\nPOSTURE_MQTT_BROKER=tcp://broker:1883\n")

	// Register cleanup for the keys the .env file sets, then leave them unset.
	for _, key := range []string{"POSTURE_WEB_PORT", "POSTURE_MQTT_BROKER"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("POSTURE_SOURCE", "worker")
	t.Setenv("POSTURE_WORKER_COMMAND", "./pose-worker")
	t.Setenv("POSTURE_MODE", "rolling")
	t.Setenv("POSTURE_MONITOR_INTERVAL", "250ms")
	t.Setenv("POSTURE_MQTT_ENABLED", "yes")

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source != SourceWorker || cfg.Pose.WorkerCommand != "./pose-worker" {
		t.Errorf("Source = %q, WorkerCommand = %q", cfg.Source, cfg.Pose.WorkerCommand)
	}
	if cfg.Web.Port != "7000" {
		t.Errorf("Web.Port = %q, want 7000 from .env", cfg.Web.Port)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}

	eng, err := cfg.Engine.Posture()
	if err != nil {
		t.Fatalf("Posture() error = %v", err)
	}
	if eng.Mode != posture.ModeRolling || eng.MonitorInterval != 250*time.Millisecond {
		t.Errorf("engine = %+v", eng)
	}
}

func TestEnvParseErrors(t *testing.T) {
	tests := []struct {
		key, value, field string
	}{
		{"POSTURE_SLOUCH_THRESHOLD", "lots", "Engine.SlouchThreshold"},
		{"POSTURE_PERSISTENCE_FRAMES", "ten", "Engine.PersistenceFrames"},
		{"POSTURE_MONITOR_INTERVAL", "fast", "Engine.MonitorInterval"},
		{"POSTURE_CAMERA_DEVICE", "front", "Camera.Device"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := DefaultConfig()
			err := cfg.LoadEnvConfig()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.field {
				t.Errorf("LoadEnvConfig() error = %v, want ConfigError on %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"unknown source", func(c *Config) { c.Source = "kinect" }, "Source"},
		{"movenet without model", func(c *Config) { c.Pose.Model = "" }, "Pose.Model"},
		{"worker without command", func(c *Config) { c.Source = SourceWorker }, "Pose.WorkerCommand"},
		{"ingest without web", func(c *Config) { c.Source = SourceIngest; c.Web.Enabled = false }, "Web.Enabled"},
		{"bad camera", func(c *Config) { c.Camera.Width = 10 }, "Camera"},
		{"bad min score", func(c *Config) { c.Pose.MinScore = 2 }, "Pose.MinScore"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "MQTT.Broker"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "MQTT.QoS"},
		{"bad preset", func(c *Config) { c.Engine.Preset = "lazy" }, "Engine.Preset"},
		{"bad mode", func(c *Config) { c.Engine.Mode = "sometimes" }, "Engine.Mode"},
		{"bad threshold", func(c *Config) { c.Engine.SlouchThreshold = 1.5 }, "Engine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestIngestSkipsCameraValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source = SourceIngest
	cfg.Camera.Width = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, camera is unused for ingest", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
