// Package config loads go-posture configuration from a YAML file, a .env
// file and POSTURE_* environment variables, in that order of precedence.
// Flag parsing is done in cmd/posture/main.go; this package is data only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-posture/pkg/alert"
	"github.com/teslashibe/go-posture/pkg/camera"
	"github.com/teslashibe/go-posture/pkg/posture"
)

// Landmark sources.
const (
	SourceMoveNet = "movenet" // Local webcam + MoveNet ONNX
	SourceWorker  = "worker"  // Local webcam + external estimator process
	SourceIngest  = "ingest"  // Landmarks pushed over WebSocket
)

// Config holds all configuration for the posture service.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	Source    string `yaml:"source"`
	AutoStart bool   `yaml:"auto_start"` // Start a session on launch

	Engine EngineConfig  `yaml:"engine"`
	Camera camera.Config `yaml:"camera"`
	Pose   PoseConfig    `yaml:"pose"`
	Web    WebConfig     `yaml:"web"`
	Ingest IngestConfig  `yaml:"ingest"`
	MQTT   MQTTConfig    `yaml:"mqtt"`
	Alert  AlertConfig   `yaml:"alert"`
}

// EngineConfig selects a posture preset and overrides individual fields.
// Zero fields keep the preset value.
type EngineConfig struct {
	Preset string `yaml:"preset"` // default, relaxed, rolling
	Mode   string `yaml:"mode"`   // calibrated, rolling

	CalibrationDuration time.Duration `yaml:"calibration_duration"`
	CalibrationInterval time.Duration `yaml:"calibration_interval"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	SourceTimeout       time.Duration `yaml:"source_timeout"`
	Retention           time.Duration `yaml:"retention"`
	SlouchThreshold     float64       `yaml:"slouch_threshold"`
	PersistenceFrames   int           `yaml:"persistence_frames"`
	AlertCooldown       time.Duration `yaml:"alert_cooldown"`
}

// PoseConfig configures local pose estimation.
type PoseConfig struct {
	Model         string   `yaml:"model"`  // MoveNet ONNX path
	Layout        string   `yaml:"layout"` // movenet, blazepose
	MinScore      float64  `yaml:"min_score"`
	InputSize     int      `yaml:"input_size"`
	WorkerCommand string   `yaml:"worker_command"`
	WorkerArgs    []string `yaml:"worker_args"`
}

// WebConfig configures the dashboard.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// IngestConfig configures the landmark WebSocket endpoint.
type IngestConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// MQTTConfig configures the MQTT control plane.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// AlertConfig configures alert sinks.
type AlertConfig struct {
	Sound   bool                `yaml:"sound"`
	Player  alert.PlayerConfig  `yaml:"player"`
	Webhook alert.WebhookConfig `yaml:"webhook"`
}

// DefaultConfig returns sensible defaults: webcam + MoveNet, dashboard on
// port 8080, MQTT and webhook disabled.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Source:   SourceMoveNet,
		Engine:   EngineConfig{Preset: "default"},
		Camera:   camera.DefaultConfig(),
		Pose: PoseConfig{
			Model:     "models/movenet_singlepose_lightning.onnx",
			Layout:    "movenet",
			MinScore:  0.3,
			InputSize: 192,
		},
		Web:    WebConfig{Enabled: true, Port: "8080"},
		Ingest: IngestConfig{StaleAfter: time.Second},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "posture",
			QoS:      1,
		},
		Alert: AlertConfig{
			Sound:  true,
			Player: alert.DefaultPlayerConfig(),
			Webhook: alert.WebhookConfig{
				Cooldown: time.Minute,
				Timeout:  5 * time.Second,
			},
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if not
// empty), envFiles (missing files are ignored) and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.LoadEnvConfig(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadEnvConfig applies POSTURE_* environment overrides.
func (c *Config) LoadEnvConfig() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("POSTURE_LOG_LEVEL", &c.LogLevel)
	str("POSTURE_SOURCE", &c.Source)
	str("POSTURE_PRESET", &c.Engine.Preset)
	str("POSTURE_MODE", &c.Engine.Mode)
	str("POSTURE_MODEL", &c.Pose.Model)
	str("POSTURE_LAYOUT", &c.Pose.Layout)
	str("POSTURE_WORKER_COMMAND", &c.Pose.WorkerCommand)
	str("POSTURE_WEB_PORT", &c.Web.Port)
	str("POSTURE_MQTT_BROKER", &c.MQTT.Broker)
	str("POSTURE_MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("POSTURE_MQTT_USERNAME", &c.MQTT.Username)
	str("POSTURE_MQTT_PASSWORD", &c.MQTT.Password)
	str("POSTURE_WEBHOOK_URL", &c.Alert.Webhook.URL)

	if v := os.Getenv("POSTURE_SLOUCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Field: "Engine.SlouchThreshold", Message: "POSTURE_SLOUCH_THRESHOLD must be a number"}
		}
		c.Engine.SlouchThreshold = f
	}
	if v := os.Getenv("POSTURE_PERSISTENCE_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "Engine.PersistenceFrames", Message: "POSTURE_PERSISTENCE_FRAMES must be an integer"}
		}
		c.Engine.PersistenceFrames = n
	}
	if v := os.Getenv("POSTURE_MONITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "Engine.MonitorInterval", Message: "POSTURE_MONITOR_INTERVAL must be a duration like 500ms"}
		}
		c.Engine.MonitorInterval = d
	}
	if v := os.Getenv("POSTURE_CAMERA_DEVICE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "Camera.Device", Message: "POSTURE_CAMERA_DEVICE must be an integer"}
		}
		c.Camera.Device = n
	}
	if v := os.Getenv("POSTURE_MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("POSTURE_AUTO_START"); v != "" {
		c.AutoStart = parseBool(v)
	}
	if v := os.Getenv("POSTURE_ALERT_SOUND"); v != "" {
		c.Alert.Sound = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Posture resolves the engine preset and overrides.
func (e EngineConfig) Posture() (posture.Config, error) {
	var cfg posture.Config
	switch e.Preset {
	case "", "default":
		cfg = posture.DefaultConfig()
	case "relaxed":
		cfg = posture.RelaxedConfig()
	case "rolling":
		cfg = posture.RollingConfig()
	default:
		return posture.Config{}, &ConfigError{Field: "Engine.Preset", Message: fmt.Sprintf("unknown engine preset %q", e.Preset)}
	}

	if e.Mode != "" {
		mode, err := posture.ParseMode(e.Mode)
		if err != nil {
			return posture.Config{}, &ConfigError{Field: "Engine.Mode", Message: err.Error()}
		}
		cfg.Mode = mode
	}
	if e.CalibrationDuration > 0 {
		cfg.CalibrationDuration = e.CalibrationDuration
	}
	if e.CalibrationInterval > 0 {
		cfg.CalibrationInterval = e.CalibrationInterval
	}
	if e.MonitorInterval > 0 {
		cfg.MonitorInterval = e.MonitorInterval
	}
	if e.SourceTimeout > 0 {
		cfg.SourceTimeout = e.SourceTimeout
	}
	if e.Retention > 0 {
		cfg.Retention = e.Retention
	}
	if e.SlouchThreshold != 0 {
		cfg.SlouchThreshold = e.SlouchThreshold
	}
	if e.PersistenceFrames != 0 {
		cfg.PersistenceFrames = e.PersistenceFrames
	}
	if e.AlertCooldown > 0 {
		cfg.AlertCooldown = e.AlertCooldown
	}

	if err := cfg.Validate(); err != nil {
		return posture.Config{}, &ConfigError{Field: "Engine", Message: err.Error()}
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceMoveNet:
		if c.Pose.Model == "" {
			return &ConfigError{Field: "Pose.Model", Message: "a MoveNet model path is required for the movenet source"}
		}
	case SourceWorker:
		if c.Pose.WorkerCommand == "" {
			return &ConfigError{Field: "Pose.WorkerCommand", Message: "a worker command is required for the worker source"}
		}
	case SourceIngest:
		if !c.Web.Enabled {
			return &ConfigError{Field: "Web.Enabled", Message: "the ingest source needs the web server enabled"}
		}
	default:
		return &ConfigError{Field: "Source", Message: fmt.Sprintf("unknown source %q (want movenet, worker or ingest)", c.Source)}
	}

	if c.Source != SourceIngest {
		if errs := c.Camera.Validate(); len(errs) > 0 {
			return &ConfigError{Field: "Camera", Message: strings.Join(errs, "; ")}
		}
	}
	if c.Pose.MinScore < 0 || c.Pose.MinScore > 1 {
		return &ConfigError{Field: "Pose.MinScore", Message: "min_score must be between 0 and 1"}
	}
	if c.Web.Enabled && c.Web.Port == "" {
		return &ConfigError{Field: "Web.Port", Message: "web port is required"}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return &ConfigError{Field: "MQTT.Broker", Message: "POSTURE_MQTT_BROKER is required when MQTT is enabled"}
	}
	if c.MQTT.QoS > 2 {
		return &ConfigError{Field: "MQTT.QoS", Message: "qos must be 0, 1 or 2"}
	}
	if _, err := c.Engine.Posture(); err != nil {
		return err
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
