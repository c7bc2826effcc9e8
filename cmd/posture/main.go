// Posture monitor - classifies sitting posture from body landmarks and
// alerts on sustained slouching. Landmarks come from a local webcam
// (MoveNet or an external estimator) or from browsers over WebSocket.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-posture/internal/config"
	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/app"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("configuration error", err)
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal("configuration error", err)
	}

	if err := a.Init(ctx); err != nil {
		log.Fatal("initialization failed", err)
	}
	defer a.Shutdown()

	if err := a.Run(ctx); err != nil {
		log.Error("runtime error", "error", err)
	}
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (*config.Config, error) {
	path := flag.String("config", "", "Path to a YAML config file")
	envFile := flag.String("env", ".env", "Path to a .env file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	source := flag.String("source", "", "Landmark source: movenet, worker, ingest")
	model := flag.String("model", "", "MoveNet ONNX model path")
	worker := flag.String("worker", "", "External pose estimator command")
	device := flag.Int("camera", -1, "Video device index")
	preset := flag.String("preset", "", "Engine preset: default, relaxed, rolling")
	mode := flag.String("mode", "", "Reference mode: calibrated, rolling")
	port := flag.String("port", "", "Web dashboard port")
	noWeb := flag.Bool("no-web", false, "Disable the web dashboard")
	broker := flag.String("mqtt", "", "MQTT broker URL (enables the MQTT control plane)")
	start := flag.Bool("start", false, "Start a session immediately")
	noSound := flag.Bool("no-sound", false, "Disable the alert sound")
	flag.Parse()

	cfg, err := config.Load(*path, *envFile)
	if err != nil {
		return nil, err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.LogLevel, *logLevel)
	set(&cfg.Source, *source)
	set(&cfg.Pose.Model, *model)
	set(&cfg.Pose.WorkerCommand, *worker)
	set(&cfg.Engine.Preset, *preset)
	set(&cfg.Engine.Mode, *mode)
	set(&cfg.Web.Port, *port)
	if *broker != "" {
		cfg.MQTT.Broker = *broker
		cfg.MQTT.Enabled = true
	}
	if *device >= 0 {
		cfg.Camera.Device = *device
	}
	if *noWeb {
		cfg.Web.Enabled = false
	}
	if *start {
		cfg.AutoStart = true
	}
	if *noSound {
		cfg.Alert.Sound = false
	}

	// app.New validates the result.
	return cfg, nil
}
