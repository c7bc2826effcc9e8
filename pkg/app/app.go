// Package app wires a landmark source, the posture session and its outputs
// (dashboard, MQTT, alert sinks) into one service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-posture/internal/config"
	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/alert"
	"github.com/teslashibe/go-posture/pkg/camera"
	"github.com/teslashibe/go-posture/pkg/control"
	"github.com/teslashibe/go-posture/pkg/ingest"
	"github.com/teslashibe/go-posture/pkg/pose"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/web"
)

// App is the posture service orchestrator.
// It manages all components and their lifecycle.
type App struct {
	config *config.Config
	logger *slog.Logger

	// Landmark source
	webcam    *camera.Webcam
	estimator pose.Estimator
	layout    pose.Layout
	landmarks *ingest.Hub
	source    posture.Source

	session *posture.Session
	visual  atomic.Bool

	// Web dashboard
	webServer *web.Server
	cameraMgr *camera.Manager

	// MQTT control plane
	mqttClient  mqtt.Client
	mqttHandler *control.Handler
	publisher   *control.Publisher

	// Alert sinks
	player  *alert.Player
	webhook *alert.Webhook
}

// New creates a posture application with the given configuration.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		config: cfg,
		logger: log.With("component", "app"),
	}, nil
}

// Init initializes all components.
// Call this after New() and before Run(). ctx bounds the camera capture loop
// and the estimator worker process.
func (a *App) Init(ctx context.Context) error {
	engine, err := a.config.Engine.Posture()
	if err != nil {
		return err
	}

	if err := a.initSource(ctx); err != nil {
		return fmt.Errorf("source init: %w", err)
	}

	a.session, err = posture.NewSession(a.source, engine)
	if err != nil {
		a.closeSource()
		return fmt.Errorf("session: %w", err)
	}
	a.session.AddListener(posture.ListenerFuncs{
		Status: func(st posture.Status) { a.visual.Store(st.Visualization) },
	})

	a.initWeb()

	if err := a.initMQTT(); err != nil {
		a.closeSource()
		return fmt.Errorf("mqtt init: %w", err)
	}

	a.initAlerts()

	a.logger.Info("initialized",
		"source", a.config.Source,
		"mode", engine.Mode.String(),
		"session", a.session.ID(),
		"web", a.webServer != nil,
		"mqtt", a.mqttClient != nil,
	)
	return nil
}

// Run starts the dashboard and control plane, optionally starts a session,
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	if a.webServer != nil {
		go func() { errc <- a.webServer.Start(ctx) }()
	}

	if a.mqttHandler != nil {
		if err := a.mqttHandler.Start(ctx); err != nil {
			return fmt.Errorf("mqtt control: %w", err)
		}
	}

	if a.config.AutoStart {
		if err := a.session.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	}

	a.logger.Info("posture service running", "auto_start", a.config.AutoStart)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	if a.session != nil {
		a.session.Stop()
	}
	if a.mqttHandler != nil {
		a.mqttHandler.Stop()
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Debug("web shutdown", "error", err)
		}
	}
	a.closeSource()

	if a.session != nil {
		st := a.session.Stats()
		a.logger.Info("posture service stopped", "ticks", st.Ticks, "alerts", st.Alerts)
	}
}

// Session returns the posture session built by Init.
func (a *App) Session() *posture.Session {
	return a.session
}

// initSource builds the landmark source: webcam plus a local estimator, or
// the ingest hub fed by remote producers.
func (a *App) initSource(ctx context.Context) error {
	cfg := a.config
	if cfg.Source == config.SourceIngest {
		a.landmarks = ingest.New(ingest.Config{
			StaleAfter: cfg.Ingest.StaleAfter,
			MinScore:   cfg.Pose.MinScore,
		})
		a.source = a.landmarks
		return nil
	}

	layout, ok := pose.LayoutByName(cfg.Pose.Layout)
	if !ok {
		return fmt.Errorf("unknown keypoint layout %q", cfg.Pose.Layout)
	}

	est, err := a.openEstimator(ctx)
	if err != nil {
		return fmt.Errorf("estimator: %w", err)
	}

	webcam, err := camera.OpenWebcam(ctx, cfg.Camera)
	if err != nil {
		est.Close()
		return fmt.Errorf("camera: %w", err)
	}

	a.estimator, a.webcam, a.layout = est, webcam, layout

	src := pose.NewSource(webcam, est, layout)
	src.MinScore = cfg.Pose.MinScore
	src.OnDetection = a.streamFrame
	a.source = src
	return nil
}

func (a *App) openEstimator(ctx context.Context) (pose.Estimator, error) {
	p := a.config.Pose

	if a.config.Source == config.SourceWorker {
		wc := pose.DefaultWorkerConfig()
		wc.Command, wc.Args = p.WorkerCommand, p.WorkerArgs
		w, err := pose.StartWorker(ctx, wc)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	mc := pose.DefaultMoveNetConfig()
	mc.ModelPath = p.Model
	if p.InputSize > 0 {
		mc.InputWidth, mc.InputHeight = p.InputSize, p.InputSize
	}
	m, err := pose.NewMoveNet(mc)
	if err != nil {
		return nil, err
	}
	a.logger.Info("movenet loaded", "model", mc.ModelPath, "input", mc.InputWidth)
	return m, nil
}

func (a *App) closeSource() {
	if a.webcam != nil {
		if err := a.webcam.Close(); err != nil {
			a.logger.Warn("camera close", "error", err)
		}
		a.webcam = nil
	}
	if a.estimator != nil {
		if err := a.estimator.Close(); err != nil {
			a.logger.Warn("estimator close", "error", err)
		}
		a.estimator = nil
	}
}

// streamFrame forwards each analysed frame to the dashboard, with the
// landmarks drawn while visualization is on.
func (a *App) streamFrame(frame []byte, det *pose.Detection) {
	if a.webServer == nil {
		return
	}
	if a.visual.Load() {
		out, err := pose.Overlay(frame, det, a.layout, a.config.Pose.MinScore)
		if err != nil {
			a.logger.Debug("overlay failed", "error", err)
		} else {
			frame = out
		}
	}
	a.webServer.SendCameraFrame(frame)
}

func (a *App) initWeb() {
	if !a.config.Web.Enabled {
		return
	}

	a.webServer = web.NewServer(a.config.Web.Port, a.session)
	a.session.AddListener(a.webServer)

	if a.webcam != nil {
		a.cameraMgr = camera.NewManager(a.config.Camera)
		a.cameraMgr.OnConfigChange = a.webcam.Reconfigure
		a.webServer.SetCamera(a.cameraMgr)
	}
	if a.landmarks != nil {
		a.landmarks.RegisterRoutes(a.webServer.Router())
	}
}

func (a *App) initMQTT() error {
	m := a.config.MQTT
	if !m.Enabled {
		return nil
	}

	cfg := control.DefaultMQTTConfig(m.ClientID)
	cfg.Broker = m.Broker
	cfg.Username, cfg.Password = m.Username, m.Password
	cfg.QoS = m.QoS

	client, err := control.Connect(cfg)
	if err != nil {
		return err
	}
	a.mqttClient = client
	a.mqttHandler = control.NewHandler(client, a.session, cfg)
	a.publisher = control.NewPublisher(client, cfg)
	a.session.AddListener(a.publisher)
	return nil
}

func (a *App) initAlerts() {
	al := a.config.Alert

	if al.Sound {
		a.player = alert.NewPlayer(al.Player)
		a.player.OnPlaybackEnd = func(err error) {
			if err != nil && a.webServer != nil {
				a.webServer.AddLog("error", fmt.Sprintf("alert sound: %v", err))
			}
		}
		a.session.AddListener(a.player)
	}

	if al.Webhook.URL != "" {
		a.webhook = alert.NewWebhook(al.Webhook)
		a.session.AddListener(a.webhook)
	}
}
