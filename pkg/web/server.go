// Package web provides the real-time posture dashboard and its control API.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/camera"
	"github.com/teslashibe/go-posture/pkg/control"
	"github.com/teslashibe/go-posture/pkg/hub"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

const maxLogs = 500

// LogEntry represents a log line for the dashboard
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // session, calibration, alert, error
	Message string `json:"message"`
}

// Server is the web dashboard server. It implements posture.Listener.
type Server struct {
	app    *fiber.App
	port   string
	ctrl   control.Controller
	logger *slog.Logger

	// Lifetime handed to sessions started from the dashboard
	ctx   context.Context
	ctxMu sync.RWMutex

	// Log buffer (last 500 entries)
	logs   []LogEntry
	logsMu sync.RWMutex

	// Optional runtime camera settings
	camera *camera.Manager

	// Hubs for websocket broadcast
	statusHub *hub.Hub
	logHub    *hub.Hub
	cameraHub *hub.Hub
}

var _ posture.Listener = (*Server)(nil)

// NewServer creates a new web dashboard server controlling ctrl.
func NewServer(port string, ctrl control.Controller) *Server {
	s := &Server{
		port:      port,
		ctrl:      ctrl,
		logger:    log.With("component", "web"),
		ctx:       context.Background(),
		logs:      make([]LogEntry, 0, maxLogs),
		statusHub: hub.New("status", hub.EvictSlow),
		logHub:    hub.New("logs", hub.EvictSlow),
		cameraHub: hub.New("camera", hub.SkipSlow),
	}
	s.statusHub.OnMessage = s.handleStatusMessage

	app := fiber.New(fiber.Config{
		AppName:               "Posture Dashboard",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	// Static files
	app.Static("/", "./web")

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/stats", s.handleStats)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/camera", s.handleGetCamera)
	api.Post("/camera", s.handleUpdateCamera)
	api.Post("/session/:command", s.handleSessionCommand)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/logs", websocket.New(s.handleLogsWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// SetCamera enables the camera settings endpoints.
func (s *Server) SetCamera(m *camera.Manager) {
	s.camera = m
}

// Router exposes the app so other packages can mount routes before Start.
func (s *Server) Router() fiber.Router {
	return s.app
}

// Start listens on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.port, err)
	}
	s.logger.Info("web dashboard listening", "url", "http://localhost:"+s.port)
	return s.Serve(ctx, ln)
}

// Serve runs the hubs and serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	go s.statusHub.Run(ctx)
	go s.logHub.Run(ctx)
	go s.cameraHub.Run(ctx)

	stop := context.AfterFunc(ctx, func() {
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("web shutdown", "error", err)
		}
	})
	defer stop()

	return s.app.Listener(ln)
}

// OnOutput broadcasts a classification output.
func (s *Server) OnOutput(o posture.Output) {
	s.broadcast(protocol.NewStatusMessage(o))
	if o.ShouldAlert {
		s.AddLog("alert", fmt.Sprintf("slouching for %d frames (%.0f%% below reference)", o.BadFrames, o.Decrease*100))
	}
}

// OnProgress broadcasts the calibration countdown.
func (s *Server) OnProgress(p posture.Progress) {
	s.broadcast(protocol.NewProgressMessage(p))
}

// OnCalibration broadcasts a finished calibration.
func (s *Server) OnCalibration(r posture.CalibrationResult) {
	s.broadcast(protocol.NewCalibrationMessage(r))
	if r.Failed {
		s.AddLog("error", "calibration failed: no usable samples")
		return
	}
	s.AddLog("calibration", fmt.Sprintf("baseline %.3f from %d samples", r.Baseline, r.Samples))
}

// OnStatus broadcasts a session state change.
func (s *Server) OnStatus(st posture.Status) {
	s.broadcast(protocol.NewSessionMessage(st))
	s.AddLog("session", st.State.String())
}

// AddLog adds a log entry and broadcasts to clients
func (s *Server) AddLog(logType, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	if err := s.logHub.BroadcastJSON(entry); err != nil {
		s.logger.Warn("broadcast log entry", "error", err)
	}
}

// SendCameraFrame sends a camera frame to all connected clients
func (s *Server) SendCameraFrame(jpegData []byte) {
	s.cameraHub.Broadcast(hub.BinaryMessage(jpegData))
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) sessionContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Server) broadcast(msg *protocol.Message, err error) {
	if err != nil {
		s.logger.Error("build message", "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		s.logger.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	s.statusHub.Broadcast(hub.TextMessage(data))
}
