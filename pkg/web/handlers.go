package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-posture/pkg/control"
	"github.com/teslashibe/go-posture/pkg/hub"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

// StatusResponse is returned by GET /api/status and session commands.
type StatusResponse struct {
	Session protocol.SessionData `json:"session"`
	Last    *protocol.StatusData `json:"last,omitempty"`
	Stats   *posture.Stats       `json:"stats,omitempty"`
}

func newStatusResponse(st posture.Status) StatusResponse {
	resp := StatusResponse{Session: protocol.SessionFromStatus(st)}
	if st.Last != nil {
		last := protocol.StatusFromOutput(*st.Last)
		resp.Last = &last
	}
	return resp
}

// routeCommands maps /api/session/:command to control commands.
var routeCommands = map[string]string{
	"start":         protocol.CommandStart,
	"pause":         protocol.CommandPause,
	"resume":        protocol.CommandResume,
	"recalibrate":   protocol.CommandRecalibrate,
	"visualization": protocol.CommandToggleVisualization,
}

// handleStatus returns the current session state and last output
func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := newStatusResponse(s.ctrl.Status())
	stats := s.ctrl.Stats()
	resp.Stats = &stats
	return c.JSON(resp)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Session posture.Stats        `json:"session"`
	Hubs    map[string]hub.Stats `json:"hubs"`
}

// handleStats returns session and broadcast counters
func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(StatsResponse{
		Session: s.ctrl.Stats(),
		Hubs: map[string]hub.Stats{
			"status": s.statusHub.Stats(),
			"logs":   s.logHub.Stats(),
			"camera": s.cameraHub.Stats(),
		},
	})
}

// VisualizationRequest is the optional body of POST /api/session/visualization.
type VisualizationRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleSessionCommand runs a control command against the session
func (s *Server) handleSessionCommand(c *fiber.Ctx) error {
	name, ok := routeCommands[c.Params("command")]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown command: " + c.Params("command"),
		})
	}

	cmd := protocol.ControlCommand{Command: name}
	if name == protocol.CommandToggleVisualization && len(c.Body()) > 0 {
		var req VisualizationRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if req.Enabled != nil {
			cmd.Params = map[string]any{"enabled": *req.Enabled}
		}
	}

	st, err := control.Execute(s.sessionContext(), s.ctrl, cmd)
	if err != nil {
		return c.Status(statusCode(err)).JSON(fiber.Map{
			"error":   err.Error(),
			"session": protocol.SessionFromStatus(st),
		})
	}
	return c.JSON(newStatusResponse(st))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, posture.ErrNotStarted), errors.Is(err, posture.ErrInvalidTransition):
		return fiber.StatusConflict
	case errors.Is(err, control.ErrUnknownCommand):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

// handleGetLogs returns recent log entries
func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	return c.JSON(s.logs)
}

// handleGetCamera returns the camera settings
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no camera configured"})
	}
	return c.JSON(s.camera.GetConfig())
}

// handleUpdateCamera applies a partial camera update or preset
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no camera configured"})
	}

	var params map[string]any
	if err := c.BodyParser(&params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cfg := s.camera.GetConfig()
	s.AddLog("session", "camera settings updated")
	return c.JSON(cfg)
}

// handleStatusWS streams status, progress and calibration messages
func (s *Server) handleStatusWS(c *websocket.Conn) {
	// Send current session state before joining the broadcast
	if data := encode(protocol.NewSessionMessage(s.ctrl.Status())); data != nil {
		c.WriteMessage(websocket.TextMessage, data)
	}

	hub.NewClient(s.statusHub, c).Run()
}

// handleStatusMessage handles control and ping messages from dashboard clients
func (s *Server) handleStatusMessage(client *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.reply(client, encode(protocol.NewErrorMessage("", err)))
		return
	}

	switch msg.Type {
	case protocol.TypeControl:
		cmd, err := msg.GetControlCommand()
		if err != nil {
			s.reply(client, encode(protocol.NewErrorMessage("", err)))
			return
		}
		st, err := control.Execute(s.sessionContext(), s.ctrl, *cmd)
		if err != nil {
			s.reply(client, encode(protocol.NewErrorMessage(cmd.Command, err)))
			return
		}
		if cmd.Command == protocol.CommandGetStatus {
			s.reply(client, encode(protocol.NewSessionMessage(st)))
		}

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			return
		}
		s.reply(client, encode(protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())))

	default:
		s.logger.Debug("ignoring dashboard message", "type", msg.Type)
	}
}

func (s *Server) reply(client *hub.Client, data []byte) {
	if data == nil {
		return
	}
	if !client.Send(hub.TextMessage(data)) {
		s.logger.Warn("dashboard client too slow for reply")
	}
}

func encode(msg *protocol.Message, err error) []byte {
	if err != nil {
		return nil
	}
	data, err := msg.Bytes()
	if err != nil {
		return nil
	}
	return data
}

// handleLogsWS handles WebSocket connections for live logs
func (s *Server) handleLogsWS(c *websocket.Conn) {
	// Send recent logs
	s.logsMu.RLock()
	for _, entry := range s.logs {
		c.WriteJSON(entry)
	}
	s.logsMu.RUnlock()

	hub.NewClient(s.logHub, c).Run()
}

// handleCameraWS handles WebSocket connections for camera feed
func (s *Server) handleCameraWS(c *websocket.Conn) {
	hub.NewClient(s.cameraHub, c).Run()
}
