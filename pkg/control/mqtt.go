package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

// MQTTConfig configures the broker connection and topics.
type MQTTConfig struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string

	ControlTopic  string // Commands in
	ResponseTopic string // Command acks out
	StatusTopic   string // Outputs, progress and session changes out
	AlertTopic    string // Confirmed slouch alerts out

	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultMQTTConfig returns topics rooted at posture/<clientID>.
func DefaultMQTTConfig(clientID string) MQTTConfig {
	root := "posture/" + clientID
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       clientID,
		ControlTopic:   root + "/control",
		ResponseTopic:  root + "/control/response",
		StatusTopic:    root + "/status",
		AlertTopic:     root + "/alert",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Client is the subset of mqtt.Client used here.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg MQTTConfig) (mqtt.Client, error) {
	logger := log.With("component", "mqtt", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Response acknowledges a control command.
type Response struct {
	CommandAck string                `json:"command_ack"`
	Status     string                `json:"status"` // success, error
	Session    *protocol.SessionData `json:"session,omitempty"`
	Stats      *posture.Stats        `json:"stats,omitempty"`
	Error      string                `json:"error,omitempty"`
	Timestamp  string                `json:"timestamp"`
}

// Handler executes commands received on the control topic.
type Handler struct {
	cfg      MQTTConfig
	client   Client
	ctrl     Controller
	logger   *slog.Logger
	commands chan protocol.ControlCommand

	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a control plane handler for ctrl.
func NewHandler(client Client, ctrl Controller, cfg MQTTConfig) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		ctrl:     ctrl,
		logger:   log.With("component", "control", "topic", cfg.ControlTopic),
		commands: make(chan protocol.ControlCommand, 10),
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// cancelled. ctx is also the lifetime given to sessions started remotely.
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("subscribing to control plane", "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.ControlTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true

	if h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.ControlTopic).WaitTimeout(h.cfg.PublishTimeout)
	}
	h.logger.Info("control plane handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd protocol.ControlCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil || cmd.Command == "" {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd protocol.ControlCommand) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}

	status, err := Execute(ctx, h.ctrl, cmd)
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		h.logger.Warn("control command failed", "command", cmd.Command, "error", err)
	}
	session := protocol.SessionFromStatus(status)
	resp.Session = &session
	if cmd.Command == protocol.CommandGetStatus {
		stats := h.ctrl.Stats()
		resp.Stats = &stats
	}
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.ResponseTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(h.cfg.PublishTimeout) {
		h.logger.Warn("response publish timeout", "command", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("response publish failed", "error", err)
	}
}

// Publisher mirrors session events onto the status and alert topics. It
// implements posture.Listener and never waits for broker acks on the tick
// goroutine.
type Publisher struct {
	cfg    MQTTConfig
	client Client
	logger *slog.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

var _ posture.Listener = (*Publisher)(nil)

// NewPublisher creates a publisher on client.
func NewPublisher(client Client, cfg MQTTConfig) *Publisher {
	return &Publisher{
		cfg:    cfg,
		client: client,
		logger: log.With("component", "mqtt-publisher"),
	}
}

// OnOutput publishes a status message, and an alert when one is due.
func (p *Publisher) OnOutput(o posture.Output) {
	msg, err := protocol.NewStatusMessage(o)
	if err != nil {
		p.logger.Error("failed to build status", "error", err)
		return
	}
	p.publish(p.cfg.StatusTopic, msg)
	if o.ShouldAlert && p.cfg.AlertTopic != "" {
		p.publish(p.cfg.AlertTopic, msg)
	}
}

// OnProgress publishes the calibration countdown.
func (p *Publisher) OnProgress(pr posture.Progress) {
	if msg, err := protocol.NewProgressMessage(pr); err == nil {
		p.publish(p.cfg.StatusTopic, msg)
	}
}

// OnCalibration publishes the calibration result.
func (p *Publisher) OnCalibration(r posture.CalibrationResult) {
	if msg, err := protocol.NewCalibrationMessage(r); err == nil {
		p.publish(p.cfg.StatusTopic, msg)
	}
}

// OnStatus publishes session state changes.
func (p *Publisher) OnStatus(s posture.Status) {
	if msg, err := protocol.NewSessionMessage(s); err == nil {
		p.publish(p.cfg.StatusTopic, msg)
	}
}

// Stats returns published and failed message counts.
func (p *Publisher) Stats() (published, errors uint64) {
	return p.published.Load(), p.errors.Load()
}

func (p *Publisher) publish(topic string, msg *protocol.Message) {
	if !p.client.IsConnected() {
		p.errors.Add(1)
		return
	}
	payload, err := msg.Bytes()
	if err != nil {
		p.errors.Add(1)
		return
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(p.cfg.PublishTimeout) || token.Error() != nil {
			p.errors.Add(1)
			p.logger.Debug("publish failed", "topic", topic, "error", token.Error())
			return
		}
		p.published.Add(1)
	}()
}
