// Package ingest accepts pose landmarks pushed by remote estimators over
// WebSocket and serves them to a posture session as a Source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/pose"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

// DefaultStaleAfter is how old the primary producer's last frame may be
// before the subject counts as gone.
const DefaultStaleAfter = time.Second

// ErrUnknownLayout is returned for landmark frames in an unrecognised layout.
var ErrUnknownLayout = errors.New("ingest: unknown keypoint layout")

// Config configures a Hub.
type Config struct {
	StaleAfter time.Duration
	MinScore   float64
}

// DefaultConfig returns a one second staleness window and the default
// keypoint confidence threshold.
func DefaultConfig() Config {
	return Config{StaleAfter: DefaultStaleAfter, MinScore: pose.DefaultMinScore}
}

// Producer is a connected landmark producer.
type Producer struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time

	mu       sync.Mutex
	lastSeen time.Time
	latest   posture.Observation
	received time.Time
	frames   uint64
	served   uint64 // frames count at the last Observe
}

// Send sends a message to the producer
func (p *Producer) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub manages landmark producers. The earliest connected producer is the
// primary one; its latest frame is what Observe returns.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	producers map[string]*Producer
	order     []string

	messagesReceived atomic.Uint64
	framesReceived   atomic.Uint64
	framesRejected   atomic.Uint64
}

var _ posture.Source = (*Hub)(nil)

// New creates a landmark hub.
func New(cfg Config) *Hub {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Hub{
		cfg:       cfg,
		logger:    log.With("component", "ingest"),
		now:       time.Now,
		producers: make(map[string]*Producer),
	}
}

// RegisterRoutes registers the landmark endpoint and producer API.
func (h *Hub) RegisterRoutes(app fiber.Router) {
	app.Get("/ws/landmarks", websocket.New(h.handleProducer))
	app.Get("/ws/landmarks/:id", websocket.New(h.handleProducer))

	app.Get("/api/producers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"producers": h.ProducerInfos(),
			"stats":     h.GetStats(),
		})
	})
}

// handleProducer handles one producer WebSocket connection
func (h *Hub) handleProducer(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	now := h.now()
	p := &Producer{ID: id, Conn: c, Connected: now, lastSeen: now}
	h.add(p)
	defer h.remove(p)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("producer read ended", "producer", id, "error", err)
			return
		}

		p.mu.Lock()
		p.lastSeen = h.now()
		p.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(p, data)
	}
}

func (h *Hub) add(p *Producer) {
	h.mu.Lock()
	if old, ok := h.producers[p.ID]; ok {
		// A reconnect under the same ID replaces the old connection.
		old.Conn.Close()
		h.dropLocked(p.ID)
	}
	h.producers[p.ID] = p
	h.order = append(h.order, p.ID)
	count := len(h.producers)
	h.mu.Unlock()

	h.logger.Info("producer connected", "producer", p.ID, "total", count)
}

func (h *Hub) remove(p *Producer) {
	h.mu.Lock()
	if h.producers[p.ID] == p {
		delete(h.producers, p.ID)
		h.dropLocked(p.ID)
	}
	count := len(h.producers)
	h.mu.Unlock()

	h.logger.Info("producer disconnected", "producer", p.ID, "remaining", count)
}

func (h *Hub) dropLocked(id string) {
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

// handleMessage processes an incoming message from a producer
func (h *Hub) handleMessage(p *Producer, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.reject(p, "", err)
		return
	}

	switch msg.Type {
	case protocol.TypeLandmarks:
		lm, err := msg.GetLandmarksData()
		if err != nil {
			h.reject(p, string(msg.Type), err)
			return
		}
		if err := h.Ingest(p.ID, lm); err != nil {
			h.reject(p, string(msg.Type), err)
		}

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			return
		}
		pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		if err == nil {
			p.Send(pong)
		}

	default:
		h.logger.Debug("ignoring producer message", "producer", p.ID, "type", msg.Type)
	}
}

func (h *Hub) reject(p *Producer, command string, err error) {
	h.framesRejected.Add(1)
	h.logger.Warn("rejected producer message", "producer", p.ID, "error", err)
	if msg, e := protocol.NewErrorMessage(command, err); e == nil {
		p.Send(msg)
	}
}

// Ingest records a landmark frame from producer id. Frames with no people
// record an absent subject.
func (h *Hub) Ingest(id string, lm *protocol.LandmarksData) error {
	layout, ok := pose.LayoutByName(lm.Layout)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLayout, lm.Layout)
	}

	h.mu.RLock()
	p, ok := h.producers[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ingest: producer %q not connected", id)
	}

	now := h.now()
	obs := posture.NoSubject(now)
	if det := pose.SelectPrimary(toDetections(lm.People)); det != nil {
		obs = posture.Observe(pose.ToSample(*det, layout, now, h.cfg.MinScore))
	}

	p.mu.Lock()
	p.latest = obs
	p.received = now
	p.frames++
	p.mu.Unlock()

	h.framesReceived.Add(1)
	return nil
}

func toDetections(people []protocol.Person) []pose.Detection {
	dets := make([]pose.Detection, len(people))
	for i, person := range people {
		kps := make([]pose.Keypoint, len(person.Keypoints))
		for j, kp := range person.Keypoints {
			kps[j] = pose.Keypoint{X: kp.X, Y: kp.Y, Z: kp.Z, Score: kp.Score}
		}
		dets[i] = pose.Detection{Keypoints: kps, Score: person.Score}
	}
	return dets
}

// Observe returns the primary producer's latest frame. With no producer, no
// frame yet, or a frame older than StaleAfter, the subject is absent. A frame
// returned before is marked Repeated.
func (h *Hub) Observe(ctx context.Context) (posture.Observation, error) {
	if err := ctx.Err(); err != nil {
		return posture.Observation{}, err
	}

	now := h.now()
	p := h.primary()
	if p == nil {
		return posture.NoSubject(now), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.received.IsZero() || now.Sub(p.received) > h.cfg.StaleAfter {
		return posture.NoSubject(now), nil
	}
	obs := p.latest
	obs.Repeated = p.served == p.frames
	p.served = p.frames
	return obs, nil
}

func (h *Hub) primary() *Producer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.order) == 0 {
		return nil
	}
	return h.producers[h.order[0]]
}

// Primary returns the ID of the primary producer, or "".
func (h *Hub) Primary() string {
	if p := h.primary(); p != nil {
		return p.ID
	}
	return ""
}

// ProducerCount returns the number of connected producers
func (h *Hub) ProducerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.producers)
}

// Stats contains hub statistics
type Stats struct {
	ProducerCount    int    `json:"producer_count"`
	MessagesReceived uint64 `json:"messages_received"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesRejected   uint64 `json:"frames_rejected"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		ProducerCount:    h.ProducerCount(),
		MessagesReceived: h.messagesReceived.Load(),
		FramesReceived:   h.framesReceived.Load(),
		FramesRejected:   h.framesRejected.Load(),
	}
}

// ProducerInfo describes a connected producer.
type ProducerInfo struct {
	ID        string    `json:"id"`
	Primary   bool      `json:"primary"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
}

// ProducerInfos returns producers in connection order.
func (h *Hub) ProducerInfos() []ProducerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ProducerInfo, 0, len(h.order))
	for i, id := range h.order {
		p := h.producers[id]
		p.mu.Lock()
		infos = append(infos, ProducerInfo{
			ID:        p.ID,
			Primary:   i == 0,
			Connected: p.Connected,
			LastSeen:  p.lastSeen,
			Frames:    p.frames,
		})
		p.mu.Unlock()
	}
	return infos
}
