package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-posture/internal/httpc"
	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

// WebhookConfig configures alert notifications over HTTP.
type WebhookConfig struct {
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Cooldown time.Duration     `yaml:"cooldown"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// Event is the webhook payload.
type Event struct {
	Event  string              `json:"event"` // always "slouch_alert"
	Status protocol.StatusData `json:"status"`
}

// Webhook POSTs an Event for each alert.
type Webhook struct {
	posture.ListenerFuncs

	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	last atomic.Int64 // Unix nanos of the last accepted alert

	sent   atomic.Uint64
	failed atomic.Uint64
}

var _ posture.Listener = (*Webhook)(nil)

// NewWebhook creates a webhook sink. A zero Timeout uses the shared client.
func NewWebhook(cfg WebhookConfig) *Webhook {
	client := httpc.Client
	if cfg.Timeout > 0 {
		client = httpc.NewClient(cfg.Timeout)
	}
	return &Webhook{
		cfg:    cfg,
		client: client,
		logger: log.With("component", "alert-webhook"),
		now:    time.Now,
	}
}

// OnOutput posts the alert in the background.
func (w *Webhook) OnOutput(o posture.Output) {
	if !o.ShouldAlert || !w.accept() {
		return
	}
	go func() {
		if err := w.Send(context.Background(), o); err != nil {
			w.logger.Warn("alert webhook failed", "error", err)
		}
	}()
}

func (w *Webhook) accept() bool {
	now := w.now().UnixNano()
	for {
		last := w.last.Load()
		if last != 0 && time.Duration(now-last) < w.cfg.Cooldown {
			return false
		}
		if w.last.CompareAndSwap(last, now) {
			return true
		}
	}
}

// Send posts one alert and waits for the response.
func (w *Webhook) Send(ctx context.Context, o posture.Output) error {
	body, err := json.Marshal(Event{Event: "slouch_alert", Status: protocol.StatusFromOutput(o)})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.failed.Add(1)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.failed.Add(1)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook error (status %d): %s", resp.StatusCode, string(msg))
	}
	w.sent.Add(1)
	return nil
}

// Stats returns delivered and failed alert counts.
func (w *Webhook) Stats() (sent, failed uint64) {
	return w.sent.Load(), w.failed.Load()
}
