package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-posture/pkg/posture"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestPlayer() (*Player, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	var calls []string
	p := NewPlayer(PlayerConfig{Command: "aplay", Args: []string{"chime.wav"}, Cooldown: 5 * time.Second})
	p.now = clock.now
	p.run = func(_ context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+args[0])
		return nil
	}
	return p, clock, &calls
}

func TestPlayerCooldown(t *testing.T) {
	p, clock, calls := newTestPlayer()
	ctx := context.Background()

	if err := p.Play(ctx); err != nil {
		t.Fatalf("first Play() error = %v", err)
	}
	clock.advance(3 * time.Second)
	if err := p.Play(ctx); !errors.Is(err, ErrCoolingDown) {
		t.Errorf("Play() within cooldown error = %v, want ErrCoolingDown", err)
	}
	clock.advance(2 * time.Second)
	if err := p.Play(ctx); err != nil {
		t.Errorf("Play() after cooldown error = %v", err)
	}

	if len(*calls) != 2 || (*calls)[0] != "aplay chime.wav" {
		t.Errorf("calls = %v", *calls)
	}
	if p.Played() != 2 {
		t.Errorf("Played() = %d, want 2", p.Played())
	}
}

func TestPlayerCommandError(t *testing.T) {
	p, _, _ := newTestPlayer()
	p.run = func(context.Context, string, ...string) error { return errors.New("no device") }

	var ended error
	p.OnPlaybackEnd = func(err error) { ended = err }

	if err := p.Play(context.Background()); err == nil {
		t.Error("Play() should return the command error")
	}
	if ended == nil {
		t.Error("OnPlaybackEnd should receive the error")
	}
}

func TestPlayerOnOutput(t *testing.T) {
	p, _, _ := newTestPlayer()
	done := make(chan struct{}, 4)
	p.OnPlaybackEnd = func(error) { done <- struct{}{} }

	p.OnOutput(posture.Output{State: posture.PostureSlouchConfirmed})
	p.OnOutput(posture.Output{State: posture.PostureSlouchConfirmed, ShouldAlert: true})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("alert sound never played")
	}
	if p.Played() != 1 {
		t.Errorf("Played() = %d, want 1", p.Played())
	}
}

func TestRealCommand(t *testing.T) {
	p := NewPlayer(PlayerConfig{Command: "true", Timeout: time.Second})
	if err := p.Play(context.Background()); err != nil {
		t.Skipf("true not runnable here: %v", err)
	}

	p = NewPlayer(PlayerConfig{Command: "false", Timeout: time.Second})
	if err := p.Play(context.Background()); err == nil {
		t.Error("Play() with failing command should error")
	}
}

func TestWebhookSend(t *testing.T) {
	var got Event
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}, Timeout: time.Second})
	err := w.Send(context.Background(), posture.Output{
		SessionID:   "s1",
		State:       posture.PostureSlouchConfirmed,
		Color:       posture.PostureSlouchConfirmed.Color(),
		ShouldAlert: true,
		BadFrames:   10,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Event != "slouch_alert" || got.Status.State != "slouching_confirmed" || got.Status.BadFrames != 10 {
		t.Errorf("payload = %+v", got)
	}
	if header != "secret" {
		t.Errorf("X-Token = %q, want secret", header)
	}
	if sent, failed := w.Stats(); sent != 1 || failed != 0 {
		t.Errorf("Stats() = %d, %d, want 1, 0", sent, failed)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL})
	if err := w.Send(context.Background(), posture.Output{ShouldAlert: true}); err == nil {
		t.Error("Send() should fail on 502")
	}
	if _, failed := w.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestWebhookCooldown(t *testing.T) {
	hits := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	w := NewWebhook(WebhookConfig{URL: srv.URL, Cooldown: time.Minute})
	w.now = clock.now

	alert := posture.Output{ShouldAlert: true}
	w.OnOutput(alert)
	w.OnOutput(alert)
	clock.advance(time.Minute)
	w.OnOutput(alert)
	w.OnOutput(posture.Output{})

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d webhook calls, want 2", i)
		}
	}
	select {
	case <-hits:
		t.Error("cooldown let an extra alert through")
	case <-time.After(100 * time.Millisecond):
	}
}
