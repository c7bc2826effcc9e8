// Package alert turns confirmed slouch alerts into sounds and notifications.
// Each sink applies its own cooldown on top of the session's.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-posture/internal/log"
	"github.com/teslashibe/go-posture/pkg/posture"
)

// ErrCoolingDown is returned by Play when the last sound is too recent or
// still playing.
var ErrCoolingDown = errors.New("alert: cooling down")

// PlayerConfig configures the alert sound.
type PlayerConfig struct {
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args"`
	Cooldown time.Duration `yaml:"cooldown"`
	Timeout  time.Duration `yaml:"timeout"` // Kill a sound that runs longer
}

// DefaultPlayerConfig plays chime.wav with aplay at most every 5 seconds.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		Command:  "aplay",
		Args:     []string{"-q", "chime.wav"},
		Cooldown: 5 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Player plays a sound by running an external command.
type Player struct {
	posture.ListenerFuncs

	cfg    PlayerConfig
	logger *slog.Logger
	now    func() time.Time
	run    func(ctx context.Context, name string, args ...string) error

	mu      sync.Mutex
	last    time.Time
	playing bool

	played atomic.Uint64

	// Callbacks
	OnPlaybackStart func()
	OnPlaybackEnd   func(err error)
}

var _ posture.Listener = (*Player)(nil)

// NewPlayer creates a player for cfg.
func NewPlayer(cfg PlayerConfig) *Player {
	return &Player{
		cfg:    cfg,
		logger: log.With("component", "alert-player", "command", cfg.Command),
		now:    time.Now,
		run:    runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// OnOutput plays the sound in the background when an alert is due.
func (p *Player) OnOutput(o posture.Output) {
	if !o.ShouldAlert {
		return
	}
	go func() {
		err := p.Play(context.Background())
		if err != nil && !errors.Is(err, ErrCoolingDown) {
			p.logger.Warn("alert sound failed", "error", err)
		}
	}()
}

// Play runs the sound command and waits for it to finish.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	if p.playing || (!p.last.IsZero() && now.Sub(p.last) < p.cfg.Cooldown) {
		p.mu.Unlock()
		return ErrCoolingDown
	}
	p.playing = true
	p.last = now
	p.mu.Unlock()

	if p.OnPlaybackStart != nil {
		p.OnPlaybackStart()
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	err := p.run(ctx, p.cfg.Command, p.cfg.Args...)

	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	p.played.Add(1)

	if p.OnPlaybackEnd != nil {
		p.OnPlaybackEnd(err)
	}
	return err
}

// Played returns how many sounds were started.
func (p *Player) Played() uint64 {
	return p.played.Load()
}
