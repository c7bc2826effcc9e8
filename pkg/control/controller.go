// Package control maps protocol control commands onto a posture session and
// exposes them over an MQTT control plane.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-posture/pkg/posture"
	"github.com/teslashibe/go-posture/pkg/protocol"
)

// ErrUnknownCommand is returned for commands Execute does not recognise.
var ErrUnknownCommand = errors.New("control: unknown command")

// Controller is the session surface commands act on. *posture.Session
// implements it.
type Controller interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Recalibrate() error
	ToggleVisualization() bool
	SetVisualization(on bool)
	Status() posture.Status
	Stats() posture.Stats
}

var _ Controller = (*posture.Session)(nil)

// Execute runs cmd against c and returns the session status afterwards.
// ctx bounds the session lifetime when cmd is "start".
//
// toggle_visualization accepts an optional boolean "enabled" param that sets
// the flag instead of flipping it.
func Execute(ctx context.Context, c Controller, cmd protocol.ControlCommand) (posture.Status, error) {
	var err error
	switch cmd.Command {
	case protocol.CommandStart:
		err = c.Start(ctx)
	case protocol.CommandPause:
		err = c.Pause()
	case protocol.CommandResume:
		err = c.Resume()
	case protocol.CommandRecalibrate:
		err = c.Recalibrate()
	case protocol.CommandToggleVisualization:
		if on, ok := cmd.Params["enabled"].(bool); ok {
			c.SetVisualization(on)
		} else {
			c.ToggleVisualization()
		}
	case protocol.CommandGetStatus:
	default:
		return c.Status(), fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
	return c.Status(), err
}
