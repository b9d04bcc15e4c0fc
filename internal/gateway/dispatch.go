// Package gateway exposes the voice coordinator to the chat/UI layer over the
// NATS bus and a websocket push channel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/coordinator"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
)

// Controller is the part of the coordinator the gateway drives.
type Controller interface {
	Enable(ctx context.Context) error
	Disable()
	Mute()
	Unmute()
	FocusChanged(focused bool)
	BeginSpeak(ctx context.Context, text string) (func() error, error)
	StopSpeaking()
	SetVoice(voiceID string)
	SetRate(rate float64)
	SetVolume(volume float64)
	SetVoiceEnabled(enabled bool)
	Status() coordinator.Status
}

var errUnknownAction = errors.New("unknown action")

// dispatcher applies commands to a Controller. Non-blocking speak requests
// run on the dispatcher's context so they outlive the request that started
// them.
type dispatcher struct {
	ctrl Controller
	ctx  context.Context
	log  *slog.Logger
	wg   sync.WaitGroup
}

func (d *dispatcher) apply(ctx context.Context, cmd protocol.Command) protocol.Reply {
	if err := d.run(ctx, cmd); err != nil {
		return protocol.Reply{OK: false, Error: err.Error(), Status: d.ctrl.Status()}
	}
	return protocol.Reply{OK: true, Status: d.ctrl.Status()}
}

func (d *dispatcher) run(ctx context.Context, cmd protocol.Command) error {
	switch strings.ToLower(cmd.Action) {
	case protocol.ActionEnable:
		return d.ctrl.Enable(ctx)
	case protocol.ActionDisable:
		d.ctrl.Disable()
	case protocol.ActionMute:
		d.ctrl.Mute()
	case protocol.ActionUnmute:
		d.ctrl.Unmute()
	case protocol.ActionFocus:
		if cmd.Focused == nil {
			return errors.New("focus requires focused")
		}
		d.ctrl.FocusChanged(*cmd.Focused)
	case protocol.ActionSpeak:
		return d.speak(ctx, cmd)
	case protocol.ActionStop:
		d.ctrl.StopSpeaking()
	case protocol.ActionSettings:
		d.settings(cmd)
	case protocol.ActionStatus:
	default:
		return fmt.Errorf("%w %q", errUnknownAction, cmd.Action)
	}
	return nil
}

// speak claims the output before returning so that commands applied in order
// replace each other in order; only the playback runs in the background.
func (d *dispatcher) speak(ctx context.Context, cmd protocol.Command) error {
	if strings.TrimSpace(cmd.Text) == "" {
		return errors.New("speak requires text")
	}
	if cmd.Blocking {
		wait, err := d.ctrl.BeginSpeak(ctx, cmd.Text)
		if err != nil {
			return err
		}
		return wait()
	}
	wait, err := d.ctrl.BeginSpeak(d.ctx, cmd.Text)
	if err != nil {
		if quietSpeakErr(err) {
			return nil
		}
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := wait(); err != nil && !quietSpeakErr(err) {
			d.log.Warn("speak failed", slogError(err))
		}
	}()
	return nil
}

func quietSpeakErr(err error) bool {
	return errors.Is(err, synthesis.ErrCancelled) || errors.Is(err, synthesis.ErrDropped)
}

func (d *dispatcher) settings(cmd protocol.Command) {
	if cmd.VoiceID != nil {
		d.ctrl.SetVoice(*cmd.VoiceID)
	}
	if cmd.Rate != nil {
		d.ctrl.SetRate(*cmd.Rate)
	}
	if cmd.Volume != nil {
		d.ctrl.SetVolume(*cmd.Volume)
	}
	if cmd.Enabled != nil {
		d.ctrl.SetVoiceEnabled(*cmd.Enabled)
	}
}

func (d *dispatcher) wait() { d.wg.Wait() }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
