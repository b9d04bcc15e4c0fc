package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// mockUtterance is how long a mock playback pretends to talk.
const mockUtterance = 1500 * time.Millisecond

type adapters struct {
	microphone stt.Microphone
	engine     stt.Engine
	primary    tts.Primary
	player     tts.Player
	local      tts.LocalSynth
}

func buildAdapters(cfg config.Config, logger *slog.Logger) (adapters, error) {
	var a adapters
	if err := a.buildCapture(cfg.Capture); err != nil {
		return adapters{}, err
	}
	if err := a.buildSynthesis(cfg.Synthesis, logger); err != nil {
		return adapters{}, err
	}
	return a, nil
}

func (a *adapters) buildCapture(cfg config.CaptureConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Mode {
	case "", "mock":
		a.microphone = stt.NewMockMicrophone()
		a.engine = stt.NewMockEngine()
	case "exec":
		mic, err := stt.NewExecMicrophone(cfg)
		if err != nil {
			return err
		}
		engine, err := stt.NewExecEngine(cfg)
		if err != nil {
			return err
		}
		a.microphone, a.engine = mic, engine
	default:
		return fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
	return nil
}

func (a *adapters) buildSynthesis(cfg config.SynthesisConfig, logger *slog.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Mode {
	case "", "mock":
		player := tts.NewMockPlayer()
		player.FinishAfter(mockUtterance)
		voices := make([]tts.Voice, 0, len(cfg.LocalVoices))
		for i, v := range cfg.LocalVoices {
			voices = append(voices, tts.Voice{Name: v.Name, Language: v.Language, Default: i == 0})
		}
		local := tts.NewMockLocal(voices...)
		local.FinishAfter(mockUtterance)
		a.primary, a.player, a.local = tts.NewMockPrimary(), player, local
	case "exec":
		if cfg.Endpoint != "" && cfg.PlayerCommand != "" {
			player, err := tts.NewExecPlayer(cfg.PlayerCommand, logger)
			if err != nil {
				return err
			}
			a.primary = tts.NewRemote(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond)
			a.player = player
		}
		local, err := tts.NewExecLocal(cfg, logger)
		if err != nil {
			return err
		}
		a.local = local
	default:
		return fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
	return nil
}
