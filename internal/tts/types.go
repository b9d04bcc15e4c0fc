package tts

import (
	"context"
	"errors"
)

// ErrStopped is delivered on Playback.Done when playback was stopped before
// it finished.
var ErrStopped = errors.New("tts: playback stopped")

// Voice is a voice installed on the local synthesizer.
type Voice struct {
	Name     string
	Language string
	Default  bool
}

// PlayOptions are applied when playback starts.
type PlayOptions struct {
	Volume float64
	Rate   float64
}

// Playback is one audible utterance. Done yields exactly one value: nil on
// natural completion, ErrStopped after Stop, or the playback error.
type Playback interface {
	Done() <-chan error
	Stop()
	SetVolume(v float64)
}

// Primary synthesizes speech remotely and returns encoded audio.
type Primary interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Player plays encoded audio returned by a Primary backend.
type Player interface {
	Play(ctx context.Context, audio []byte, opts PlayOptions) (Playback, error)
}

// LocalSynth is the on-device synthesizer used as fallback.
type LocalSynth interface {
	Voices() []Voice
	Speak(ctx context.Context, text string, voice Voice, rate, volume float64) (Playback, error)
	Cancel()
}
