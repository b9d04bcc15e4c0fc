// Package synthesis arbitrates speech output: one audible utterance at a
// time, a remote primary backend, and a sticky local fallback.
package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDropped is returned when a concurrent Speak call is still tearing
	// down the previous utterance.
	ErrDropped = errors.New("synthesis: speak dropped while another utterance is starting")
	// ErrCancelled is returned by a Speak call that was superseded or stopped.
	ErrCancelled = errors.New("synthesis: utterance cancelled")
	ErrClosed    = errors.New("synthesis: arbiter closed")
	// ErrNoSynthesizer is returned when no local synthesizer is configured.
	ErrNoSynthesizer = errors.New("synthesis: no local synthesizer configured")
)

// MsgFallback is shown once when the node switches to the local synthesizer.
const MsgFallback = "Switched to a free voice."

type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

const (
	minRate = 0.5
	maxRate = 2.0
)

// Voice is the current output configuration.
type Voice struct {
	Enabled bool    `json:"enabled"`
	VoiceID string  `json:"voice_id"`
	Rate    float64 `json:"rate"`
	Volume  float64 `json:"volume"`
}

// Event is a lifecycle record suitable for the voice timeline.
type Event struct {
	Type string
	Data map[string]any
}

// Deps are the collaborators an Arbiter needs. Local is required; without a
// Primary or Player every utterance goes to Local.
type Deps struct {
	Primary  tts.Primary
	Player   tts.Player
	Local    tts.LocalSynth
	Settings *prefs.Settings
	Notifier notify.Notifier
	Logger   *slog.Logger
	// OnSpeaking observes speaking transitions. Calls are serialized and
	// always report the latest state.
	OnSpeaking func(bool)
	OnEvent    func(Event)
}

// Arbiter is the single-flight speech output pipeline.
type Arbiter struct {
	cfg      config.SynthesisConfig
	primary  tts.Primary
	player   tts.Player
	local    tts.LocalSynth
	settings *prefs.Settings
	notifier notify.Notifier
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	onEvent  func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	gen      uint64
	starting bool
	stop     context.CancelFunc
	playback tts.Playback
	backend  Backend
	voice    Voice
	fallback bool
	closed   bool

	speaking atomic.Bool
	loading  atomic.Bool

	obsMu      sync.Mutex
	published  bool
	onSpeaking func(bool)
}

func NewArbiter(parent context.Context, cfg config.SynthesisConfig, deps Deps) *Arbiter {
	ctx, cancel := context.WithCancel(parent)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Arbiter{
		cfg:        cfg,
		primary:    deps.Primary,
		player:     deps.Player,
		local:      deps.Local,
		settings:   deps.Settings,
		notifier:   deps.Notifier,
		log:        logger.With(slog.String("component", "synthesis")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/synthesis"),
		onEvent:    deps.OnEvent,
		onSpeaking: deps.OnSpeaking,
		ctx:        ctx,
		cancel:     cancel,
		voice: Voice{
			Enabled: cfg.Enabled,
			VoiceID: cfg.DefaultVoiceID,
			Rate:    clamp(cfg.DefaultRate, minRate, maxRate),
			Volume:  clamp(cfg.DefaultVolume, 0, 1),
		},
	}
	if a.notifier == nil {
		a.notifier = notify.Nop{}
	}
	if a.onEvent == nil {
		a.onEvent = func(Event) {}
	}
	if s := a.settings; s != nil {
		a.voice = Voice{
			Enabled: s.VoiceEnabled(),
			VoiceID: s.VoiceID(),
			Rate:    clamp(s.SpeakingSpeed(), minRate, maxRate),
			Volume:  clamp(s.Volume(), 0, 1),
		}
		if cfg.PersistFallback {
			a.fallback = s.UseFallbackTTS()
		} else {
			s.SetUseFallbackTTS(false)
		}
	}
	if a.primary == nil || a.player == nil {
		a.fallback = true
	}
	a.metrics = newMetrics(a.log)
	return a
}

// Speak says text and returns when it finished playing. A call made while
// another utterance is loading or playing supersedes it; the superseded call
// returns ErrCancelled. ErrDropped is returned only when the call lands while a
// concurrent Speak is still tearing down the previous utterance; outside that
// window every call supersedes.
func (a *Arbiter) Speak(ctx context.Context, text string) error {
	wait, err := a.Begin(ctx, text)
	if err != nil {
		return err
	}
	return wait()
}

// Begin claims the output for text and tears down the previous utterance
// before returning, so the order of Begin calls is the order utterances
// replace each other. The returned wait synthesizes and plays text and must
// be called exactly once.
//
// ErrDropped is only returned to a call that arrives while another Begin on a
// different goroutine is still tearing down its predecessor. Callers that
// issue Begin from one goroutine never see it.
func (a *Arbiter) Begin(ctx context.Context, text string) (func() error, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return noWait, nil
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if !a.voice.Enabled {
		a.mu.Unlock()
		return noWait, nil
	}
	if a.starting {
		a.mu.Unlock()
		a.metrics.dropped.Add(ctx, 1)
		return nil, ErrDropped
	}
	a.starting = true
	a.gen++
	gen := a.gen
	prevStop, prevPlayback := a.stop, a.playback
	a.stop, a.playback = nil, nil
	a.loading.Store(true)
	a.mu.Unlock()

	if prevStop != nil || prevPlayback != nil {
		a.metrics.cancelled.Add(ctx, 1)
	}
	a.teardown(prevStop, prevPlayback)

	a.mu.Lock()
	a.starting = false
	if gen != a.gen {
		a.mu.Unlock()
		return nil, ErrCancelled
	}
	reqCtx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(a.ctx, cancel)
	a.stop = cancel
	voice := a.voice
	useFallback := a.fallback
	a.mu.Unlock()

	return func() error {
		defer release()
		defer cancel()
		return a.utter(reqCtx, gen, text, voice, useFallback)
	}, nil
}

func noWait() error { return nil }

func (a *Arbiter) utter(ctx context.Context, gen uint64, text string, voice Voice, useFallback bool) error {
	if a.stale(gen) {
		return ErrCancelled
	}
	ctx, span := a.tracer.Start(ctx, "synthesis.speak", trace.WithAttributes(
		attribute.Int("text.length", len(text)),
		attribute.String("voice.id", voice.VoiceID),
	))
	defer span.End()

	var err error
	if useFallback {
		err = a.speakLocal(ctx, gen, text, voice)
	} else {
		err = a.speakPrimary(ctx, gen, text, voice)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		span.SetAttributes(attribute.Bool("cancelled", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Arbiter) speakPrimary(ctx context.Context, gen uint64, text string, voice Voice) error {
	audio, err := a.primary.Synthesize(ctx, text, voice.VoiceID)
	if err != nil {
		if a.stale(gen) {
			return ErrCancelled
		}
		if tts.IsFallbackTrigger(err) {
			a.switchToFallback(err)
			return a.speakLocal(ctx, gen, text, voice)
		}
		a.log.Warn("remote synthesis failed", slogError(err))
		a.metrics.failures.Add(ctx, 1, backendAttr(BackendPrimary))
		a.finish(gen)
		return err
	}
	pb, err := a.player.Play(ctx, audio, tts.PlayOptions{Volume: voice.Volume, Rate: voice.Rate})
	if err != nil {
		if a.stale(gen) {
			return ErrCancelled
		}
		a.log.Warn("audio playback failed to start", slogError(err))
		a.metrics.failures.Add(ctx, 1, backendAttr(BackendPrimary))
		a.finish(gen)
		return err
	}
	return a.play(ctx, gen, pb, BackendPrimary)
}

func (a *Arbiter) speakLocal(ctx context.Context, gen uint64, text string, voice Voice) error {
	if a.local == nil {
		a.finish(gen)
		return ErrNoSynthesizer
	}
	selected, ok := tts.SelectVoice(a.local.Voices(), voice.VoiceID, a.cfg.Language)
	if !ok {
		selected = tts.Voice{}
	}
	pb, err := a.local.Speak(ctx, text, selected, voice.Rate, voice.Volume)
	if err != nil {
		if a.stale(gen) {
			return ErrCancelled
		}
		a.log.Warn("local synthesis failed", slogError(err))
		a.metrics.failures.Add(ctx, 1, backendAttr(BackendFallback))
		a.finish(gen)
		return err
	}
	return a.play(ctx, gen, pb, BackendFallback)
}

// play attaches pb as the audible utterance and waits for it to end.
func (a *Arbiter) play(ctx context.Context, gen uint64, pb tts.Playback, backend Backend) error {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		pb.Stop()
		return ErrCancelled
	}
	a.playback = pb
	a.backend = backend
	a.loading.Store(false)
	a.speaking.Store(true)
	a.mu.Unlock()
	a.publishSpeaking()
	a.metrics.utterances.Add(ctx, 1, backendAttr(backend))

	err := <-pb.Done()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return ErrCancelled
	}
	a.playback = nil
	a.stop = nil
	a.speaking.Store(false)
	a.mu.Unlock()
	a.publishSpeaking()
	if err != nil {
		a.log.Warn("playback ended with error", slog.String("backend", string(backend)), slogError(err))
		a.metrics.failures.Add(ctx, 1, backendAttr(backend))
		return err
	}
	return nil
}

func (a *Arbiter) switchToFallback(cause error) {
	a.mu.Lock()
	already := a.fallback
	a.fallback = true
	a.mu.Unlock()
	if already {
		return
	}
	a.log.Warn("switching to local synthesizer", slogError(cause))
	if a.settings != nil {
		a.settings.SetUseFallbackTTS(true)
	}
	a.metrics.fallbacks.Add(a.ctx, 1)
	a.notifier.Notify(notify.KindInfo, MsgFallback)
	a.onEvent(Event{Type: "synthesis.fallback", Data: map[string]any{"cause": cause.Error()}})
}

// StopSpeaking cancels whatever is loading or playing on both backends and
// returns the arbiter to idle. It is safe to call at any time.
func (a *Arbiter) StopSpeaking() {
	a.mu.Lock()
	a.gen++
	prevStop, prevPlayback := a.stop, a.playback
	a.stop, a.playback = nil, nil
	a.speaking.Store(false)
	a.loading.Store(false)
	a.mu.Unlock()
	a.teardown(prevStop, prevPlayback)
	a.publishSpeaking()
}

// teardown cancels an in-flight request and stops both backends. The
// generation has already moved on, so stale completions are ignored.
func (a *Arbiter) teardown(stop context.CancelFunc, pb tts.Playback) {
	if stop != nil {
		stop()
	}
	if pb != nil {
		pb.Stop()
	}
	if a.local != nil {
		a.local.Cancel()
	}
}

func (a *Arbiter) finish(gen uint64) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.stop = nil
	a.playback = nil
	a.loading.Store(false)
	a.speaking.Store(false)
	a.mu.Unlock()
	a.publishSpeaking()
}

func (a *Arbiter) stale(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen != a.gen
}

func (a *Arbiter) publishSpeaking() {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	v := a.speaking.Load()
	if v == a.published {
		return
	}
	a.published = v
	if a.onSpeaking != nil {
		a.onSpeaking(v)
	}
}

// SetOnSpeaking replaces the speaking observer.
func (a *Arbiter) SetOnSpeaking(f func(bool)) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.onSpeaking = f
}

func (a *Arbiter) SetVoice(voiceID string) {
	a.mu.Lock()
	a.voice.VoiceID = voiceID
	a.mu.Unlock()
	if a.settings != nil {
		a.settings.SetVoiceID(voiceID)
	}
}

func (a *Arbiter) SetRate(rate float64) {
	rate = clamp(rate, minRate, maxRate)
	a.mu.Lock()
	a.voice.Rate = rate
	a.mu.Unlock()
	if a.settings != nil {
		a.settings.SetSpeakingSpeed(rate)
	}
}

// SetVolume also applies to the utterance currently playing.
func (a *Arbiter) SetVolume(volume float64) {
	volume = clamp(volume, 0, 1)
	a.mu.Lock()
	a.voice.Volume = volume
	pb := a.playback
	a.mu.Unlock()
	if pb != nil {
		pb.SetVolume(volume)
	}
	if a.settings != nil {
		a.settings.SetVolume(volume)
	}
}

// SetEnabled toggles voice output. Disabling stops any utterance.
func (a *Arbiter) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.voice.Enabled = enabled
	a.mu.Unlock()
	if a.settings != nil {
		a.settings.SetVoiceEnabled(enabled)
	}
	if !enabled {
		a.StopSpeaking()
	}
}

func (a *Arbiter) Voice() Voice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voice
}

// IsSpeaking reports the coordination lock. It never blocks.
func (a *Arbiter) IsSpeaking() bool { return a.speaking.Load() }

func (a *Arbiter) IsLoading() bool { return a.loading.Load() }

func (a *Arbiter) UsingFallback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fallback
}

// Close stops output on both backends and rejects further Speak calls.
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.StopSpeaking()
	a.cancel()
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
