// Package coordinator binds the capture manager and the synthesis arbiter so
// the node never listens to itself talk, and exposes both as one facade.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Status is what the chat/UI layer observes.
type Status struct {
	IsListening   bool            `json:"is_listening"`
	IsSpeaking    bool            `json:"is_speaking"`
	IsLoading     bool            `json:"is_loading"`
	HasPermission bool            `json:"has_permission"`
	IsSupported   bool            `json:"is_supported"`
	AutoMuted     bool            `json:"auto_muted"`
	UsingFallback bool            `json:"using_fallback"`
	Capture       capture.Status  `json:"capture"`
	Voice         synthesis.Voice `json:"voice"`
}

// Sink receives everything the coordinator emits. Calls must not block.
type Sink interface {
	OnTranscript(capture.Transcript)
	OnStatus(Status)
	OnNotice(notify.Notice)
}

// Deps wires the capability adapters and stores into a Coordinator.
type Deps struct {
	Microphone stt.Microphone
	Engine     stt.Engine
	Primary    tts.Primary
	Player     tts.Player
	Local      tts.LocalSynth
	Settings   *prefs.Settings
	// Timeline is optional.
	Timeline *eventstore.Store
	// Supported reports whether voice capabilities are available on this node.
	Supported func() bool
	Scheduler capture.Scheduler
	Clock     func() time.Time
	Logger    *slog.Logger
}

type Coordinator struct {
	cfg       config.Config
	capture   *capture.Manager
	synth     *synthesis.Arbiter
	settings  *prefs.Settings
	timeline  *eventstore.Store
	supported func() bool
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	sinks     map[int]Sink
	nextSink  int
	autoMuted bool
	episode   string
	last      Status
	closed    bool
}

func New(parent context.Context, cfg config.Config, deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		settings:  deps.Settings,
		timeline:  deps.Timeline,
		supported: deps.Supported,
		log:       logger.With(slog.String("component", "coordinator")),
		ctx:       ctx,
		cancel:    cancel,
		sinks:     make(map[int]Sink),
		episode:   uuid.NewString(),
	}
	if c.supported == nil {
		c.supported = func() bool { return true }
	}
	c.synth = synthesis.NewArbiter(ctx, cfg.Synthesis, synthesis.Deps{
		Primary:    deps.Primary,
		Player:     deps.Player,
		Local:      deps.Local,
		Settings:   deps.Settings,
		Notifier:   c,
		Logger:     logger,
		OnSpeaking: c.onSpeakingChanged,
		OnEvent:    c.onSynthesisEvent,
	})
	c.capture = capture.NewManager(ctx, cfg.Capture, capture.Deps{
		Microphone: deps.Microphone,
		Engine:     deps.Engine,
		Settings:   deps.Settings,
		Notifier:   c,
		Listener:   c,
		Speaking:   c.synth.IsSpeaking,
		Scheduler:  deps.Scheduler,
		Clock:      deps.Clock,
		Logger:     logger,
	})
	return c
}

// AddSink registers s and returns a function that removes it.
func (c *Coordinator) AddSink(s Sink) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSink
	c.nextSink++
	c.sinks[id] = s
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.sinks, id)
	}
}

func (c *Coordinator) Enable(ctx context.Context) error { return c.capture.Enable(ctx) }

func (c *Coordinator) Disable() { c.capture.Disable() }

func (c *Coordinator) Mute() { c.capture.Mute() }

// Unmute restores listening unless speech output is audible; the policy
// resumes it once output stops.
func (c *Coordinator) Unmute() { c.capture.Unmute() }

func (c *Coordinator) FocusChanged(focused bool) { c.capture.FocusChanged(focused) }

func (c *Coordinator) Speak(ctx context.Context, text string) error { return c.synth.Speak(ctx, text) }

// BeginSpeak takes over speech output for text and returns the wait that
// plays it. See synthesis.Arbiter.Begin.
func (c *Coordinator) BeginSpeak(ctx context.Context, text string) (func() error, error) {
	return c.synth.Begin(ctx, text)
}

func (c *Coordinator) StopSpeaking() { c.synth.StopSpeaking() }

func (c *Coordinator) SetVoice(voiceID string) {
	c.synth.SetVoice(voiceID)
	c.broadcastStatus()
}

func (c *Coordinator) SetRate(rate float64) {
	c.synth.SetRate(rate)
	c.broadcastStatus()
}

func (c *Coordinator) SetVolume(volume float64) {
	c.synth.SetVolume(volume)
	c.broadcastStatus()
}

func (c *Coordinator) SetVoiceEnabled(enabled bool) {
	c.synth.SetEnabled(enabled)
	c.broadcastStatus()
}

// Restore re-enables capture at startup when the user left the microphone on
// and the onboarding gate allows it.
func (c *Coordinator) Restore(ctx context.Context) error {
	gate := c.cfg.Capture.AutoReconnect
	if gate && c.cfg.Capture.RequireOnboarding {
		gate = c.settings != nil && c.settings.OnboardingComplete()
	}
	return c.capture.Restore(ctx, gate)
}

// Status returns the current observable flags.
func (c *Coordinator) Status() Status {
	cs := c.capture.Status()
	c.mu.Lock()
	autoMuted := c.autoMuted
	c.mu.Unlock()
	return Status{
		IsListening:   cs.Listening,
		IsSpeaking:    c.synth.IsSpeaking(),
		IsLoading:     c.synth.IsLoading(),
		HasPermission: cs.Permission == capture.PermissionGranted,
		IsSupported:   c.supported(),
		AutoMuted:     autoMuted,
		UsingFallback: c.synth.UsingFallback(),
		Capture:       cs,
		Voice:         c.synth.Voice(),
	}
}

// LastTranscript returns the most recent final transcript.
func (c *Coordinator) LastTranscript() string { return c.capture.LastTranscript() }

// Close shuts down in order: capture timers and engine, both synthesis
// backends, then the microphone stream.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	episode := c.episode
	c.mu.Unlock()

	c.capture.Halt()
	c.synth.Close()
	c.capture.Release()
	c.cancel()

	if c.timeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.timeline.CloseEpisode(ctx, episode); err != nil {
			c.log.Warn("failed to close timeline episode", slogError(err))
		}
	}
}

func (c *Coordinator) onSpeakingChanged(speaking bool) {
	if speaking {
		if c.capture.Suspend() {
			c.mu.Lock()
			c.autoMuted = true
			c.mu.Unlock()
			c.record("policy", "policy.auto_mute", nil)
		}
	} else {
		c.mu.Lock()
		wasAutoMuted := c.autoMuted
		c.autoMuted = false
		c.mu.Unlock()
		resumed := c.capture.Resume()
		if wasAutoMuted {
			c.record("policy", "policy.resume", map[string]any{"listening": resumed})
		}
	}
	c.broadcastStatus()
}

// OnTranscript implements capture.Listener.
func (c *Coordinator) OnTranscript(t capture.Transcript) {
	if t.Final {
		c.record("capture", "capture.transcript", map[string]any{"text": t.Text, "confidence": t.Confidence})
	}
	for _, s := range c.sinkList() {
		s.OnTranscript(t)
	}
}

// OnStatus implements capture.Listener.
func (c *Coordinator) OnStatus(capture.Status) {
	c.broadcastStatus()
}

// OnEvent implements capture.Listener.
func (c *Coordinator) OnEvent(e capture.Event) {
	if e.Type == "capture.enable" {
		c.rotateEpisode()
	}
	c.record("capture", e.Type, e.Data)
}

func (c *Coordinator) onSynthesisEvent(e synthesis.Event) {
	c.record("synthesis", e.Type, e.Data)
}

// Notify implements notify.Notifier for both managers.
func (c *Coordinator) Notify(kind notify.Kind, message string) {
	c.log.Info("user notice", slog.String("kind", string(kind)), slog.String("message", message))
	c.record("notify", "notice", map[string]any{"kind": string(kind), "message": message})
	n := notify.Notice{Kind: kind, Message: message}
	for _, s := range c.sinkList() {
		s.OnNotice(n)
	}
}

func (c *Coordinator) broadcastStatus() {
	st := c.Status()
	c.mu.Lock()
	if st == c.last || c.closed {
		c.mu.Unlock()
		return
	}
	c.last = st
	sinks := c.sinkListLocked()
	c.mu.Unlock()
	for _, s := range sinks {
		s.OnStatus(st)
	}
}

func (c *Coordinator) sinkList() []Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkListLocked()
}

func (c *Coordinator) sinkListLocked() []Sink {
	out := make([]Sink, 0, len(c.sinks))
	for _, s := range c.sinks {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) rotateEpisode() {
	c.mu.Lock()
	prev := c.episode
	c.episode = uuid.NewString()
	c.mu.Unlock()
	if c.timeline != nil {
		if err := c.timeline.CloseEpisode(c.ctx, prev); err != nil {
			c.log.Warn("failed to close timeline episode", slogError(err))
		}
	}
}

func (c *Coordinator) record(source, eventType string, data map[string]any) {
	if c.timeline == nil {
		return
	}
	c.mu.Lock()
	episode := c.episode
	c.mu.Unlock()
	c.timeline.Record(c.ctx, episode, source, eventType, data)
}

// Episode returns the current timeline episode id.
func (c *Coordinator) Episode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.episode
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
