package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type speakingLog struct {
	mu     sync.Mutex
	values []bool
}

func (l *speakingLog) record(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
}

func (l *speakingLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.values...)
}

// gatedLocal blocks Cancel while armed so tests can hold a Speak call inside
// its teardown.
type gatedLocal struct {
	*tts.MockLocal
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedLocal) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

func (g *gatedLocal) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gate)
	g.gate = nil
}

func (g *gatedLocal) Cancel() {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	g.MockLocal.Cancel()
}

type harness struct {
	a        *Arbiter
	primary  *tts.MockPrimary
	player   *tts.MockPlayer
	local    *gatedLocal
	notes    *notify.Recorder
	store    *prefs.MemoryStore
	speaking *speakingLog
}

func newHarness(t *testing.T, mutate func(*config.SynthesisConfig)) *harness {
	t.Helper()
	cfg := config.Default().Synthesis
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		primary:  tts.NewMockPrimary(),
		player:   tts.NewMockPlayer(),
		local:    &gatedLocal{MockLocal: tts.NewMockLocal(tts.Voice{Name: "Samantha", Language: "en-US", Default: true}, tts.Voice{Name: "Daniel", Language: "en-GB"})},
		notes:    &notify.Recorder{},
		store:    prefs.NewMemoryStore(),
		speaking: &speakingLog{},
	}
	settings := prefs.NewSettings(h.store, prefs.Defaults{VoiceEnabled: true, VoiceID: "rachel", SpeakingSpeed: 1, Volume: 1}, newLogger())
	h.a = NewArbiter(context.Background(), cfg, Deps{
		Primary:    h.primary,
		Player:     h.player,
		Local:      h.local,
		Settings:   settings,
		Notifier:   h.notes,
		Logger:     newLogger(),
		OnSpeaking: h.speaking.record,
	})
	t.Cleanup(h.a.Close)
	return h
}

func (h *harness) speak(text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.a.Speak(context.Background(), text) }()
	return done
}

func next(t *testing.T, ch <-chan *tts.MockPlayback) *tts.MockPlayback {
	t.Helper()
	select {
	case pb := <-ch:
		return pb
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for playback to start")
		return nil
	}
}

func result(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for speak to return")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpeakPrimaryPlaysToCompletion(t *testing.T) {
	h := newHarness(t, nil)
	done := h.speak("hello there")
	pb := next(t, h.player.Started())
	if !h.a.IsSpeaking() || h.a.IsLoading() {
		t.Fatalf("expected speaking and not loading")
	}
	pb.Finish(nil)
	if err := result(t, done); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if h.a.IsSpeaking() {
		t.Fatalf("expected idle after completion")
	}
	if got := h.speaking.snapshot(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("unexpected speaking transitions %v", got)
	}
	if calls := h.primary.Calls(); len(calls) != 1 || calls[0] != "hello there" {
		t.Fatalf("unexpected primary calls %v", calls)
	}
}

func TestSpeakIgnoresEmptyTextAndDisabledOutput(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.a.Speak(context.Background(), "   "); err != nil {
		t.Fatalf("empty speak: %v", err)
	}
	h.a.SetEnabled(false)
	if err := h.a.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("disabled speak: %v", err)
	}
	if len(h.primary.Calls()) != 0 {
		t.Fatalf("no backend should be called")
	}
	if v, _, _ := h.store.Get(prefs.KeyVoiceEnabled); v != "false" {
		t.Fatalf("expected voice_enabled persisted false, got %q", v)
	}
}

func TestNewSpeakSupersedesPlayingUtterance(t *testing.T) {
	h := newHarness(t, nil)
	doneA := h.speak("first")
	pbA := next(t, h.player.Started())

	doneB := h.speak("second")
	pbB := next(t, h.player.Started())
	if err := result(t, doneA); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected first utterance cancelled, got %v", err)
	}
	if !pbA.Stopped() {
		t.Fatalf("first playback must be stopped")
	}
	if h.local.Cancels() == 0 {
		t.Fatalf("fallback engine must be cancelled too")
	}
	pbB.Finish(nil)
	if err := result(t, doneB); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if got := h.speaking.snapshot(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("speaking must not flap across a preemption: %v", got)
	}
	if len(h.player.Playbacks()) != 2 {
		t.Fatalf("expected two playbacks")
	}
}

func TestNewSpeakSupersedesLoadingUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.Hold()
	doneA := h.speak("first")
	waitFor(t, func() bool { return len(h.primary.Calls()) == 1 })
	if !h.a.IsLoading() {
		t.Fatalf("expected loading while the remote call is pending")
	}

	doneB := h.speak("second")
	if err := result(t, doneA); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected loading utterance cancelled, got %v", err)
	}
	waitFor(t, func() bool { return len(h.primary.Calls()) == 2 })
	h.primary.Release()
	pb := next(t, h.player.Started())
	pb.Finish(nil)
	if err := result(t, doneB); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if len(h.player.Playbacks()) != 1 {
		t.Fatalf("only the second utterance may play")
	}
}

func TestSpeakDroppedWhileAnotherIsStarting(t *testing.T) {
	h := newHarness(t, nil)
	doneA := h.speak("first")
	next(t, h.player.Started())

	h.local.arm()
	doneB := h.speak("second")
	<-h.local.entered
	if err := h.a.Speak(context.Background(), "third"); !errors.Is(err, ErrDropped) {
		t.Fatalf("expected ErrDropped, got %v", err)
	}
	h.local.release()

	pb := next(t, h.player.Started())
	pb.Finish(nil)
	if err := result(t, doneB); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if err := result(t, doneA); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected first cancelled, got %v", err)
	}
}

func TestFallbackFlagIsSticky(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.FailWith(&tts.RemoteError{Message: "provider unavailable", Fallback: true})

	done := h.speak("hello")
	u := next(t, h.local.Started())
	if u.Text != "hello" || u.Voice.Name != "Samantha" {
		t.Fatalf("unexpected fallback utterance %+v", u)
	}
	u.Finish(nil)
	if err := result(t, done); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !h.a.UsingFallback() {
		t.Fatalf("expected sticky fallback")
	}
	if h.notes.Count(MsgFallback) != 1 {
		t.Fatalf("expected one fallback notice")
	}
	if v, _, _ := h.store.Get(prefs.KeyUseFallbackTTS); v != "true" {
		t.Fatalf("expected use_fallback_tts mirrored, got %q", v)
	}

	h.primary.FailWith(nil)
	done = h.speak("again")
	u = next(t, h.local.Started())
	u.Finish(nil)
	if err := result(t, done); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if len(h.primary.Calls()) != 1 {
		t.Fatalf("primary must not be retried after fallback, calls=%v", h.primary.Calls())
	}
	if h.notes.Count(MsgFallback) != 1 {
		t.Fatalf("fallback notice must be shown once")
	}
}

func TestQuotaAndAuthFailuresTriggerFallback(t *testing.T) {
	for _, status := range []int{401, 403, 402, 429} {
		h := newHarness(t, nil)
		h.primary.FailWith(&tts.RemoteError{StatusCode: status, Message: "nope"})
		done := h.speak("hello")
		next(t, h.local.Started()).Finish(nil)
		if err := result(t, done); err != nil {
			t.Fatalf("status %d: speak: %v", status, err)
		}
		if !h.a.UsingFallback() {
			t.Fatalf("status %d: expected fallback", status)
		}
	}
}

func TestOtherPrimaryErrorLeavesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.primary.FailWith(&tts.RemoteError{StatusCode: 500, Message: "boom"})
	if err := h.a.Speak(context.Background(), "hello"); err == nil {
		t.Fatalf("expected the primary error")
	}
	if h.a.IsSpeaking() || h.a.IsLoading() || h.a.UsingFallback() {
		t.Fatalf("expected idle primary state")
	}
	if len(h.local.Utterances()) != 0 || len(h.notes.Notices()) != 0 {
		t.Fatalf("no fallback and no notice for ordinary failures")
	}
}

func TestStopSpeaking(t *testing.T) {
	h := newHarness(t, nil)
	h.a.StopSpeaking()

	done := h.speak("hello")
	pb := next(t, h.player.Started())
	h.a.StopSpeaking()
	if err := result(t, done); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !pb.Stopped() || h.a.IsSpeaking() {
		t.Fatalf("stop must silence playback")
	}
	h.a.StopSpeaking()
	if got := h.speaking.snapshot(); len(got) != 2 || got[1] {
		t.Fatalf("unexpected speaking transitions %v", got)
	}
}

func TestSettersClampAndPersist(t *testing.T) {
	h := newHarness(t, nil)
	done := h.speak("hello")
	pb := next(t, h.player.Started())

	h.a.SetVolume(1.7)
	if pb.Volume() != 1 {
		t.Fatalf("expected in-flight volume clamped to 1, got %v", pb.Volume())
	}
	h.a.SetVolume(0.25)
	if pb.Volume() != 0.25 {
		t.Fatalf("expected in-flight volume 0.25, got %v", pb.Volume())
	}
	h.a.SetRate(5)
	h.a.SetVoice("adam")
	v := h.a.Voice()
	if v.Rate != 2 || v.VoiceID != "adam" || v.Volume != 0.25 {
		t.Fatalf("unexpected voice %+v", v)
	}
	if got, _, _ := h.store.Get(prefs.KeySpeakingSpeed); got != "2" {
		t.Fatalf("expected speaking_speed persisted, got %q", got)
	}

	h.a.SetEnabled(false)
	if err := result(t, done); !errors.Is(err, ErrCancelled) {
		t.Fatalf("disabling output must stop speech, got %v", err)
	}
}

func TestFallbackResetAtStartupUnlessPersisted(t *testing.T) {
	store := prefs.NewMemoryStore()
	_ = store.Set(prefs.KeyUseFallbackTTS, "true")
	settings := prefs.NewSettings(store, prefs.Defaults{VoiceEnabled: true}, newLogger())
	deps := Deps{Primary: tts.NewMockPrimary(), Player: tts.NewMockPlayer(), Local: tts.NewMockLocal(), Settings: settings, Logger: newLogger()}

	a := NewArbiter(context.Background(), config.Default().Synthesis, deps)
	defer a.Close()
	if a.UsingFallback() {
		t.Fatalf("fallback must reset at startup")
	}
	if v, _, _ := store.Get(prefs.KeyUseFallbackTTS); v != "false" {
		t.Fatalf("expected use_fallback_tts cleared, got %q", v)
	}

	_ = store.Set(prefs.KeyUseFallbackTTS, "true")
	cfg := config.Default().Synthesis
	cfg.PersistFallback = true
	b := NewArbiter(context.Background(), cfg, deps)
	defer b.Close()
	if !b.UsingFallback() {
		t.Fatalf("expected persisted fallback to be honoured")
	}
}

func TestLocalOnlyArbiter(t *testing.T) {
	local := tts.NewMockLocal(tts.Voice{Name: "Daniel", Language: "en-GB", Default: true})
	a := NewArbiter(context.Background(), config.Default().Synthesis, Deps{Local: local, Logger: newLogger()})
	defer a.Close()
	done := make(chan error, 1)
	go func() { done <- a.Speak(context.Background(), "hi") }()
	u := next(t, local.Started())
	u.Finish(nil)
	if err := result(t, done); err != nil {
		t.Fatalf("speak: %v", err)
	}
}

func TestSpeakAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Close()
	if err := h.a.Speak(context.Background(), "hello"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBeginFromOneGoroutineNeverDrops(t *testing.T) {
	h := newHarness(t, nil)
	var waits []func() error
	for i := 0; i < 10; i++ {
		wait, err := h.a.Begin(context.Background(), fmt.Sprintf("utterance %d", i))
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		waits = append(waits, wait)
	}
	for i, wait := range waits[:len(waits)-1] {
		if err := wait(); !errors.Is(err, ErrCancelled) {
			t.Fatalf("utterance %d should have been superseded, got %v", i, err)
		}
	}
	last := waits[len(waits)-1]
	go func() { _ = last() }()
}
