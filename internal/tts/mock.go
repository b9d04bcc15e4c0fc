package tts

import (
	"context"
	"sync"
	"time"
)

// MockPrimary returns canned audio or a canned error. When Gate is non-nil
// each call blocks until Gate is closed or ctx ends.
type MockPrimary struct {
	mu    sync.Mutex
	audio []byte
	err   error
	gate  chan struct{}
	texts []string
}

func NewMockPrimary() *MockPrimary {
	return &MockPrimary{audio: []byte("RIFF-mock-audio")}
}

// FailWith makes subsequent calls return err (nil restores success).
func (m *MockPrimary) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Hold makes subsequent calls block until Release.
func (m *MockPrimary) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Release unblocks held calls.
func (m *MockPrimary) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

func (m *MockPrimary) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	gate, audio, err := m.gate, m.audio, m.err
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// Calls returns the texts requested so far.
func (m *MockPrimary) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// MockPlayback completes only when told to.
type MockPlayback struct {
	Text  string
	Voice Voice
	Rate  float64

	mu      sync.Mutex
	done    chan error
	settled bool
	stopped bool
	volume  float64
}

func newMockPlayback(text string, volume float64) *MockPlayback {
	return &MockPlayback{Text: text, done: make(chan error, 1), volume: volume}
}

func (p *MockPlayback) Done() <-chan error { return p.done }

func (p *MockPlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.settleLocked(ErrStopped)
}

func (p *MockPlayback) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

// Finish ends playback with err (nil for natural completion).
func (p *MockPlayback) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked(err)
}

func (p *MockPlayback) settleLocked(err error) {
	if p.settled {
		return
	}
	p.settled = true
	p.done <- err
	close(p.done)
}

func (p *MockPlayback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *MockPlayback) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// playbacks is a thread-safe list of started playbacks with a notification
// channel for tests waiting on the next start.
type playbacks struct {
	mu         sync.Mutex
	items      []*MockPlayback
	started    chan *MockPlayback
	autoFinish time.Duration
}

func (ps *playbacks) add(p *MockPlayback) {
	ps.mu.Lock()
	ps.items = append(ps.items, p)
	auto := ps.autoFinish
	ps.mu.Unlock()
	if auto > 0 {
		time.AfterFunc(auto, func() { p.Finish(nil) })
	}
	select {
	case ps.started <- p:
	default:
	}
}

// FinishAfter makes every later playback complete on its own after d.
func (ps *playbacks) FinishAfter(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.autoFinish = d
}

func (ps *playbacks) all() []*MockPlayback {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]*MockPlayback(nil), ps.items...)
}

// MockPlayer records every Play call.
type MockPlayer struct {
	playbacks
	err error
}

func NewMockPlayer() *MockPlayer {
	return &MockPlayer{playbacks: playbacks{started: make(chan *MockPlayback, 16)}}
}

func (m *MockPlayer) Play(ctx context.Context, audio []byte, opts PlayOptions) (Playback, error) {
	if m.err != nil {
		return nil, m.err
	}
	p := newMockPlayback(string(audio), opts.Volume)
	p.Rate = opts.Rate
	m.add(p)
	return p, nil
}

// Started delivers each playback as it starts.
func (m *MockPlayer) Started() <-chan *MockPlayback { return m.started }

// Playbacks returns every playback started so far.
func (m *MockPlayer) Playbacks() []*MockPlayback { return m.all() }

// MockLocal is an in-memory local synthesizer.
type MockLocal struct {
	playbacks
	voices []Voice

	mu      sync.Mutex
	cancels int
}

func NewMockLocal(voices ...Voice) *MockLocal {
	return &MockLocal{voices: voices, playbacks: playbacks{started: make(chan *MockPlayback, 16)}}
}

func (m *MockLocal) Voices() []Voice {
	return append([]Voice(nil), m.voices...)
}

func (m *MockLocal) Speak(ctx context.Context, text string, voice Voice, rate, volume float64) (Playback, error) {
	p := newMockPlayback(text, volume)
	p.Voice = voice
	p.Rate = rate
	m.add(p)
	return p, nil
}

// Cancel stops every outstanding utterance.
func (m *MockLocal) Cancel() {
	m.mu.Lock()
	m.cancels++
	m.mu.Unlock()
	for _, p := range m.all() {
		p.Stop()
	}
}

func (m *MockLocal) Cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

// Started delivers each utterance as it starts.
func (m *MockLocal) Started() <-chan *MockPlayback { return m.started }

// Utterances returns every utterance started so far.
func (m *MockLocal) Utterances() []*MockPlayback { return m.all() }
