package stt

import (
	"context"
	"io"
	"sync"
)

// MockMicrophone hands out in-memory streams and tracks how many are live.
type MockMicrophone struct {
	mu      sync.Mutex
	err     error
	opens   int
	live    int
	maxLive int
}

func NewMockMicrophone() *MockMicrophone {
	return &MockMicrophone{}
}

// FailWith makes subsequent Open calls return err (nil restores success).
func (m *MockMicrophone) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockMicrophone) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	m.live++
	if m.live > m.maxLive {
		m.maxLive = m.live
	}
	return &mockStream{mic: m}, nil
}

// Live reports streams opened and not yet stopped.
func (m *MockMicrophone) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// MaxLive reports the highest number of simultaneously live streams.
func (m *MockMicrophone) MaxLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

func (m *MockMicrophone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

type mockStream struct {
	mic  *MockMicrophone
	once sync.Once
	mu   sync.Mutex
	done bool
}

func (s *mockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return 0, io.EOF
	}
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (s *mockStream) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0
	}
	return 1
}

func (s *mockStream) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		s.mic.mu.Lock()
		s.mic.live--
		s.mic.mu.Unlock()
	})
	return nil
}

// MockEngine records every recognition it starts; tests drive events through
// the returned MockRecognition.
type MockEngine struct {
	mu       sync.Mutex
	startErr error
	sessions []*MockRecognition
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// FailWith makes subsequent Start calls return err.
func (e *MockEngine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *MockEngine) Start(_ context.Context, stream Stream, h Handlers) (Recognition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	rec := &MockRecognition{handlers: h, stream: stream}
	e.sessions = append(e.sessions, rec)
	return rec, nil
}

// Started returns how many recognitions were started.
func (e *MockEngine) Started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Last returns the most recently started recognition, or nil.
func (e *MockEngine) Last() *MockRecognition {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Running counts recognitions that have neither ended nor been aborted.
func (e *MockEngine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sessions {
		if s.Running() {
			n++
		}
	}
	return n
}

// MockRecognition is a scripted recognition instance.
type MockRecognition struct {
	mu       sync.Mutex
	handlers Handlers
	stream   Stream
	aborted  bool
	ended    bool
}

func (r *MockRecognition) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
}

func (r *MockRecognition) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *MockRecognition) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.aborted && !r.ended
}

// Result delivers a transcript to the handlers.
func (r *MockRecognition) Result(text string, final bool) {
	if h := r.handlers.OnResult; h != nil {
		h(Result{Text: text, Final: final, Confidence: 1})
	}
}

// Error delivers an engine error code to the handlers.
func (r *MockRecognition) Error(code string) {
	if h := r.handlers.OnError; h != nil {
		h(code)
	}
}

// End delivers the natural termination event.
func (r *MockRecognition) End() {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	if h := r.handlers.OnEnd; h != nil {
		h()
	}
}
