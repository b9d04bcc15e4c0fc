package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// openProbe is how long a freshly spawned recorder must survive before the
// device counts as acquired.
const openProbe = 200 * time.Millisecond

type execMicrophone struct {
	cmd []string
}

// NewExecMicrophone runs a recorder command (arecord, sox, ffmpeg) that
// writes raw PCM to stdout.
func NewExecMicrophone(cfg config.CaptureConfig) (Microphone, error) {
	args, err := parseCommand(cfg.MicrophoneCommand)
	if err != nil {
		return nil, fmt.Errorf("parse microphone command: %w", err)
	}
	args = append(args, "--rate", strconv.Itoa(cfg.SampleRate), "--channels", strconv.Itoa(cfg.Channels))
	return &execMicrophone{cmd: args}, nil
}

func (m *execMicrophone) Open(ctx context.Context) (Stream, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, m.cmd[0], m.cmd[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, classifyOpen(err.Error(), err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		cancel()
		if err == nil {
			err = errors.New("recorder exited immediately")
		}
		return nil, classifyOpen(stderr.String(), err)
	case <-ctx.Done():
		cancel()
		<-exited
		return nil, ctx.Err()
	case <-time.After(openProbe):
	}

	return &execStream{stdout: stdout, cancel: cancel, exited: exited}, nil
}

func classifyOpen(detail string, err error) error {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not allowed"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(lower, "no such"), strings.Contains(lower, "not found"), strings.Contains(lower, "no device"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
}

type execStream struct {
	stdout io.Reader
	cancel context.CancelFunc
	exited chan error

	mu      sync.Mutex
	stopped bool
	once    sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *execStream) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	return 1
}

func (s *execStream) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		<-s.exited
	})
	return nil
}

type execEngine struct {
	cmd []string

	mu   sync.Mutex
	taps map[Stream]*streamTap
}

type execLine struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

// NewExecEngine runs a streaming recognizer that reads PCM on stdin and
// prints one JSON object per line: {"text","final","confidence"} or
// {"error": code}. Process exit is the end event.
func NewExecEngine(cfg config.CaptureConfig) (Engine, error) {
	args, err := parseCommand(cfg.EngineCommand)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	args = append(args, "--sample-rate", strconv.Itoa(cfg.SampleRate))
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	if cfg.PublishInterim {
		args = append(args, "--partial")
	}
	return &execEngine{cmd: args, taps: make(map[Stream]*streamTap)}, nil
}

func (e *execEngine) Start(_ context.Context, stream Stream, h Handlers) (Recognition, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	tap := e.tap(stream)
	tap.attach(stdin)
	rec := &execRecognition{cancel: cancel, tap: tap, stdin: stdin}
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var line execLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if rec.isAborted() {
				continue
			}
			if line.Error != "" {
				if h.OnError != nil {
					h.OnError(line.Error)
				}
				continue
			}
			if h.OnResult != nil && line.Text != "" {
				h.OnResult(Result{Text: line.Text, Final: line.Final, Confidence: line.Confidence})
			}
		}
		_ = cmd.Wait()
		if h.OnEnd != nil {
			h.OnEnd()
		}
	}()
	return rec, nil
}

// tap returns the single reader for stream, starting it on first use.
func (e *execEngine) tap(stream Stream) *streamTap {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.taps[stream]; ok {
		return t
	}
	t := &streamTap{}
	e.taps[stream] = t
	go func() {
		t.pump(stream)
		e.mu.Lock()
		delete(e.taps, stream)
		e.mu.Unlock()
	}()
	return t
}

// streamTap is the only reader of a microphone stream. It forwards audio to
// the recognizer currently attached and discards it while none is, so a
// restarted recognizer hears the stream from the moment it attaches.
type streamTap struct {
	mu   sync.Mutex
	sink io.WriteCloser
	done bool
}

func (t *streamTap) pump(stream Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink != nil {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					t.detach(sink)
				}
			}
		}
		if err != nil {
			break
		}
	}
	t.mu.Lock()
	t.done = true
	sink := t.sink
	t.sink = nil
	t.mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
}

// attach makes w the recipient of subsequent audio. A previously attached
// writer is closed. After the stream ended w is closed right away.
func (t *streamTap) attach(w io.WriteCloser) {
	t.mu.Lock()
	prev := t.sink
	if t.done {
		t.sink = nil
	} else {
		t.sink = w
	}
	done := t.done
	t.mu.Unlock()
	if prev != nil && prev != w {
		_ = prev.Close()
	}
	if done {
		_ = w.Close()
	}
}

// detach stops forwarding to w if it is still attached and closes it.
func (t *streamTap) detach(w io.WriteCloser) {
	t.mu.Lock()
	if t.sink == w {
		t.sink = nil
	}
	t.mu.Unlock()
	_ = w.Close()
}

type execRecognition struct {
	cancel context.CancelFunc
	tap    *streamTap
	stdin  io.WriteCloser

	mu      sync.Mutex
	aborted bool
}

func (r *execRecognition) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.tap.detach(r.stdin)
	r.cancel()
}

func (r *execRecognition) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return args, nil
}
