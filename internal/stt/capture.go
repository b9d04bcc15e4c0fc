package stt

import (
	"context"
	"errors"
	"io"
)

// Microphone open failures. Implementations wrap one of these so callers can
// classify with errors.Is.
var (
	ErrPermissionDenied = errors.New("stt: microphone permission denied")
	ErrNoDevice         = errors.New("stt: no microphone found")
	ErrDeviceBusy       = errors.New("stt: microphone busy or unreadable")
)

// Recognition error codes reported through Handlers.OnError.
const (
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeAudioCapture      = "audio-capture"
	CodeNotFound          = "not-found"
	CodeNotReadable       = "not-readable"
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNetwork           = "network"
)

// Stream is a live microphone handle. Stop releases every track and is
// idempotent.
type Stream interface {
	io.Reader
	Tracks() int
	Stop() error
}

// Microphone acquires device streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Result is recognizer output.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Handlers receive recognition events. Engines call them from their own
// goroutines and never from inside Start.
type Handlers struct {
	OnResult func(Result)
	OnError  func(code string)
	OnEnd    func()
}

// Recognition is one running engine instance.
type Recognition interface {
	Abort()
}

// Engine starts continuous recognition over a device stream. Every instance
// eventually reports OnEnd unless aborted.
type Engine interface {
	Start(ctx context.Context, stream Stream, h Handlers) (Recognition, error)
}
