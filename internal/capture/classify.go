package capture

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/stt"
)

// ErrorClass groups recognition engine error codes by recovery policy.
type ErrorClass string

const (
	ClassPermission ErrorClass = "permission"
	ClassDevice     ErrorClass = "device"
	ClassTransient  ErrorClass = "transient"
	ClassAborted    ErrorClass = "aborted"
	ClassOther      ErrorClass = "other"
)

// ClassifyCode maps an engine error code onto its class. Unknown codes,
// including network failures, are ClassOther.
func ClassifyCode(code string) ErrorClass {
	switch code {
	case stt.CodeNotAllowed, stt.CodeServiceNotAllowed, "permission-denied":
		return ClassPermission
	case stt.CodeAudioCapture, stt.CodeNotFound, stt.CodeNotReadable:
		return ClassDevice
	case stt.CodeNoSpeech:
		return ClassTransient
	case stt.CodeAborted:
		return ClassAborted
	default:
		return ClassOther
	}
}

// Failure is the reason an Enable call could not acquire the microphone.
type Failure string

const (
	FailureDenied   Failure = "denied"
	FailureNoDevice Failure = "no_device"
	FailureBusy     Failure = "busy"
)

// Error is returned by Enable when the device stream could not be acquired.
type Error struct {
	Failure Failure
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Failure, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrClosed is returned by Enable after Close.
var ErrClosed = errors.New("capture: manager closed")

// ErrCancelled is returned by Enable when the session was disabled while the
// device was being acquired.
var ErrCancelled = errors.New("capture: disabled while acquiring microphone")

func classifyOpen(err error) Failure {
	switch {
	case errors.Is(err, stt.ErrPermissionDenied):
		return FailureDenied
	case errors.Is(err, stt.ErrNoDevice):
		return FailureNoDevice
	default:
		return FailureBusy
	}
}

// User-facing notices. Each is shown at most once per episode.
const (
	MsgPermissionDenied = "Microphone access was denied. Allow it in your system settings to talk to Loqa."
	MsgNoDevice         = "No microphone was found. Connect one and turn voice input on again."
	MsgBusy             = "The microphone is in use by another application."
	MsgDeviceLost       = "The microphone stopped responding. Turn voice input on again to retry."
	MsgFatal            = "Voice input stopped after repeated errors. Turn the microphone on again to retry."
)

func failureMessage(f Failure) string {
	switch f {
	case FailureDenied:
		return MsgPermissionDenied
	case FailureNoDevice:
		return MsgNoDevice
	default:
		return MsgBusy
	}
}
