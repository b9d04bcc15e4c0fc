// Package capture owns the microphone stream and the continuously restarting
// recognition session that turns it into transcripts.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State is the session state reported to observers.
type State string

const (
	StateDisabled             State = "disabled"
	StateRequestingPermission State = "requesting_permission"
	StateActive               State = "active"
	StateMuted                State = "muted"
	StateRestarting           State = "restarting"
	StatePermissionDenied     State = "permission_denied"
	StateDeviceError          State = "device_error"
	StateFatal                State = "fatal"
)

type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Transcript is recognizer output forwarded to listeners.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
	At         time.Time
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State        State      `json:"state"`
	Enabled      bool       `json:"enabled"`
	Muted        bool       `json:"muted"`
	Suspended    bool       `json:"suspended"`
	Listening    bool       `json:"listening"`
	Permission   Permission `json:"permission"`
	RestartCount int        `json:"restart_count"`
}

// Event is a lifecycle record suitable for the voice timeline.
type Event struct {
	Type string
	Data map[string]any
}

// Listener observes the session. Callbacks run outside the manager lock and
// may call back into the manager.
type Listener interface {
	OnTranscript(Transcript)
	OnStatus(Status)
	OnEvent(Event)
}

// Deps are the collaborators a Manager needs. Microphone and Engine are
// required; everything else has a usable zero value.
type Deps struct {
	Microphone stt.Microphone
	Engine     stt.Engine
	Settings   *prefs.Settings
	Notifier   notify.Notifier
	Listener   Listener
	// Speaking reports the coordination lock. It must not block.
	Speaking  func() bool
	Scheduler Scheduler
	Clock     func() time.Time
	Logger    *slog.Logger
	// Meter defaults to the global provider's capture meter.
	Meter     metric.Meter
}

const (
	timerSettle  = "settle"
	timerRestart = "restart"
)

type openAttempt struct {
	done chan struct{}
	err  error
}

// Manager is the capture session manager. All state lives behind mu; engine
// handlers and timers carry the generation they were created under and are
// ignored once it moves on.
type Manager struct {
	settle      time.Duration
	shortDelay  time.Duration
	longDelay   time.Duration
	minViable   time.Duration
	instant     time.Duration
	maxRestarts int

	mic      stt.Microphone
	engine   stt.Engine
	settings *prefs.Settings
	notifier notify.Notifier
	listener Listener
	speaking func() bool
	sched    Scheduler
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	gen            uint64
	enabled        bool
	muted          bool
	suspended      bool
	focused        bool
	halted         bool
	closed         bool
	terminal       State
	permission     Permission
	opening        *openAttempt
	stream         stt.Stream
	rec            stt.Recognition
	restartCount   int
	lastStart      time.Time
	lastTranscript string
	timer          Timer
	timerReason    string
	shown          map[string]bool
	lastStatus     Status
}

func NewManager(parent context.Context, cfg config.CaptureConfig, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(parent)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		settle:      ms(cfg.SettleDelayMS),
		shortDelay:  ms(cfg.ShortRestartDelayMS),
		longDelay:   ms(cfg.LongRestartDelayMS),
		minViable:   ms(cfg.MinViableDurationMS),
		instant:     ms(cfg.InstantFailureMS),
		maxRestarts: cfg.MaxRestarts,
		mic:         deps.Microphone,
		engine:      deps.Engine,
		settings:    deps.Settings,
		notifier:    deps.Notifier,
		listener:    deps.Listener,
		speaking:    deps.Speaking,
		sched:       deps.Scheduler,
		now:         deps.Clock,
		log:         logger.With(slog.String("component", "capture")),
		ctx:         ctx,
		cancel:      cancel,
		focused:     true,
		permission:  PermissionUnknown,
		shown:       make(map[string]bool),
	}
	if m.maxRestarts <= 0 {
		m.maxRestarts = 5
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.listener == nil {
		m.listener = nopListener{}
	}
	if m.speaking == nil {
		m.speaking = func() bool { return false }
	}
	if m.sched == nil {
		m.sched = WallScheduler()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.settings != nil {
		m.muted = m.settings.MicMuted()
	}
	m.lastStatus = m.snapshotLocked()
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-voice/capture")
	}
	m.metrics = newMetrics(meter, m, m.log)
	return m
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Enable acquires the microphone and schedules listening after the settle
// delay. Calling it while a session is already held is a no-op; calling it
// while an acquisition is in flight waits for that acquisition.
func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.halted {
		m.mu.Unlock()
		return ErrClosed
	}
	if attempt := m.opening; attempt != nil {
		m.enabled = true
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.enabled && m.stream != nil {
		m.mu.Unlock()
		return nil
	}

	var out outbox
	m.invalidateLocked()
	m.enabled = true
	m.terminal = ""
	m.restartCount = 0
	m.shown = make(map[string]bool)
	attempt := &openAttempt{done: make(chan struct{})}
	m.opening = attempt
	m.eventLocked(&out, "capture.enable", nil)
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)

	var (
		stream stt.Stream
		err    error
	)
	if m.mic != nil {
		stream, err = m.mic.Open(ctx)
	} else {
		err = stt.ErrNoDevice
	}

	m.mu.Lock()
	out = outbox{}
	m.opening = nil
	attempt.err = m.adoptLocked(stream, err, &out)
	close(attempt.done)
	m.mu.Unlock()
	m.flush(out)
	return attempt.err
}

func (m *Manager) adoptLocked(stream stt.Stream, err error, out *outbox) error {
	if m.closed || m.halted || !m.enabled {
		if stream != nil {
			_ = stream.Stop()
		}
		m.statusLocked(out)
		if m.closed || m.halted {
			return ErrClosed
		}
		return ErrCancelled
	}
	if err != nil {
		m.enabled = false
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.statusLocked(out)
			return err
		}
		failure := classifyOpen(err)
		if failure == FailureDenied {
			m.permission = PermissionDenied
			m.terminal = StatePermissionDenied
		} else {
			m.terminal = StateDeviceError
		}
		m.log.Warn("microphone unavailable", slog.String("failure", string(failure)), slogError(err))
		m.persistEnabledLocked(out, false)
		kind := notify.KindError
		if failure == FailureBusy {
			kind = notify.KindWarning
		}
		m.noticeLocked(out, kind, failureMessage(failure))
		m.eventLocked(out, "capture.enable_failed", map[string]any{"failure": string(failure), "error": err.Error()})
		m.statusLocked(out)
		return &Error{Failure: failure, Err: err}
	}

	m.stream = stream
	m.permission = PermissionGranted
	m.restartCount = 0
	m.persistEnabledLocked(out, true)
	m.scheduleLocked(m.settle, timerSettle)
	m.log.Info("microphone acquired")
	m.statusLocked(out)
	return nil
}

// Disable releases the microphone and stops listening. It is safe to call in
// any state.
func (m *Manager) Disable() {
	m.mu.Lock()
	var out outbox
	held := m.enabled || m.stream != nil || m.terminal != ""
	m.invalidateLocked()
	m.releaseLocked()
	m.enabled = false
	m.suspended = false
	m.terminal = ""
	m.persistEnabledLocked(&out, false)
	if held {
		m.eventLocked(&out, "capture.disable", nil)
	}
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// Mute stops recognition but keeps the microphone and the enabled intent.
func (m *Manager) Mute() {
	m.mu.Lock()
	var out outbox
	m.muted = true
	m.invalidateLocked()
	m.persistMutedLocked(&out, true)
	m.eventLocked(&out, "capture.mute", nil)
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// Unmute clears the user mute and resumes listening when the session holds a
// granted stream and nothing is being spoken.
func (m *Manager) Unmute() {
	m.mu.Lock()
	var out outbox
	m.muted = false
	m.persistMutedLocked(&out, false)
	m.eventLocked(&out, "capture.unmute", nil)
	if m.enabled && m.permission == PermissionGranted && !m.speaking() {
		m.startLocked(&out)
	}
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// Suspend stops recognition on behalf of the coordination policy without
// touching persisted intent. It reports whether this call suspended a live
// unmuted session.
func (m *Manager) Suspend() bool {
	m.mu.Lock()
	var out outbox
	if !m.enabled || m.muted || m.suspended {
		m.mu.Unlock()
		return false
	}
	m.suspended = true
	m.invalidateLocked()
	m.eventLocked(&out, "capture.suspend", nil)
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
	return true
}

// Resume clears a policy suspension and starts listening if every start
// precondition holds. A user mute is left in place.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	var out outbox
	wasSuspended := m.suspended
	m.suspended = false
	started := m.startLocked(&out)
	if wasSuspended {
		m.eventLocked(&out, "capture.resume", map[string]any{"listening": started})
	}
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
	return started
}

// FocusChanged gates starts on input focus. Gaining focus retries a start.
func (m *Manager) FocusChanged(focused bool) {
	m.mu.Lock()
	var out outbox
	m.focused = focused
	if focused {
		m.startLocked(&out)
	}
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// Restore re-enables capture at startup when the user left it on and gate
// holds.
func (m *Manager) Restore(ctx context.Context, gate bool) error {
	if !gate || m.settings == nil || !m.settings.MicEnabled() {
		return nil
	}
	m.log.Info("restoring microphone from saved preference")
	return m.Enable(ctx)
}

// Halt cancels timers and aborts the engine. After Halt no callback mutates
// state and Enable fails.
func (m *Manager) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.invalidateLocked()
}

// Release stops every device track.
func (m *Manager) Release() {
	m.mu.Lock()
	m.releaseLocked()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.metrics.unregister(m.log)
}

func (m *Manager) Close() {
	m.Halt()
	m.Release()
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// LastTranscript returns the most recent final transcript.
func (m *Manager) LastTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTranscript
}

func (m *Manager) startLocked(out *outbox) bool {
	if m.closed || m.halted || !m.enabled || m.muted || m.suspended || !m.focused {
		return false
	}
	if m.timer != nil || m.rec != nil || m.stream == nil {
		return false
	}
	if m.speaking() {
		return false
	}
	gen := m.gen
	rec, err := m.engine.Start(m.ctx, m.stream, stt.Handlers{
		OnResult: func(r stt.Result) { m.onResult(gen, r) },
		OnError:  func(code string) { m.onError(gen, code) },
		OnEnd:    func() { m.onEnd(gen) },
	})
	if err != nil {
		m.log.Warn("recognition engine failed to start", slogError(err))
		m.metrics.recordError(m.ctx, ClassOther)
		m.endLocked(0, true, out)
		return false
	}
	m.rec = rec
	m.lastStart = m.now()
	m.eventLocked(out, "capture.listening", map[string]any{"restart_count": m.restartCount})
	return true
}

func (m *Manager) onResult(gen uint64, r stt.Result) {
	m.mu.Lock()
	if gen != m.gen || m.rec == nil {
		m.mu.Unlock()
		return
	}
	t := Transcript{Text: r.Text, Final: r.Final, Confidence: r.Confidence, At: m.now()}
	if r.Final {
		m.lastTranscript = r.Text
	}
	listener := m.listener
	m.mu.Unlock()
	listener.OnTranscript(t)
}

func (m *Manager) onError(gen uint64, code string) {
	class := ClassifyCode(code)
	m.mu.Lock()
	if gen != m.gen || m.rec == nil {
		m.mu.Unlock()
		return
	}
	var out outbox
	m.metrics.recordError(m.ctx, class)
	switch class {
	case ClassTransient, ClassAborted:
		m.log.Debug("ignoring recognition error", slog.String("code", code))
	case ClassPermission:
		m.permission = PermissionDenied
		m.hardStopLocked(&out, StatePermissionDenied, MsgPermissionDenied, code)
	case ClassDevice:
		m.hardStopLocked(&out, StateDeviceError, MsgDeviceLost, code)
	default:
		m.log.Warn("recognition error", slog.String("code", code))
		d := m.now().Sub(m.lastStart)
		m.invalidateLocked()
		m.eventLocked(&out, "capture.error", map[string]any{"code": code})
		m.endLocked(d, true, &out)
	}
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

func (m *Manager) onEnd(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.rec == nil {
		m.mu.Unlock()
		return
	}
	var out outbox
	d := m.now().Sub(m.lastStart)
	m.rec = nil
	m.endLocked(d, false, &out)
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// endLocked applies the restart policy after the engine stopped. Failed
// terminations always count against the budget; natural ones reset it when
// the session ran longer than the minimum viable duration.
func (m *Manager) endLocked(d time.Duration, failed bool, out *outbox) {
	if !m.enabled || m.closed || m.halted {
		return
	}
	if !failed && d > m.minViable {
		m.restartCount = 0
	} else {
		m.restartCount++
	}
	if m.restartCount >= m.maxRestarts {
		m.invalidateLocked()
		m.releaseLocked()
		m.enabled = false
		m.terminal = StateFatal
		m.log.Error("recognition restart budget exhausted", slog.Int("restart_count", m.restartCount))
		m.metrics.fatal.Add(m.ctx, 1)
		m.noticeLocked(out, notify.KindError, MsgFatal)
		m.eventLocked(out, "capture.fatal", map[string]any{"restart_count": m.restartCount})
		return
	}
	delay := m.shortDelay
	if d < m.instant {
		delay = m.longDelay
	}
	m.scheduleLocked(delay, timerRestart)
	m.metrics.restarts.Add(m.ctx, 1)
	m.eventLocked(out, "capture.restart", map[string]any{
		"restart_count": m.restartCount,
		"duration_ms":   d.Milliseconds(),
		"delay_ms":      delay.Milliseconds(),
	})
}

func (m *Manager) hardStopLocked(out *outbox, terminal State, message, code string) {
	m.log.Warn("recognition stopped", slog.String("code", code), slog.String("state", string(terminal)))
	m.invalidateLocked()
	m.releaseLocked()
	m.enabled = false
	m.terminal = terminal
	m.persistEnabledLocked(out, false)
	m.noticeLocked(out, notify.KindError, message)
	m.eventLocked(out, "capture.stopped", map[string]any{"code": code, "state": string(terminal)})
}

// scheduleLocked replaces any pending timer; at most one is ever armed.
func (m *Manager) scheduleLocked(d time.Duration, reason string) {
	m.invalidateLocked()
	gen := m.gen
	m.timerReason = reason
	m.timer = m.sched.AfterFunc(d, func() { m.onTimer(gen) })
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	var out outbox
	m.timer = nil
	m.startLocked(&out)
	m.statusLocked(&out)
	m.mu.Unlock()
	m.flush(out)
}

// invalidateLocked advances the generation, cancels the pending timer and
// aborts the live engine.
func (m *Manager) invalidateLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.rec != nil {
		m.rec.Abort()
		m.rec = nil
	}
}

func (m *Manager) releaseLocked() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Stop(); err != nil {
		m.log.Warn("failed to release microphone", slogError(err))
	}
	m.stream = nil
}

func (m *Manager) stateLocked() State {
	switch {
	case m.opening != nil && m.enabled:
		return StateRequestingPermission
	case !m.enabled && m.terminal != "":
		return m.terminal
	case !m.enabled:
		return StateDisabled
	case m.muted || m.suspended:
		return StateMuted
	case m.timer != nil && m.timerReason == timerRestart:
		return StateRestarting
	default:
		return StateActive
	}
}

func (m *Manager) snapshotLocked() Status {
	return Status{
		State:        m.stateLocked(),
		Enabled:      m.enabled,
		Muted:        m.muted,
		Suspended:    m.suspended,
		Listening:    m.rec != nil,
		Permission:   m.permission,
		RestartCount: m.restartCount,
	}
}

type outbox struct {
	fns []func()
}

func (o *outbox) add(f func()) {
	o.fns = append(o.fns, f)
}

func (m *Manager) flush(out outbox) {
	for _, f := range out.fns {
		f()
	}
}

func (m *Manager) statusLocked(out *outbox) {
	if m.halted {
		return
	}
	snap := m.snapshotLocked()
	if snap == m.lastStatus {
		return
	}
	m.lastStatus = snap
	listener := m.listener
	out.add(func() { listener.OnStatus(snap) })
}

func (m *Manager) eventLocked(out *outbox, typ string, data map[string]any) {
	listener := m.listener
	out.add(func() { listener.OnEvent(Event{Type: typ, Data: data}) })
}

func (m *Manager) noticeLocked(out *outbox, kind notify.Kind, message string) {
	if m.shown[message] {
		return
	}
	m.shown[message] = true
	n := m.notifier
	out.add(func() { n.Notify(kind, message) })
}

func (m *Manager) persistEnabledLocked(out *outbox, v bool) {
	if s := m.settings; s != nil {
		out.add(func() { s.SetMicEnabled(v) })
	}
}

func (m *Manager) persistMutedLocked(out *outbox, v bool) {
	if s := m.settings; s != nil {
		out.add(func() { s.SetMicMuted(v) })
	}
}

type nopListener struct{}

func (nopListener) OnTranscript(Transcript) {}
func (nopListener) OnStatus(Status)         {}
func (nopListener) OnEvent(Event)           {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
