package capture_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/capture/capturetest"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/stt"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type listener struct {
	mu          sync.Mutex
	transcripts []capture.Transcript
	statuses    []capture.Status
	events      []capture.Event
}

func (l *listener) OnTranscript(t capture.Transcript) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcripts = append(l.transcripts, t)
}

func (l *listener) OnStatus(s capture.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *listener) OnEvent(e capture.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *listener) eventCount(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	m        *capture.Manager
	sched    *capturetest.Scheduler
	mic      *stt.MockMicrophone
	engine   *stt.MockEngine
	notes    *notify.Recorder
	store    *prefs.MemoryStore
	settings *prefs.Settings
	speaking *atomic.Bool
	listener *listener
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched:    capturetest.NewScheduler(),
		mic:      stt.NewMockMicrophone(),
		engine:   stt.NewMockEngine(),
		notes:    &notify.Recorder{},
		store:    prefs.NewMemoryStore(),
		speaking: &atomic.Bool{},
		listener: &listener{},
	}
	h.settings = prefs.NewSettings(h.store, prefs.Defaults{}, newLogger())
	h.m = capture.NewManager(context.Background(), config.Default().Capture, capture.Deps{
		Microphone: h.mic,
		Engine:     h.engine,
		Settings:   h.settings,
		Notifier:   h.notes,
		Listener:   h.listener,
		Speaking:   h.speaking.Load,
		Scheduler:  h.sched,
		Clock:      h.sched.Now,
		Logger:     newLogger(),
	})
	t.Cleanup(h.m.Close)
	return h
}

// listen enables capture and lets the settle delay elapse.
func (h *harness) listen(t *testing.T) *stt.MockRecognition {
	t.Helper()
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.sched.Advance(300 * time.Millisecond)
	rec := h.engine.Last()
	if rec == nil || !rec.Running() {
		t.Fatalf("expected a running recognition after settle delay")
	}
	return rec
}

func TestEnableStartsAfterSettleDelay(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if h.engine.Started() != 0 {
		t.Fatalf("engine started before settle delay")
	}
	h.sched.Advance(299 * time.Millisecond)
	if h.engine.Started() != 0 {
		t.Fatalf("engine started early")
	}
	h.sched.Advance(time.Millisecond)
	if h.engine.Started() != 1 {
		t.Fatalf("expected engine start after settle delay, got %d", h.engine.Started())
	}
	st := h.m.Status()
	if !st.Listening || st.State != capture.StateActive || st.Permission != capture.PermissionGranted {
		t.Fatalf("unexpected status %+v", st)
	}
	if v, _, _ := h.store.Get(prefs.KeyMicEnabled); v != "true" {
		t.Fatalf("expected mic_enabled persisted true, got %q", v)
	}

	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if h.mic.Opens() != 1 || h.engine.Started() != 1 {
		t.Fatalf("enable while active must be a no-op")
	}
}

func TestEnableDisableNeverHoldsTwoStreams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ops := []func(){
		func() { _ = h.m.Enable(ctx) },
		func() { h.m.Disable() },
		func() { _ = h.m.Enable(ctx) },
		func() { _ = h.m.Enable(ctx) },
		func() { h.sched.Advance(time.Second) },
		func() { h.m.Disable() },
		func() { h.m.Disable() },
		func() { _ = h.m.Enable(ctx) },
	}
	for i, op := range ops {
		op()
		if live := h.mic.Live(); live > 1 {
			t.Fatalf("step %d: %d live streams", i, live)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = h.m.Enable(ctx)
			} else {
				h.m.Disable()
			}
		}(i)
	}
	wg.Wait()
	if h.mic.MaxLive() > 1 {
		t.Fatalf("observed %d simultaneous streams", h.mic.MaxLive())
	}
	h.m.Disable()
	if h.mic.Live() != 0 {
		t.Fatalf("disable must release the stream")
	}
}

func TestPermissionDeniedScenario(t *testing.T) {
	h := newHarness(t)
	h.mic.FailWith(fmt.Errorf("%w: user dismissed prompt", stt.ErrPermissionDenied))

	err := h.m.Enable(context.Background())
	var capErr *capture.Error
	if !errors.As(err, &capErr) || capErr.Failure != capture.FailureDenied {
		t.Fatalf("expected denied failure, got %v", err)
	}
	st := h.m.Status()
	if st.Enabled || st.Permission != capture.PermissionDenied || st.State != capture.StatePermissionDenied {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := h.notes.Count(capture.MsgPermissionDenied); got != 1 {
		t.Fatalf("expected exactly one denial notice, got %d", got)
	}
	if len(h.notes.Notices()) != 1 {
		t.Fatalf("unexpected notices %+v", h.notes.Notices())
	}
	if v, _, _ := h.store.Get(prefs.KeyMicEnabled); v != "false" {
		t.Fatalf("expected mic_enabled persisted false, got %q", v)
	}
	h.sched.Advance(time.Minute)
	if h.engine.Started() != 0 {
		t.Fatalf("engine must not start after denial")
	}
}

func TestOpenFailuresAreClassified(t *testing.T) {
	cases := []struct {
		err  error
		want capture.Failure
		msg  string
	}{
		{stt.ErrNoDevice, capture.FailureNoDevice, capture.MsgNoDevice},
		{stt.ErrDeviceBusy, capture.FailureBusy, capture.MsgBusy},
		{errors.New("something odd"), capture.FailureBusy, capture.MsgBusy},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.mic.FailWith(tc.err)
		err := h.m.Enable(context.Background())
		var capErr *capture.Error
		if !errors.As(err, &capErr) || capErr.Failure != tc.want {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.want, err)
		}
		if h.m.Status().State != capture.StateDeviceError {
			t.Fatalf("%v: expected device error state", tc.err)
		}
		if h.notes.Count(tc.msg) != 1 {
			t.Fatalf("%v: expected notice %q", tc.err, tc.msg)
		}
	}
}

func TestLongSessionResetsCounterAndRestartsQuickly(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)

	h.sched.Advance(600 * time.Millisecond)
	rec.End()
	if got := h.m.Status().RestartCount; got != 1 {
		t.Fatalf("expected restart count 1, got %d", got)
	}
	h.sched.Advance(1500 * time.Millisecond)
	rec = h.engine.Last()

	h.sched.Advance(4200 * time.Millisecond)
	rec.End()
	st := h.m.Status()
	if st.RestartCount != 0 {
		t.Fatalf("expected restart count reset, got %d", st.RestartCount)
	}
	if st.State != capture.StateRestarting {
		t.Fatalf("expected restarting state, got %s", st.State)
	}
	if h.sched.Pending() != 1 {
		t.Fatalf("expected exactly one pending restart, got %d", h.sched.Pending())
	}
	if d := h.sched.NextDelay(); d != 250*time.Millisecond {
		t.Fatalf("expected short restart delay, got %v", d)
	}
	h.sched.Advance(250 * time.Millisecond)
	if h.engine.Started() != 3 || !h.m.Status().Listening {
		t.Fatalf("expected restart to run")
	}
}

func TestInstantEndsBackOffUntilFatal(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)

	for i := 1; i <= 4; i++ {
		h.sched.Advance(600 * time.Millisecond)
		rec.End()
		if got := h.m.Status().RestartCount; got != i {
			t.Fatalf("end %d: expected restart count %d, got %d", i, i, got)
		}
		if d := h.sched.NextDelay(); d != 1500*time.Millisecond {
			t.Fatalf("end %d: expected long delay, got %v", i, d)
		}
		h.sched.Advance(1500 * time.Millisecond)
		rec = h.engine.Last()
		if !rec.Running() {
			t.Fatalf("end %d: expected a restarted engine", i)
		}
	}

	h.sched.Advance(600 * time.Millisecond)
	rec.End()
	st := h.m.Status()
	if st.State != capture.StateFatal || st.Enabled {
		t.Fatalf("expected fatal state, got %+v", st)
	}
	if h.mic.Live() != 0 {
		t.Fatalf("fatal must release the stream")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("fatal must not leave restarts pending")
	}
	if h.notes.Count(capture.MsgFatal) != 1 {
		t.Fatalf("expected one fatal notice")
	}
	started := h.engine.Started()
	h.sched.Advance(time.Minute)
	if h.engine.Started() != started {
		t.Fatalf("no spontaneous restarts after fatal")
	}

	h.listen(t)
	if h.m.Status().RestartCount != 0 {
		t.Fatalf("enable must reset the restart budget")
	}
}

func TestRecognitionErrorsShareRestartBudget(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)

	for i := 1; i <= 5; i++ {
		h.sched.Advance(5 * time.Second)
		rec.Error(stt.CodeNetwork)
		if !rec.Aborted() {
			t.Fatalf("error %d: engine should be aborted", i)
		}
		if i < 5 {
			h.sched.Advance(250 * time.Millisecond)
			rec = h.engine.Last()
		}
	}
	if h.m.Status().State != capture.StateFatal {
		t.Fatalf("expected fatal after five recognition errors, got %+v", h.m.Status())
	}
	// The aborted engine still reports end; it must be ignored.
	rec.End()
	if h.sched.Pending() != 0 {
		t.Fatalf("stale end scheduled a restart")
	}
}

func TestIgnoredErrorsLeaveSessionAlone(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	rec.Error(stt.CodeNoSpeech)
	rec.Error(stt.CodeAborted)
	if !rec.Running() || h.m.Status().RestartCount != 0 || !h.m.Status().Listening {
		t.Fatalf("ignored errors must not change the session: %+v", h.m.Status())
	}
	if len(h.notes.Notices()) != 0 {
		t.Fatalf("ignored errors must not notify")
	}
}

func TestDeviceErrorHardStops(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	rec.Error(stt.CodeAudioCapture)
	rec.Error(stt.CodeAudioCapture)

	st := h.m.Status()
	if st.State != capture.StateDeviceError || st.Enabled {
		t.Fatalf("unexpected status %+v", st)
	}
	if h.mic.Live() != 0 {
		t.Fatalf("device error must release the stream")
	}
	if h.notes.Count(capture.MsgDeviceLost) != 1 {
		t.Fatalf("expected exactly one device notice")
	}
	if v, _, _ := h.store.Get(prefs.KeyMicEnabled); v != "false" {
		t.Fatalf("expected mic_enabled false, got %q", v)
	}
	rec.End()
	if h.sched.Pending() != 0 {
		t.Fatalf("no restart after a hard stop")
	}
}

func TestPermissionErrorFromEngine(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	rec.Error(stt.CodeNotAllowed)
	st := h.m.Status()
	if st.State != capture.StatePermissionDenied || st.Permission != capture.PermissionDenied {
		t.Fatalf("unexpected status %+v", st)
	}
	if h.notes.Count(capture.MsgPermissionDenied) != 1 {
		t.Fatalf("expected one permission notice")
	}
}

func TestStaleCallbacksIgnoredAfterDisable(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	h.m.Disable()
	if !rec.Aborted() || h.mic.Live() != 0 {
		t.Fatalf("disable must abort the engine and release the stream")
	}
	rec.Result("late words", true)
	rec.End()
	if h.sched.Pending() != 0 {
		t.Fatalf("stale end scheduled a restart")
	}
	if h.m.LastTranscript() != "" {
		t.Fatalf("stale result recorded")
	}
	if h.m.Status().State != capture.StateDisabled {
		t.Fatalf("expected disabled, got %s", h.m.Status().State)
	}
}

func TestSpeakingGatesStarts(t *testing.T) {
	h := newHarness(t)
	h.speaking.Store(true)
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.sched.Advance(time.Second)
	if h.engine.Started() != 0 {
		t.Fatalf("engine started while speaking")
	}
	h.m.Unmute()
	if h.engine.Started() != 0 {
		t.Fatalf("unmute started engine while speaking")
	}
	if h.m.Status().RestartCount != 0 {
		t.Fatalf("refused start must not count as a restart")
	}

	h.speaking.Store(false)
	if !h.m.Resume() {
		t.Fatalf("expected resume to start listening")
	}
	if h.engine.Started() != 1 {
		t.Fatalf("expected one engine after resume")
	}
}

func TestMuteKeepsStreamAndUnmuteRestarts(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	h.m.Mute()
	if !rec.Aborted() {
		t.Fatalf("mute must stop recognition")
	}
	st := h.m.Status()
	if st.State != capture.StateMuted || !st.Enabled || h.mic.Live() != 1 {
		t.Fatalf("mute must keep the stream and intent: %+v", st)
	}
	if v, _, _ := h.store.Get(prefs.KeyMicMuted); v != "true" {
		t.Fatalf("expected mic_muted persisted")
	}
	h.m.Unmute()
	if h.engine.Started() != 2 || !h.m.Status().Listening {
		t.Fatalf("unmute must restart listening")
	}
}

func TestSuspendRespectsUserMute(t *testing.T) {
	h := newHarness(t)
	h.listen(t)
	h.m.Mute()
	if h.m.Suspend() {
		t.Fatalf("suspend must not claim a user-muted session")
	}
	if h.m.Resume() {
		t.Fatalf("resume must not override a user mute")
	}

	h.m.Unmute()
	rec := h.engine.Last()
	if !h.m.Suspend() {
		t.Fatalf("expected suspend of a live session")
	}
	if !rec.Aborted() {
		t.Fatalf("suspend must stop recognition")
	}
	if v, _, _ := h.store.Get(prefs.KeyMicMuted); v != "false" {
		t.Fatalf("suspend must not persist mute, got %q", v)
	}
	if !h.m.Resume() {
		t.Fatalf("expected resume to restart listening")
	}
}

func TestFocusGatesStarts(t *testing.T) {
	h := newHarness(t)
	h.m.FocusChanged(false)
	if err := h.m.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.sched.Advance(time.Second)
	if h.engine.Started() != 0 {
		t.Fatalf("engine started without focus")
	}
	h.m.FocusChanged(true)
	if h.engine.Started() != 1 {
		t.Fatalf("focus should start listening")
	}
}

func TestTranscriptsForwarded(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	rec.Result("hello", false)
	rec.Result("hello there", true)

	h.listener.mu.Lock()
	got := append([]capture.Transcript(nil), h.listener.transcripts...)
	h.listener.mu.Unlock()
	if len(got) != 2 || got[0].Final || !got[1].Final {
		t.Fatalf("unexpected transcripts %+v", got)
	}
	if h.m.LastTranscript() != "hello there" {
		t.Fatalf("expected last final transcript, got %q", h.m.LastTranscript())
	}
}

func TestRestoreRequiresPreferenceAndGate(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Restore(context.Background(), true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.mic.Opens() != 0 {
		t.Fatalf("restore without saved preference must not open the mic")
	}
	h.settings.SetMicEnabled(true)
	if err := h.m.Restore(context.Background(), false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.mic.Opens() != 0 {
		t.Fatalf("restore must honour the gate")
	}
	if err := h.m.Restore(context.Background(), true); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.mic.Opens() != 1 {
		t.Fatalf("expected restore to enable capture")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	h.m.Close()
	if !rec.Aborted() || h.mic.Live() != 0 {
		t.Fatalf("close must abort the engine and release the stream")
	}
	if err := h.m.Enable(context.Background()); !errors.Is(err, capture.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	rec.End()
	if h.sched.Pending() != 0 {
		t.Fatalf("callbacks after close must not schedule work")
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	h := newHarness(t)
	rec := h.listen(t)
	h.sched.Advance(100 * time.Millisecond)
	rec.End()
	if h.listener.eventCount("capture.enable") != 1 || h.listener.eventCount("capture.restart") != 1 {
		t.Fatalf("expected enable and restart events, got %+v", h.listener.events)
	}
}

func gaugePoints(t *testing.T, reader *sdkmetric.ManualReader, name string) int {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	n := 0
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && m.Name == name {
				n += len(g.DataPoints)
			}
		}
	}
	return n
}

func TestReleaseUnregistersGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := capture.NewManager(context.Background(), config.Default().Capture, capture.Deps{
		Microphone: stt.NewMockMicrophone(),
		Engine:     stt.NewMockEngine(),
		Scheduler:  capturetest.NewScheduler(),
		Logger:     newLogger(),
		Meter:      provider.Meter("capture-test"),
	})
	if got := gaugePoints(t, reader, "loqa.capture.enabled"); got != 1 {
		t.Fatalf("expected the enabled gauge to report, got %d points", got)
	}
	m.Close()
	m.Release()
	if got := gaugePoints(t, reader, "loqa.capture.enabled"); got != 0 {
		t.Fatalf("released manager still observed by the gauge callback, got %d points", got)
	}
}
