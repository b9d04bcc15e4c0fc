package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// watchdogGrace is added to the decoded WAV duration before a stuck player
// is killed.
const watchdogGrace = 2 * time.Second

// template holds a parsed command with {placeholder} arguments.
type template []string

func parseTemplate(command string) (template, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return template(args), nil
}

func (t template) expand(values map[string]string) []string {
	out := make([]string, len(t))
	for i, arg := range t {
		for k, v := range values {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

type execPlayer struct {
	cmd template
	log *slog.Logger
}

// NewExecPlayer plays audio by piping it into a command such as
// `ffplay -nodisp -autoexit -volume {volume_pct} -`. Supported placeholders:
// {volume}, {volume_pct}, {rate}.
func NewExecPlayer(command string, log *slog.Logger) (Player, error) {
	cmd, err := parseTemplate(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	return &execPlayer{cmd: cmd, log: log.With(slog.String("component", "tts-player"))}, nil
}

func (p *execPlayer) Play(ctx context.Context, audio []byte, opts PlayOptions) (Playback, error) {
	rate := opts.Rate
	if rate <= 0 {
		rate = 1
	}
	args := p.cmd.expand(map[string]string{
		"volume":     formatFloat(opts.Volume),
		"volume_pct": strconv.Itoa(int(opts.Volume * 100)),
		"rate":       formatFloat(rate),
	})

	var (
		playCtx context.Context
		cancel  context.CancelFunc
	)
	if d, ok := wavDuration(audio); ok {
		playCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(d)/rate)+watchdogGrace)
	} else {
		playCtx, cancel = context.WithCancel(ctx)
	}
	return startProcess(playCtx, cancel, args, bytes.NewReader(audio), opts.Volume, p.log)
}

// wavDuration reports the playing time of a WAV payload.
func wavDuration(audio []byte) (time.Duration, bool) {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return 0, false
	}
	d, err := dec.Duration()
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

type execLocal struct {
	cmd    template
	voices []Voice
	log    *slog.Logger

	mu      sync.Mutex
	current Playback
}

// NewExecLocal drives an on-device synthesizer such as
// `espeak-ng --stdin -v {voice} -s {wpm} -a {amplitude}`. Text is written to
// stdin. Supported placeholders: {voice}, {rate}, {wpm}, {volume},
// {amplitude}.
func NewExecLocal(cfg config.SynthesisConfig, log *slog.Logger) (LocalSynth, error) {
	cmd, err := parseTemplate(cfg.LocalCommand)
	if err != nil {
		return nil, fmt.Errorf("parse local synthesizer command: %w", err)
	}
	voices := make([]Voice, 0, len(cfg.LocalVoices))
	for i, v := range cfg.LocalVoices {
		voices = append(voices, Voice{Name: v.Name, Language: v.Language, Default: i == 0})
	}
	return &execLocal{cmd: cmd, voices: voices, log: log.With(slog.String("component", "tts-local"))}, nil
}

func (l *execLocal) Voices() []Voice {
	return append([]Voice(nil), l.voices...)
}

func (l *execLocal) Speak(ctx context.Context, text string, voice Voice, rate, volume float64) (Playback, error) {
	if rate <= 0 {
		rate = 1
	}
	args := l.cmd.expand(map[string]string{
		"voice":     voice.Name,
		"rate":      formatFloat(rate),
		"wpm":       strconv.Itoa(int(175 * rate)),
		"volume":    formatFloat(volume),
		"amplitude": strconv.Itoa(int(volume * 100)),
	})
	l.Cancel()
	playCtx, cancel := context.WithCancel(ctx)
	pb, err := startProcess(playCtx, cancel, args, strings.NewReader(text), volume, l.log)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = pb
	l.mu.Unlock()
	return pb, nil
}

// Cancel stops whatever the local synthesizer is saying.
func (l *execLocal) Cancel() {
	l.mu.Lock()
	pb := l.current
	l.current = nil
	l.mu.Unlock()
	if pb != nil {
		pb.Stop()
	}
}

type execPlayback struct {
	cancel context.CancelFunc
	done   chan error
	log    *slog.Logger

	mu      sync.Mutex
	stopped bool
	volume  float64
}

func startProcess(ctx context.Context, cancel context.CancelFunc, args []string, stdin io.Reader, volume float64, log *slog.Logger) (Playback, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	pb := &execPlayback{cancel: cancel, done: make(chan error, 1), log: log, volume: volume}
	go func() {
		err := cmd.Wait()
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		pb.mu.Lock()
		stopped := pb.stopped
		pb.mu.Unlock()
		switch {
		case stopped:
			err = ErrStopped
		case timedOut:
			log.Warn("playback watchdog fired", slog.String("command", args[0]))
			err = nil
		case err != nil:
			err = fmt.Errorf("%s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		pb.done <- err
		close(pb.done)
	}()
	return pb, nil
}

func (p *execPlayback) Done() <-chan error { return p.done }

func (p *execPlayback) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
}

// SetVolume records the level; a running player process keeps the volume it
// was started with.
func (p *execPlayback) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}
