package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/coordinator"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Options tune what the bus service publishes.
type Options struct {
	NodeID         string
	PublishInterim bool
}

// Service answers control requests on voice.ctrl.* and publishes transcripts,
// status and notices. It implements coordinator.Sink.
type Service struct {
	opts   Options
	bus    *bus.Client
	disp   *dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, ctrl Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger := log.With(slog.String("component", "gateway-nats"))
	return &Service{
		opts:   opts,
		bus:    busClient,
		disp:   &dispatcher{ctrl: ctrl, ctx: ctx, log: logger},
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe control requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.disp.wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.bus.Healthy() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("failed to decode control request", slogError(err))
			s.respond(msg, protocol.Reply{Error: "invalid request: " + err.Error()})
			return
		}
	}
	cmd.Action = strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	reply := s.disp.apply(ctx, cmd)
	if !reply.OK {
		s.logger.Info("control request rejected", slog.String("action", cmd.Action), slog.String("error", reply.Error))
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to control request", slogError(err))
	}
}

// OnTranscript implements coordinator.Sink.
func (s *Service) OnTranscript(t capture.Transcript) {
	if t.Text == "" || (!t.Final && !s.opts.PublishInterim) {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if t.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	s.publish(subject, protocol.Transcript{
		NodeID:     s.opts.NodeID,
		Text:       t.Text,
		Partial:    !t.Final,
		Timestamp:  t.At.UTC(),
		Confidence: t.Confidence,
	})
}

// OnStatus implements coordinator.Sink.
func (s *Service) OnStatus(st coordinator.Status) {
	s.publish(protocol.SubjectStatus, st)
}

// OnNotice implements coordinator.Sink.
func (s *Service) OnNotice(n notify.Notice) {
	s.publish(protocol.SubjectNotify, protocol.Notice{
		NodeID:    s.opts.NodeID,
		Kind:      string(n.Kind),
		Message:   n.Message,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}
