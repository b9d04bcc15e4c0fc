package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	VoiceCapture          = "voice.capture"
	VoiceSynthesisPrimary = "voice.synthesis.primary"
	VoiceSynthesisLocal   = "voice.synthesis.local"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Peer is another voice node seen on the bus.
type Peer struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

func (p Peer) offers(name string) bool {
	return slices.ContainsFunc(p.Capabilities, func(c Capability) bool { return c.Name == name })
}

// presence is published on join, on every heartbeat and once more with
// Leaving set when the node shuts down. Carrying the capability list on each
// heartbeat lets late joiners learn peers without a separate announce round.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
	Leaving      bool         `json:"leaving,omitempty"`
}

// Registry knows which voice capabilities this node offers and tracks the
// peers that announce theirs.
type Registry struct {
	cfg   config.NodeConfig
	local []Capability
	log   *slog.Logger
	bus   *bus.Client

	mu    sync.RWMutex
	peers map[string]*Peer

	cancel context.CancelFunc
	done   chan struct{}
	sub    *nats.Subscription
	reg    metric.Registration
}

// VoiceCapabilities derives what this node can offer from its configuration.
func VoiceCapabilities(cfg config.Config) []Capability {
	var caps []Capability
	if cfg.Capture.Enabled {
		caps = append(caps, Capability{
			Name: VoiceCapture,
			Tier: cfg.Capture.Mode,
			Attributes: map[string]string{
				"language":    cfg.Capture.Language,
				"sample_rate": fmt.Sprint(cfg.Capture.SampleRate),
			},
		})
	}
	if cfg.Synthesis.Enabled {
		if cfg.Synthesis.Mode == "mock" || (cfg.Synthesis.Endpoint != "" && cfg.Synthesis.PlayerCommand != "") {
			caps = append(caps, Capability{
				Name:       VoiceSynthesisPrimary,
				Tier:       cfg.Synthesis.Mode,
				Attributes: map[string]string{"voice_id": cfg.Synthesis.DefaultVoiceID},
			})
		}
		caps = append(caps, Capability{
			Name:       VoiceSynthesisLocal,
			Tier:       cfg.Synthesis.Mode,
			Attributes: map[string]string{"language": cfg.Synthesis.Language},
		})
	}
	return caps
}

// NewRegistry publishes local presence on the bus and tracks peers. A nil bus
// client yields a registry that only knows about the local node.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		peers:  make(map[string]*Peer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient == nil {
		close(r.done)
		return r, nil
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectPresencePrefix+".*", r.handlePresence)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	if err := r.publish(false); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	go r.run(ctx)
	return r, nil
}

// Close withdraws the node from its peers and stops heartbeats.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
	if r.bus == nil {
		return
	}
	if err := r.publish(true); err != nil {
		r.log.Debug("failed to publish departure", slog.String("error", err.Error()))
	}
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.publish(false); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.expire(now)
		}
	}
}

func (r *Registry) publish(leaving bool) error {
	return r.bus.PublishJSON(protocol.PresenceSubject(r.cfg.ID), presence{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
		Leaving:      leaving,
	})
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		p.NodeID = strings.TrimPrefix(msg.Subject, protocol.SubjectPresencePrefix+".")
	}
	if p.NodeID == r.cfg.ID {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[p.NodeID]
	if !ok {
		peer = &Peer{ID: p.NodeID}
		r.peers[p.NodeID] = peer
		r.log.Info("voice peer joined", slog.String("node", p.NodeID), slog.String("role", p.Role))
	}
	if p.Role != "" {
		peer.Role = p.Role
	}
	if p.Capabilities != nil {
		peer.Capabilities = p.Capabilities
	}
	peer.LastSeen = p.Timestamp
	peer.Healthy = !p.Leaving
	if p.Leaving {
		r.log.Info("voice peer left", slog.String("node", p.NodeID))
	}
}

// expire marks peers whose heartbeat is older than the configured timeout.
func (r *Registry) expire(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.peers {
		if peer.Healthy && now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
			r.log.Warn("voice peer stale", slog.String("node", peer.ID))
		}
	}
}

// Healthy reports whether the node can currently reach its peers. Without a
// bus the node is alone and always healthy.
func (r *Registry) Healthy() bool {
	return r.bus == nil || r.bus.Healthy()
}

// Supported reports whether this node advertises the named capability.
func (r *Registry) Supported(name string) bool {
	return slices.ContainsFunc(r.local, func(c Capability) bool { return c.Name == name })
}

func (r *Registry) LocalCapabilities() []Capability {
	return slices.Clone(r.local)
}

// Peers returns the healthy peers offering the named capability, or every
// known peer when name is empty, ordered by node id.
func (r *Registry) Peers(name string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Peer
	for _, peer := range r.peers {
		if name == "" || (peer.Healthy && peer.offers(name)) {
			out = append(out, *peer)
		}
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/capability")
	peers, err := meter.Int64ObservableGauge("loqa.voice.peers", metric.WithDescription("Healthy voice peers on the bus"))
	if err != nil {
		return err
	}
	providers, err := meter.Int64ObservableGauge("loqa.voice.capability.providers", metric.WithDescription("Nodes offering each voice capability, including this one"))
	if err != nil {
		return err
	}
	r.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, byCap := r.counts()
		obs.ObserveInt64(peers, healthy)
		for name, n := range byCap {
			obs.ObserveInt64(providers, n, metric.WithAttributes(attribute.String("capability", name)))
		}
		return nil
	}, peers, providers)
	return err
}

func (r *Registry) counts() (int64, map[string]int64) {
	byCap := make(map[string]int64)
	for _, c := range r.local {
		byCap[c.Name]++
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var healthy int64
	for _, peer := range r.peers {
		if !peer.Healthy {
			continue
		}
		healthy++
		for _, c := range peer.Capabilities {
			byCap[c.Name]++
		}
	}
	return healthy, byCap
}
