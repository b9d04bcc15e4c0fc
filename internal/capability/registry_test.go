package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVoiceCapabilities(t *testing.T) {
	cfg := config.Default()
	caps := VoiceCapabilities(cfg)
	names := map[string]bool{}
	for _, c := range caps {
		names[c.Name] = true
	}
	if !names[VoiceCapture] || !names[VoiceSynthesisPrimary] || !names[VoiceSynthesisLocal] {
		t.Fatalf("unexpected capabilities %+v", caps)
	}

	cfg.Capture.Enabled = false
	cfg.Synthesis.Mode = "exec"
	cfg.Synthesis.Endpoint = ""
	caps = VoiceCapabilities(cfg)
	if len(caps) != 1 || caps[0].Name != VoiceSynthesisLocal {
		t.Fatalf("expected only the local synthesizer, got %+v", caps)
	}
}

func TestRegistryWithoutBus(t *testing.T) {
	cfg := config.Default()
	r, err := NewRegistry(context.Background(), cfg.Node, VoiceCapabilities(cfg), nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	if !r.Healthy() || !r.Supported(VoiceCapture) {
		t.Fatalf("local node should support capture")
	}
	if r.Supported("vision.camera") {
		t.Fatalf("unexpected capability")
	}
	if peers := r.Peers(""); len(peers) != 0 {
		t.Fatalf("expected no peers, got %+v", peers)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "registry-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitPeers(t *testing.T, r *Registry, name string, want int) []Peer {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := r.Peers(name)
		if len(got) == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d peers offering %q, got %+v", want, name, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := startBus(t)

	cfg := config.Default()
	cfg.Node.HeartbeatInterval = 50
	r, err := NewRegistry(context.Background(), cfg.Node, VoiceCapabilities(cfg), client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	if !r.Supported(VoiceCapture) || !r.Healthy() {
		t.Fatalf("local node should support capture")
	}

	kitchen := cfg.Node
	kitchen.ID = "kitchen"
	peerCfg := cfg
	peerCfg.Capture.Enabled = false
	peer, err := NewRegistry(context.Background(), kitchen, VoiceCapabilities(peerCfg), client, newLogger())
	if err != nil {
		t.Fatalf("peer registry: %v", err)
	}

	got := waitPeers(t, r, VoiceSynthesisLocal, 1)
	if got[0].ID != "kitchen" || got[0].offers(VoiceCapture) {
		t.Fatalf("unexpected peer %+v", got[0])
	}
	if len(r.Peers(VoiceCapture)) != 0 {
		t.Fatalf("kitchen does not capture")
	}
	waitPeers(t, peer, VoiceCapture, 1)

	peer.Close()
	waitPeers(t, r, VoiceSynthesisLocal, 0)
	if all := r.Peers(""); len(all) != 1 || all[0].Healthy {
		t.Fatalf("departed peer should be kept as unhealthy, got %+v", all)
	}
}

func TestRegistryExpiresSilentPeers(t *testing.T) {
	client := startBus(t)

	cfg := config.Default()
	cfg.Node.HeartbeatInterval = 20
	cfg.Node.HeartbeatTimeout = 100
	r, err := NewRegistry(context.Background(), cfg.Node, VoiceCapabilities(cfg), client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	if err := client.PublishJSON(protocol.PresenceSubject("hallway"), presence{
		NodeID:       "hallway",
		Capabilities: []Capability{{Name: VoiceCapture, Tier: "exec"}},
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitPeers(t, r, VoiceCapture, 1)
	waitPeers(t, r, VoiceCapture, 0)
}
