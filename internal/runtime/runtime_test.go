package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Preferences.Path = filepath.Join(dir, "prefs.db")
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := New(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Errorf("runtime did not stop")
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for !rt.Ready() {
		select {
		case err := <-done:
			t.Fatalf("runtime exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return rt
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRuntimeServesEndpoints(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	base := "http://" + rt.Addr()

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, body := get(t, base+"/status")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	var status struct {
		Node   string `json:"node"`
		Status struct {
			IsSupported bool `json:"is_supported"`
			IsListening bool `json:"is_listening"`
		} `json:"status"`
	}
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Node != "loqa-voice-1" || !status.Status.IsSupported || status.Status.IsListening {
		t.Fatalf("unexpected status %s", body)
	}
	if code, _ := get(t, base+"/metrics"); code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
}

func TestRuntimeWebsocketEnable(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+rt.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cmd, _ := protocol.NewEnvelope(protocol.TypeCommand, "1", protocol.Command{Action: protocol.ActionEnable})
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type != protocol.TypeReply {
			continue
		}
		var reply protocol.Reply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if !reply.OK {
			t.Fatalf("enable rejected: %+v", reply)
		}
		break
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := get(t, "http://"+rt.Addr()+"/status")
		if strings.Contains(body, `"is_listening":true`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node never started listening: %s", body)
		}
		time.Sleep(50 * time.Millisecond)
	}

	code, body := get(t, "http://"+rt.Addr()+"/timeline")
	if code != http.StatusOK {
		t.Fatalf("timeline: %d", code)
	}
	var episodes []struct {
		ID     string `json:"id"`
		Events int    `json:"events"`
	}
	if err := json.Unmarshal([]byte(body), &episodes); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(episodes) == 0 || episodes[0].Events == 0 {
		t.Fatalf("expected the enable to open an episode, got %s", body)
	}
}
