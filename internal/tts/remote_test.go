package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRemoteSynthesizeSuccess(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected auth header %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"audioContent": base64.StdEncoding.EncodeToString([]byte("audio-bytes"))})
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "secret", 5*time.Second)
	audio, err := remote.Synthesize(context.Background(), "hello", "rachel")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "audio-bytes" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if got.Text != "hello" || got.VoiceID != "rachel" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestRemoteErrorsClassifyFallback(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		fallback bool
	}{
		{"explicit flag", http.StatusOK, `{"error":"provider down","fallbackToBrowser":true}`, true},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, true},
		{"quota message", http.StatusBadRequest, `{"error":"Monthly quota exceeded"}`, true},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, false},
		{"non json failure", http.StatusBadGateway, `<html>bad gateway</html>`, false},
		{"empty audio", http.StatusOK, `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewRemote(srv.URL, "", time.Second).Synthesize(context.Background(), "hi", "rachel")
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if IsFallbackTrigger(err) != tc.fallback {
				t.Fatalf("expected fallback=%v for %v", tc.fallback, err)
			}
		})
	}
}

func TestRemoteTransportErrorIsNotFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	_, err := NewRemote(url, "", time.Second).Synthesize(context.Background(), "hi", "rachel")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsFallbackTrigger(err) {
		t.Fatal("transport errors must not trigger fallback")
	}
}
