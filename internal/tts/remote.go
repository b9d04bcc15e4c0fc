package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 32 << 20

// RemoteError is a failed remote synthesis attempt.
type RemoteError struct {
	StatusCode int
	Message    string
	Fallback   bool
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote synthesis failed (%d): %s", e.StatusCode, e.Message)
	}
	return "remote synthesis failed: " + e.Message
}

// FallbackTrigger reports whether the failure should switch the node to the
// local synthesizer for good: an explicit fallback flag, an auth failure, or
// an exhausted quota.
func (e *RemoteError) FallbackTrigger() bool {
	if e.Fallback {
		return true
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired, http.StatusTooManyRequests:
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "credit")
}

// IsFallbackTrigger unwraps err looking for a RemoteError that triggers
// fallback.
func IsFallbackTrigger(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.FallbackTrigger()
}

// Remote calls an HTTP synthesis endpoint.
type Remote struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewRemote(endpoint, apiKey string, timeout time.Duration) *Remote {
	return &Remote{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

type remoteResponse struct {
	AudioContent      string `json:"audioContent"`
	Error             string `json:"error"`
	FallbackToBrowser bool   `json:"fallbackToBrowser"`
}

func (r *Remote) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	body, err := json.Marshal(remoteRequest{Text: text, VoiceID: voiceID})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	var payload remoteResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &RemoteError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	if resp.StatusCode >= 300 || payload.Error != "" || payload.FallbackToBrowser {
		msg := payload.Error
		if msg == "" {
			msg = resp.Status
		}
		status := 0
		if resp.StatusCode >= 300 {
			status = resp.StatusCode
		}
		return nil, &RemoteError{StatusCode: status, Message: msg, Fallback: payload.FallbackToBrowser}
	}
	if payload.AudioContent == "" {
		return nil, &RemoteError{Message: "empty audio content"}
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio content: %w", err)
	}
	return audio, nil
}
