package protocol

import (
	"encoding/json"
	"time"
)

// Transcript represents recognized speech broadcast on the bus.
type Transcript struct {
	NodeID     string    `json:"node_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Notice is a user-facing message raised by the voice node.
type Notice struct {
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is a control request addressed to the voice node. Action mirrors
// the last token of the control subject when received over NATS.
type Command struct {
	Action   string   `json:"action,omitempty"`
	Text     string   `json:"text,omitempty"`
	Focused  *bool    `json:"focused,omitempty"`
	VoiceID  *string  `json:"voice_id,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Blocking bool     `json:"blocking,omitempty"`
}

// Reply answers a Command. Status carries the node status after the command
// was applied.
type Reply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status any    `json:"status,omitempty"`
}

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an Envelope of the given type.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, ID: id, Payload: data}, nil
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectStatus            = "voice.status"
	SubjectNotify            = "voice.notify"
	SubjectControlPrefix     = "voice.ctrl"
	SubjectPresencePrefix    = "voice.node.presence"
)

const (
	ActionEnable   = "enable"
	ActionDisable  = "disable"
	ActionMute     = "mute"
	ActionUnmute   = "unmute"
	ActionSpeak    = "speak"
	ActionStop     = "stop"
	ActionSettings = "settings"
	ActionStatus   = "status"
	ActionFocus    = "focus"
)

// Actions lists every control action the node accepts.
var Actions = []string{
	ActionEnable, ActionDisable, ActionMute, ActionUnmute, ActionSpeak,
	ActionStop, ActionSettings, ActionStatus, ActionFocus,
}

// PresenceSubject returns the subject a node publishes its presence on.
func PresenceSubject(nodeID string) string {
	return SubjectPresencePrefix + "." + nodeID
}

// ControlSubject returns the NATS subject for a control action.
func ControlSubject(action string) string {
	return SubjectControlPrefix + "." + action
}

// Websocket envelope types.
const (
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeNotice     = "notice"
	TypeCommand    = "command"
	TypeReply      = "reply"
)
