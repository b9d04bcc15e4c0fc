package prefs

import (
	"log/slog"
	"strconv"
)

const (
	KeyMicEnabled         = "mic_enabled"
	KeyMicMuted           = "mic_muted"
	KeyVoiceEnabled       = "voice_enabled"
	KeyUseFallbackTTS     = "use_fallback_tts"
	KeyVoiceID            = "voice_id"
	KeySpeakingSpeed      = "speaking_speed"
	KeyVolume             = "volume"
	KeyOnboardingComplete = "onboarding_complete"
)

// Keys lists every preference the voice node reads or writes.
var Keys = []string{
	KeyMicEnabled,
	KeyMicMuted,
	KeyVoiceEnabled,
	KeyUseFallbackTTS,
	KeyVoiceID,
	KeySpeakingSpeed,
	KeyVolume,
	KeyOnboardingComplete,
}

// Defaults are returned for keys that were never written or hold garbage.
type Defaults struct {
	VoiceEnabled  bool
	VoiceID       string
	SpeakingSpeed float64
	Volume        float64
}

// Settings is a typed view over a Store. Values are serialized with strconv;
// read and write failures are logged and degrade to defaults.
type Settings struct {
	store    Store
	defaults Defaults
	log      *slog.Logger
}

func NewSettings(store Store, defaults Defaults, log *slog.Logger) *Settings {
	if defaults.SpeakingSpeed <= 0 {
		defaults.SpeakingSpeed = 1
	}
	return &Settings{
		store:    store,
		defaults: defaults,
		log:      log.With(slog.String("component", "settings")),
	}
}

func (s *Settings) MicEnabled() bool { return s.getBool(KeyMicEnabled, false) }
func (s *Settings) SetMicEnabled(v bool) { s.setBool(KeyMicEnabled, v) }
func (s *Settings) MicMuted() bool { return s.getBool(KeyMicMuted, false) }
func (s *Settings) SetMicMuted(v bool) { s.setBool(KeyMicMuted, v) }
func (s *Settings) VoiceEnabled() bool { return s.getBool(KeyVoiceEnabled, s.defaults.VoiceEnabled) }
func (s *Settings) SetVoiceEnabled(v bool) { s.setBool(KeyVoiceEnabled, v) }
func (s *Settings) UseFallbackTTS() bool { return s.getBool(KeyUseFallbackTTS, false) }
func (s *Settings) SetUseFallbackTTS(v bool) { s.setBool(KeyUseFallbackTTS, v) }
func (s *Settings) OnboardingComplete() bool { return s.getBool(KeyOnboardingComplete, false) }
func (s *Settings) SetOnboardingComplete(v bool) { s.setBool(KeyOnboardingComplete, v) }

func (s *Settings) VoiceID() string {
	if v, ok := s.get(KeyVoiceID); ok && v != "" {
		return v
	}
	return s.defaults.VoiceID
}

func (s *Settings) SetVoiceID(id string) { s.set(KeyVoiceID, id) }

func (s *Settings) SpeakingSpeed() float64 {
	return s.getFloat(KeySpeakingSpeed, s.defaults.SpeakingSpeed)
}

func (s *Settings) SetSpeakingSpeed(v float64) { s.setFloat(KeySpeakingSpeed, v) }

func (s *Settings) Volume() float64 { return s.getFloat(KeyVolume, s.defaults.Volume) }

func (s *Settings) SetVolume(v float64) { s.setFloat(KeyVolume, v) }

func (s *Settings) get(key string) (string, bool) {
	v, ok, err := s.store.Get(key)
	if err != nil {
		s.log.Warn("preference read failed", slog.String("key", key), slogError(err))
		return "", false
	}
	return v, ok
}

func (s *Settings) set(key, value string) {
	if err := s.store.Set(key, value); err != nil {
		s.log.Warn("preference write failed", slog.String("key", key), slogError(err))
	}
}

func (s *Settings) getBool(key string, fallback bool) bool {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s *Settings) setBool(key string, v bool) { s.set(key, strconv.FormatBool(v)) }

func (s *Settings) getFloat(key string, fallback float64) float64 {
	v, ok := s.get(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s *Settings) setFloat(key string, v float64) {
	s.set(key, strconv.FormatFloat(v, 'f', -1, 64))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
