package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name" toml:"runtime_name"`
	Environment string            `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig        `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig         `yaml:"bus" toml:"bus"`
	Node        NodeConfig        `yaml:"node" toml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store" toml:"event_store"`
	Preferences PreferencesConfig `yaml:"preferences" toml:"preferences"`
	Capture     CaptureConfig     `yaml:"capture" toml:"capture"`
	Synthesis   SynthesisConfig   `yaml:"synthesis" toml:"synthesis"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id" toml:"id"`
	Role              string `yaml:"role" toml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// PreferencesConfig locates the persisted user preference store.
type PreferencesConfig struct {
	Path      string `yaml:"path" toml:"path"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// CaptureConfig drives the microphone and recognition engine adapters and the
// restart policy of the capture session.
type CaptureConfig struct {
	Enabled             bool   `yaml:"enabled" toml:"enabled"`
	Mode                string `yaml:"mode" toml:"mode"` // mock, exec
	MicrophoneCommand   string `yaml:"microphone_command" toml:"microphone_command"`
	EngineCommand       string `yaml:"engine_command" toml:"engine_command"`
	Language            string `yaml:"language" toml:"language"`
	SampleRate          int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels            int    `yaml:"channels" toml:"channels"`
	SettleDelayMS       int    `yaml:"settle_delay_ms" toml:"settle_delay_ms"`
	ShortRestartDelayMS int    `yaml:"short_restart_delay_ms" toml:"short_restart_delay_ms"`
	LongRestartDelayMS  int    `yaml:"long_restart_delay_ms" toml:"long_restart_delay_ms"`
	MinViableDurationMS int    `yaml:"min_viable_duration_ms" toml:"min_viable_duration_ms"`
	InstantFailureMS    int    `yaml:"instant_failure_ms" toml:"instant_failure_ms"`
	MaxRestarts         int    `yaml:"max_restarts" toml:"max_restarts"`
	AutoReconnect       bool   `yaml:"auto_reconnect" toml:"auto_reconnect"`
	RequireOnboarding   bool   `yaml:"require_onboarding" toml:"require_onboarding"`
	PublishInterim      bool   `yaml:"publish_interim" toml:"publish_interim"`
}

// LocalVoice describes one voice installed on the local synthesizer.
type LocalVoice struct {
	Name     string `yaml:"name" toml:"name"`
	Language string `yaml:"language" toml:"language"`
}

// SynthesisConfig drives the primary (remote) and fallback (local) speech
// output backends.
type SynthesisConfig struct {
	Enabled         bool         `yaml:"enabled" toml:"enabled"`
	Mode            string       `yaml:"mode" toml:"mode"` // mock, exec
	Endpoint        string       `yaml:"endpoint" toml:"endpoint"`
	APIKey          string       `yaml:"api_key" toml:"api_key"`
	TimeoutMS       int          `yaml:"timeout_ms" toml:"timeout_ms"`
	PlayerCommand   string       `yaml:"player_command" toml:"player_command"`
	LocalCommand    string       `yaml:"local_command" toml:"local_command"`
	LocalVoices     []LocalVoice `yaml:"local_voices" toml:"local_voices"`
	Language        string       `yaml:"language" toml:"language"`
	DefaultVoiceID  string       `yaml:"default_voice_id" toml:"default_voice_id"`
	DefaultRate     float64      `yaml:"default_rate" toml:"default_rate"`
	DefaultVolume   float64      `yaml:"default_volume" toml:"default_volume"`
	PersistFallback bool         `yaml:"persist_fallback" toml:"persist_fallback"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Preferences: PreferencesConfig{
			Path:      "./data/loqa-voice-prefs.db",
			Namespace: "default",
		},
		Capture: CaptureConfig{
			Enabled:             true,
			Mode:                "mock",
			Language:            "en-US",
			SampleRate:          16000,
			Channels:            1,
			SettleDelayMS:       300,
			ShortRestartDelayMS: 250,
			LongRestartDelayMS:  1500,
			MinViableDurationMS: 3000,
			InstantFailureMS:    1000,
			MaxRestarts:         5,
			AutoReconnect:       true,
			RequireOnboarding:   true,
			PublishInterim:      true,
		},
		Synthesis: SynthesisConfig{
			Enabled:        true,
			Mode:           "mock",
			TimeoutMS:      15000,
			Language:       "en-US",
			DefaultVoiceID: "rachel",
			DefaultRate:    1.0,
			DefaultVolume:  1.0,
			LocalVoices: []LocalVoice{
				{Name: "en-us", Language: "en-US"},
			},
		},
	}
}

// Load reads a YAML or TOML file (chosen by extension), applies LOQA_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Preferences.Path, "LOQA_PREFERENCES_PATH")
	overrideString(&cfg.Preferences.Namespace, "LOQA_PREFERENCES_NAMESPACE")
	overrideBool(&cfg.Capture.Enabled, "LOQA_CAPTURE_ENABLED")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.MicrophoneCommand, "LOQA_CAPTURE_MICROPHONE_COMMAND")
	overrideString(&cfg.Capture.EngineCommand, "LOQA_CAPTURE_ENGINE_COMMAND")
	overrideString(&cfg.Capture.Language, "LOQA_CAPTURE_LANGUAGE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.SettleDelayMS, "LOQA_CAPTURE_SETTLE_DELAY_MS")
	overrideInt(&cfg.Capture.ShortRestartDelayMS, "LOQA_CAPTURE_SHORT_RESTART_DELAY_MS")
	overrideInt(&cfg.Capture.LongRestartDelayMS, "LOQA_CAPTURE_LONG_RESTART_DELAY_MS")
	overrideInt(&cfg.Capture.MinViableDurationMS, "LOQA_CAPTURE_MIN_VIABLE_DURATION_MS")
	overrideInt(&cfg.Capture.InstantFailureMS, "LOQA_CAPTURE_INSTANT_FAILURE_MS")
	overrideInt(&cfg.Capture.MaxRestarts, "LOQA_CAPTURE_MAX_RESTARTS")
	overrideBool(&cfg.Capture.AutoReconnect, "LOQA_CAPTURE_AUTO_RECONNECT")
	overrideBool(&cfg.Capture.RequireOnboarding, "LOQA_CAPTURE_REQUIRE_ONBOARDING")
	overrideBool(&cfg.Capture.PublishInterim, "LOQA_CAPTURE_PUBLISH_INTERIM")
	overrideBool(&cfg.Synthesis.Enabled, "LOQA_SYNTHESIS_ENABLED")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "LOQA_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "LOQA_SYNTHESIS_API_KEY")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.PlayerCommand, "LOQA_SYNTHESIS_PLAYER_COMMAND")
	overrideString(&cfg.Synthesis.LocalCommand, "LOQA_SYNTHESIS_LOCAL_COMMAND")
	overrideString(&cfg.Synthesis.Language, "LOQA_SYNTHESIS_LANGUAGE")
	overrideString(&cfg.Synthesis.DefaultVoiceID, "LOQA_SYNTHESIS_DEFAULT_VOICE_ID")
	overrideFloat(&cfg.Synthesis.DefaultRate, "LOQA_SYNTHESIS_DEFAULT_RATE")
	overrideFloat(&cfg.Synthesis.DefaultVolume, "LOQA_SYNTHESIS_DEFAULT_VOLUME")
	overrideBool(&cfg.Synthesis.PersistFallback, "LOQA_SYNTHESIS_PERSIST_FALLBACK")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Preferences.Path == "" {
		return errors.New("preferences.path must not be empty")
	}
	if cfg.Capture.Enabled {
		switch cfg.Capture.Mode {
		case "mock", "exec":
		default:
			return errors.New("capture.mode must be one of mock|exec")
		}
		if cfg.Capture.Mode == "exec" {
			if cfg.Capture.MicrophoneCommand == "" {
				return errors.New("capture.microphone_command must be set when mode=exec")
			}
			if cfg.Capture.EngineCommand == "" {
				return errors.New("capture.engine_command must be set when mode=exec")
			}
		}
		if cfg.Capture.MaxRestarts <= 0 {
			return errors.New("capture.max_restarts must be >= 1")
		}
		if cfg.Capture.MinViableDurationMS <= 0 {
			return errors.New("capture.min_viable_duration_ms must be positive")
		}
		if cfg.Capture.ShortRestartDelayMS < 0 || cfg.Capture.LongRestartDelayMS < 0 || cfg.Capture.SettleDelayMS < 0 {
			return errors.New("capture delays must be >= 0")
		}
	}
	if cfg.Synthesis.Enabled {
		switch cfg.Synthesis.Mode {
		case "mock", "exec":
		default:
			return errors.New("synthesis.mode must be one of mock|exec")
		}
		if cfg.Synthesis.Mode == "exec" {
			if cfg.Synthesis.PlayerCommand == "" && cfg.Synthesis.Endpoint != "" {
				return errors.New("synthesis.player_command must be set when an endpoint is configured in exec mode")
			}
			if cfg.Synthesis.LocalCommand == "" {
				return errors.New("synthesis.local_command must be set when mode=exec")
			}
		}
		if cfg.Synthesis.DefaultRate <= 0 {
			return errors.New("synthesis.default_rate must be positive")
		}
		if cfg.Synthesis.DefaultVolume < 0 || cfg.Synthesis.DefaultVolume > 1 {
			return errors.New("synthesis.default_volume must be between 0 and 1")
		}
	}
	return nil
}
