package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	PublicBaseURL            string
	LogLevel                 string
	LogFormat                string
	ConfigWaitTimeout        time.Duration
	MaxConcurrentSessions    int
	SessionInactivityTimeout time.Duration
	SessionJanitorInterval   time.Duration

	VoiceLiveEndpoint         string
	VoiceLiveAPIKey           string
	VoiceLiveAPIVersion       string
	VoiceLiveHandshakeTimeout time.Duration
	VoiceLiveModel            string
	VoiceLiveVoice            string
	VoiceLiveLocale           string
	VoiceLiveInstructions     string
	VoiceLiveWelcomeMessage   string
	VoiceLiveAgentProject     string
	VoiceLiveAgentAccessToken string
	VoiceLiveAvatarCharacter  string
	VoiceLiveAvatarStyle      string
	VoiceLiveMock             bool

	ACSEndpoint   string
	ACSAccessKey  string
	ACSAPIVersion string

	DatabaseURL          string
	StorageProbeInterval time.Duration

	ToolTimeout        time.Duration
	RemoteToolsURL     string
	RemoteToolsTimeout time.Duration
}

const defaultInstructions = "You are a helpful, friendly voice assistant. Keep answers short and conversational."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		PublicBaseURL:             strings.TrimRight(stringsTrimSpace("APP_PUBLIC_BASE_URL"), "/"),
		LogLevel:                  strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:                 strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		VoiceLiveEndpoint:         stringsTrimSpace("VOICE_LIVE_ENDPOINT"),
		VoiceLiveAPIKey:           stringsTrimSpace("VOICE_LIVE_API_KEY"),
		VoiceLiveAPIVersion:       envOrDefault("VOICE_LIVE_API_VERSION", "2025-05-01-preview"),
		VoiceLiveModel:            envOrDefault("VOICE_LIVE_MODEL", "gpt-4o"),
		VoiceLiveVoice:            envOrDefault("VOICE_LIVE_VOICE", "en-US-Ava:DragonHDLatestNeural"),
		VoiceLiveLocale:           envOrDefault("VOICE_LIVE_LOCALE", "en-US"),
		VoiceLiveInstructions:     envOrDefault("VOICE_LIVE_INSTRUCTIONS", defaultInstructions),
		VoiceLiveWelcomeMessage:   stringsTrimSpace("VOICE_LIVE_WELCOME_MESSAGE"),
		VoiceLiveAgentProject:     stringsTrimSpace("VOICE_LIVE_AGENT_PROJECT"),
		VoiceLiveAgentAccessToken: stringsTrimSpace("VOICE_LIVE_AGENT_ACCESS_TOKEN"),
		VoiceLiveAvatarCharacter:  envOrDefault("VOICE_LIVE_AVATAR_CHARACTER", "lisa"),
		VoiceLiveAvatarStyle:      envOrDefault("VOICE_LIVE_AVATAR_STYLE", "casual-sitting"),
		ACSEndpoint:               stringsTrimSpace("ACS_ENDPOINT"),
		ACSAccessKey:              stringsTrimSpace("ACS_ACCESS_KEY"),
		ACSAPIVersion:             envOrDefault("ACS_API_VERSION", "2024-09-15"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		RemoteToolsURL:            stringsTrimSpace("REMOTE_TOOLS_URL"),
		ShutdownTimeout:           10 * time.Second,
		ConfigWaitTimeout:         3 * time.Second,
		SessionInactivityTimeout:  10 * time.Minute,
		SessionJanitorInterval:    30 * time.Second,
		VoiceLiveHandshakeTimeout: 10 * time.Second,
		StorageProbeInterval:      5 * time.Minute,
		ToolTimeout:               20 * time.Second,
		RemoteToolsTimeout:        10 * time.Second,
	}

	if cs := stringsTrimSpace("ACS_CONNECTION_STRING"); cs != "" && (cfg.ACSEndpoint == "" || cfg.ACSAccessKey == "") {
		endpoint, key := parseConnectionString(cs)
		if cfg.ACSEndpoint == "" {
			cfg.ACSEndpoint = endpoint
		}
		if cfg.ACSAccessKey == "" {
			cfg.ACSAccessKey = key
		}
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_CONFIG_WAIT_TIMEOUT", &cfg.ConfigWaitTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_SESSION_JANITOR_INTERVAL", &cfg.SessionJanitorInterval},
		{"VOICE_LIVE_HANDSHAKE_TIMEOUT", &cfg.VoiceLiveHandshakeTimeout},
		{"STORAGE_PROBE_INTERVAL", &cfg.StorageProbeInterval},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
		{"REMOTE_TOOLS_TIMEOUT", &cfg.RemoteToolsTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("APP_MAX_CONCURRENT_SESSIONS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceLiveMock, err = boolFromEnv("VOICE_LIVE_MOCK", false)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConfigWaitTimeout < 100*time.Millisecond {
		return Config{}, fmt.Errorf("APP_CONFIG_WAIT_TIMEOUT must be at least 100ms")
	}
	if cfg.SessionInactivityTimeout < 30*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 30s")
	}
	if cfg.SessionJanitorInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_JANITOR_INTERVAL must be positive")
	}
	if cfg.MaxConcurrentSessions < 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_SESSIONS must be >= 0")
	}
	if cfg.StorageProbeInterval < time.Second {
		return Config{}, fmt.Errorf("STORAGE_PROBE_INTERVAL must be at least 1s")
	}
	if cfg.ToolTimeout < time.Second {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be at least 1s")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	if !cfg.VoiceLiveMock && cfg.VoiceLiveEndpoint == "" {
		return Config{}, fmt.Errorf("VOICE_LIVE_ENDPOINT is required unless VOICE_LIVE_MOCK is set")
	}

	return cfg, nil
}

// TelephonyEnabled reports whether call automation credentials are configured.
func (c Config) TelephonyEnabled() bool {
	return c.ACSEndpoint != "" && c.ACSAccessKey != ""
}

func parseConnectionString(s string) (endpoint, key string) {
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = strings.TrimSpace(v)
		case "accesskey":
			key = strings.TrimSpace(v)
		}
	}
	return endpoint, key
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
