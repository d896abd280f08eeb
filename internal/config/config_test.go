package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsInMockMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_LIVE_MOCK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.ConfigWaitTimeout != 3*time.Second {
		t.Fatalf("ConfigWaitTimeout = %v, want 3s", cfg.ConfigWaitTimeout)
	}
	if cfg.ToolTimeout != 20*time.Second {
		t.Fatalf("ToolTimeout = %v, want 20s", cfg.ToolTimeout)
	}
	if cfg.VoiceLiveAPIVersion != "2025-05-01-preview" {
		t.Fatalf("VoiceLiveAPIVersion = %q", cfg.VoiceLiveAPIVersion)
	}
	if cfg.TelephonyEnabled() {
		t.Fatalf("TelephonyEnabled() = true without ACS credentials")
	}
}

func TestLoadRequiresEndpointOutsideMockMode(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing endpoint error")
	}

	t.Setenv("VOICE_LIVE_ENDPOINT", "https://example.cognitiveservices.azure.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VoiceLiveEndpoint != "https://example.cognitiveservices.azure.com" {
		t.Fatalf("VoiceLiveEndpoint = %q", cfg.VoiceLiveEndpoint)
	}
}

func TestLoadParsesACSConnectionString(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_LIVE_MOCK", "1")
	t.Setenv("ACS_CONNECTION_STRING", "endpoint=https://acs.example.com/;accesskey=c2VjcmV0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ACSEndpoint != "https://acs.example.com/" || cfg.ACSAccessKey != "c2VjcmV0" {
		t.Fatalf("ACS = (%q, %q), want parsed connection string", cfg.ACSEndpoint, cfg.ACSAccessKey)
	}
	if !cfg.TelephonyEnabled() {
		t.Fatalf("TelephonyEnabled() = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_CONFIG_WAIT_TIMEOUT":        "10ms",
		"APP_SESSION_INACTIVITY_TIMEOUT": "5s",
		"APP_MAX_CONCURRENT_SESSIONS":    "-1",
		"TOOL_TIMEOUT":                   "nope",
		"APP_LOG_FORMAT":                 "xml",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("VOICE_LIVE_MOCK", "true")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_PUBLIC_BASE_URL",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_CONFIG_WAIT_TIMEOUT",
		"APP_MAX_CONCURRENT_SESSIONS",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_SESSION_JANITOR_INTERVAL",
		"VOICE_LIVE_ENDPOINT",
		"VOICE_LIVE_API_KEY",
		"VOICE_LIVE_API_VERSION",
		"VOICE_LIVE_HANDSHAKE_TIMEOUT",
		"VOICE_LIVE_MODEL",
		"VOICE_LIVE_VOICE",
		"VOICE_LIVE_LOCALE",
		"VOICE_LIVE_INSTRUCTIONS",
		"VOICE_LIVE_WELCOME_MESSAGE",
		"VOICE_LIVE_AGENT_PROJECT",
		"VOICE_LIVE_AGENT_ACCESS_TOKEN",
		"VOICE_LIVE_AVATAR_CHARACTER",
		"VOICE_LIVE_AVATAR_STYLE",
		"VOICE_LIVE_MOCK",
		"ACS_ENDPOINT",
		"ACS_ACCESS_KEY",
		"ACS_CONNECTION_STRING",
		"ACS_API_VERSION",
		"DATABASE_URL",
		"STORAGE_PROBE_INTERVAL",
		"TOOL_TIMEOUT",
		"REMOTE_TOOLS_URL",
		"REMOTE_TOOLS_TIMEOUT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
