package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerelay/internal/tools"
)

const (
	realtimePath      = "/voice-live/realtime"
	defaultAPIVersion = "2025-05-01-preview"
)

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	RemoveFillerWords bool    `json:"remove_filler_words,omitempty"`
}

// Profile is the per-flavor configuration table.
type Profile struct {
	TurnDetection     TurnDetection
	NoiseReduction    string
	EchoCancellation  string
	Modalities        []string
	DefaultSampleRate int
	// AgentOwnsPrompt skips instructions, tools and the welcome directive; the hosted agent
	// brings its own.
	AgentOwnsPrompt bool
	Avatar          bool
}

var profiles = map[Flavor]Profile{
	FlavorDirect: {
		TurnDetection:     TurnDetection{Type: "azure_semantic_vad", Threshold: 0.3, PrefixPaddingMS: 200, SilenceDurationMS: 200},
		NoiseReduction:    "azure_deep_noise_suppression",
		Modalities:        []string{"text", "audio"},
		DefaultSampleRate: 24000,
	},
	FlavorAgent: {
		TurnDetection:     TurnDetection{Type: "azure_semantic_vad", Threshold: 0.3, PrefixPaddingMS: 200, SilenceDurationMS: 200},
		NoiseReduction:    "azure_deep_noise_suppression",
		Modalities:        []string{"text", "audio"},
		DefaultSampleRate: 24000,
		AgentOwnsPrompt:   true,
	},
	FlavorTelephony: {
		TurnDetection:     TurnDetection{Type: "azure_semantic_vad", Threshold: 0.5, PrefixPaddingMS: 300, SilenceDurationMS: 500, RemoveFillerWords: true},
		NoiseReduction:    "azure_deep_noise_suppression",
		EchoCancellation:  "server_echo_cancellation",
		Modalities:        []string{"text", "audio"},
		DefaultSampleRate: 24000,
	},
	FlavorAvatar: {
		TurnDetection:     TurnDetection{Type: "azure_semantic_vad", Threshold: 0.3, PrefixPaddingMS: 200, SilenceDurationMS: 300},
		NoiseReduction:    "azure_deep_noise_suppression",
		EchoCancellation:  "server_echo_cancellation",
		Modalities:        []string{"text", "audio"},
		DefaultSampleRate: 24000,
		Avatar:            true,
	},
}

// ProfileFor returns the configuration table row of a flavor.
func ProfileFor(f Flavor) (Profile, bool) {
	p, ok := profiles[f]
	return p, ok
}

// welcomeDirective is appended to the system prompt when a welcome message is configured.
const welcomeDirective = "\n\nIMPORTANT: Start the conversation right away by greeting the user with exactly this message: %q"

// GreetOnReady reports whether one response must be triggered once configuration completes.
func (p Profile) GreetOnReady(cfg SessionConfig) bool {
	return !p.AgentOwnsPrompt && strings.TrimSpace(cfg.WelcomeMessage) != ""
}

// Instructions returns the system prompt sent upstream, or "" when the agent owns it.
func (p Profile) Instructions(cfg SessionConfig) string {
	if p.AgentOwnsPrompt {
		return ""
	}
	out := strings.TrimSpace(cfg.Instructions)
	if welcome := strings.TrimSpace(cfg.WelcomeMessage); welcome != "" {
		out += fmt.Sprintf(welcomeDirective, welcome)
	}
	return strings.TrimSpace(out)
}

type typed struct {
	Type string `json:"type"`
}

type voiceConfig struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature,omitempty"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type avatarVideo struct {
	Codec string `json:"codec"`
}

type avatarConfig struct {
	Character string      `json:"character"`
	Style     string      `json:"style,omitempty"`
	Video     avatarVideo `json:"video"`
}

type SessionBody struct {
	Modalities                 []string             `json:"modalities,omitempty"`
	Instructions               string               `json:"instructions,omitempty"`
	Voice                      *voiceConfig         `json:"voice,omitempty"`
	InputAudioFormat           string               `json:"input_audio_format"`
	OutputAudioFormat          string               `json:"output_audio_format"`
	InputAudioSamplingRate     int                  `json:"input_audio_sampling_rate,omitempty"`
	InputAudioTranscription    *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection              *TurnDetection       `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction   *typed               `json:"input_audio_noise_reduction,omitempty"`
	InputAudioEchoCancellation *typed               `json:"input_audio_echo_cancellation,omitempty"`
	Tools                      []tools.Definition   `json:"tools,omitempty"`
	ToolChoice                 string               `json:"tool_choice,omitempty"`
	Avatar                     *avatarConfig        `json:"avatar,omitempty"`
}

type SessionUpdateMessage struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionBody `json:"session"`
}

// SessionUpdate builds the session.update message for cfg.
func (p Profile) SessionUpdate(cfg SessionConfig) SessionUpdateMessage {
	body := SessionBody{
		Modalities:        append([]string(nil), p.Modalities...),
		Instructions:      p.Instructions(cfg),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &transcriptionConfig{
			Model:    "azure-speech",
			Language: cfg.Locale,
		},
	}
	body.InputAudioSamplingRate = cfg.InputSampleRate
	if body.InputAudioSamplingRate <= 0 {
		body.InputAudioSamplingRate = p.DefaultSampleRate
	}
	td := p.TurnDetection
	body.TurnDetection = &td
	if p.NoiseReduction != "" {
		body.InputAudioNoiseReduction = &typed{Type: p.NoiseReduction}
	}
	if p.EchoCancellation != "" {
		body.InputAudioEchoCancellation = &typed{Type: p.EchoCancellation}
	}
	if voice := strings.TrimSpace(cfg.Voice); voice != "" {
		if isAzureVoice(voice) {
			body.Voice = &voiceConfig{Name: voice, Type: "azure-standard", Temperature: 0.8}
		} else {
			body.Voice = &voiceConfig{Name: voice, Type: "openai"}
		}
	}
	if !p.AgentOwnsPrompt && len(cfg.Tools) > 0 {
		body.Tools = append([]tools.Definition(nil), cfg.Tools...)
		body.ToolChoice = "auto"
	}
	if p.Avatar {
		body.Avatar = &avatarConfig{
			Character: cfg.Avatar.Character,
			Style:     cfg.Avatar.Style,
			Video:     avatarVideo{Codec: "h264"},
		}
	}
	return SessionUpdateMessage{Type: "session.update", EventID: uuid.NewString(), Session: body}
}

var ErrMissingEndpoint = errors.New("voice live endpoint is not configured")

// Endpoint builds the websocket URL and handshake headers for cfg.
func (p Profile) Endpoint(cfg SessionConfig) (string, http.Header, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return "", nil, ErrMissingEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse voice live endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", nil, fmt.Errorf("unsupported voice live endpoint scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, realtimePath) {
		u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	}

	q := u.Query()
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = defaultAPIVersion
	}
	q.Set("api-version", version)
	if p.AgentOwnsPrompt {
		q.Set("agent-id", cfg.AgentID)
		if cfg.AgentProject != "" {
			q.Set("agent-project-name", cfg.AgentProject)
		}
		if cfg.AgentAccessToken != "" {
			q.Set("agent-access-token", cfg.AgentAccessToken)
		}
	} else {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		header.Set("api-key", key)
	}
	header.Set("x-ms-client-request-id", uuid.NewString())
	return u.String(), header, nil
}
