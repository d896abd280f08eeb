package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies websocket payload variants.
type Kind string

const (
	KindConfig       Kind = "Config"
	KindMessage      Kind = "Message"
	KindStop         Kind = "Stop"
	KindSessionEvent Kind = "SessionEvent"

	// Call automation media streaming frames.
	KindAudioMetadata Kind = "AudioMetadata"
	KindAudioData     Kind = "AudioData"
	KindStopAudio     Kind = "StopAudio"
)

// MessageType is the type field of a Message frame.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeAvatarOffer MessageType = "avatar_offer"
	TypeTranscript  MessageType = "transcript"
)

// Session event names.
const (
	EventSessionStarted   = "SessionStarted"
	EventSessionReady     = "SessionReady"
	EventReconfiguring    = "Reconfiguring"
	EventReconfigured     = "Reconfigured"
	EventSpeechStarted    = "SpeechStarted"
	EventToolCall         = "ToolCall"
	EventToolResult       = "ToolResult"
	EventUsage            = "Usage"
	EventAvatarIceServers = "AvatarIceServers"
	EventAvatarAnswer     = "AvatarAnswer"
	EventError            = "Error"
	EventSessionClosed    = "SessionClosed"
)

var (
	ErrMalformedFrame  = errors.New("malformed client frame")
	ErrConfigParse     = errors.New("invalid config payload")
	ErrUnsupportedKind = errors.New("unsupported message kind")
)

type Envelope struct {
	Kind Kind        `json:"kind"`
	Type MessageType `json:"type,omitempty"`
}

// ClientConfig is the initial negotiation and live reconfiguration payload. Empty fields fall
// back to server defaults.
type ClientConfig struct {
	Kind                   Kind   `json:"kind"`
	VoiceModel             string `json:"voiceModel,omitempty"`
	Voice                  string `json:"voice,omitempty"`
	WelcomeMessage         string `json:"welcomeMessage,omitempty"`
	VoiceModelInstructions string `json:"voiceModelInstructions,omitempty"`
	Locale                 string `json:"locale,omitempty"`
	FoundryAgentID         string `json:"foundryAgentId,omitempty"`
	FoundryProjectName     string `json:"foundryProjectName,omitempty"`
	VoiceLiveEndpoint      string `json:"voiceLiveEndpoint,omitempty"`
	VoiceLiveAPIKey        string `json:"voiceLiveApiKey,omitempty"`
}

type TextMessage struct {
	Text string
}

// AvatarOffer carries the client's WebRTC offer for the avatar video stream.
type AvatarOffer struct {
	SDP string
}

type Stop struct {
	Reason string
}

// AudioFrame is raw PCM16 mono audio, inbound or outbound.
type AudioFrame struct {
	PCM []byte
}

// AudioMetadata is sent once by call automation before media starts.
type AudioMetadata struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Length     int    `json:"length"`
}

// InvalidFrame stands in for a frame the transport could not decode, so the router can end the
// config wait and the orchestrator can log it.
type InvalidFrame struct {
	Err error
}

// Message is an outbound data frame.
type Message struct {
	Kind Kind        `json:"kind"`
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// SessionEvent is an outbound lifecycle, tool or diagnostic event.
type SessionEvent struct {
	Kind    Kind   `json:"kind"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type Transcript struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(t MessageType, data any) Message {
	return Message{Kind: KindMessage, Type: t, Data: data}
}

func NewSessionEvent(event string, payload any) SessionEvent {
	return SessionEvent{Kind: KindSessionEvent, Event: event, Payload: payload}
}

func NewErrorEvent(code, message string) SessionEvent {
	return NewSessionEvent(EventError, ErrorPayload{Code: code, Message: message})
}

// ParseConfig decodes a Config payload. Any decode failure wraps ErrConfigParse.
func ParseConfig(raw []byte) (ClientConfig, error) {
	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	if cfg.Kind != "" && cfg.Kind != KindConfig {
		return ClientConfig{}, fmt.Errorf("%w: kind %q", ErrConfigParse, cfg.Kind)
	}
	cfg.Kind = KindConfig
	return cfg, nil
}

// ParseClientMessage decodes one JSON text frame from a web or avatar client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch env.Kind {
	case KindConfig:
		return ParseConfig(raw)
	case KindMessage:
		var msg struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		switch env.Type {
		case TypeText:
			if strings.TrimSpace(msg.Data) == "" {
				return nil, fmt.Errorf("%w: empty text message", ErrMalformedFrame)
			}
			return TextMessage{Text: msg.Data}, nil
		case TypeAvatarOffer:
			if strings.TrimSpace(msg.Data) == "" {
				return nil, fmt.Errorf("%w: empty avatar offer", ErrMalformedFrame)
			}
			return AvatarOffer{SDP: msg.Data}, nil
		default:
			return nil, fmt.Errorf("%w: message type %q", ErrUnsupportedKind, env.Type)
		}
	case KindStop:
		var msg struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &msg)
		return Stop{Reason: msg.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, env.Kind)
	}
}
