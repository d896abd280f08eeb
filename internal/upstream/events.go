package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionUpdated   EventType = "session.updated"
	EventAudioDelta       EventType = "response.audio.delta"
	EventAudioDone        EventType = "response.audio.done"
	EventTranscriptDelta  EventType = "response.audio_transcript.delta"
	EventTranscriptDone   EventType = "response.audio_transcript.done"
	EventTextDelta        EventType = "response.text.delta"
	EventTextDone         EventType = "response.text.done"
	EventInputTranscript  EventType = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted    EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped    EventType = "input_audio_buffer.speech_stopped"
	EventFunctionCallDone EventType = "response.function_call_arguments.done"
	EventResponseDone     EventType = "response.done"
	EventAvatarConnecting EventType = "session.avatar.connecting"
	EventError            EventType = "error"
	// EventClosed is synthesized when the upstream socket ends without being disposed.
	EventClosed EventType = "relay.upstream_closed"
)

// ProviderError is the error block of an upstream error event.
type ProviderError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
	}
	return "upstream: " + e.Message
}

// Usage is the token accounting of one completed response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"-"`
}

// Event is one decoded upstream message.
type Event struct {
	Type       EventType
	Audio      []byte
	Text       string
	ItemID     string
	CallID     string
	Name       string
	Arguments  string
	Usage      *Usage
	ServerSDP  string
	ICEServers json.RawMessage
	Err        *ProviderError
	Raw        json.RawMessage
}

type serverEvent struct {
	Type       EventType `json:"type"`
	Delta      string    `json:"delta"`
	Transcript string    `json:"transcript"`
	Text       string    `json:"text"`
	ItemID     string    `json:"item_id"`
	CallID     string    `json:"call_id"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	ServerSDP  string    `json:"server_sdp"`
	Response   *struct {
		Status string `json:"status"`
		Usage  *struct {
			InputTokens       int64 `json:"input_tokens"`
			OutputTokens      int64 `json:"output_tokens"`
			InputTokenDetails *struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"input_token_details"`
		} `json:"usage"`
	} `json:"response"`
	Session *struct {
		Avatar *struct {
			ICEServers json.RawMessage `json:"ice_servers"`
		} `json:"avatar"`
	} `json:"session"`
	Error *ProviderError `json:"error"`
}

// ParseEvent decodes one upstream text frame.
func ParseEvent(data []byte) (Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode upstream event: %w", err)
	}
	if raw.Type == "" {
		return Event{}, fmt.Errorf("decode upstream event: missing type")
	}

	evt := Event{
		Type:      raw.Type,
		ItemID:    raw.ItemID,
		CallID:    raw.CallID,
		Name:      raw.Name,
		Arguments: raw.Arguments,
		ServerSDP: raw.ServerSDP,
		Err:       raw.Error,
		Raw:       json.RawMessage(append([]byte(nil), data...)),
	}

	switch raw.Type {
	case EventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		evt.Audio = pcm
	case EventTranscriptDelta, EventTextDelta:
		evt.Text = raw.Delta
	case EventTranscriptDone, EventInputTranscript:
		evt.Text = raw.Transcript
	case EventTextDone:
		evt.Text = raw.Text
	case EventResponseDone:
		if raw.Response != nil && raw.Response.Usage != nil {
			u := raw.Response.Usage
			evt.Usage = &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
			if u.InputTokenDetails != nil {
				evt.Usage.CachedTokens = u.InputTokenDetails.CachedTokens
			}
		}
	case EventSessionUpdated, EventSessionCreated:
		if raw.Session != nil && raw.Session.Avatar != nil {
			evt.ICEServers = raw.Session.Avatar.ICEServers
		}
	case EventError:
		if evt.Err == nil {
			evt.Err = &ProviderError{Message: "unknown upstream error"}
		}
	}
	return evt, nil
}
