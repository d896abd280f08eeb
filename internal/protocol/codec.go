package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame is one encoded websocket frame.
type Frame struct {
	Binary bool
	Data   []byte
}

// Codec translates between websocket frames and protocol values for one transport.
type Codec interface {
	Decode(binary bool, data []byte) (any, error)
	// Encode returns ok=false for values the transport does not carry.
	Encode(msg any) (frame Frame, ok bool, err error)
}

// WebCodec serves browser and avatar clients: binary frames are PCM, text frames are JSON.
type WebCodec struct{}

func (WebCodec) Decode(binary bool, data []byte) (any, error) {
	if binary {
		return AudioFrame{PCM: data}, nil
	}
	return ParseClientMessage(data)
}

func (WebCodec) Encode(msg any) (Frame, bool, error) {
	switch m := msg.(type) {
	case AudioFrame:
		return Frame{Binary: true, Data: m.PCM}, true, nil
	case Message, SessionEvent:
		b, err := json.Marshal(m)
		if err != nil {
			return Frame{}, false, err
		}
		return Frame{Data: b}, true, nil
	default:
		return Frame{}, false, nil
	}
}

// TelephonyCodec speaks the call automation bidirectional media streaming format.
type TelephonyCodec struct{}

type acsAudioData struct {
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp,omitempty"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	Silent           bool   `json:"silent,omitempty"`
}

type acsInbound struct {
	Kind          Kind           `json:"kind"`
	AudioData     *acsAudioData  `json:"audioData"`
	AudioMetadata *AudioMetadata `json:"audioMetadata"`
}

type acsOutbound struct {
	Kind      Kind          `json:"kind"`
	AudioData *acsAudioData `json:"audioData"`
	StopAudio *struct{}     `json:"stopAudio"`
}

func (TelephonyCodec) Decode(binary bool, data []byte) (any, error) {
	if binary {
		return AudioFrame{PCM: data}, nil
	}
	var in acsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch in.Kind {
	case KindAudioMetadata:
		if in.AudioMetadata == nil {
			return AudioMetadata{}, nil
		}
		return *in.AudioMetadata, nil
	case KindAudioData:
		if in.AudioData == nil {
			return nil, fmt.Errorf("%w: audioData missing", ErrMalformedFrame)
		}
		pcm, err := base64.StdEncoding.DecodeString(in.AudioData.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: audio data: %w", ErrMalformedFrame, err)
		}
		return AudioFrame{PCM: pcm}, nil
	default:
		return ParseClientMessage(data)
	}
}

func (TelephonyCodec) Encode(msg any) (Frame, bool, error) {
	var out acsOutbound
	switch m := msg.(type) {
	case AudioFrame:
		out = acsOutbound{Kind: KindAudioData, AudioData: &acsAudioData{Data: base64.StdEncoding.EncodeToString(m.PCM)}}
	case SessionEvent:
		if m.Event != EventSpeechStarted {
			return Frame{}, false, nil
		}
		out = acsOutbound{Kind: KindStopAudio, StopAudio: &struct{}{}}
	default:
		return Frame{}, false, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Frame{}, false, err
	}
	return Frame{Data: b}, true, nil
}

// KindOf names a protocol value for metrics.
func KindOf(v any) string {
	switch m := v.(type) {
	case ClientConfig:
		return string(KindConfig)
	case TextMessage:
		return string(TypeText)
	case AvatarOffer:
		return string(TypeAvatarOffer)
	case Stop:
		return string(KindStop)
	case AudioFrame:
		return "audio"
	case AudioMetadata:
		return string(KindAudioMetadata)
	case InvalidFrame:
		return "invalid"
	case Message:
		return string(m.Type)
	case SessionEvent:
		return m.Event
	default:
		return "unknown"
	}
}
