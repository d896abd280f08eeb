package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MockDialer connects to an in-process simulation of the realtime service. It answers text
// turns with a transcript, a short silent audio chunk and token usage, and asks for GetWeather
// when the user mentions the weather in a city.
type MockDialer struct{}

func NewMockDialer() *MockDialer { return &MockDialer{} }

func (MockDialer) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockConn{frames: make(chan []byte, 128)}, nil
}

var weatherPattern = regexp.MustCompile(`(?i)weather in ([a-z .'-]+)`)

// 20ms of 24kHz 16-bit mono silence.
var mockSilence = make([]byte, 960)

type mockConn struct {
	mu         sync.Mutex
	frames     chan []byte
	closed     bool
	lastText   string
	audioBytes int
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("mock upstream closed")
	}
	return websocket.TextMessage, frame, nil
}

func (c *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}

func (c *mockConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg struct {
		Type    string          `json:"type"`
		Audio   string          `json:"audio"`
		Session json.RawMessage `json:"session"`
		Item    struct {
			Type    string `json:"type"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Output string `json:"output"`
		} `json:"item"`
		ClientSDP string `json:"client_sdp"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("mock upstream closed")
	}

	switch msg.Type {
	case "session.update":
		c.emit(map[string]any{"type": "session.updated", "session": json.RawMessage(msg.Session)})
	case "input_audio_buffer.append":
		c.audioBytes += base64.StdEncoding.DecodedLen(len(msg.Audio))
	case "conversation.item.create":
		switch msg.Item.Type {
		case "message":
			if len(msg.Item.Content) > 0 {
				c.lastText = msg.Item.Content[0].Text
			}
		case "function_call_output":
			c.lastText = "tool:" + msg.Item.Output
		}
	case "response.create":
		c.respond()
	case "session.avatar.connect":
		c.emit(map[string]any{"type": "session.avatar.connecting", "server_sdp": msg.ClientSDP})
	}
	return nil
}

// respond must be called with mu held.
func (c *mockConn) respond() {
	text := strings.TrimSpace(c.lastText)
	c.lastText = ""
	if m := weatherPattern.FindStringSubmatch(text); m != nil {
		args, _ := json.Marshal(map[string]string{"city": strings.TrimSpace(m[1])})
		c.emit(map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_" + uuid.NewString()[:8],
			"name":      "GetWeather",
			"arguments": string(args),
		})
		c.emitDone(len(text), 0)
		return
	}

	reply := "Hello! How can I help you today?"
	switch {
	case strings.HasPrefix(text, "tool:"):
		reply = "Here is what I found: " + strings.TrimPrefix(text, "tool:")
	case text != "":
		reply = fmt.Sprintf("I heard you: %s", text)
	}
	c.emit(map[string]any{"type": "response.audio_transcript.delta", "delta": reply})
	c.emit(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(mockSilence)})
	c.emit(map[string]any{"type": "response.audio_transcript.done", "transcript": reply})
	c.emitDone(len(text)+c.audioBytes/800, len(reply))
	c.audioBytes = 0
}

func (c *mockConn) emitDone(inputChars, outputChars int) {
	c.emit(map[string]any{
		"type": "response.done",
		"response": map[string]any{
			"status": "completed",
			"usage": map[string]any{
				"input_tokens":  inputChars/4 + 1,
				"output_tokens": outputChars/4 + 1,
				"input_token_details": map[string]any{
					"cached_tokens": 0,
				},
			},
		},
	})
}

func (c *mockConn) emit(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.frames <- b:
	default:
	}
}
