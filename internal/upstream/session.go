package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
)

var (
	// ErrUpstreamUnavailable means the provider refused or dropped session setup.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotStarted          = errors.New("upstream session not started")
	ErrAlreadyStarted      = errors.New("upstream session already started")
	ErrClosed              = errors.New("upstream session closed")
	ErrUnsupported         = errors.New("operation not supported by this flavor")
	ErrInvalidSDP          = errors.New("invalid avatar sdp offer")
)

// Adapter is the orchestrator's view of an upstream session.
type Adapter interface {
	Flavor() Flavor
	Start(ctx context.Context, cfg SessionConfig) error
	Reconfigure(ctx context.Context, cfg SessionConfig) error
	SendAudioFrame(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	SubmitToolOutput(ctx context.Context, callID, output string) error
	CreateResponse(ctx context.Context) error
	ConnectAvatar(ctx context.Context, offerSDP string) error
	// Events yields the current connection's events until it is disposed or fails.
	Events() <-chan Event
	// GreetOnReady reports whether a response must be triggered once configuration completes.
	GreetOnReady() bool
	Close() error
}

// generation is one live upstream connection and its reader.
type generation struct {
	conn   Conn
	events chan Event
	done   chan struct{}
}

// Session implements Adapter for every flavor. All writes and connection swaps happen under mu,
// so a frame is never written to a connection that has been disposed.
type Session struct {
	flavor       Flavor
	profile      Profile
	dialer       Dialer
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.Mutex
	cur      *generation
	cfg      SessionConfig
	closed   bool
	opened   int
	disposed int
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// New returns the adapter for flavor.
func New(flavor Flavor, dialer Dialer, opts ...Option) (*Session, error) {
	profile, ok := profiles[flavor]
	if !ok {
		return nil, fmt.Errorf("unknown flavor %q", flavor)
	}
	s := &Session{
		flavor:       flavor,
		profile:      profile,
		dialer:       dialer,
		logger:       slog.Default(),
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("flavor", string(flavor))
	return s, nil
}

func NewDirectModel(d Dialer, opts ...Option) *Session { return mustNew(FlavorDirect, d, opts) }
func NewHostedAgent(d Dialer, opts ...Option) *Session { return mustNew(FlavorAgent, d, opts) }
func NewTelephony(d Dialer, opts ...Option) *Session   { return mustNew(FlavorTelephony, d, opts) }
func NewAvatar(d Dialer, opts ...Option) *Session      { return mustNew(FlavorAvatar, d, opts) }

func mustNew(f Flavor, d Dialer, opts []Option) *Session {
	s, err := New(f, d, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Session) Flavor() Flavor { return s.flavor }

func (s *Session) Start(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cur != nil {
		return ErrAlreadyStarted
	}
	return s.open(ctx, cfg)
}

// Reconfigure disposes the live connection and opens a new one with cfg. Sends issued while it
// runs wait for the new connection.
func (s *Session) Reconfigure(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dispose()
	return s.open(ctx, cfg)
}

// open must be called with mu held.
func (s *Session) open(ctx context.Context, cfg SessionConfig) error {
	cfg = cfg.Clone()
	url, header, err := s.profile.Endpoint(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	conn, err := s.dialer.Dial(ctx, url, header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	gen := &generation{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop(gen)
	s.cur = gen
	s.cfg = cfg
	s.opened++

	if err := s.write(s.profile.SessionUpdate(cfg)); err != nil {
		s.dispose()
		return fmt.Errorf("%w: send session.update: %w", ErrUpstreamUnavailable, err)
	}
	s.logger.Debug("upstream session opened", "model", cfg.Model, "voice", cfg.Voice, "generation", s.opened)
	return nil
}

// dispose must be called with mu held.
func (s *Session) dispose() {
	if s.cur == nil {
		return
	}
	close(s.cur.done)
	_ = s.cur.conn.Close()
	s.cur = nil
	s.disposed++
}

func (s *Session) readLoop(gen *generation) {
	defer close(gen.events)
	for {
		_, data, err := gen.conn.ReadMessage()
		if err != nil {
			select {
			case <-gen.done:
				return
			default:
			}
			evt := Event{Type: EventClosed, Err: &ProviderError{Type: "connection", Message: err.Error()}}
			select {
			case gen.events <- evt:
			case <-gen.done:
			}
			return
		}
		evt, err := ParseEvent(data)
		if err != nil {
			s.logger.Debug("skip upstream frame", "error", err)
			continue
		}
		select {
		case gen.events <- evt:
		case <-gen.done:
			return
		}
	}
}

var closedEvents = func() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}()

func (s *Session) Events() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return closedEvents
	}
	return s.cur.events
}

func (s *Session) GreetOnReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.GreetOnReady(s.cfg)
}

// Config returns the configuration of the live connection.
func (s *Session) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Stats reports how many connections were opened and disposed.
func (s *Session) Stats() (opened, disposed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.disposed
}

// write must be called with mu held.
func (s *Session) write(payload any) error {
	if s.cur == nil {
		return ErrNotStarted
	}
	conn := s.cur.conn
	if s.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(payload)
}

func (s *Session) send(payloads ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, p := range payloads {
		if err := s.write(p); err != nil {
			return err
		}
	}
	return nil
}

// SendAudioFrame appends PCM to the upstream input buffer. With no live connection the frame is
// dropped with a warning.
func (s *Session) SendAudioFrame(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cur == nil {
		s.logger.Warn("dropping audio frame, no live upstream session", "bytes", len(pcm))
		return nil
	}
	return s.write(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

var responseCreate = map[string]string{"type": "response.create"}

// SendText appends a user message and triggers a response.
func (s *Session) SendText(_ context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.send(
		itemCreate{Type: "conversation.item.create", Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		}},
		responseCreate,
	)
}

// SubmitToolOutput answers a function call under its call id and resumes generation.
func (s *Session) SubmitToolOutput(_ context.Context, callID, output string) error {
	if strings.TrimSpace(callID) == "" {
		return errors.New("call id is required")
	}
	return s.send(
		itemCreate{Type: "conversation.item.create", Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		}},
		responseCreate,
	)
}

func (s *Session) CreateResponse(context.Context) error {
	return s.send(responseCreate)
}

// ConnectAvatar validates a WebRTC offer and forwards it for the avatar stream.
func (s *Session) ConnectAvatar(_ context.Context, offerSDP string) error {
	if !s.profile.Avatar {
		return ErrUnsupported
	}
	if err := ValidateAvatarOffer(offerSDP); err != nil {
		return err
	}
	desc, err := json.Marshal(map[string]string{"type": "offer", "sdp": offerSDP})
	if err != nil {
		return err
	}
	return s.send(map[string]string{
		"type":       "session.avatar.connect",
		"client_sdp": base64.StdEncoding.EncodeToString(desc),
	})
}

// ValidateAvatarOffer checks that offer is a parseable SDP with a video section.
func ValidateAvatarOffer(offer string) error {
	if strings.TrimSpace(offer) == "" {
		return fmt.Errorf("%w: empty offer", ErrInvalidSDP)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return nil
		}
	}
	return fmt.Errorf("%w: no video media section", ErrInvalidSDP)
}

// DecodeServerSDP unwraps the answer sent with session.avatar.connecting. The service sends a
// base64 JSON session description; raw SDP is passed through.
func DecodeServerSDP(serverSDP string) string {
	decoded, err := base64.StdEncoding.DecodeString(serverSDP)
	if err != nil {
		return serverSDP
	}
	var desc struct {
		SDP string `json:"sdp"`
	}
	if json.Unmarshal(decoded, &desc) == nil && desc.SDP != "" {
		return desc.SDP
	}
	return string(decoded)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dispose()
	return nil
}
