// Package telephony answers inbound phone calls and tracks their call-automation callbacks. The
// audio itself flows over the telephony WebSocket handled by the router.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
)

const (
	EventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	EventIncomingCall           = "Microsoft.Communication.IncomingCall"
	EventCallConnected          = "Microsoft.Communication.CallConnected"
	EventCallDisconnected       = "Microsoft.Communication.CallDisconnected"
	EventMediaStarted           = "Microsoft.Communication.MediaStreamingStarted"
	EventMediaStopped           = "Microsoft.Communication.MediaStreamingStopped"
	EventMediaFailed            = "Microsoft.Communication.MediaStreamingFailed"

	MediaPath    = "/ws/telephony"
	CallbackPath = "/api/telephony/callbacks/"
)

var (
	ErrMalformedEvent = errors.New("malformed telephony event")
	ErrNotConfigured  = errors.New("call automation is not configured")
)

type CallStatus string

const (
	CallAnswered     CallStatus = "answered"
	CallConnected    CallStatus = "connected"
	CallStreaming    CallStatus = "streaming"
	CallMediaStopped CallStatus = "media_stopped"
	CallMediaFailed  CallStatus = "media_failed"
)

// Call is one answered call, keyed by the context id embedded in its callback and media URLs.
type Call struct {
	ContextID        string     `json:"context_id"`
	CallerID         string     `json:"caller_id"`
	CallConnectionID string     `json:"call_connection_id"`
	CorrelationID    string     `json:"correlation_id,omitempty"`
	Status           CallStatus `json:"status"`
	AnsweredAt       time.Time  `json:"answered_at"`
}

// IncomingCallAck is the synchronous answer to an incoming-call webhook delivery.
type IncomingCallAck struct {
	// ValidationResponse is set when the delivery was a subscription handshake.
	ValidationResponse string
	Answered           []Call
}

type Bridge struct {
	calls   CallAutomation
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	active map[string]*Call
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge builds a bridge. calls may be nil, in which case only subscription validation and
// callbacks are handled.
func NewBridge(calls CallAutomation, opts ...Option) *Bridge {
	b := &Bridge{
		calls:  calls,
		logger: slog.Default(),
		active: make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "telephony")
	return b
}

type eventEnvelope struct {
	EventType string          `json:"eventType"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

func (e eventEnvelope) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

type communicationIdentifier struct {
	RawID       string `json:"rawId"`
	PhoneNumber *struct {
		Value string `json:"value"`
	} `json:"phoneNumber"`
}

func (c communicationIdentifier) id() string {
	if c.RawID != "" {
		return c.RawID
	}
	if c.PhoneNumber != nil {
		return c.PhoneNumber.Value
	}
	return ""
}

type incomingCallData struct {
	From                communicationIdentifier `json:"from"`
	IncomingCallContext string                  `json:"incomingCallContext"`
	CorrelationID       string                  `json:"correlationId"`
}

type callbackData struct {
	CallConnectionID  string `json:"callConnectionId"`
	CorrelationID     string `json:"correlationId"`
	ResultInformation *struct {
		Code    int    `json:"code"`
		SubCode int    `json:"subCode"`
		Message string `json:"message"`
	} `json:"resultInformation"`
}

// decodeEvents accepts a batch array or a single event object.
func decodeEvents(payload []byte) ([]eventEnvelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	var events []eventEnvelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		return events, nil
	}
	var one eventEnvelope
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return []eventEnvelope{one}, nil
}

// HandleIncomingCallEvent answers each incoming call in payload, pointing its callbacks and media
// stream at baseURL. A subscription validation event is answered on its own; nothing else in the
// delivery is processed.
func (b *Bridge) HandleIncomingCallEvent(ctx context.Context, payload []byte, baseURL string) (IncomingCallAck, error) {
	events, err := decodeEvents(payload)
	if err != nil {
		return IncomingCallAck{}, err
	}
	for _, evt := range events {
		if evt.kind() != EventSubscriptionValidation {
			continue
		}
		var data struct {
			ValidationCode string `json:"validationCode"`
		}
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.ValidationCode == "" {
			return IncomingCallAck{}, fmt.Errorf("%w: validation event without code", ErrMalformedEvent)
		}
		b.metrics.ObserveTelephonyEvent("subscription_validation")
		b.logger.Info("event subscription validated")
		return IncomingCallAck{ValidationResponse: data.ValidationCode}, nil
	}

	var ack IncomingCallAck
	for _, evt := range events {
		if evt.kind() != EventIncomingCall {
			b.logger.Debug("ignoring webhook event", "event_type", evt.kind())
			continue
		}
		var data incomingCallData
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.IncomingCallContext == "" {
			b.metrics.ObserveTelephonyEvent("incoming_call_malformed")
			return ack, fmt.Errorf("%w: incoming call without context", ErrMalformedEvent)
		}
		call, err := b.answer(ctx, data, baseURL)
		if err != nil {
			return ack, err
		}
		ack.Answered = append(ack.Answered, call)
	}
	return ack, nil
}

func (b *Bridge) answer(ctx context.Context, data incomingCallData, baseURL string) (Call, error) {
	b.metrics.ObserveTelephonyEvent("incoming_call")
	if b.calls == nil {
		b.metrics.ObserveTelephonyEvent("answer_failed")
		return Call{}, ErrNotConfigured
	}

	callerID := data.From.id()
	contextID := uuid.NewString()
	callbackURL, mediaURL, err := CallURLs(baseURL, contextID, callerID)
	if err != nil {
		return Call{}, err
	}
	logger := b.logger.With("context_id", contextID, "caller", policy.RedactCaller(callerID))

	res, err := b.calls.AnswerCall(ctx, AnswerCallRequest{
		IncomingCallContext: data.IncomingCallContext,
		CallbackURL:         callbackURL,
		MediaURL:            mediaURL,
	})
	if err != nil {
		b.metrics.ObserveTelephonyEvent("answer_failed")
		logger.Error("answer call failed", "error", err)
		return Call{}, fmt.Errorf("answer call: %w", err)
	}

	call := Call{
		ContextID:        contextID,
		CallerID:         callerID,
		CallConnectionID: res.CallConnectionID,
		CorrelationID:    data.CorrelationID,
		Status:           CallAnswered,
		AnsweredAt:       time.Now().UTC(),
	}
	b.mu.Lock()
	b.active[contextID] = &call
	b.mu.Unlock()

	b.metrics.ObserveTelephonyEvent("answered")
	logger.Info("call answered", "call_connection_id", res.CallConnectionID)
	return call, nil
}

// CallURLs builds the per-call callback URL and the media WebSocket URL under baseURL.
func CallURLs(baseURL, contextID, callerID string) (callback, media string, err error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Host == "" {
		return "", "", fmt.Errorf("invalid public base url %q", baseURL)
	}

	cb := *base
	cb.Path = base.Path + CallbackPath + url.PathEscape(contextID)
	cb.RawQuery = url.Values{"callerId": {callerID}}.Encode()

	ws := *base
	switch base.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	}
	ws.Path = base.Path + MediaPath
	ws.RawQuery = url.Values{"contextId": {contextID}, "callerId": {callerID}}.Encode()
	return cb.String(), ws.String(), nil
}

// HandleCallbackEvent records mid-call events for contextID. It only logs, counts and tracks call
// status; the media relay is owned by the telephony WebSocket.
func (b *Bridge) HandleCallbackEvent(_ context.Context, contextID string, payload []byte) error {
	events, err := decodeEvents(payload)
	if err != nil {
		return err
	}
	for _, evt := range events {
		var data callbackData
		_ = json.Unmarshal(evt.Data, &data)
		logger := b.logger.With("context_id", contextID, "call_connection_id", data.CallConnectionID)

		switch evt.kind() {
		case EventCallConnected:
			b.setStatus(contextID, data.CallConnectionID, CallConnected)
			b.metrics.ObserveTelephonyEvent("call_connected")
			logger.Info("call connected")
		case EventMediaStarted:
			b.setStatus(contextID, data.CallConnectionID, CallStreaming)
			b.metrics.ObserveTelephonyEvent("media_started")
			logger.Info("media streaming started")
		case EventMediaStopped:
			b.setStatus(contextID, data.CallConnectionID, CallMediaStopped)
			b.metrics.ObserveTelephonyEvent("media_stopped")
			logger.Info("media streaming stopped")
		case EventMediaFailed:
			b.setStatus(contextID, data.CallConnectionID, CallMediaFailed)
			b.metrics.ObserveTelephonyEvent("media_failed")
			attrs := []any{}
			if ri := data.ResultInformation; ri != nil {
				attrs = append(attrs, "code", ri.Code, "sub_code", ri.SubCode, "message", ri.Message)
			}
			logger.Warn("media streaming failed", attrs...)
		case EventCallDisconnected:
			b.mu.Lock()
			delete(b.active, contextID)
			b.mu.Unlock()
			b.metrics.ObserveTelephonyEvent("call_disconnected")
			logger.Info("call disconnected")
		default:
			b.metrics.ObserveTelephonyEvent("other")
			logger.Debug("unhandled callback event", "event_type", evt.kind())
		}
	}
	return nil
}

func (b *Bridge) setStatus(contextID, callConnectionID string, status CallStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.active[contextID]
	if !ok {
		return
	}
	call.Status = status
	if call.CallConnectionID == "" {
		call.CallConnectionID = callConnectionID
	}
}

// Call returns the tracked call for contextID.
func (b *Bridge) Call(contextID string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.active[contextID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// Calls lists tracked calls, oldest first.
func (b *Bridge) Calls() []Call {
	b.mu.Lock()
	out := make([]Call, 0, len(b.active))
	for _, c := range b.active {
		out = append(out, *c)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AnsweredAt.Before(out[j].AnsweredAt) })
	return out
}
