// Package relay binds one client transport to one upstream session and relays traffic both ways.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/storage"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	maxTouchInterval    = time.Second
	streamSendTimeout   = 120 * time.Millisecond
	finalizeTimeout     = 5 * time.Second
)

// Ledger is the slice of the usage ledger the orchestrator writes to.
type Ledger interface {
	StartSession(ctx context.Context, req ledger.StartRequest) error
	RecordUsage(sessionID string, inputTokens, outputTokens int64, model string, cachedTokens int64) error
	RecordTranscript(sessionID string, chars int64)
	Finalize(ctx context.Context, sessionID string, status storage.SessionStatus) (ledger.SessionMetrics, bool)
}

type ToolRunner interface {
	Execute(ctx context.Context, name, args string) (string, error)
}

type TokenCounter interface {
	Count(model, text string) int64
}

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Ledger    Ledger
	Tools     ToolRunner
	Estimator TokenCounter
	Registry  *session.Manager
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// Rebuild turns a live reconfiguration payload into the next session configuration.
	Rebuild func(protocol.ClientConfig) upstream.SessionConfig
	// OnStateChange is called on every transition; tests use it to follow the state machine.
	OnStateChange func(from, to State)
}

type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs the state machine of one connection.
type Orchestrator struct {
	id       string
	userID   string
	adapter  upstream.Adapter
	deps     Deps
	logger   *slog.Logger
	outbound chan<- any

	state atomic.Int32

	touchEvery time.Duration
	lastTouch  atomic.Int64

	cfgMu sync.RWMutex
	cfg   upstream.SessionConfig

	stopOnce sync.Once
	stop     chan struct{}

	// Owned by the client loop.
	group    *errgroup.Group
	groupCtx context.Context
	current  *consumer

	// Owned by the event consumer.
	greetPending  bool
	startedAt     time.Time
	firstAudio    bool
	userText      strings.Builder
	assistantText strings.Builder
}

func New(id, userID string, cfg upstream.SessionConfig, adapter upstream.Adapter, outbound chan<- any, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Rebuild == nil {
		deps.Rebuild = func(protocol.ClientConfig) upstream.SessionConfig { return cfg.Clone() }
	}
	o := &Orchestrator{
		id:       id,
		userID:   userID,
		adapter:  adapter,
		deps:     deps,
		outbound: outbound,
		cfg:      cfg.Clone(),
		stop:     make(chan struct{}),
		logger:   logger.With("session_id", id, "flavor", string(adapter.Flavor())),
	}
	if deps.Registry != nil {
		o.touchEvery = min(deps.Registry.InactivityTimeout()/4, maxTouchInterval)
	}
	o.state.Store(int32(StateInitialized))
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Config returns the configuration of the live upstream session.
func (o *Orchestrator) Config() upstream.SessionConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg.Clone()
}

// Stop asks the relay to close. It is safe to call from any goroutine, any number of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Orchestrator) transition(to State) {
	from := State(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	o.logger.Debug("session state", "from", from.String(), "to", to.String())
	if o.deps.OnStateChange != nil {
		o.deps.OnStateChange(from, to)
	}
}

// advance moves from one of the given states to to, and reports whether it did.
func (o *Orchestrator) advance(to State, from ...State) bool {
	for _, f := range from {
		if o.state.CompareAndSwap(int32(f), int32(to)) {
			o.logger.Debug("session state", "from", f.String(), "to", to.String())
			if o.deps.OnStateChange != nil {
				o.deps.OnStateChange(f, to)
			}
			return true
		}
	}
	return false
}

// Run starts the upstream session and relays until the transport closes, the client stops, or
// the upstream fails. It always finalizes the ledger entry and closes the adapter.
func (o *Orchestrator) Run(ctx context.Context, inbound <-chan any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.start(ctx); err != nil {
		o.close(storage.SessionFailed)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	o.group, o.groupCtx = g, gctx
	o.startConsumer()
	g.Go(func() error { return o.clientLoop(gctx, inbound) })

	err := g.Wait()
	status := storage.SessionCompleted
	switch {
	case err == nil, errors.Is(err, ErrStopped), errors.Is(err, ErrTransportClosed), errors.Is(err, context.Canceled):
		err = nil
	default:
		status = storage.SessionFailed
		o.logger.Warn("session ended with error", "error", err)
	}
	o.close(status)
	return err
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.transition(StateStarting)
	cfg := o.Config()
	if o.deps.Ledger != nil {
		err := o.deps.Ledger.StartSession(ctx, ledger.StartRequest{
			SessionID: o.id,
			UserID:    o.userID,
			Model:     cfg.Model,
			Flavor:    string(o.adapter.Flavor()),
		})
		if err != nil {
			return fmt.Errorf("open ledger entry: %w", err)
		}
	}

	started := time.Now()
	if err := o.adapter.Start(ctx, cfg); err != nil {
		o.deps.Metrics.ObserveUpstreamError(string(o.adapter.Flavor()), "start_failed")
		o.logger.Error("upstream session start failed", "error", err)
		o.send(protocol.NewErrorEvent("upstream_unavailable", "The voice service could not start a session. Please reconnect."))
		return err
	}
	o.deps.Metrics.ObserveUpstreamConnect(time.Since(started))
	o.startedAt = time.Now()
	o.greetPending = o.adapter.GreetOnReady()
	o.transition(StateConfiguring)
	o.send(protocol.NewSessionEvent(protocol.EventSessionStarted, map[string]any{
		"session_id": o.id,
		"flavor":     o.adapter.Flavor(),
		"model":      cfg.Model,
		"voice":      cfg.Voice,
	}))
	return nil
}

// startConsumer launches the event consumer for the adapter's current connection. Only the
// client loop (or Run before it) calls this.
func (o *Orchestrator) startConsumer() {
	ctx, cancel := context.WithCancel(o.groupCtx)
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	events := o.adapter.Events()
	o.current = c
	o.group.Go(func() error {
		defer close(c.done)
		return o.consume(ctx, events)
	})
}

// stopConsumer cancels the current consumer and waits for it to return.
func (o *Orchestrator) stopConsumer() {
	if o.current == nil {
		return
	}
	o.current.cancel()
	<-o.current.done
	o.current = nil
}

func (o *Orchestrator) clientLoop(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stop:
			return ErrStopped
		case msg, ok := <-inbound:
			if !ok {
				return ErrTransportClosed
			}
			if err := o.handleClient(ctx, msg); err != nil {
				var transient *TransientError
				if errors.As(err, &transient) {
					o.logger.Warn("client frame not relayed", "error", err)
					o.deps.Metrics.SessionEvent("transient_relay_error")
					continue
				}
				return err
			}
		}
	}
}

// touch refreshes the registry activity clock, at most once per touchEvery. Both the client
// loop and the event consumer call it.
func (o *Orchestrator) touch() {
	if o.deps.Registry == nil {
		return
	}
	now := time.Now().UnixNano()
	last := o.lastTouch.Load()
	if now-last < int64(o.touchEvery) || !o.lastTouch.CompareAndSwap(last, now) {
		return
	}
	_ = o.deps.Registry.Touch(o.id)
}

func (o *Orchestrator) handleClient(ctx context.Context, msg any) error {
	o.deps.Metrics.ObserveWSMessage("inbound", protocol.KindOf(msg))
	switch m := msg.(type) {
	case protocol.AudioFrame:
		o.touch()
		o.advance(StateStreaming, StateReady)
		if err := o.adapter.SendAudioFrame(ctx, m.PCM); err != nil {
			return &TransientError{Op: "send audio", Err: err}
		}
	case protocol.TextMessage:
		o.touch()
		o.advance(StateStreaming, StateReady)
		if err := o.adapter.SendText(ctx, m.Text); err != nil {
			return &TransientError{Op: "send text", Err: err}
		}
		o.send(protocol.NewMessage(protocol.TypeTranscript, protocol.Transcript{Role: "user", Text: m.Text, Final: true}))
	case protocol.ClientConfig:
		o.touch()
		return o.reconfigure(ctx, m)
	case protocol.AvatarOffer:
		o.touch()
		if err := o.adapter.ConnectAvatar(ctx, m.SDP); err != nil {
			code := "avatar_connect_failed"
			switch {
			case errors.Is(err, upstream.ErrInvalidSDP):
				code = "invalid_sdp"
			case errors.Is(err, upstream.ErrUnsupported):
				code = "avatar_unsupported"
			}
			o.send(protocol.NewErrorEvent(code, err.Error()))
			return &TransientError{Op: "avatar offer", Err: err}
		}
	case protocol.Stop:
		o.logger.Info("client requested stop", "reason", m.Reason)
		return ErrStopped
	case protocol.AudioMetadata:
		o.logger.Debug("media metadata", "encoding", m.Encoding, "sample_rate", m.SampleRate, "channels", m.Channels)
	case protocol.InvalidFrame:
		return &TransientError{Op: "decode", Err: m.Err}
	default:
		return &TransientError{Op: "dispatch", Err: fmt.Errorf("%w: %T", protocol.ErrUnsupportedKind, msg)}
	}
	return nil
}

// reconfigure swaps the upstream session. The previous consumer is drained before the adapter
// disposes its connection, so events of the old session never reach the client afterwards.
func (o *Orchestrator) reconfigure(ctx context.Context, cc protocol.ClientConfig) error {
	started := time.Now()
	next := o.deps.Rebuild(cc)
	if o.deps.Registry != nil {
		_ = o.deps.Registry.CountReconfiguration(o.id)
	}

	o.transition(StateReconfiguring)
	o.send(protocol.NewSessionEvent(protocol.EventReconfiguring, map[string]any{
		"model": next.Model,
		"voice": next.Voice,
	}))
	o.stopConsumer()

	if err := o.adapter.Reconfigure(ctx, next); err != nil {
		o.deps.Metrics.ObserveUpstreamError(string(o.adapter.Flavor()), "reconfigure_failed")
		o.send(protocol.NewErrorEvent("upstream_unavailable", "The voice service could not apply the new configuration. Please reconnect."))
		return &FatalError{Code: "reconfigure_failed", Err: err}
	}

	o.cfgMu.Lock()
	o.cfg = next.Clone()
	o.cfgMu.Unlock()
	o.greetPending = false
	o.userText.Reset()
	o.assistantText.Reset()
	o.transition(StateConfiguring)

	elapsed := time.Since(started)
	o.deps.Metrics.ObserveReconfigure(elapsed)
	o.deps.Metrics.SessionEvent("reconfigured")
	o.send(protocol.NewSessionEvent(protocol.EventReconfigured, map[string]any{
		"model":      next.Model,
		"voice":      next.Voice,
		"elapsed_ms": elapsed.Milliseconds(),
	}))
	o.logger.Info("session reconfigured", "model", next.Model, "voice", next.Voice, "elapsed", elapsed)
	o.startConsumer()
	return nil
}

func (o *Orchestrator) consume(ctx context.Context, events <-chan upstream.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &FatalError{Code: "connection", Err: errors.New("upstream event stream ended")}
			}
			if err := o.handleUpstream(ctx, evt); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) handleUpstream(ctx context.Context, evt upstream.Event) error {
	switch evt.Type {
	case upstream.EventSessionUpdated:
		if o.advance(StateReady, StateConfiguring) {
			o.send(protocol.NewSessionEvent(protocol.EventSessionReady, nil))
			if o.greetPending {
				o.greetPending = false
				if err := o.adapter.CreateResponse(ctx); err != nil {
					o.logger.Warn("welcome response not triggered", "error", err)
				}
			}
		}
		if len(evt.ICEServers) > 0 {
			o.send(protocol.NewSessionEvent(protocol.EventAvatarIceServers, map[string]any{"ice_servers": evt.ICEServers}))
		}

	case upstream.EventAudioDelta:
		o.touch()
		o.advance(StateStreaming, StateReady)
		if !o.firstAudio {
			o.firstAudio = true
			o.deps.Metrics.ObserveFirstAudioLatency(time.Since(o.startedAt))
		}
		o.send(protocol.AudioFrame{PCM: evt.Audio})

	case upstream.EventTranscriptDelta, upstream.EventTextDelta:
		o.touch()
		o.advance(StateStreaming, StateReady)
		o.assistantText.WriteString(evt.Text)
		o.send(protocol.NewMessage(protocol.TypeTranscript, protocol.Transcript{Role: "assistant", Text: evt.Text}))

	case upstream.EventTranscriptDone, upstream.EventTextDone:
		if o.deps.Ledger != nil {
			o.deps.Ledger.RecordTranscript(o.id, int64(len([]rune(evt.Text))))
		}
		o.send(protocol.NewMessage(protocol.TypeTranscript, protocol.Transcript{Role: "assistant", Text: evt.Text, Final: true}))

	case upstream.EventInputTranscript:
		o.touch()
		o.userText.WriteString(evt.Text)
		o.send(protocol.NewMessage(protocol.TypeTranscript, protocol.Transcript{Role: "user", Text: evt.Text, Final: true}))

	case upstream.EventSpeechStarted:
		o.touch()
		o.send(protocol.NewSessionEvent(protocol.EventSpeechStarted, nil))

	case upstream.EventFunctionCallDone:
		return o.runTool(ctx, evt)

	case upstream.EventResponseDone:
		o.recordUsage(evt.Usage)

	case upstream.EventAvatarConnecting:
		o.send(protocol.NewSessionEvent(protocol.EventAvatarAnswer, map[string]any{
			"sdp": upstream.DecodeServerSDP(evt.ServerSDP),
		}))

	case upstream.EventError:
		code := ""
		msg := "upstream error"
		if evt.Err != nil {
			code, msg = evt.Err.Code, evt.Err.Message
		}
		o.deps.Metrics.ObserveUpstreamError(string(o.adapter.Flavor()), code)
		if reliability.IsFatalUpstreamError(code) {
			o.send(protocol.NewErrorEvent(code, msg))
			return &FatalError{Code: code, Err: evt.Err}
		}
		o.logger.Warn("upstream error", "code", code, "message", msg)
		o.send(protocol.NewSessionEvent(protocol.EventError, map[string]any{
			"code":      code,
			"message":   msg,
			"retryable": reliability.IsRetryableRealtimeMessageType(code),
		}))

	case upstream.EventClosed:
		o.deps.Metrics.ObserveUpstreamError(string(o.adapter.Flavor()), "connection")
		var err error = errors.New("upstream connection closed")
		if evt.Err != nil {
			err = evt.Err
		}
		return &FatalError{Code: "connection", Err: err}
	}
	return nil
}

// runTool executes one function call. It blocks this session's event consumption until the
// output is submitted; other sessions are unaffected. Tool failures become the tool output.
func (o *Orchestrator) runTool(ctx context.Context, evt upstream.Event) error {
	if !o.advance(StateToolExecuting, StateReady, StateStreaming) {
		o.transition(StateToolExecuting)
	}
	defer o.advance(StateStreaming, StateToolExecuting)

	logger := o.logger.With("tool", evt.Name, "call_id", evt.CallID)
	o.send(protocol.NewSessionEvent(protocol.EventToolCall, map[string]any{
		"name":    evt.Name,
		"call_id": evt.CallID,
	}))

	started := time.Now()
	var (
		output string
		err    error
	)
	if decision := policy.DecideToolCall(evt.Name, evt.Arguments); decision.Blocked {
		err = &tools.ExecutionError{Tool: evt.Name, Err: errors.New(decision.Reason)}
	} else if o.deps.Tools == nil {
		err = fmt.Errorf("%w: %s", tools.ErrToolNotFound, evt.Name)
	} else {
		output, err = o.deps.Tools.Execute(ctx, evt.Name, evt.Arguments)
	}
	elapsed := time.Since(started)

	result := "ok"
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("tool call abandoned", "error", err)
			return nil
		}
		result = "error"
		if errors.Is(err, tools.ErrToolNotFound) {
			result = "not_found"
		}
		logger.Warn("tool call failed", "error", err, "elapsed", elapsed)
		output = tools.ErrorOutput(err)
	} else {
		logger.Debug("tool call completed", "elapsed", elapsed)
	}
	o.deps.Metrics.ObserveToolCall(evt.Name, result, elapsed)

	if err := o.adapter.SubmitToolOutput(ctx, evt.CallID, output); err != nil {
		logger.Warn("tool output not submitted", "error", err)
	}
	payload := map[string]any{
		"name":        evt.Name,
		"call_id":     evt.CallID,
		"ok":          result == "ok",
		"duration_ms": elapsed.Milliseconds(),
	}
	o.send(protocol.NewSessionEvent(protocol.EventToolResult, payload))
	return nil
}

func (o *Orchestrator) recordUsage(usage *upstream.Usage) {
	model := o.Config().Model
	var in, out, cached int64
	switch {
	case usage != nil:
		in, out, cached = usage.InputTokens, usage.OutputTokens, usage.CachedTokens
	case o.deps.Estimator != nil:
		in = o.deps.Estimator.Count(model, o.userText.String())
		out = o.deps.Estimator.Count(model, o.assistantText.String())
	}
	o.userText.Reset()
	o.assistantText.Reset()
	if in == 0 && out == 0 && cached == 0 {
		return
	}

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.RecordUsage(o.id, in, out, model, cached); err != nil {
			o.logger.Warn("usage not recorded", "error", err)
		}
	}
	o.send(protocol.NewSessionEvent(protocol.EventUsage, map[string]any{
		"input_tokens":  in,
		"output_tokens": out,
		"cached_tokens": cached,
		"estimated":     usage == nil,
	}))
}

// close runs the Closing state: finalize the ledger entry, dispose the adapter, tell the client.
func (o *Orchestrator) close(status storage.SessionStatus) {
	o.transition(StateClosing)
	if err := o.adapter.Close(); err != nil {
		o.logger.Warn("adapter close failed", "error", err)
	}

	payload := map[string]any{"status": status}
	if o.deps.Ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		m, ok := o.deps.Ledger.Finalize(ctx, o.id, status)
		cancel()
		if ok {
			payload["input_tokens"] = m.InputTokens
			payload["output_tokens"] = m.OutputTokens
			payload["estimated_cost"] = m.EstimatedCost
		}
	}
	if o.deps.Registry != nil {
		_, _ = o.deps.Registry.End(o.id)
	}
	o.send(protocol.NewSessionEvent(protocol.EventSessionClosed, payload))
	o.deps.Metrics.SessionEvent("closed_" + string(status))
	o.transition(StateTerminated)
	o.logger.Info("session closed", "status", status)
}

// send delivers msg to the client writer. Lifecycle events wait longer than stream data;
// stream data is dropped when the client cannot keep up.
func (o *Orchestrator) send(msg any) {
	kind := protocol.KindOf(msg)
	timeout := streamSendTimeout
	if _, critical := msg.(protocol.SessionEvent); critical {
		timeout = criticalSendTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o.outbound <- msg:
		o.deps.Metrics.ObserveOutboundMessage(kind, "delivered")
	case <-timer.C:
		o.deps.Metrics.ObserveOutboundMessage(kind, "dropped")
		o.deps.Metrics.SessionEvent("outbound_drop")
	}
}
