// Package router accepts client transports, negotiates their configuration and hands each one to
// a relay orchestrator bound to the right upstream flavor.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const defaultConfigWait = 3 * time.Second

var ErrAtCapacity = errors.New("relay is at its concurrent session limit")

// AdapterFactory builds the upstream adapter of a flavor.
type AdapterFactory func(flavor upstream.Flavor) (upstream.Adapter, error)

type Config struct {
	Defaults    upstream.SessionConfig
	ConfigWait  time.Duration
	MaxSessions int64
	// Tools returns the definitions offered to each new upstream session.
	Tools func() []tools.Definition
}

// Connection is one accepted client transport. Inbound carries decoded client frames and is
// closed by the transport when the client goes away; Outbound is drained by the transport writer.
type Connection struct {
	UserID           string
	Transport        session.Transport
	CallConnectionID string
	Inbound          <-chan any
	Outbound         chan<- any
}

type Router struct {
	cfg        Config
	newAdapter AdapterFactory
	deps       relay.Deps
	registry   *session.Manager
	sem        *semaphore.Weighted
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New builds a router. deps carries the collaborators shared by every orchestrator; its Registry,
// Metrics and Logger are used by the router as well.
func New(cfg Config, newAdapter AdapterFactory, deps relay.Deps) *Router {
	if cfg.ConfigWait <= 0 {
		cfg.ConfigWait = defaultConfigWait
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:        cfg,
		newAdapter: newAdapter,
		deps:       deps,
		registry:   deps.Registry,
		logger:     logger.With("component", "router"),
		metrics:    deps.Metrics,
	}
	if r.registry == nil {
		r.registry = session.NewManager(0)
		r.deps.Registry = r.registry
	}
	if cfg.MaxSessions > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxSessions)
	}
	return r
}

func (r *Router) Registry() *session.Manager { return r.registry }

// Session is an accepted connection ready to relay.
type Session struct {
	*relay.Orchestrator
	Flavor  upstream.Flavor
	inbound <-chan any
	release func()
}

// Run relays until the connection ends and releases its admission slot.
func (s *Session) Run(ctx context.Context) error {
	defer s.release()
	return s.Orchestrator.Run(ctx, s.inbound)
}

// Serve accepts conn and relays it to completion.
func (r *Router) Serve(ctx context.Context, conn Connection) error {
	s, err := r.AcceptConnection(ctx, conn)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// AcceptConnection waits for the initial configuration, selects the flavor and builds the
// orchestrator. A config that does not arrive in time, or does not parse, leaves the server
// defaults in place.
func (r *Router) AcceptConnection(ctx context.Context, conn Connection) (*Session, error) {
	if r.sem != nil && !r.sem.TryAcquire(1) {
		r.metrics.SessionEvent("rejected_capacity")
		trySend(conn.Outbound, protocol.NewErrorEvent("at_capacity", "Too many concurrent sessions. Please retry later."))
		return nil, ErrAtCapacity
	}
	release := func() {
		if r.sem != nil {
			r.sem.Release(1)
		}
	}

	client, replay, err := r.awaitConfig(ctx, conn)
	if err != nil {
		release()
		return nil, err
	}
	inbound := conn.Inbound
	if replay != nil {
		inbound = prepend(ctx, replay, conn.Inbound)
	}

	cfg := r.sessionConfig(client)
	flavor := SelectFlavor(conn.Transport, cfg)
	adapter, err := r.newAdapter(flavor)
	if err != nil {
		release()
		return nil, fmt.Errorf("build %s adapter: %w", flavor, err)
	}

	rec := r.registry.Register(conn.UserID, conn.Transport, nil)
	_ = r.registry.SetFlavor(rec.ID, string(flavor))
	if conn.CallConnectionID != "" {
		_ = r.registry.SetCallConnection(rec.ID, conn.CallConnectionID)
	}

	deps := r.deps
	deps.Rebuild = func(cc protocol.ClientConfig) upstream.SessionConfig {
		next := r.sessionConfig(cc)
		if next.AgentID == "" && flavor == upstream.FlavorAgent {
			next.AgentID = cfg.AgentID
			next.AgentProject = cfg.AgentProject
		}
		return next
	}
	orch := relay.New(rec.ID, conn.UserID, cfg, adapter, conn.Outbound, deps)
	_ = r.registry.Attach(rec.ID, orch.Stop)
	r.metrics.SetActiveSessions(r.registry.ActiveCount())
	r.metrics.SessionEvent("accepted_" + string(flavor))
	r.logger.Info("connection accepted",
		"session_id", rec.ID,
		"transport", conn.Transport,
		"flavor", flavor,
		"model", cfg.Model,
		"client_config", client.Kind == protocol.KindConfig,
	)

	return &Session{
		Orchestrator: orch,
		Flavor:       flavor,
		inbound:      inbound,
		release: func() {
			release()
			r.metrics.SetActiveSessions(r.registry.ActiveCount())
		},
	}, nil
}

func (r *Router) sessionConfig(c protocol.ClientConfig) upstream.SessionConfig {
	cfg := MergeConfig(r.cfg.Defaults, c)
	if r.cfg.Tools != nil {
		cfg.Tools = r.cfg.Tools()
	}
	return cfg
}

// awaitConfig races the first client frame against the config window. A non-config first frame
// ends the wait and is returned for replay.
func (r *Router) awaitConfig(ctx context.Context, conn Connection) (protocol.ClientConfig, any, error) {
	timer := time.NewTimer(r.cfg.ConfigWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return protocol.ClientConfig{}, nil, ctx.Err()
	case <-timer.C:
		r.metrics.SessionEvent("config_timeout")
		return protocol.ClientConfig{}, nil, nil
	case msg, ok := <-conn.Inbound:
		if !ok {
			return protocol.ClientConfig{}, nil, relay.ErrTransportClosed
		}
		switch m := msg.(type) {
		case protocol.ClientConfig:
			return m, nil, nil
		case protocol.InvalidFrame:
			r.metrics.SessionEvent("config_parse_error")
			r.logger.Warn("initial config not parsed, using server defaults", "error", m.Err)
			return protocol.ClientConfig{}, nil, nil
		default:
			return protocol.ClientConfig{}, msg, nil
		}
	}
}

// prepend yields first and then everything from rest, closing the result when rest closes.
func prepend(ctx context.Context, first any, rest <-chan any) <-chan any {
	out := make(chan any, cap(rest)+1)
	out <- first
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-rest:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SelectFlavor applies the routing rule: a hosted agent id wins, then the avatar and telephony
// transports, then the direct model.
func SelectFlavor(transport session.Transport, cfg upstream.SessionConfig) upstream.Flavor {
	switch {
	case strings.TrimSpace(cfg.AgentID) != "":
		return upstream.FlavorAgent
	case transport == session.TransportAvatar:
		return upstream.FlavorAvatar
	case transport == session.TransportTelephony:
		return upstream.FlavorTelephony
	default:
		return upstream.FlavorDirect
	}
}

// MergeConfig overlays the non-empty client fields on the server defaults. Server credentials
// only go to the server endpoint: a client that names another endpoint brings its own key.
func MergeConfig(defaults upstream.SessionConfig, c protocol.ClientConfig) upstream.SessionConfig {
	out := defaults.Clone()
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&out.Model, c.VoiceModel)
	set(&out.Voice, c.Voice)
	set(&out.WelcomeMessage, c.WelcomeMessage)
	set(&out.Instructions, c.VoiceModelInstructions)
	set(&out.Locale, c.Locale)
	set(&out.AgentID, c.FoundryAgentID)
	set(&out.AgentProject, c.FoundryProjectName)
	if ep := strings.TrimSpace(c.VoiceLiveEndpoint); ep != "" && !sameEndpoint(ep, defaults.Endpoint) {
		out.Endpoint = ep
		out.APIKey = ""
		out.AgentAccessToken = ""
	}
	set(&out.APIKey, c.VoiceLiveAPIKey)
	return out
}

func sameEndpoint(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), strings.TrimRight(strings.TrimSpace(b), "/"))
}

func trySend(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}
