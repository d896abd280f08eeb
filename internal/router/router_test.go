package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/storage"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

var testDefaults = upstream.SessionConfig{
	Model:        "gpt-4o",
	Voice:        "en-US-Ava:DragonHDLatestNeural",
	Locale:       "en-US",
	Instructions: "You are a helpful assistant.",
	Endpoint:     "https://mock.voicelive.local",
	APIKey:       "server-secret",
}

type recordingFactory struct {
	mu       sync.Mutex
	flavors  []upstream.Flavor
	sessions []*upstream.Session
}

func (f *recordingFactory) build(flavor upstream.Flavor) (upstream.Adapter, error) {
	s, err := upstream.New(flavor, upstream.NewMockDialer())
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flavors = append(f.flavors, flavor)
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *recordingFactory) last() (upstream.Flavor, *upstream.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flavors[len(f.flavors)-1], f.sessions[len(f.sessions)-1]
}

type client struct {
	inbound  chan any
	outbound chan any
}

func newClient() client {
	return client{inbound: make(chan any, 16), outbound: make(chan any, 256)}
}

func (c client) conn(transport session.Transport) Connection {
	return Connection{UserID: "u1", Transport: transport, Inbound: c.inbound, Outbound: c.outbound}
}

func (c client) waitFor(t *testing.T, what string, match func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.outbound:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func isEvent(name string) func(any) bool {
	return func(v any) bool {
		e, ok := v.(protocol.SessionEvent)
		return ok && e.Event == name
	}
}

func assistantSaid(contains string) func(any) bool {
	return func(v any) bool {
		m, ok := v.(protocol.Message)
		if !ok || m.Type != protocol.TypeTranscript {
			return false
		}
		tr := m.Data.(protocol.Transcript)
		return tr.Role == "assistant" && tr.Final && strings.Contains(tr.Text, contains)
	}
}

func newTestRouter(f *recordingFactory, maxSessions int64) (*Router, *ledger.Ledger) {
	l := ledger.New(storage.NewInMemoryRepository(), nil)
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	executor := tools.NewExecutor(registry, time.Second)
	r := New(Config{
		Defaults:    testDefaults,
		ConfigWait:  50 * time.Millisecond,
		MaxSessions: maxSessions,
		Tools:       executor.GetToolDefinitions,
	}, f.build, relay.Deps{Ledger: l, Tools: executor})
	return r, l
}

func serve(r *Router, c client, transport session.Transport) chan error {
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), c.conn(transport)) }()
	return done
}

func TestNoConfigUsesDefaultsAndRelaysText(t *testing.T) {
	is := is.New(t)
	f := &recordingFactory{}
	r, l := newTestRouter(f, 0)
	c := newClient()
	done := serve(r, c, session.TransportWeb)

	c.waitFor(t, "ready", isEvent(protocol.EventSessionReady))
	flavor, s := f.last()
	is.Equal(flavor, upstream.FlavorDirect)
	is.Equal(s.Config().Voice, testDefaults.Voice)
	is.Equal(len(s.Config().Tools), 2)

	c.inbound <- protocol.TextMessage{Text: "hello"}
	c.waitFor(t, "relayed transcript", assistantSaid("I heard you: hello"))
	c.waitFor(t, "usage", isEvent(protocol.EventUsage))

	close(c.inbound)
	is.NoErr(<-done)
	is.True(l.GetAggregate().OutputTokens > 0)
	is.Equal(r.Registry().ActiveCount(), 0)
}

func TestAgentIDSelectsHostedAgent(t *testing.T) {
	is := is.New(t)
	f := &recordingFactory{}
	r, _ := newTestRouter(f, 0)
	c := newClient()
	c.inbound <- protocol.ClientConfig{Kind: protocol.KindConfig, FoundryAgentID: "agent_1", FoundryProjectName: "proj", WelcomeMessage: "Hi!"}
	done := serve(r, c, session.TransportWeb)

	c.waitFor(t, "ready", isEvent(protocol.EventSessionReady))
	flavor, s := f.last()
	is.Equal(flavor, upstream.FlavorAgent)
	is.Equal(s.Config().AgentID, "agent_1")
	is.True(!s.GreetOnReady())

	p, _ := upstream.ProfileFor(flavor)
	is.Equal(p.Instructions(s.Config()), "")

	close(c.inbound)
	is.NoErr(<-done)
}

func TestTransportSelectsFlavor(t *testing.T) {
	is := is.New(t)
	cfg := testDefaults
	is.Equal(SelectFlavor(session.TransportTelephony, cfg), upstream.FlavorTelephony)
	is.Equal(SelectFlavor(session.TransportAvatar, cfg), upstream.FlavorAvatar)
	is.Equal(SelectFlavor(session.TransportWeb, cfg), upstream.FlavorDirect)
	cfg.AgentID = "agent_1"
	is.Equal(SelectFlavor(session.TransportAvatar, cfg), upstream.FlavorAgent)
}

func TestInvalidConfigFallsBackToDefaults(t *testing.T) {
	is := is.New(t)
	f := &recordingFactory{}
	r, _ := newTestRouter(f, 0)
	c := newClient()
	c.inbound <- protocol.InvalidFrame{Err: protocol.ErrConfigParse}
	done := serve(r, c, session.TransportWeb)

	c.waitFor(t, "ready", isEvent(protocol.EventSessionReady))
	flavor, s := f.last()
	is.Equal(flavor, upstream.FlavorDirect)
	is.Equal(s.Config().Model, testDefaults.Model)

	close(c.inbound)
	is.NoErr(<-done)
}

func TestFirstNonConfigFrameIsReplayed(t *testing.T) {
	is := is.New(t)
	f := &recordingFactory{}
	r, _ := newTestRouter(f, 0)
	c := newClient()
	c.inbound <- protocol.TextMessage{Text: "early bird"}
	done := serve(r, c, session.TransportWeb)

	c.waitFor(t, "replayed text", assistantSaid("I heard you: early bird"))
	close(c.inbound)
	is.NoErr(<-done)
}

func TestMergeConfigOverridesOnlySetFields(t *testing.T) {
	is := is.New(t)
	got := MergeConfig(testDefaults, protocol.ClientConfig{Voice: "alloy", Locale: "  ", VoiceModelInstructions: "Be brief."})
	is.Equal(got.Voice, "alloy")
	is.Equal(got.Locale, testDefaults.Locale)
	is.Equal(got.Instructions, "Be brief.")
	is.Equal(got.Model, testDefaults.Model)
}

func TestMergeConfigKeepsServerKeyOnServerEndpoint(t *testing.T) {
	is := is.New(t)
	got := MergeConfig(testDefaults, protocol.ClientConfig{Voice: "alloy"})
	is.Equal(got.APIKey, "server-secret")

	got = MergeConfig(testDefaults, protocol.ClientConfig{VoiceLiveEndpoint: "https://mock.voicelive.local/"})
	is.Equal(got.Endpoint, testDefaults.Endpoint)
	is.Equal(got.APIKey, "server-secret")
}

func TestMergeConfigEndpointOverrideDropsServerCredentials(t *testing.T) {
	is := is.New(t)
	defaults := testDefaults
	defaults.AgentAccessToken = "server-agent-token"

	got := MergeConfig(defaults, protocol.ClientConfig{VoiceLiveEndpoint: "https://attacker.example"})
	is.Equal(got.Endpoint, "https://attacker.example")
	is.Equal(got.APIKey, "")
	is.Equal(got.AgentAccessToken, "")

	profile, ok := upstream.ProfileFor(upstream.FlavorDirect)
	is.True(ok)
	_, header, err := profile.Endpoint(got)
	is.NoErr(err)
	is.Equal(header.Get("api-key"), "")

	got = MergeConfig(defaults, protocol.ClientConfig{VoiceLiveEndpoint: "https://own.example", VoiceLiveAPIKey: "client-key"})
	is.Equal(got.Endpoint, "https://own.example")
	is.Equal(got.APIKey, "client-key")
}

func TestCapacityLimit(t *testing.T) {
	is := is.New(t)
	f := &recordingFactory{}
	r, _ := newTestRouter(f, 1)

	first := newClient()
	done := serve(r, first, session.TransportWeb)
	first.waitFor(t, "ready", isEvent(protocol.EventSessionReady))

	second := newClient()
	_, err := r.AcceptConnection(context.Background(), second.conn(session.TransportWeb))
	is.True(errors.Is(err, ErrAtCapacity))
	evt := second.waitFor(t, "capacity error", isEvent(protocol.EventError)).(protocol.SessionEvent)
	is.Equal(evt.Payload.(protocol.ErrorPayload).Code, "at_capacity")

	close(first.inbound)
	is.NoErr(<-done)

	third := newClient()
	done = serve(r, third, session.TransportWeb)
	third.waitFor(t, "ready after release", isEvent(protocol.EventSessionReady))
	close(third.inbound)
	is.NoErr(<-done)
}

func TestInboundClosedDuringWait(t *testing.T) {
	is := is.New(t)
	r, _ := newTestRouter(&recordingFactory{}, 0)
	c := newClient()
	close(c.inbound)
	_, err := r.AcceptConnection(context.Background(), c.conn(session.TransportWeb))
	is.True(errors.Is(err, relay.ErrTransportClosed))
}
