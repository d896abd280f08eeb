package app

import (
	"log/slog"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/router"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type upstreamSetup struct {
	factory  router.AdapterFactory
	defaults upstream.SessionConfig
	detail   string
}

// resolveUpstream picks the realtime dialer and builds the server-default session config.
func resolveUpstream(cfg config.Config, logger *slog.Logger) upstreamSetup {
	defaults := upstream.SessionConfig{
		Model:            cfg.VoiceLiveModel,
		Voice:            cfg.VoiceLiveVoice,
		Locale:           cfg.VoiceLiveLocale,
		Instructions:     cfg.VoiceLiveInstructions,
		WelcomeMessage:   cfg.VoiceLiveWelcomeMessage,
		AgentProject:     cfg.VoiceLiveAgentProject,
		AgentAccessToken: cfg.VoiceLiveAgentAccessToken,
		Endpoint:         cfg.VoiceLiveEndpoint,
		APIKey:           cfg.VoiceLiveAPIKey,
		APIVersion:       cfg.VoiceLiveAPIVersion,
		Avatar: upstream.AvatarConfig{
			Character: cfg.VoiceLiveAvatarCharacter,
			Style:     cfg.VoiceLiveAvatarStyle,
		},
	}

	var (
		dialer upstream.Dialer
		detail string
	)
	if cfg.VoiceLiveMock {
		dialer = upstream.NewMockDialer()
		detail = "mock realtime upstream"
		if defaults.Endpoint == "" {
			defaults.Endpoint = "https://mock.voicelive.local"
		}
	} else {
		dialer = upstream.NewWebsocketDialer(cfg.VoiceLiveHandshakeTimeout)
		detail = "voice live realtime at " + cfg.VoiceLiveEndpoint
	}

	factory := func(flavor upstream.Flavor) (upstream.Adapter, error) {
		return upstream.New(flavor, dialer, upstream.WithLogger(logger))
	}
	return upstreamSetup{factory: factory, defaults: defaults, detail: detail}
}
