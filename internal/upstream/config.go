// Package upstream owns the realtime speech session with the Voice Live service. One Session
// type serves every flavor; what differs between flavors is the Profile table below.
package upstream

import (
	"strings"

	"github.com/ent0n29/voicerelay/internal/tools"
)

// Flavor selects how an upstream session is configured.
type Flavor string

const (
	FlavorDirect    Flavor = "direct"
	FlavorAgent     Flavor = "agent"
	FlavorTelephony Flavor = "telephony"
	FlavorAvatar    Flavor = "avatar"
)

func (f Flavor) Valid() bool {
	_, ok := profiles[f]
	return ok
}

// AvatarConfig selects the rendered avatar for the avatar flavor.
type AvatarConfig struct {
	Character string `json:"character"`
	Style     string `json:"style"`
}

// SessionConfig is built once per connection and replaced, never mutated, on reconfiguration.
type SessionConfig struct {
	Model          string
	Voice          string
	Locale         string
	Instructions   string
	WelcomeMessage string

	AgentID          string
	AgentProject     string
	AgentAccessToken string

	Endpoint   string
	APIKey     string
	APIVersion string

	InputSampleRate int
	Avatar          AvatarConfig
	Tools           []tools.Definition
}

// Clone returns a copy that shares no slices with c.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	if c.Tools != nil {
		out.Tools = append([]tools.Definition(nil), c.Tools...)
	}
	return out
}

// IsAzureVoice reports whether the voice is an Azure neural voice rather than a model voice.
func (c SessionConfig) IsAzureVoice() bool {
	return isAzureVoice(c.Voice)
}

func isAzureVoice(name string) bool {
	return strings.Contains(name, "Neural") || strings.Count(name, "-") >= 2
}
