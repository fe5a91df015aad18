package collabserver

import (
	"time"

	"github.com/tempoplan/collab/collab"
)

const SessionSendBufferSize = 32

type ServerSettings struct {
	Profile collab.EnvironmentProfile

	// the hello frame must arrive this soon after the upgrade
	AuthTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// connect token lifetime
	TokenTtl time.Duration

	// a claimed modifiedAt further in the future than this is replaced with
	// the server clock
	StampSkewAllowance time.Duration

	// most records replayed per resync request
	ResyncLimit int
}

// The server read timeout must cover the client ping interval of the same
// profile with room for one stalled ping.
func DefaultServerSettings() *ServerSettings {
	return DefaultServerSettingsWithProfile(collab.EnvironmentProfileDirect)
}

func DefaultServerSettingsWithProfile(profile collab.EnvironmentProfile) *ServerSettings {
	switch profile {
	case collab.EnvironmentProfileProxied:
		return &ServerSettings{
			Profile:            collab.EnvironmentProfileProxied,
			AuthTimeout:        10 * time.Second,
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
			TokenTtl:           24 * time.Hour,
			StampSkewAllowance: 5 * time.Second,
			ResyncLimit:        500,
		}
	default:
		return &ServerSettings{
			Profile:            collab.EnvironmentProfileDirect,
			AuthTimeout:        5 * time.Second,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       5 * time.Second,
			TokenTtl:           24 * time.Hour,
			StampSkewAllowance: 5 * time.Second,
			ResyncLimit:        500,
		}
	}
}
