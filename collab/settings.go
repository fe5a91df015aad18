package collab

import (
	"time"
)

// An environment profile is a bundle of timing constants tuned for the
// network path between the page session and the collab endpoint. The profile
// is injected at construction time, never inferred from hostnames, so both
// profiles can be exercised deterministically.
//
// `proxied` assumes an HTTP reverse proxy in the path. Proxies amplify the
// cost of connection churn, swallow websocket control frames, and hold idle
// connections longer, so every interval is materially longer than `direct`.
type EnvironmentProfile string

const (
	EnvironmentProfileDirect  EnvironmentProfile = "direct"
	EnvironmentProfileProxied EnvironmentProfile = "proxied"
)

func (self EnvironmentProfile) IsValid() bool {
	switch self {
	case EnvironmentProfileDirect, EnvironmentProfileProxied:
		return true
	default:
		return false
	}
}

type ClientSettings struct {
	Profile EnvironmentProfile

	// transport
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// connection manager
	MinConnectInterval  time.Duration
	BackoffFloor        time.Duration
	BackoffCeiling      time.Duration
	MaxConnectAttempts  int
	AttemptCooldown     time.Duration
	HealthCheckInterval time.Duration
	VisibilityGrace     time.Duration

	// rooms and updates
	RosterSettleDelay          time.Duration
	ResyncDelay                time.Duration
	DebounceWindow             time.Duration
	ConflictAutoResolveTimeout time.Duration

	// capability check evaluated before any connect attempt. When it returns
	// false the attempt is a no-op. nil means always required.
	RequireService func() bool
}

func DefaultClientSettings(profile EnvironmentProfile) *ClientSettings {
	switch profile {
	case EnvironmentProfileProxied:
		return &ClientSettings{
			Profile:                    EnvironmentProfileProxied,
			ConnectTimeout:             15 * time.Second,
			HandshakeTimeout:           5 * time.Second,
			AuthTimeout:                5 * time.Second,
			PingInterval:               25 * time.Second,
			ReadTimeout:                60 * time.Second,
			WriteTimeout:               10 * time.Second,
			MinConnectInterval:         10 * time.Second,
			BackoffFloor:               10 * time.Second,
			BackoffCeiling:             30 * time.Second,
			MaxConnectAttempts:         3,
			AttemptCooldown:            60 * time.Second,
			HealthCheckInterval:        25 * time.Second,
			VisibilityGrace:            15 * time.Second,
			RosterSettleDelay:          1500 * time.Millisecond,
			ResyncDelay:                3 * time.Second,
			DebounceWindow:             500 * time.Millisecond,
			ConflictAutoResolveTimeout: 30 * time.Second,
		}
	default:
		return &ClientSettings{
			Profile:                    EnvironmentProfileDirect,
			ConnectTimeout:             5 * time.Second,
			HandshakeTimeout:           2 * time.Second,
			AuthTimeout:                2 * time.Second,
			PingInterval:               10 * time.Second,
			ReadTimeout:                30 * time.Second,
			WriteTimeout:               5 * time.Second,
			MinConnectInterval:         1 * time.Second,
			BackoffFloor:               1 * time.Second,
			BackoffCeiling:             20 * time.Second,
			MaxConnectAttempts:         5,
			AttemptCooldown:            30 * time.Second,
			HealthCheckInterval:        10 * time.Second,
			VisibilityGrace:            5 * time.Second,
			RosterSettleDelay:          500 * time.Millisecond,
			ResyncDelay:                1 * time.Second,
			DebounceWindow:             250 * time.Millisecond,
			ConflictAutoResolveTimeout: 30 * time.Second,
		}
	}
}

func (self *ClientSettings) serviceRequired() bool {
	if self.RequireService == nil {
		return true
	}
	return self.RequireService()
}
