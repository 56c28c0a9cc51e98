package agent

import (
	"strings"
	"time"

	"github.com/danmuck/streampush/internal/p2p"
	"github.com/danmuck/streampush/internal/protocol/session"
)

// ConnectPolicy decides what happens when the relay cannot be reached.
type ConnectPolicy string

const (
	// ConnectPolicyRetry keeps reconnecting with backoff.
	ConnectPolicyRetry ConnectPolicy = "retry"
	// ConnectPolicyRequired fails Run if the first connect fails.
	ConnectPolicyRequired ConnectPolicy = "required"
)

type Config struct {
	AgentID string
	// Relay is the relay peer address handed to the stream opener.
	Relay  string
	Room   string
	Policy ConnectPolicy
	// MaxReconnects <= 0 reconnects forever.
	MaxReconnects     int
	HeartbeatInterval time.Duration
	// ProbeInterval < 0 disables latency probes.
	ProbeInterval time.Duration
	// RestartGrace is how long loops must survive an in-place restart
	// before the session counts as recovered.
	RestartGrace time.Duration
	AdminAddr    string
	// AdminToken guards session actions with a bearer token when set.
	AdminToken   string
	CorsOrigins  []string
	Session      session.Config
	Transport    p2p.Config
}

func DefaultConfig() Config {
	return Config{
		AgentID:           "agent.local",
		Policy:            ConnectPolicyRetry,
		HeartbeatInterval: 5 * time.Second,
		ProbeInterval:     10 * time.Second,
		RestartGrace:      time.Second,
		Session:           session.DefaultConfig(),
		Transport:         p2p.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.AgentID) == "" {
		c.AgentID = def.AgentID
	}
	if strings.TrimSpace(string(c.Policy)) == "" {
		c.Policy = def.Policy
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = def.RestartGrace
	}
	c.Session = c.Session.WithDefaults()
	c.Transport = c.Transport.WithDefaults()
	if strings.TrimSpace(c.Transport.AgentID) == "" {
		c.Transport.AgentID = c.AgentID
	}
	return c
}
