package p2p

import (
	"strings"
	"time"

	"github.com/danmuck/streampush/internal/protocol/session"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes transport security for TCP streams.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config controls how streams are dialed and negotiated.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// MaxConnectAttempts <= 0 retries until the context ends.
	MaxConnectAttempts int
	SecurityMode       SecurityMode
	TLS                TLSConfig
	Backoff            session.BackoffConfig
	// AgentID is sent with protocol selection so relays can log who opened the stream.
	AgentID string
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		MaxConnectAttempts: 5,
		SecurityMode:       SecurityModeDevelopment,
		Backoff:            session.DefaultConfig().Backoff,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if strings.TrimSpace(string(c.SecurityMode)) == "" {
		c.SecurityMode = def.SecurityMode
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
