package session

import (
	"strings"
	"time"

	"github.com/danmuck/streampush/internal/protocol/frame"
)

// DefaultProtocolID is the versioned protocol negotiated when the stream opens.
const DefaultProtocolID = "/relay/stream-push/1.0.0"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session defaults.
type Config struct {
	ProtocolID string
	// Codec names the envelope codec: "json" or "cbor".
	Codec          string
	QueueCapacity  int
	IterationPause time.Duration
	OpenTimeout    time.Duration
	DrainTimeout   time.Duration
	CloseTimeout   time.Duration
	Limits         frame.Limits
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ProtocolID:     DefaultProtocolID,
		Codec:          "json",
		QueueCapacity:  1000,
		IterationPause: 100 * time.Microsecond,
		OpenTimeout:    10 * time.Second,
		DrainTimeout:   2 * time.Second,
		CloseTimeout:   5 * time.Second,
		Limits:         frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. A negative
// IterationPause disables the per-iteration pause.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ProtocolID) == "" {
		c.ProtocolID = def.ProtocolID
	}
	if strings.TrimSpace(c.Codec) == "" {
		c.Codec = def.Codec
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.IterationPause == 0 {
		c.IterationPause = def.IterationPause
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
