package config

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/streampush/internal/agent"
)

// fileConfig is the on-disk shape shared by TOML and YAML. Durations are
// strings in time.ParseDuration form.
type fileConfig struct {
	ID                string   `toml:"id" yaml:"id"`
	Relay             string   `toml:"relay" yaml:"relay"`
	Room              string   `toml:"room" yaml:"room"`
	Policy            string   `toml:"policy" yaml:"policy"`
	MaxReconnects     int      `toml:"max_reconnects" yaml:"max_reconnects"`
	HeartbeatInterval string   `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	ProbeInterval     string   `toml:"probe_interval" yaml:"probe_interval"`
	RestartGrace      string   `toml:"restart_grace" yaml:"restart_grace"`
	AdminAddr         string   `toml:"admin_addr" yaml:"admin_addr"`
	AdminToken        string   `toml:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	CorsOrigins       []string `toml:"cors_origins" yaml:"cors_origins"`
	Listen            string   `toml:"listen" yaml:"listen"`

	Session   sessionTable   `toml:"session" yaml:"session"`
	Backoff   backoffTable   `toml:"backoff" yaml:"backoff"`
	Transport transportTable `toml:"transport" yaml:"transport"`
	Log       logTable       `toml:"log" yaml:"log"`
}

type sessionTable struct {
	Protocol        string `toml:"protocol" yaml:"protocol"`
	Codec           string `toml:"codec" yaml:"codec"`
	QueueCapacity   int    `toml:"queue_capacity" yaml:"queue_capacity"`
	IterationPause  string `toml:"iteration_pause" yaml:"iteration_pause"`
	OpenTimeout     string `toml:"open_timeout" yaml:"open_timeout"`
	DrainTimeout    string `toml:"drain_timeout" yaml:"drain_timeout"`
	CloseTimeout    string `toml:"close_timeout" yaml:"close_timeout"`
	MaxPayloadBytes uint32 `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
}

type backoffTable struct {
	InitialDelay string  `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     string  `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool    `toml:"jitter" yaml:"jitter"`
}

type transportTable struct {
	ConnectTimeout     string   `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout   string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	SecurityMode       string   `toml:"security_mode" yaml:"security_mode"`
	TLS                tlsTable `toml:"tls" yaml:"tls"`
}

type tlsTable struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type logTable struct {
	Level     string `toml:"level" yaml:"level"`
	Timestamp bool   `toml:"timestamp" yaml:"timestamp"`
	NoColor   bool   `toml:"no_color" yaml:"no_color"`
	JSON      bool   `toml:"json" yaml:"json"`
}

// apply overlays every key present in the file onto base.
func (raw fileConfig) apply(base Settings, keys keySet) (Settings, error) {
	s := base
	cfg := &s.Agent
	var errs []error
	dur := func(dst *time.Duration, value string, key ...string) {
		if !keys.IsDefined(key...) {
			return
		}
		d, err := parseDuration(strings.Join(key, "."), value)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	str := func(dst *string, value string, key ...string) {
		if keys.IsDefined(key...) {
			if v := strings.TrimSpace(value); v != "" {
				*dst = v
			}
		}
	}

	str(&cfg.AgentID, raw.ID, "id")
	str(&cfg.Relay, raw.Relay, "relay")
	if keys.IsDefined("room") {
		cfg.Room = strings.TrimSpace(raw.Room)
	}
	if keys.IsDefined("policy") {
		cfg.Policy = agent.ConnectPolicy(strings.ToLower(strings.TrimSpace(raw.Policy)))
	}
	if keys.IsDefined("max_reconnects") {
		cfg.MaxReconnects = raw.MaxReconnects
	}
	dur(&cfg.HeartbeatInterval, raw.HeartbeatInterval, "heartbeat_interval")
	dur(&cfg.ProbeInterval, raw.ProbeInterval, "probe_interval")
	dur(&cfg.RestartGrace, raw.RestartGrace, "restart_grace")
	if keys.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	str(&cfg.AdminToken, raw.AdminToken, "admin_token")
	if keys.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	str(&s.Listen, raw.Listen, "listen")

	sess := &cfg.Session
	str(&sess.ProtocolID, raw.Session.Protocol, "session", "protocol")
	str(&sess.Codec, raw.Session.Codec, "session", "codec")
	if keys.IsDefined("session", "queue_capacity") {
		sess.QueueCapacity = raw.Session.QueueCapacity
	}
	dur(&sess.IterationPause, raw.Session.IterationPause, "session", "iteration_pause")
	dur(&sess.OpenTimeout, raw.Session.OpenTimeout, "session", "open_timeout")
	dur(&sess.DrainTimeout, raw.Session.DrainTimeout, "session", "drain_timeout")
	dur(&sess.CloseTimeout, raw.Session.CloseTimeout, "session", "close_timeout")
	if keys.IsDefined("session", "max_payload_bytes") {
		sess.Limits.MaxPayloadBytes = raw.Session.MaxPayloadBytes
	}

	backoff := &sess.Backoff
	dur(&backoff.InitialDelay, raw.Backoff.InitialDelay, "backoff", "initial_delay")
	dur(&backoff.MaxDelay, raw.Backoff.MaxDelay, "backoff", "max_delay")
	if keys.IsDefined("backoff", "multiplier") {
		backoff.Multiplier = raw.Backoff.Multiplier
	}
	if keys.IsDefined("backoff", "jitter") {
		backoff.Jitter = raw.Backoff.Jitter
	}

	tr := &cfg.Transport
	tr.Backoff = sess.Backoff
	dur(&tr.ConnectTimeout, raw.Transport.ConnectTimeout, "transport", "connect_timeout")
	dur(&tr.HandshakeTimeout, raw.Transport.HandshakeTimeout, "transport", "handshake_timeout")
	if keys.IsDefined("transport", "max_connect_attempts") {
		tr.MaxConnectAttempts = raw.Transport.MaxConnectAttempts
	}
	if keys.IsDefined("transport", "security_mode") {
		tr.SecurityMode = p2pMode(raw.Transport.SecurityMode)
	}
	tls := raw.Transport.TLS
	if keys.IsDefined("transport", "tls", "enabled") {
		tr.TLS.Enabled = tls.Enabled
	}
	if keys.IsDefined("transport", "tls", "mutual") {
		tr.TLS.Mutual = tls.Mutual
	}
	str(&tr.TLS.CAFile, tls.CAFile, "transport", "tls", "ca_file")
	str(&tr.TLS.CertFile, tls.CertFile, "transport", "tls", "cert_file")
	str(&tr.TLS.KeyFile, tls.KeyFile, "transport", "tls", "key_file")
	str(&tr.TLS.ServerName, tls.ServerName, "transport", "tls", "server_name")
	if keys.IsDefined("transport", "tls", "insecure_skip_verify") {
		tr.TLS.InsecureSkipVerify = tls.InsecureSkipVerify
	}

	str(&s.Log.Level, raw.Log.Level, "log", "level")
	if keys.IsDefined("log", "timestamp") {
		s.Log.Timestamp = raw.Log.Timestamp
	}
	if keys.IsDefined("log", "no_color") {
		s.Log.NoColor = raw.Log.NoColor
	}
	if keys.IsDefined("log", "json") {
		s.Log.JSON = raw.Log.JSON
	}

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	s.Agent = s.Agent.WithDefaults()
	return s, nil
}

// fileFromSettings renders s back into the on-disk shape.
func fileFromSettings(s Settings) fileConfig {
	cfg := s.Agent
	sess := cfg.Session
	tr := cfg.Transport
	return fileConfig{
		ID:                cfg.AgentID,
		Relay:             cfg.Relay,
		Room:              cfg.Room,
		Policy:            string(cfg.Policy),
		MaxReconnects:     cfg.MaxReconnects,
		HeartbeatInterval: formatDuration(cfg.HeartbeatInterval),
		ProbeInterval:     formatDuration(cfg.ProbeInterval),
		RestartGrace:      formatDuration(cfg.RestartGrace),
		AdminAddr:         cfg.AdminAddr,
		AdminToken:        cfg.AdminToken,
		CorsOrigins:       append([]string{}, cfg.CorsOrigins...),
		Listen:            s.Listen,
		Session: sessionTable{
			Protocol:        sess.ProtocolID,
			Codec:           sess.Codec,
			QueueCapacity:   sess.QueueCapacity,
			IterationPause:  formatDuration(sess.IterationPause),
			OpenTimeout:     formatDuration(sess.OpenTimeout),
			DrainTimeout:    formatDuration(sess.DrainTimeout),
			CloseTimeout:    formatDuration(sess.CloseTimeout),
			MaxPayloadBytes: sess.Limits.MaxPayloadBytes,
		},
		Backoff: backoffTable{
			InitialDelay: formatDuration(sess.Backoff.InitialDelay),
			Multiplier:   sess.Backoff.Multiplier,
			MaxDelay:     formatDuration(sess.Backoff.MaxDelay),
			Jitter:       sess.Backoff.Jitter,
		},
		Transport: transportTable{
			ConnectTimeout:     formatDuration(tr.ConnectTimeout),
			HandshakeTimeout:   formatDuration(tr.HandshakeTimeout),
			MaxConnectAttempts: tr.MaxConnectAttempts,
			SecurityMode:       string(tr.SecurityMode),
			TLS: tlsTable{
				Enabled:            tr.TLS.Enabled,
				Mutual:             tr.TLS.Mutual,
				CAFile:             tr.TLS.CAFile,
				CertFile:           tr.TLS.CertFile,
				KeyFile:            tr.TLS.KeyFile,
				ServerName:         tr.TLS.ServerName,
				InsecureSkipVerify: tr.TLS.InsecureSkipVerify,
			},
		},
		Log: logTable{
			Level:     s.Log.Level,
			Timestamp: s.Log.Timestamp,
			NoColor:   s.Log.NoColor,
			JSON:      s.Log.JSON,
		},
	}
}
