package main

import (
	"strings"

	"github.com/danmuck/streampush/internal/agent"
	"github.com/danmuck/streampush/internal/config"
	"github.com/spf13/pflag"
)

// overrideFlags are the command-line keys layered over the config file.
type overrideFlags struct {
	configPath string
	id         string
	relay      string
	room       string
	codec      string
	policy     string
	adminAddr  string
	adminToken string
	listen     string
	verbose    bool
	relayMode  bool
}

func (f *overrideFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&f.id, "id", "", "agent id sent during protocol selection")
	fs.StringVar(&f.relay, "relay", "", "relay address host:port")
	fs.StringVar(&f.room, "room", "", "room to join")
	fs.StringVar(&f.codec, "codec", "", "envelope codec: json or cbor")
	fs.StringVar(&f.policy, "policy", "", "connect policy: retry or required")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	fs.StringVar(&f.adminToken, "admin-token", "", "bearer token required for admin session actions")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
}

func (f *overrideFlags) bindRelay(fs *pflag.FlagSet) {
	f.bind(fs)
	f.relayMode = true
	fs.StringVar(&f.listen, "listen", "", "relay listen address (default "+config.DefaultListenAddr+")")
}

// settings loads the config file when given, applies changed flags and
// validates for the command's role.
func (f *overrideFlags) settings(fs *pflag.FlagSet) (config.Settings, error) {
	s := config.DefaultSettings()
	if strings.TrimSpace(f.configPath) != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Settings{}, err
		}
		s = loaded
	}

	cfg := &s.Agent
	if fs.Changed("id") {
		cfg.AgentID = strings.TrimSpace(f.id)
		cfg.Transport.AgentID = cfg.AgentID
	}
	if fs.Changed("relay") {
		cfg.Relay = strings.TrimSpace(f.relay)
	}
	if fs.Changed("room") {
		cfg.Room = strings.TrimSpace(f.room)
	}
	if fs.Changed("codec") {
		cfg.Session.Codec = strings.ToLower(strings.TrimSpace(f.codec))
	}
	if fs.Changed("policy") {
		cfg.Policy = agent.ConnectPolicy(strings.ToLower(strings.TrimSpace(f.policy)))
	}
	if fs.Changed("admin-addr") {
		cfg.AdminAddr = strings.TrimSpace(f.adminAddr)
	}
	if fs.Changed("admin-token") {
		cfg.AdminToken = strings.TrimSpace(f.adminToken)
	}
	if f.relayMode && fs.Changed("listen") {
		s.Listen = strings.TrimSpace(f.listen)
	}
	s.Agent = s.Agent.WithDefaults()

	validate := config.Validate
	if f.relayMode {
		validate = config.ValidateRelay
	}
	if err := validate(s); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}
