package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/streampush/internal/agent"
	"github.com/danmuck/streampush/internal/p2p"
	"github.com/danmuck/streampush/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const sampleTOML = `id = "edge-7"
relay = "relay.example:7000"
room = "stage"
policy = "required"
probe_interval = "off"

[session]
codec = "cbor"
queue_capacity = 16

[backoff]
initial_delay = "50ms"
max_delay = "1s"

[transport]
max_connect_attempts = 2

[log]
level = "debug"
json = true
`

const sampleYAML = `id: edge-7
relay: relay.example:7000
room: stage
policy: required
probe_interval: "off"
session:
  codec: cbor
  queue_capacity: 16
backoff:
  initial_delay: 50ms
  max_delay: 1s
transport:
  max_connect_attempts: 2
log:
  level: debug
  json: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOMLOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	s, err := Load(writeFile(t, "agent.toml", sampleTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := s.Agent
	if cfg.AgentID != "edge-7" || cfg.Relay != "relay.example:7000" || cfg.Room != "stage" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Policy != agent.ConnectPolicyRequired || cfg.ProbeInterval != -1 {
		t.Fatalf("unexpected policy/probe: policy=%q probe=%v", cfg.Policy, cfg.ProbeInterval)
	}
	if cfg.Session.Codec != "cbor" || cfg.Session.QueueCapacity != 16 {
		t.Fatalf("unexpected session: %+v", cfg.Session)
	}
	if cfg.Session.Backoff.InitialDelay != 50*time.Millisecond || cfg.Session.Backoff.MaxDelay != time.Second {
		t.Fatalf("unexpected backoff: %+v", cfg.Session.Backoff)
	}
	if cfg.Transport.Backoff != cfg.Session.Backoff {
		t.Fatalf("transport backoff should follow [backoff], got %+v", cfg.Transport.Backoff)
	}
	if cfg.Transport.MaxConnectAttempts != 2 || cfg.Transport.AgentID != "edge-7" {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}

	def := agent.DefaultConfig()
	if cfg.HeartbeatInterval != def.HeartbeatInterval || cfg.Session.OpenTimeout != def.Session.OpenTimeout {
		t.Fatalf("undefined keys should keep defaults: %+v", cfg)
	}
	if cfg.Session.Backoff.Multiplier != def.Session.Backoff.Multiplier {
		t.Fatalf("multiplier should keep default, got %v", cfg.Session.Backoff.Multiplier)
	}
	if s.Listen != DefaultListenAddr {
		t.Fatalf("expected default listen, got %q", s.Listen)
	}

	lc := s.Log.Logging()
	if lc.Level != zerolog.DebugLevel || !lc.Bypass || !lc.Timestamp {
		t.Fatalf("unexpected logging config: %+v", lc)
	}
}

func TestLoadYAMLMatchesTOML(t *testing.T) {
	testlog.Start(t)
	fromTOML, err := Load(writeFile(t, "agent.toml", sampleTOML))
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	fromYAML, err := Load(writeFile(t, "agent.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !reflect.DeepEqual(fromTOML, fromYAML) {
		t.Fatalf("formats disagree:\ntoml=%+v\nyaml=%+v", fromTOML, fromYAML)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	want := TemplateSettings()
	for _, name := range []string{"agent.toml", "agent.yaml", "agent.yml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteTemplate(path, false); err != nil {
			t.Fatalf("%s: write template: %v", name, err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load template: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: round trip mismatch:\ngot=%+v\nwant=%+v", name, got, want)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "agent.toml", "relay = \"x:1\"\n")
	if err := WriteTemplate(path, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("ini"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(writeFile(t, "a.toml", "relay = \"x:1\"\nrelays = [\"y\"]\n")); !errors.Is(err, ErrUnknownKeys) {
		t.Fatalf("toml: expected ErrUnknownKeys, got %v", err)
	}
	if _, err := Load(writeFile(t, "a.yaml", "relay: x:1\nsession:\n  codecs: json\n")); !errors.Is(err, ErrUnknownKeys) {
		t.Fatalf("yaml: expected ErrUnknownKeys, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing relay", "room = \"a\"\n", "relay is required"},
		{"bad duration", "relay = \"x:1\"\nheartbeat_interval = \"soon\"\n", "heartbeat_interval"},
		{"bad policy", "relay = \"x:1\"\npolicy = \"sometimes\"\n", "policy"},
		{"bad codec", "relay = \"x:1\"\n[session]\ncodec = \"msgpack\"\n", "unknown codec"},
		{"bad level", "relay = \"x:1\"\n[log]\nlevel = \"loud\"\n", "log.level"},
		{"production without tls", "relay = \"x:1\"\n[transport]\nsecurity_mode = \"production\"\n", "tls required"},
	}
	for _, tc := range cases {
		s, err := Load(writeFile(t, "bad.toml", tc.body))
		if err == nil {
			err = Validate(s)
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadTLSSection(t *testing.T) {
	testlog.Start(t)
	body := `relay = "relay.example:7000"
[transport]
security_mode = "Production"
[transport.tls]
enabled = true
mutual = true
ca_file = "/etc/streampush/ca.crt"
cert_file = "/etc/streampush/agent.crt"
key_file = "/etc/streampush/agent.key"
`
	s, err := Load(writeFile(t, "tls.toml", body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tr := s.Agent.Transport
	if tr.SecurityMode != p2p.SecurityModeProduction || !tr.TLS.Enabled || !tr.TLS.Mutual {
		t.Fatalf("unexpected transport: %+v", tr)
	}
	if tr.TLS.CAFile != "/etc/streampush/ca.crt" || tr.TLS.KeyFile != "/etc/streampush/agent.key" {
		t.Fatalf("unexpected tls paths: %+v", tr.TLS)
	}
}

func TestYAMLKeysIsDefined(t *testing.T) {
	testlog.Start(t)
	var root yaml.Node
	if err := yaml.Unmarshal([]byte("relay: x\nsession:\n  codec: json\nlist: [1, 2]\n"), &root); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	keys := yamlKeys{root: &root}
	if !keys.IsDefined("relay") || !keys.IsDefined("session", "codec") || !keys.IsDefined("session") {
		t.Fatalf("expected defined keys")
	}
	if keys.IsDefined("room") || keys.IsDefined("session", "queue_capacity") || keys.IsDefined("list", "0") {
		t.Fatalf("unexpected defined keys")
	}

	var empty yaml.Node
	if (yamlKeys{root: &empty}).IsDefined("relay") {
		t.Fatalf("empty document should define nothing")
	}
}

func TestValidateRelayNeedsServerCredentials(t *testing.T) {
	testlog.Start(t)
	s := DefaultSettings()
	if err := ValidateRelay(s); err != nil {
		t.Fatalf("default relay settings should validate: %v", err)
	}
	if err := Validate(s); err == nil || !strings.Contains(err.Error(), "relay is required") {
		t.Fatalf("agent validation should require relay, got %v", err)
	}
	s.Agent.Transport.TLS.Enabled = true
	if err := ValidateRelay(s); !errors.Is(err, p2p.ErrTLSCertFileRequired) && !errors.Is(err, p2p.ErrTLSKeyFileRequired) {
		t.Fatalf("expected server cert requirement, got %v", err)
	}
	s.Listen = " "
	if err := ValidateRelay(s); err == nil || !strings.Contains(err.Error(), "listen is required") {
		t.Fatalf("expected listen requirement, got %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	testlog.Start(t)
	if FormatOf("a.YML") != FormatYAML || FormatOf("a.yaml") != FormatYAML {
		t.Fatalf("expected yaml")
	}
	if FormatOf("a.toml") != FormatTOML || FormatOf("agent.conf") != FormatTOML {
		t.Fatalf("expected toml")
	}
}
