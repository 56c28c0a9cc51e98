package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/streampush/internal/agent"
	"github.com/danmuck/streampush/internal/testutil/testlog"
	"github.com/spf13/pflag"
)

func TestInitThenCheckConfig(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"pushctl.toml", "pushctl.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		var out bytes.Buffer
		if err := run(context.Background(), []string{"init-config", "-o", path}, &out); err != nil {
			t.Fatalf("%s: init-config: %v", name, err)
		}
		if !strings.Contains(out.String(), "wrote") {
			t.Fatalf("%s: unexpected init output: %q", name, out.String())
		}
		out.Reset()
		if err := run(context.Background(), []string{"check-config", "--config", path}, &out); err != nil {
			t.Fatalf("%s: check-config: %v", name, err)
		}
		if !strings.Contains(out.String(), "relay=127.0.0.1:7000") {
			t.Fatalf("%s: unexpected check output: %q", name, out.String())
		}
		if err := run(context.Background(), []string{"init-config", "-o", path}, &out); err == nil {
			t.Fatalf("%s: expected refusal to overwrite", name)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"teleport"}, &out)
	if err == nil || !strings.Contains(err.Error(), `unknown command "teleport"`) {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "pushctl.toml")
	if err := run(context.Background(), []string{"init-config", "-o", path}, &bytes.Buffer{}); err != nil {
		t.Fatalf("init-config: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags overrideFlags
	flags.bind(fs)
	args := []string{"-c", path, "--relay", "10.0.0.5:7000", "--codec", "CBOR", "--id", "edge-9", "--policy", "required"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := flags.settings(fs)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	cfg := s.Agent
	if cfg.Relay != "10.0.0.5:7000" || cfg.Session.Codec != "cbor" || cfg.Policy != agent.ConnectPolicyRequired {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.AgentID != "edge-9" || cfg.Transport.AgentID != "edge-9" {
		t.Fatalf("id not applied to transport: agent=%q transport=%q", cfg.AgentID, cfg.Transport.AgentID)
	}
	if cfg.Room != "default" {
		t.Fatalf("file value should survive when flag unset, got room=%q", cfg.Room)
	}
}

func TestAgentModeRequiresRelay(t *testing.T) {
	testlog.Start(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var flags overrideFlags
	flags.bind(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := flags.settings(fs); err == nil || !strings.Contains(err.Error(), "relay is required") {
		t.Fatalf("expected relay requirement, got %v", err)
	}

	relayFS := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	var relayFlags overrideFlags
	relayFlags.bindRelay(relayFS)
	if err := relayFS.Parse([]string{"--listen", "127.0.0.1:0"}); err != nil {
		t.Fatalf("parse relay: %v", err)
	}
	s, err := relayFlags.settings(relayFS)
	if err != nil {
		t.Fatalf("relay settings: %v", err)
	}
	if s.Listen != "127.0.0.1:0" {
		t.Fatalf("expected listen override, got %q", s.Listen)
	}
}
