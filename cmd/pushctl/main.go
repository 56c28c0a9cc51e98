package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/streampush/internal/agent"
	"github.com/danmuck/streampush/internal/config"
	"github.com/danmuck/streampush/internal/observability"
	"github.com/danmuck/streampush/internal/p2p"
	"github.com/danmuck/streampush/internal/relay"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const usage = `usage: pushctl <command> [flags]

commands:
  agent          connect to a relay and stream signaling (default)
  relay          run a development relay
  init-config    write a starter config file
  check-config   load and validate a config file
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "pushctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd := "agent"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "agent":
		return runAgent(ctx, args)
	case "relay":
		return runRelay(ctx, args)
	case "init-config":
		return runInitConfig(args, stdout)
	case "check-config":
		return runCheckConfig(args, stdout)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func runAgent(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("pushctl agent", pflag.ContinueOnError)
	var flags overrideFlags
	flags.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := flags.settings(fs)
	if err != nil {
		return err
	}
	logger := setupLogging(settings.Log, flags.verbose)

	opener, err := p2p.NewTCPOpener(settings.Agent.Transport)
	if err != nil {
		return err
	}
	a, err := agent.New(settings.Agent, opener, nil)
	if err != nil {
		return err
	}
	logger.Info().
		Str("agent_id", settings.Agent.AgentID).
		Str("relay", settings.Agent.Relay).
		Str("room", settings.Agent.Room).
		Str("codec", settings.Agent.Session.Codec).
		Str("admin_addr", settings.Agent.AdminAddr).
		Msg("pushctl agent starting")
	return a.Run(ctx)
}

func runRelay(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("pushctl relay", pflag.ContinueOnError)
	var flags overrideFlags
	flags.bindRelay(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := flags.settings(fs)
	if err != nil {
		return err
	}
	setupLogging(settings.Log, flags.verbose)

	acc, err := p2p.Listen(settings.Listen, settings.Agent.Transport)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", settings.Listen, err)
	}
	defer acc.Close()
	srv, err := relay.NewServer(acc, settings.Agent.Session)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func runInitConfig(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("pushctl init-config", pflag.ContinueOnError)
	output := fs.StringP("output", "o", "pushctl.toml", "path for the config template (.toml, .yaml or .yml)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s config template to %s\n", config.FormatOf(*output), *output)
	return nil
}

func runCheckConfig(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("pushctl check-config", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "pushctl.toml", "config file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := config.Load(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "config ok: %s relay=%s room=%q codec=%s\n",
		*path, settings.Agent.Relay, settings.Agent.Room, settings.Agent.Session.Codec)
	return nil
}

func setupLogging(settings config.LogSettings, verbose bool) zerolog.Logger {
	observability.RegisterMetrics()
	return observability.InitLogger("pushctl", settings.Logging(), verbose)
}
