package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/isometry/icf-remote/internal/connectors/ldap"
	"github.com/isometry/icf-remote/internal/connectors/memory"
	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/server"
)

const version = "0.1.0"

const usage = `ICF connector server.

Serves the memory and LDAP connectors to remote clients over WebSocket.
The handshake secret is read from --secret or $ICF_SECRET.

Usage:
    icf-server [--listen=<addr>] [--path=<path>] [--secret=<secret>]
        [--log-level=<level>] [--compress-threshold=<bytes>]
    icf-server -h | --help
    icf-server --version

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --listen=<addr>               Address to listen on [default: :8759].
    --path=<path>                 WebSocket endpoint path [default: /icf].
    --secret=<secret>             Shared handshake secret.
    --log-level=<level>           trace, debug, info, warn or error [default: info].
    --compress-threshold=<bytes>  Compress frames larger than this; -1 disables [default: 4096].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		panic(err)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "icf-server: %v\n", err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	levelName, _ := opts.String("--log-level")
	level := hclog.LevelFromString(levelName)
	if level == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", levelName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("icf-server"),
		tfsdklog.WithLevel(level),
	)
	ctx = logging.NewContext(ctx)

	cfg := server.DefaultConfig()
	cfg.Listen, _ = opts.String("--listen")
	cfg.Path, _ = opts.String("--path")
	threshold, err := opts.Int("--compress-threshold")
	if err != nil {
		return fmt.Errorf("--compress-threshold: %w", err)
	}
	cfg.CompressThreshold = threshold

	cfg.Transport.Secret, _ = opts.String("--secret")
	if cfg.Transport.Secret == "" {
		cfg.Transport.Secret = os.Getenv("ICF_SECRET")
	}

	registry := server.NewRegistry(ctx)
	defer registry.Close()
	registry.Register(memory.Key, memory.New)
	registry.Register(ldap.Key, ldap.New)

	srv, err := server.New(ctx, cfg, registry)
	if err != nil {
		return err
	}

	tflog.Info(ctx, "Starting connector server", map[string]any{
		"version": version,
		"listen":  cfg.Listen,
	})

	return srv.ListenAndServe(ctx)
}
