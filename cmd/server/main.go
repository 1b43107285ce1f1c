// Command server runs the escrow dispute and settlement engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bruno-dias18/rivvlock-sub001/internal/config"
	"github.com/bruno-dias18/rivvlock-sub001/internal/logging"
	"github.com/bruno-dias18/rivvlock-sub001/internal/server"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "escrow-engine:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print build information and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		_, err := fmt.Fprintf(stdout, "escrow-engine %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewWithWriter(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrow engine",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"gateway_simulator", cfg.UsesSimulator(),
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
