// Caseta-mcp serves Lutron Caseta SmartBridge control as MCP tools
// over stdio.
//
// The bridge is reached over the local LEAP protocol using the TLS
// identity persisted by caseta-pair. Configuration comes from an
// optional YAML file (see [config.DefaultSearchPaths]) layered under
// the CASETA_BRIDGE_IP and CASETA_CERT_DIR environment variables.
//
// Usage:
//
//	caseta-mcp               Serve MCP on stdin/stdout
//	caseta-mcp -config PATH  Use an explicit config file
//	caseta-mcp version       Print version and build information
//
// Logs go to stderr; stdout carries the protocol.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/caseta-mcp/internal/bridge"
	"github.com/nugget/caseta-mcp/internal/buildinfo"
	"github.com/nugget/caseta-mcp/internal/config"
	"github.com/nugget/caseta-mcp/internal/leap"
	"github.com/nugget/caseta-mcp/internal/mcp"
	"github.com/nugget/caseta-mcp/internal/tools"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle is drivable from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals get in the way of parallel tests, and
// the surface here is one flag and one subcommand.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if command == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}
	if command != "" {
		return fmt.Errorf("unknown command: %s", command)
	}

	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		// An explicit -config that doesn't exist is fatal; a missing
		// default config just means environment-only operation.
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String())

	sessions := bridge.NewSessionManager(cfg, dialLEAP, logger)
	dispatcher := tools.NewDispatcher(sessions, logger)
	server := mcp.NewServer(dispatcher, logger)

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// dialLEAP adapts leap.Dial to the session manager's dial signature.
func dialLEAP(creds *config.Credentials, logger *slog.Logger) (bridge.Hub, error) {
	return leap.Dial(creds, logger)
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `caseta-mcp - Lutron Caseta control over MCP

Usage:
  caseta-mcp               Serve MCP on stdin/stdout
  caseta-mcp version       Print version and build information

Flags:
  -config PATH             Explicit config file location

Environment:
  CASETA_BRIDGE_IP         Bridge address (overrides config and pairing file)
  CASETA_CERT_DIR          Credential directory (default: lutron_certs next to the binary)`)
	return nil
}
