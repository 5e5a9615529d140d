// Caseta-pair associates with a Lutron Caseta SmartBridge and persists
// the TLS identity caseta-mcp needs to control it.
//
// Usage:
//
//	caseta-pair <BRIDGE_IP>
//
// Press the small button on the SmartBridge when prompted; the pairing
// window is about 30 seconds. On success the credential directory
// (CASETA_CERT_DIR, default lutron_certs next to the binary) contains
// caseta.crt, caseta.key, caseta-bridge.crt, and bridge_ip.txt.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/caseta-mcp/internal/config"
	"github.com/nugget/caseta-mcp/internal/leap"
)

// pairTimeout bounds the whole exchange: connection setup, the button
// window, and certificate signing.
const pairTimeout = 2 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: caseta-pair <BRIDGE_IP>")
		return fmt.Errorf("bridge address required")
	}

	address := args[0]
	if net.ParseIP(address) == nil {
		return fmt.Errorf("invalid bridge address: %s", address)
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	fmt.Fprintf(stdout, "Pairing with bridge at %s...\n", address)
	fmt.Fprintln(stdout, "Press the small button on your SmartBridge now (30-second window).")

	ctx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()

	result, err := leap.Pair(ctx, address, logger)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	dir := config.Default().CertDir()
	if err := config.WriteCredentials(dir, address, result.Certificate, result.PrivateKey, result.CACertificate); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Pairing successful. Credentials saved to %s\n", dir)
	fmt.Fprintln(stdout, "You can now run caseta-mcp.")
	return nil
}
