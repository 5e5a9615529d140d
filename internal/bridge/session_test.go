package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/caseta-mcp/internal/config"
)

// fakeHub satisfies Hub with togglable health and countable handshakes.
type fakeHub struct {
	connected  bool
	connectErr error
	connects   int
}

func (f *fakeHub) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeHub) IsConnected() bool { return f.connected }

func (f *fakeHub) ListDevices(ctx context.Context) (Snapshot, error) { return nil, nil }
func (f *fakeHub) ListScenes(ctx context.Context) (Snapshot, error)  { return nil, nil }
func (f *fakeHub) TurnOn(ctx context.Context, id string) error       { return nil }
func (f *fakeHub) TurnOff(ctx context.Context, id string) error      { return nil }
func (f *fakeHub) SetValue(ctx context.Context, id string, level int) error {
	return nil
}
func (f *fakeHub) ActivateScene(ctx context.Context, id string) error { return nil }

// pairedConfig writes a plausible credential directory and returns a
// config pointing at it.
func pairedConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"caseta.crt", "caseta.key", "caseta-bridge.crt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("PEM"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv(config.EnvBridgeAddress, "")
	t.Setenv(config.EnvCertDir, "")

	return &config.Config{Bridge: config.BridgeConfig{
		Address: "192.168.1.50",
		CertDir: dir,
	}}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSessionManager_ReusesHealthySession(t *testing.T) {
	hub := &fakeHub{}
	dials := 0
	dial := func(creds *config.Credentials, logger *slog.Logger) (Hub, error) {
		dials++
		return hub, nil
	}

	m := NewSessionManager(pairedConfig(t), dial, quiet())

	first, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("first Session: %v", err)
	}
	second, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("second Session: %v", err)
	}

	if first != second {
		t.Error("healthy session was not reused")
	}
	if dials != 1 || hub.connects != 1 {
		t.Errorf("dials=%d connects=%d, want exactly one handshake", dials, hub.connects)
	}
	if first.Address != "192.168.1.50" {
		t.Errorf("session address = %q", first.Address)
	}
}

func TestSessionManager_ReplacesUnhealthySession(t *testing.T) {
	hubs := []*fakeHub{{}, {}}
	dials := 0
	dial := func(creds *config.Credentials, logger *slog.Logger) (Hub, error) {
		h := hubs[dials]
		dials++
		return h, nil
	}

	m := NewSessionManager(pairedConfig(t), dial, quiet())

	first, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("first Session: %v", err)
	}

	// Connection dies between calls.
	hubs[0].connected = false

	second, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("second Session: %v", err)
	}

	if first == second {
		t.Error("dead session was reused")
	}
	if dials != 2 {
		t.Errorf("dials = %d, want a single replacement handshake", dials)
	}
	if hubs[1].connects != 1 {
		t.Errorf("replacement connects = %d, want 1", hubs[1].connects)
	}
}

func TestSessionManager_FailedHandshakeNotCached(t *testing.T) {
	attempt := 0
	dial := func(creds *config.Credentials, logger *slog.Logger) (Hub, error) {
		attempt++
		if attempt == 1 {
			return &fakeHub{connectErr: errors.New("handshake timeout")}, nil
		}
		return &fakeHub{}, nil
	}

	m := NewSessionManager(pairedConfig(t), dial, quiet())

	_, err := m.Session(context.Background())
	if err == nil {
		t.Fatal("first Session should fail")
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %T, want *ConnectionError", err)
	}
	if connErr.Address != "192.168.1.50" {
		t.Errorf("ConnectionError.Address = %q", connErr.Address)
	}

	// The failure must not be cached; the next call retries from scratch.
	s, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("retry Session: %v", err)
	}
	if !s.Hub.IsConnected() {
		t.Error("retry returned an unconnected session")
	}
	if attempt != 2 {
		t.Errorf("dial attempts = %d, want 2", attempt)
	}
}

func TestSessionManager_MissingCredentialsIsConfigError(t *testing.T) {
	t.Setenv(config.EnvBridgeAddress, "")
	t.Setenv(config.EnvCertDir, "")

	cfg := &config.Config{Bridge: config.BridgeConfig{
		Address: "192.168.1.50",
		CertDir: t.TempDir(), // empty: no credential files
	}}

	dial := func(creds *config.Credentials, logger *slog.Logger) (Hub, error) {
		t.Fatal("dial must not be reached without credentials")
		return nil, nil
	}

	m := NewSessionManager(cfg, dial, quiet())

	_, err := m.Session(context.Background())
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %T (%v), want *config.ConfigError", err, err)
	}
}
