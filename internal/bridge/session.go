package bridge

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/caseta-mcp/internal/config"
)

// Hub is the operation surface the session manager requires from the
// underlying bridge transport. Satisfied by leap.Client in production
// and by fakes in tests. Every method except IsConnected may block on
// network I/O; once issued, an operation runs to completion or failure.
type Hub interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	ListDevices(ctx context.Context) (Snapshot, error)
	ListScenes(ctx context.Context) (Snapshot, error)
	TurnOn(ctx context.Context, id string) error
	TurnOff(ctx context.Context, id string) error
	SetValue(ctx context.Context, id string, level int) error
	ActivateScene(ctx context.Context, id string) error
}

// DialFunc constructs an unconnected Hub for the given credentials.
type DialFunc func(creds *config.Credentials, logger *slog.Logger) (Hub, error)

// Session wraps exactly one live connection to one hub.
type Session struct {
	Hub     Hub
	Address string
}

// SessionManager owns the process-wide session: at most one exists at a
// time, created lazily on first use, reused while healthy, and replaced
// whole when the connection reports unhealthy. Replacement is guarded by
// a single-flight group so concurrent invocations never race two
// handshakes against the bridge.
type SessionManager struct {
	cfg    *config.Config
	dial   DialFunc
	logger *slog.Logger

	mu      sync.RWMutex
	current *Session

	connect singleflight.Group
}

// NewSessionManager creates a session manager. The dial function is the
// only way sessions come into being; cfg drives credential resolution
// on every connection attempt.
func NewSessionManager(cfg *config.Config, dial DialFunc, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
	}
}

// Session returns the current session, establishing one if none exists
// or the existing connection reports unhealthy. The fast path (healthy
// session present) performs no network I/O. Errors are either a
// *config.ConfigError (address or credentials missing) or a
// *ConnectionError (handshake failed); a failed handshake is never
// cached.
func (m *SessionManager) Session(ctx context.Context) (*Session, error) {
	if s := m.healthy(); s != nil {
		return s, nil
	}

	v, err, _ := m.connect.Do("connect", func() (any, error) {
		// Another caller may have connected while we waited on the group.
		if s := m.healthy(); s != nil {
			return s, nil
		}
		return m.establish(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Session), nil
}

// healthy returns the current session if its connection is live.
func (m *SessionManager) healthy() *Session {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s != nil && s.Hub.IsConnected() {
		return s
	}
	return nil
}

// establish resolves credentials, dials, and performs the connect
// handshake. On success the new session replaces the old one whole; the
// discarded handle needs no explicit close beyond losing its reference.
func (m *SessionManager) establish(ctx context.Context) (*Session, error) {
	paths, err := m.cfg.Resolve()
	if err != nil {
		return nil, err
	}

	creds, err := paths.Load()
	if err != nil {
		return nil, err
	}

	m.logger.Info("connecting to bridge", "address", creds.Address)

	hub, err := m.dial(creds, m.logger)
	if err != nil {
		return nil, &ConnectionError{Address: creds.Address, Err: err}
	}

	if err := hub.Connect(ctx); err != nil {
		return nil, &ConnectionError{Address: creds.Address, Err: err}
	}

	s := &Session{Hub: hub, Address: creds.Address}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.logger.Info("bridge session established", "address", creds.Address)
	return s, nil
}
