// Package leap implements the client side of the Lutron LEAP protocol:
// newline-delimited JSON communiques over mutual TLS. It satisfies the
// bridge.Hub interface consumed by the session manager.
package leap

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/caseta-mcp/internal/bridge"
	"github.com/nugget/caseta-mcp/internal/config"
)

const (
	// leapPort is the bridge's LEAP listener.
	leapPort = "8081"

	// requestTimeout bounds a single request/response exchange.
	requestTimeout = 30 * time.Second
)

// ErrNotConnected is returned for operations attempted without a live
// connection.
var ErrNotConnected = errors.New("not connected to bridge")

var _ bridge.Hub = (*Client)(nil)

// errConnectionLost signals that the read loop terminated while a
// request was in flight.
var errConnectionLost = errors.New("bridge connection lost")

// Client is a LEAP protocol client for one SmartBridge. Create with
// Dial, then Connect before use. Safe for concurrent use; requests are
// correlated by ClientTag so they may interleave on the wire.
type Client struct {
	addr      string
	tlsConfig *tls.Config
	logger    *slog.Logger

	// dialConn is swappable in tests to bypass TLS.
	dialConn func(ctx context.Context) (net.Conn, error)

	writeMu sync.Mutex // serializes frame writes

	mu          sync.Mutex
	conn        net.Conn
	connected   bool
	pending     map[string]chan *response
	zones       map[string]zoneStatus // zone ID -> last reported status
	deviceZones map[string]string     // device ID -> zone ID
}

// Dial prepares a client for the bridge named in the credentials. No
// network I/O happens until Connect. The bridge presents a certificate
// that chains to the CA obtained during pairing but does not carry the
// bridge's IP, so chain verification is done explicitly instead of
// through the standard hostname check.
func Dial(creds *config.Credentials, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cert, err := tls.X509KeyPair(creds.Certificate, creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(creds.CACertificate) {
		return nil, fmt.Errorf("no usable certificates in bridge CA file")
	}

	tlsCfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // verification happens in VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyBridgeChain(rawCerts, pool)
		},
		MinVersion: tls.VersionTLS12,
	}

	c := &Client{
		addr:      creds.Address,
		tlsConfig: tlsCfg,
		logger:    logger.With("bridge", creds.Address),
	}
	c.dialConn = c.dialTLS
	return c, nil
}

// verifyBridgeChain checks the presented chain against the pairing CA,
// skipping hostname verification.
func verifyBridgeChain(rawCerts [][]byte, pool *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("bridge presented no certificate")
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse bridge certificate: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse intermediate certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// dialTLS establishes the TLS session to the bridge's LEAP port.
func (c *Client) dialTLS(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.addr, leapPort))
	if err != nil {
		return nil, err
	}

	conn := tls.Client(raw, c.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	return conn, nil
}

// Connect establishes the connection, starts the read loop, and pings
// the bridge to confirm it accepts our client certificate. Suspends
// until ready or fails.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialConn(ctx)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.pending = make(map[string]chan *response)
	c.zones = make(map[string]zoneStatus)
	c.deviceZones = make(map[string]string)
	c.mu.Unlock()

	go c.readLoop(conn)

	resp, err := c.request(ctx, communiqueReadRequest, "/server/1/status/ping", nil)
	if err != nil {
		c.disconnect(err)
		return fmt.Errorf("bridge ping: %w", err)
	}
	if !resp.Header.StatusCode.ok() {
		err := fmt.Errorf("bridge ping returned %s", resp.Header.StatusCode)
		c.disconnect(err)
		return err
	}

	c.logger.Debug("LEAP connection ready")
	return nil
}

// IsConnected reports whether the connection is live. Purely local; no
// network I/O.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection. Pending requests fail with
// errConnectionLost.
func (c *Client) Close() error {
	c.disconnect(errors.New("closed"))
	return nil
}

// readLoop consumes inbound communiques until the connection dies.
// Tagged responses are routed to their waiting request; untagged zone
// status updates refresh the zone cache.
func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 1<<20)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.disconnect(err)
			return
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Log(context.Background(), config.LevelTrace,
				"skipping unparseable LEAP frame", "frame", string(line))
			continue
		}

		c.logger.Log(context.Background(), config.LevelTrace,
			"LEAP recv", "frame", string(line))

		if resp.Header.ClientTag != "" {
			c.deliver(&resp)
			continue
		}

		if resp.Header.MessageBodyType == "OneZoneStatus" {
			c.cacheZoneStatus(resp.Body)
			continue
		}

		c.logger.Debug("unhandled LEAP communique",
			"type", resp.CommuniqueType, "url", resp.Header.URL)
	}
}

// deliver routes a tagged response to its waiting request, if any.
func (c *Client) deliver(resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Header.ClientTag]
	if ok {
		delete(c.pending, resp.Header.ClientTag)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Debug("LEAP response with unknown tag", "tag", resp.Header.ClientTag)
	}
}

// cacheZoneStatus records an unsolicited zone status update.
func (c *Client) cacheZoneStatus(body json.RawMessage) {
	var b oneZoneStatusBody
	if err := json.Unmarshal(body, &b); err != nil {
		c.logger.Debug("bad zone status body", "error", err)
		return
	}

	zone := b.ZoneStatus.Zone.ID()
	if zone == "" {
		zone = b.ZoneStatus.ID()
	}
	if zone == "" {
		return
	}

	c.mu.Lock()
	if c.zones != nil {
		c.zones[zone] = b.ZoneStatus
	}
	c.mu.Unlock()
}

// disconnect marks the connection dead and fails all pending requests.
func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}

	c.logger.Info("bridge connection closed", "cause", cause)
}

// request sends one communique and waits for the tagged response.
func (c *Client) request(ctx context.Context, communique, url string, body any) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	tag := uuid.NewString()
	ch := make(chan *response, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[tag] = ch
	c.mu.Unlock()

	req := request{
		CommuniqueType: communique,
		Header:         requestHeader{ClientTag: tag, URL: url},
		Body:           body,
	}

	frame, err := json.Marshal(req)
	if err != nil {
		c.forget(tag)
		return nil, fmt.Errorf("marshal communique: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "LEAP send", "frame", string(frame))

	c.writeMu.Lock()
	_, err = conn.Write(append(frame, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.forget(tag)
		c.disconnect(err)
		return nil, fmt.Errorf("write to bridge: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(tag)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, errConnectionLost
		}
		return resp, nil
	}
}

// forget drops a pending request registration.
func (c *Client) forget(tag string) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
}

// read issues a ReadRequest and checks the response status.
func (c *Client) read(ctx context.Context, url string) (*response, error) {
	resp, err := c.request(ctx, communiqueReadRequest, url, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Header.StatusCode.ok() {
		return nil, fmt.Errorf("read %s: bridge returned %s", url, resp.Header.StatusCode)
	}
	return resp, nil
}

// create issues a CreateRequest and checks the response status.
func (c *Client) create(ctx context.Context, url string, body any) error {
	resp, err := c.request(ctx, communiqueCreateRequest, url, body)
	if err != nil {
		return err
	}
	if !resp.Header.StatusCode.ok() {
		return fmt.Errorf("command %s: bridge returned %s", url, resp.Header.StatusCode)
	}
	return nil
}

// ListDevices reads the bridge's device inventory, enriched with each
// zone's current output state. Returns a fresh snapshot on every call.
func (c *Client) ListDevices(ctx context.Context) (bridge.Snapshot, error) {
	resp, err := c.read(ctx, "/device")
	if err != nil {
		return nil, err
	}

	var body multipleDeviceBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}

	snap := make(bridge.Snapshot, 0, len(body.Devices))
	for _, d := range body.Devices {
		id := d.ID()
		if id == "" {
			continue
		}

		zone := d.ZoneID()
		c.mu.Lock()
		if c.deviceZones != nil {
			c.deviceZones[id] = zone
		}
		c.mu.Unlock()

		rec := bridge.Record{
			ID:     id,
			Name:   d.DisplayName(),
			Type:   d.DeviceType,
			Zone:   zone,
			Model:  d.ModelNumber,
			Serial: d.SerialNumber,
		}

		if zone != "" {
			if status, err := c.zoneState(ctx, zone); err == nil {
				rec.CurrentState = status.level()
				rec.FanSpeed = status.FanSpeed
			} else {
				c.logger.Debug("zone status unavailable", "zone", zone, "error", err)
			}
		}

		snap = append(snap, rec)
	}

	return snap, nil
}

// zoneState returns the cached status for a zone, reading it from the
// bridge on first encounter. Later updates arrive unsolicited.
func (c *Client) zoneState(ctx context.Context, zone string) (zoneStatus, error) {
	c.mu.Lock()
	status, ok := c.zones[zone]
	c.mu.Unlock()
	if ok {
		return status, nil
	}

	resp, err := c.read(ctx, "/zone/"+zone+"/status")
	if err != nil {
		return zoneStatus{}, err
	}

	var body oneZoneStatusBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return zoneStatus{}, fmt.Errorf("decode zone status: %w", err)
	}

	c.mu.Lock()
	if c.zones != nil {
		c.zones[zone] = body.ZoneStatus
	}
	c.mu.Unlock()

	return body.ZoneStatus, nil
}

// ListScenes reads the bridge's programmed virtual buttons, which the
// Lutron app presents as scenes.
func (c *Client) ListScenes(ctx context.Context) (bridge.Snapshot, error) {
	resp, err := c.read(ctx, "/virtualbutton")
	if err != nil {
		return nil, err
	}

	var body multipleButtonBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode virtual buttons: %w", err)
	}

	var snap bridge.Snapshot
	for _, vb := range body.VirtualButtons {
		if !vb.IsProgrammed {
			continue
		}
		id := vb.ID()
		if id == "" {
			continue
		}
		snap = append(snap, bridge.Record{ID: id, Name: vb.Name})
	}

	return snap, nil
}

// SetValue drives a device's zone to the given level (0-100).
func (c *Client) SetValue(ctx context.Context, id string, level int) error {
	zone, err := c.zoneForDevice(ctx, id)
	if err != nil {
		return err
	}
	return c.create(ctx, "/zone/"+zone+"/commandprocessor", goToLevel(level))
}

// TurnOn drives a device's zone to full.
func (c *Client) TurnOn(ctx context.Context, id string) error {
	return c.SetValue(ctx, id, 100)
}

// TurnOff drives a device's zone to zero.
func (c *Client) TurnOff(ctx context.Context, id string) error {
	return c.SetValue(ctx, id, 0)
}

// ActivateScene presses a programmed virtual button.
func (c *Client) ActivateScene(ctx context.Context, id string) error {
	return c.create(ctx, "/virtualbutton/"+id+"/commandprocessor", pressAndRelease())
}

// zoneForDevice maps a device ID to its zone, consulting the cache
// populated by ListDevices and falling back to a single-device read.
func (c *Client) zoneForDevice(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	zone, ok := c.deviceZones[id]
	c.mu.Unlock()
	if ok && zone != "" {
		return zone, nil
	}
	if ok && zone == "" {
		return "", fmt.Errorf("device %s has no controllable zone", id)
	}

	resp, err := c.read(ctx, "/device/"+id)
	if err != nil {
		return "", err
	}

	var body oneDeviceBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decode device: %w", err)
	}

	zone = body.Device.ZoneID()

	c.mu.Lock()
	if c.deviceZones != nil {
		c.deviceZones[id] = zone
	}
	c.mu.Unlock()

	if zone == "" {
		return "", fmt.Errorf("device %s has no controllable zone", id)
	}
	return zone, nil
}
