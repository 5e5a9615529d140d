package leap

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
)

// testRequest mirrors the outbound communique shape for decoding on the
// fake bridge side.
type testRequest struct {
	CommuniqueType string
	Header         struct {
		ClientTag string
		Url       string
	}
	Body json.RawMessage
}

// sendFunc writes one communique frame back to the client.
type sendFunc func(resp response)

// startClient wires a client to an in-process fake bridge over net.Pipe.
// The handler sees every request except the connect ping, which is
// answered automatically.
func startClient(t *testing.T, handle func(req testRequest, send sendFunc)) *Client {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	send := func(resp response) {
		frame, err := json.Marshal(resp)
		if err != nil {
			panic(err)
		}
		serverConn.Write(append(frame, '\n'))
	}

	go func() {
		scanner := bufio.NewScanner(serverConn)
		for scanner.Scan() {
			var req testRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.Header.Url == "/server/1/status/ping" {
				send(okResponse(req.Header.ClientTag, "OnePingResponse", nil))
				continue
			}
			handle(req, send)
		}
	}()

	c := &Client{
		addr:   "test-bridge",
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	c.dialConn = func(ctx context.Context) (net.Conn, error) {
		return clientConn, nil
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		serverConn.Close()
	})

	return c
}

// okResponse builds a 200 communique with the given body.
func okResponse(tag, bodyType string, body any) response {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	return response{
		CommuniqueType: "ReadResponse",
		Header: responseHeader{
			ClientTag:       tag,
			StatusCode:      "200 OK",
			MessageBodyType: bodyType,
		},
		Body: raw,
	}
}

func TestConnect(t *testing.T) {
	c := startClient(t, func(req testRequest, send sendFunc) {
		t.Errorf("unexpected request: %s %s", req.CommuniqueType, req.Header.Url)
	})

	if !c.IsConnected() {
		t.Error("IsConnected = false after successful connect")
	}

	c.Close()
	if c.IsConnected() {
		t.Error("IsConnected = true after close")
	}
}

func TestConnectPingRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		scanner := bufio.NewScanner(serverConn)
		for scanner.Scan() {
			var req testRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := response{
				CommuniqueType: "ExceptionResponse",
				Header: responseHeader{
					ClientTag:  req.Header.ClientTag,
					StatusCode: "401 Unauthorized",
				},
			}
			frame, _ := json.Marshal(resp)
			serverConn.Write(append(frame, '\n'))
		}
	}()

	c := &Client{
		addr:   "test-bridge",
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	c.dialConn = func(ctx context.Context) (net.Conn, error) {
		return clientConn, nil
	}

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when the bridge rejects the ping")
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after rejected handshake")
	}
}

func TestListDevices(t *testing.T) {
	level := 75

	c := startClient(t, func(req testRequest, send sendFunc) {
		switch req.Header.Url {
		case "/device":
			body := multipleDeviceBody{Devices: []device{
				{
					href:        href{Href: "/device/1"},
					Name:        "Smart Bridge",
					DeviceType:  "SmartBridge",
					ModelNumber: "L-BDG2-WH",
				},
				{
					href:               href{Href: "/device/2"},
					FullyQualifiedName: []string{"Kitchen", "Light"},
					DeviceType:         "WallDimmer",
					ModelNumber:        "PD-6WCL",
					LocalZones:         []href{{Href: "/zone/9"}},
				},
			}}
			send(okResponse(req.Header.ClientTag, "MultipleDeviceDefinition", body))
		case "/zone/9/status":
			body := oneZoneStatusBody{ZoneStatus: zoneStatus{
				href:  href{Href: "/zone/9/status"},
				Level: &level,
				Zone:  href{Href: "/zone/9"},
			}}
			send(okResponse(req.Header.ClientTag, "OneZoneStatus", body))
		default:
			t.Errorf("unexpected request: %s %s", req.CommuniqueType, req.Header.Url)
		}
	})

	snap, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}

	if len(snap) != 2 {
		t.Fatalf("got %d devices, want 2", len(snap))
	}
	dimmer := snap[1]
	if dimmer.ID != "2" || dimmer.Name != "Kitchen Light" || dimmer.Zone != "9" {
		t.Errorf("dimmer record = %+v", dimmer)
	}
	if dimmer.CurrentState == nil || *dimmer.CurrentState != 75 {
		t.Errorf("dimmer state = %v, want 75", dimmer.CurrentState)
	}
	if snap[0].CurrentState != nil {
		t.Errorf("zoneless bridge device has state %v", *snap[0].CurrentState)
	}
}

func TestListScenes(t *testing.T) {
	c := startClient(t, func(req testRequest, send sendFunc) {
		if req.Header.Url != "/virtualbutton" {
			t.Errorf("unexpected request: %s %s", req.CommuniqueType, req.Header.Url)
			return
		}
		body := multipleButtonBody{VirtualButtons: []virtualButton{
			{href: href{Href: "/virtualbutton/1"}, Name: "Movie Night", IsProgrammed: true},
			{href: href{Href: "/virtualbutton/2"}, Name: "", IsProgrammed: false},
			{href: href{Href: "/virtualbutton/3"}, Name: "Bedtime", IsProgrammed: true},
		}}
		send(okResponse(req.Header.ClientTag, "MultipleVirtualButtonDefinition", body))
	})

	snap, err := c.ListScenes(context.Background())
	if err != nil {
		t.Fatalf("ListScenes: %v", err)
	}

	if len(snap) != 2 {
		t.Fatalf("got %d scenes, want 2 (unprogrammed filtered)", len(snap))
	}
	if snap[0].ID != "1" || snap[0].Name != "Movie Night" {
		t.Errorf("first scene = %+v", snap[0])
	}
	if snap[1].ID != "3" {
		t.Errorf("second scene = %+v", snap[1])
	}
}

func TestSetValue(t *testing.T) {
	var gotBody commandBody
	deviceReads := 0

	c := startClient(t, func(req testRequest, send sendFunc) {
		switch req.Header.Url {
		case "/device/2":
			deviceReads++
			body := oneDeviceBody{Device: device{
				href:       href{Href: "/device/2"},
				Name:       "Kitchen Light",
				LocalZones: []href{{Href: "/zone/9"}},
			}}
			send(okResponse(req.Header.ClientTag, "OneDeviceDefinition", body))
		case "/zone/9/commandprocessor":
			if req.CommuniqueType != communiqueCreateRequest {
				t.Errorf("command sent as %s", req.CommuniqueType)
			}
			if err := json.Unmarshal(req.Body, &gotBody); err != nil {
				t.Errorf("decode command body: %v", err)
			}
			send(okResponse(req.Header.ClientTag, "OneZoneStatus", nil))
		default:
			t.Errorf("unexpected request: %s %s", req.CommuniqueType, req.Header.Url)
		}
	})

	if err := c.SetValue(context.Background(), "2", 40); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	if gotBody.Command.CommandType != "GoToLevel" {
		t.Errorf("command type = %q", gotBody.Command.CommandType)
	}
	if len(gotBody.Command.Parameter) != 1 || gotBody.Command.Parameter[0].Value != 40 {
		t.Errorf("command parameters = %+v", gotBody.Command.Parameter)
	}

	// The zone mapping is cached; a second command must not re-read
	// the device.
	if err := c.SetValue(context.Background(), "2", 0); err != nil {
		t.Fatalf("second SetValue: %v", err)
	}
	if gotBody.Command.Parameter[0].Value != 0 {
		t.Errorf("second command level = %d, want 0", gotBody.Command.Parameter[0].Value)
	}
	if deviceReads != 1 {
		t.Errorf("device reads = %d, want 1", deviceReads)
	}
}

func TestActivateScene(t *testing.T) {
	var gotBody commandBody
	var gotURL string

	c := startClient(t, func(req testRequest, send sendFunc) {
		gotURL = req.Header.Url
		if err := json.Unmarshal(req.Body, &gotBody); err != nil {
			t.Errorf("decode command body: %v", err)
		}
		send(okResponse(req.Header.ClientTag, "OneVirtualButton", nil))
	})

	if err := c.ActivateScene(context.Background(), "3"); err != nil {
		t.Fatalf("ActivateScene: %v", err)
	}

	if gotURL != "/virtualbutton/3/commandprocessor" {
		t.Errorf("command url = %q", gotURL)
	}
	if gotBody.Command.CommandType != "PressAndRelease" {
		t.Errorf("command type = %q", gotBody.Command.CommandType)
	}
}

func TestUnsolicitedZoneStatusRefreshesCache(t *testing.T) {
	level := 20

	c := startClient(t, func(req testRequest, send sendFunc) {
		if req.Header.Url != "/device" {
			t.Errorf("unexpected request: %s %s", req.CommuniqueType, req.Header.Url)
			return
		}

		// Push an untagged status frame ahead of the tagged response.
		// Frames are processed in order, so the cache is warm before
		// the device list is delivered and no /zone read is needed.
		send(response{
			CommuniqueType: "ReadResponse",
			Header:         responseHeader{StatusCode: "200 OK", MessageBodyType: "OneZoneStatus"},
			Body: mustMarshal(oneZoneStatusBody{ZoneStatus: zoneStatus{
				Level: &level,
				Zone:  href{Href: "/zone/9"},
			}}),
		})

		body := multipleDeviceBody{Devices: []device{{
			href:       href{Href: "/device/2"},
			Name:       "Kitchen Light",
			DeviceType: "WallDimmer",
			LocalZones: []href{{Href: "/zone/9"}},
		}}}
		send(okResponse(req.Header.ClientTag, "MultipleDeviceDefinition", body))
	})

	snap, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("got %d devices, want 1", len(snap))
	}
	if snap[0].CurrentState == nil || *snap[0].CurrentState != 20 {
		t.Errorf("state = %v, want cached 20", snap[0].CurrentState)
	}
}

func TestRequestAfterDisconnect(t *testing.T) {
	c := startClient(t, func(req testRequest, send sendFunc) {})
	c.Close()

	if _, err := c.ListDevices(context.Background()); err == nil {
		t.Error("ListDevices should fail on a closed client")
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
