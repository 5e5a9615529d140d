package leap

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Communique types used on the wire.
const (
	communiqueReadRequest   = "ReadRequest"
	communiqueCreateRequest = "CreateRequest"
)

// request is an outbound LEAP communique. The ClientTag correlates the
// eventual response; the bridge echoes it back verbatim.
type request struct {
	CommuniqueType string        `json:"CommuniqueType"`
	Header         requestHeader `json:"Header"`
	Body           any           `json:"Body,omitempty"`
}

type requestHeader struct {
	ClientTag string `json:"ClientTag"`
	URL       string `json:"Url"`
}

// response is an inbound LEAP communique. Unsolicited status updates
// arrive on the same stream with no ClientTag.
type response struct {
	CommuniqueType string          `json:"CommuniqueType"`
	Header         responseHeader  `json:"Header"`
	Body           json.RawMessage `json:"Body,omitempty"`
}

type responseHeader struct {
	ClientTag       string     `json:"ClientTag"`
	StatusCode      statusCode `json:"StatusCode"`
	URL             string     `json:"Url"`
	MessageBodyType string     `json:"MessageBodyType"`
}

// statusCode is the LEAP status header, e.g. "200 OK" or "401 Unauthorized".
type statusCode string

// ok reports whether the code is in the 2xx range.
func (s statusCode) ok() bool {
	first, _, _ := strings.Cut(string(s), " ")
	n, err := strconv.Atoi(first)
	return err == nil && n >= 200 && n < 300
}

// href is a LEAP object reference like {"href": "/device/2"}.
type href struct {
	Href string `json:"href"`
}

// ID returns the trailing path segment of the href, which LEAP uses as
// the object identifier ("/device/2" -> "2").
func (h href) ID() string {
	i := strings.LastIndexByte(h.Href, '/')
	if i < 0 || i == len(h.Href)-1 {
		return ""
	}
	return h.Href[i+1:]
}

// device is one entry of a /device read.
type device struct {
	href
	Name               string   `json:"Name"`
	FullyQualifiedName []string `json:"FullyQualifiedName"`
	DeviceType         string   `json:"DeviceType"`
	ModelNumber        string   `json:"ModelNumber"`
	SerialNumber       *int64   `json:"SerialNumber"`
	LocalZones         []href   `json:"LocalZones"`
}

// DisplayName is the fully qualified name joined with spaces, falling
// back to the bare Name field.
func (d device) DisplayName() string {
	if len(d.FullyQualifiedName) > 0 {
		return strings.Join(d.FullyQualifiedName, " ")
	}
	return d.Name
}

// ZoneID returns the device's first local zone ID, or "".
func (d device) ZoneID() string {
	if len(d.LocalZones) == 0 {
		return ""
	}
	return d.LocalZones[0].ID()
}

type multipleDeviceBody struct {
	Devices []device `json:"Devices"`
}

type oneDeviceBody struct {
	Device device `json:"Device"`
}

// virtualButton is one entry of a /virtualbutton read. Programmed
// virtual buttons are what the app presents as scenes.
type virtualButton struct {
	href
	Name         string `json:"Name"`
	IsProgrammed bool   `json:"IsProgrammed"`
}

type multipleButtonBody struct {
	VirtualButtons []virtualButton `json:"VirtualButtons"`
}

// zoneStatus carries the current output state of a zone. Dimmers report
// Level 0-100; switches report SwitchedLevel "On"/"Off"; fans report
// FanSpeed.
type zoneStatus struct {
	href
	Level         *int    `json:"Level"`
	SwitchedLevel string  `json:"SwitchedLevel"`
	FanSpeed      *string `json:"FanSpeed"`
	Zone          href    `json:"Zone"`
}

// level flattens the three state variants into a single 0-100 value,
// or nil when the zone has reported nothing usable.
func (z zoneStatus) level() *int {
	if z.Level != nil {
		return z.Level
	}
	switch z.SwitchedLevel {
	case "On":
		v := 100
		return &v
	case "Off":
		v := 0
		return &v
	}
	return nil
}

type oneZoneStatusBody struct {
	ZoneStatus zoneStatus `json:"ZoneStatus"`
}

// command bodies for zone and virtual button command processors.

type commandBody struct {
	Command command `json:"Command"`
}

type command struct {
	CommandType string             `json:"CommandType"`
	Parameter   []commandParameter `json:"Parameter,omitempty"`
}

type commandParameter struct {
	Type  string `json:"Type"`
	Value int    `json:"Value"`
}

// goToLevel builds the command body that sets a zone to the given level.
func goToLevel(level int) commandBody {
	return commandBody{Command: command{
		CommandType: "GoToLevel",
		Parameter:   []commandParameter{{Type: "Level", Value: level}},
	}}
}

// pressAndRelease builds the command body that fires a virtual button.
func pressAndRelease() commandBody {
	return commandBody{Command: command{CommandType: "PressAndRelease"}}
}
