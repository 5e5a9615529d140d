// Package tools maps tool invocations onto bridge operations: snapshot
// fetch, entity resolution, input normalization, and uniform result
// rendering.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/caseta-mcp/internal/bridge"
)

// Supported tool names.
const (
	ToolListDevices    = "list_devices"
	ToolTurnOn         = "turn_on"
	ToolTurnOff        = "turn_off"
	ToolSetBrightness  = "set_brightness"
	ToolGetDeviceState = "get_device_state"
	ToolListScenes     = "list_scenes"
	ToolActivateScene  = "activate_scene"
)

// Device types excluded from list_devices: the bridge itself and
// devices the bridge can't classify.
var excludedDeviceTypes = map[string]bool{
	"SmartBridge": true,
	"Unknown":     true,
}

// SessionSource yields the live hub session, establishing one when
// needed. Satisfied by *bridge.SessionManager.
type SessionSource interface {
	Session(ctx context.Context) (*bridge.Session, error)
}

// Dispatcher executes tool invocations against the hub. It is the sole
// consumer of the session manager and the single boundary where
// failures become textual results.
type Dispatcher struct {
	sessions SessionSource
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher backed by the given session source.
func NewDispatcher(sessions SessionSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		logger:   logger,
	}
}

// Dispatch runs a tool by name and always returns a single textual
// result. Failures from config resolution, the connection, or hub
// operations are rendered as "Error: ..." lines; an unrecognized name
// yields "Unknown tool: ..."; a resolver miss yields its own wording.
// No failure escapes this boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) string {
	var text string
	var err error

	switch name {
	case ToolListDevices:
		text, err = d.listDevices(ctx)
	case ToolTurnOn:
		text, err = d.turnOn(ctx, args)
	case ToolTurnOff:
		text, err = d.turnOff(ctx, args)
	case ToolSetBrightness:
		text, err = d.setBrightness(ctx, args)
	case ToolGetDeviceState:
		text, err = d.getDeviceState(ctx, args)
	case ToolListScenes:
		text, err = d.listScenes(ctx)
	case ToolActivateScene:
		text, err = d.activateScene(ctx, args)
	default:
		return fmt.Sprintf("Unknown tool: %s", name)
	}

	if err != nil {
		d.logger.Warn("tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %s", err)
	}

	return text
}

// listDevices returns all controllable devices with their current
// states, as indented JSON.
func (d *Dispatcher) listDevices(ctx context.Context) (string, error) {
	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	devices, err := s.Hub.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	var result []deviceInfo
	for _, r := range devices {
		if excludedDeviceTypes[r.Type] {
			continue
		}
		result = append(result, formatDevice(r))
	}

	if len(result) == 0 {
		return "No controllable devices found.", nil
	}

	return toJSON(result)
}

// turnOn resolves a device and drives it to full.
func (d *Dispatcher) turnOn(ctx context.Context, args map[string]any) (string, error) {
	search, err := stringArg(args, "device")
	if err != nil {
		return "", err
	}

	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	devices, err := s.Hub.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	rec, ok := bridge.Resolve(devices, search)
	if !ok {
		return fmt.Sprintf("Device not found: %s", search), nil
	}

	if err := s.Hub.TurnOn(ctx, rec.ID); err != nil {
		return "", err
	}

	return fmt.Sprintf("Turned on: %s", displayName(rec)), nil
}

// turnOff resolves a device and drives it to zero.
func (d *Dispatcher) turnOff(ctx context.Context, args map[string]any) (string, error) {
	search, err := stringArg(args, "device")
	if err != nil {
		return "", err
	}

	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	devices, err := s.Hub.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	rec, ok := bridge.Resolve(devices, search)
	if !ok {
		return fmt.Sprintf("Device not found: %s", search), nil
	}

	if err := s.Hub.TurnOff(ctx, rec.ID); err != nil {
		return "", err
	}

	return fmt.Sprintf("Turned off: %s", displayName(rec)), nil
}

// setBrightness resolves a device and sets its level. Out-of-range
// values are clamped into [0,100], not rejected.
func (d *Dispatcher) setBrightness(ctx context.Context, args map[string]any) (string, error) {
	search, err := stringArg(args, "device")
	if err != nil {
		return "", err
	}
	brightness, err := intArg(args, "brightness")
	if err != nil {
		return "", err
	}

	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	devices, err := s.Hub.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	rec, ok := bridge.Resolve(devices, search)
	if !ok {
		return fmt.Sprintf("Device not found: %s", search), nil
	}

	brightness = clamp(brightness, 0, 100)
	if err := s.Hub.SetValue(ctx, rec.ID, brightness); err != nil {
		return "", err
	}

	return fmt.Sprintf("Set %s to %d%%", displayName(rec), brightness), nil
}

// getDeviceState resolves a device and returns its formatted record.
// Read-only; no hub mutation.
func (d *Dispatcher) getDeviceState(ctx context.Context, args map[string]any) (string, error) {
	search, err := stringArg(args, "device")
	if err != nil {
		return "", err
	}

	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	devices, err := s.Hub.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	rec, ok := bridge.Resolve(devices, search)
	if !ok {
		return fmt.Sprintf("Device not found: %s", search), nil
	}

	return toJSON(formatDevice(rec))
}

// listScenes returns all scenes as indented JSON.
func (d *Dispatcher) listScenes(ctx context.Context) (string, error) {
	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	scenes, err := s.Hub.ListScenes(ctx)
	if err != nil {
		return "", err
	}

	var result []sceneInfo
	for _, r := range scenes {
		result = append(result, formatScene(r))
	}

	if len(result) == 0 {
		return "No scenes found.", nil
	}

	return toJSON(result)
}

// activateScene resolves a scene and presses its virtual button.
func (d *Dispatcher) activateScene(ctx context.Context, args map[string]any) (string, error) {
	search, err := stringArg(args, "scene")
	if err != nil {
		return "", err
	}

	s, err := d.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	scenes, err := s.Hub.ListScenes(ctx)
	if err != nil {
		return "", err
	}

	rec, ok := bridge.Resolve(scenes, search)
	if !ok {
		return fmt.Sprintf("Scene not found: %s", search), nil
	}

	if err := s.Hub.ActivateScene(ctx, rec.ID); err != nil {
		return "", err
	}

	return fmt.Sprintf("Activated scene: %s", displayName(rec)), nil
}

// displayName prefers the record's name, falling back to its ID.
func displayName(r bridge.Record) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// clamp bounds v into [lo, hi].
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

// intArg extracts a required integer argument. JSON decoding hands
// numbers over as float64.
func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
