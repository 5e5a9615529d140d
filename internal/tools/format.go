package tools

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/caseta-mcp/internal/bridge"
)

// deviceInfo is the fixed output projection for a device record. Name
// and type default to "Unknown"; everything else passes through as null
// when the hub reported nothing, never fabricated.
type deviceInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Zone         *string `json:"zone"`
	CurrentState *int    `json:"current_state"`
	FanSpeed     *string `json:"fan_speed"`
	Model        *string `json:"model"`
	Serial       *int64  `json:"serial"`
}

// sceneInfo is the output projection for a scene record.
type sceneInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// formatDevice projects a record into the fixed output shape.
func formatDevice(r bridge.Record) deviceInfo {
	info := deviceInfo{
		ID:           r.ID,
		Name:         orUnknown(r.Name),
		Type:         orUnknown(r.Type),
		CurrentState: r.CurrentState,
		FanSpeed:     r.FanSpeed,
		Serial:       r.Serial,
	}
	if r.Zone != "" {
		info.Zone = &r.Zone
	}
	if r.Model != "" {
		info.Model = &r.Model
	}
	return info
}

// formatScene projects a scene record.
func formatScene(r bridge.Record) sceneInfo {
	return sceneInfo{
		ID:   r.ID,
		Name: orUnknown(r.Name),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// toJSON renders a value as 2-space-indented JSON.
func toJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
