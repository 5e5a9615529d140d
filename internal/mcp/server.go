// Package mcp exposes the tool dispatcher as an MCP server over stdio.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/caseta-mcp/internal/buildinfo"
	"github.com/nugget/caseta-mcp/internal/tools"
)

// Server wraps the MCP server with the Caseta tool dispatcher.
type Server struct {
	dispatcher *tools.Dispatcher
	server     *mcp.Server
	logger     *slog.Logger
}

// NewServer creates the MCP server and registers the seven Caseta tools.
func NewServer(d *tools.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher: d,
		logger:     logger,
	}

	impl := &mcp.Implementation{
		Name:    "caseta-mcp",
		Version: buildinfo.Version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run serves MCP over stdio until the context is cancelled or the
// client disconnects. Tool invocations arrive one at a time on the
// single duplex stream.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio", "version", buildinfo.Version)
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Tool argument shapes. The jsonschema tags become the advisory input
// schema; the dispatcher revalidates and normalizes regardless.

type listArgs struct{}

type deviceArgs struct {
	Device string `json:"device" jsonschema:"Device name or ID"`
}

type brightnessArgs struct {
	Device     string `json:"device" jsonschema:"Device name or ID"`
	Brightness int    `json:"brightness" jsonschema:"Brightness level (0-100). 0 is off, 100 is full brightness. Out-of-range values are clamped."`
}

type sceneArgs struct {
	Scene string `json:"scene" jsonschema:"Scene name or ID to activate"`
}

// registerTools adds the seven Caseta tools to the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolListDevices,
		Description: "List all Lutron devices (lights, dimmers, switches, fans) with their current states",
	}, s.handleListDevices)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolTurnOn,
		Description: "Turn on a light or switch. Use the device name or ID.",
	}, s.handleTurnOn)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolTurnOff,
		Description: "Turn off a light or switch. Use the device name or ID.",
	}, s.handleTurnOff)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolSetBrightness,
		Description: "Set brightness level for a dimmer (0-100). 0 is off, 100 is full brightness.",
	}, s.handleSetBrightness)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolGetDeviceState,
		Description: "Get the current state of a specific device",
	}, s.handleGetDeviceState)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolListScenes,
		Description: "List all available Lutron scenes",
	}, s.handleListScenes)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        tools.ToolActivateScene,
		Description: "Activate a Lutron scene by name or ID",
	}, s.handleActivateScene)
}

func (s *Server) handleListDevices(ctx context.Context, req *mcp.CallToolRequest, args listArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolListDevices, nil), nil, nil
}

func (s *Server) handleTurnOn(ctx context.Context, req *mcp.CallToolRequest, args deviceArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolTurnOn, map[string]any{"device": args.Device}), nil, nil
}

func (s *Server) handleTurnOff(ctx context.Context, req *mcp.CallToolRequest, args deviceArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolTurnOff, map[string]any{"device": args.Device}), nil, nil
}

func (s *Server) handleSetBrightness(ctx context.Context, req *mcp.CallToolRequest, args brightnessArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolSetBrightness, map[string]any{
		"device":     args.Device,
		"brightness": args.Brightness,
	}), nil, nil
}

func (s *Server) handleGetDeviceState(ctx context.Context, req *mcp.CallToolRequest, args deviceArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolGetDeviceState, map[string]any{"device": args.Device}), nil, nil
}

func (s *Server) handleListScenes(ctx context.Context, req *mcp.CallToolRequest, args listArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolListScenes, nil), nil, nil
}

func (s *Server) handleActivateScene(ctx context.Context, req *mcp.CallToolRequest, args sceneArgs) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, tools.ToolActivateScene, map[string]any{"scene": args.Scene}), nil, nil
}

// dispatch runs a tool and wraps its textual result as a single content
// block. Errors render as normal results; nothing surfaces as a
// protocol fault.
func (s *Server) dispatch(ctx context.Context, name string, args map[string]any) *mcp.CallToolResult {
	text := s.dispatcher.Dispatch(ctx, name, args)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
