// Package bridge binds the tool registry and dispatcher into an MCP server.
// Both transports (stdio and HTTP/SSE) mount the same Bridge, so lookup,
// validation, dispatch, and result shaping are written once.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/opmanager-mcp/internal/client"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
	"github.com/bobmcallan/opmanager-mcp/internal/tools"
)

// ErrToolNotFound is returned by Call for names absent from the registry.
var ErrToolNotFound = errors.New("tool not found")

// Bridge owns the MCP server with every registry tool registered.
type Bridge struct {
	mcpServer  *mcpserver.MCPServer
	registry   *tools.Registry
	dispatcher *client.Dispatcher
	logger     *common.Logger
}

// New registers every tool in the registry on a fresh MCP server.
func New(registry *tools.Registry, dispatcher *client.Dispatcher, logger *common.Logger) *Bridge {
	b := &Bridge{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}

	srv := mcpserver.NewMCPServer(
		"opmanager-mcp-server",
		common.GetVersion(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	for _, t := range registry.Tools() {
		srv.AddTool(t.Definition, b.toolHandler(t))
	}
	b.mcpServer = srv

	logger.Info().Int("tools", registry.Len()).Msg("bridge initialized")
	return b
}

// MCPServer returns the underlying MCP server for transport mounting.
func (b *Bridge) MCPServer() *mcpserver.MCPServer {
	return b.mcpServer
}

// Registry returns the tool registry.
func (b *Bridge) Registry() *tools.Registry {
	return b.registry
}

// toolHandler routes one MCP tool call through the dispatcher. Dispatch
// failures come back as results with IsError set so the caller can read the
// category and self-correct; they never become protocol errors.
func (b *Bridge) toolHandler(t tools.Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, isErr := b.invoke(ctx, t, r.GetArguments())
		if isErr {
			return mcp.NewToolResultError(text), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

// Call invokes a tool by name outside an MCP session, for the direct
// synchronous HTTP endpoint. Returns ErrToolNotFound for unknown names;
// dispatch failures are reported through isError, not the error return.
func (b *Bridge) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	t, ok := b.registry.Lookup(name)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	text, isErr := b.invoke(ctx, t, args)
	return text, isErr, nil
}

// invoke runs one dispatch with a correlation-scoped logger and shapes the
// outcome as response text.
func (b *Bridge) invoke(ctx context.Context, t tools.Tool, args map[string]any) (text string, isError bool) {
	name := t.Definition.Name
	log := b.logger.WithCorrelationId(uuid.NewString())

	log.Info().Str("tool", name).Msg("executing tool")

	payload, err := b.dispatcher.Invoke(ctx, t.Invoker, args)
	if err != nil {
		log.Warn().Str("tool", name).Str("error", err.Error()).Msg("tool execution failed")
		return formatError(name, err), true
	}

	log.Info().Str("tool", name).Msg("tool executed")

	pretty, merr := json.MarshalIndent(payload, "", "  ")
	if merr != nil {
		return formatError(name, fmt.Errorf("unserializable payload: %w", merr)), true
	}
	return string(pretty), false
}

// formatError renders a dispatch failure as a structured JSON document with
// its category and, for upstream failures, the status code and body excerpt.
// Connection arguments never appear here.
func formatError(tool string, err error) string {
	details := map[string]any{
		"tool":    tool,
		"message": err.Error(),
	}

	var ve *client.ValidationError
	var ue *client.UpstreamError
	var te *client.TransportError
	switch {
	case errors.As(err, &ve):
		details["error"] = "ValidationError"
	case errors.As(err, &ue):
		details["error"] = "UpstreamError"
		details["status_code"] = ue.StatusCode
	case errors.As(err, &te):
		details["error"] = "TransportError"
		details["cause"] = te.Cause
	default:
		details["error"] = "ExecutionError"
	}

	out, merr := json.MarshalIndent(details, "", "  ")
	if merr != nil {
		return err.Error()
	}
	return string(out)
}
