package proxy

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func newServerHooks(logger *slog.Logger) *server.Hooks {
	hooks := &server.Hooks{}

	hooks.AddBeforeAny(func(ctx context.Context, id any, method mcp.MCPMethod, message any) {
		logger.Debug("mcp request", "method", method, "id", id)
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		logger.Error("mcp request failed", "method", method, "id", id, "error", err)
	})

	hooks.AddAfterInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		logger.Info("mcp client connected",
			"client", message.Params.ClientInfo.Name,
			"client_version", message.Params.ClientInfo.Version,
			"protocol", result.ProtocolVersion,
		)
	})

	hooks.AddBeforeCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest) {
		caller, _ := CallerFromContext(ctx)
		logger.Debug("tool call", "id", id, "tool", message.Params.Name, "caller", caller)
	})

	hooks.AddOnSuccess(func(ctx context.Context, id any, method mcp.MCPMethod, message any, result any) {
		if r, ok := result.(*mcp.CallToolResult); ok && r != nil && r.IsError {
			logger.Warn("tool call returned an error", "method", method, "id", id)
		}
	})

	return hooks
}
